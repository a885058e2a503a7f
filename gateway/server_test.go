package gateway_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	robot "github.com/transairobot/rccar_go"
	"github.com/transairobot/rccar_go/gateway"
	"github.com/transairobot/rccar_go/link"
	"github.com/transairobot/rccar_go/protocol"
)

func TestMain(m *testing.M) {
	logger, _ := zap.NewDevelopment()
	zap.ReplaceGlobals(logger)
	os.Exit(m.Run())
}

func startServer(t *testing.T, conf *gateway.Config) (*gateway.Server, string) {
	t.Helper()
	srv := gateway.NewServer(conf)
	addr, err := srv.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go srv.Run()
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, addr.String()
}

func dial(t *testing.T, addr string, acks bool) *link.Client {
	t.Helper()
	conf := robot.DefaultConfig().Link
	conf.Addr = addr
	conf.Acks = acks

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := link.Dial(ctx, conf, t.Name())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newSession(t *testing.T, c *link.Client) *robot.Session {
	t.Helper()
	conf := robot.DefaultConfig()
	conf.Delivery.AckTimeout = 300 * time.Millisecond
	conf.Delivery.RetryBackoff = 5 * time.Millisecond
	conf.Delivery.InterCommandDelay = time.Millisecond
	conf.RateLimit.MinInterval = 0

	s := robot.NewSession(conf)
	s.OnLinkEstablished(c, c.Notifications())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func history(s *robot.Session) string {
	var out []byte
	for _, c := range s.History() {
		out = append(out, byte(c))
	}
	return string(out)
}

func TestDeliverThroughGateway(t *testing.T) {
	srv, addr := startServer(t, nil)
	c := dial(t, addr, true)
	s := newSession(t, c)

	require.NoError(t, s.SyncSpeed())
	require.NoError(t, s.Enqueue(protocol.Forward))
	require.NoError(t, s.Enqueue(protocol.GripClose))

	require.Eventually(t, func() bool { return history(s) == "5WE" }, 5*time.Second, 5*time.Millisecond)

	sessions := srv.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, uint64(3), sessions[0].CommandsRecv())
	require.Equal(t, uint64(3), sessions[0].AcksSent())
	require.Equal(t, t.Name(), sessions[0].Hello.SessionID)

	st := sessions[0].Vehicle().Status()
	require.Equal(t, "FORWARD", st.Motion)
	require.Equal(t, "GRIPPER CLOSE", st.Gripper)
}

func TestRetryOnDroppedAck(t *testing.T) {
	vehicle := gateway.NewSimVehicle()
	vehicle.DropEvery = 2
	_, addr := startServer(t, &gateway.Config{NewVehicle: func() gateway.Vehicle { return vehicle }})

	s := newSession(t, dial(t, addr, true))
	require.NoError(t, s.Enqueue(protocol.Forward))
	require.NoError(t, s.Enqueue(protocol.Left))

	require.Eventually(t, func() bool { return history(s) == "WA" }, 5*time.Second, 5*time.Millisecond)

	st := vehicle.Status()
	require.Equal(t, uint64(3), st.Applied)
	require.Equal(t, uint64(1), st.AcksDropped)
}

func TestCorruptedAckExhaustsRetries(t *testing.T) {
	vehicle := gateway.NewSimVehicle()
	vehicle.CorruptEvery = 1
	_, addr := startServer(t, &gateway.Config{NewVehicle: func() gateway.Vehicle { return vehicle }})

	s := newSession(t, dial(t, addr, true))
	require.NoError(t, s.Enqueue(protocol.Right))

	require.Eventually(t, func() bool { return vehicle.Status().Applied == 3 }, 5*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return vehicle.Status().Applied > 3 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Empty(t, s.History())
	require.Equal(t, uint64(3), vehicle.Status().AcksCorrupted)
}

func TestDegradedWithoutAcks(t *testing.T) {
	srv, addr := startServer(t, nil)
	c := dial(t, addr, false)
	require.Nil(t, c.Notifications())

	s := newSession(t, c)
	require.True(t, s.Degraded())
	require.NoError(t, s.Enqueue(protocol.Backward))

	require.Eventually(t, func() bool {
		sessions := srv.Sessions()
		return len(sessions) == 1 && sessions[0].CommandsRecv() == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return history(s) == "S" }, time.Second, time.Millisecond)
	require.Zero(t, srv.Sessions()[0].AcksSent())
}

func TestStatusFrames(t *testing.T) {
	_, addr := startServer(t, &gateway.Config{StatusInterval: 10 * time.Millisecond})
	c := dial(t, addr, true)

	require.Eventually(t, func() bool {
		st, ok := c.Status()
		return ok && st.Speed == protocol.DefaultSpeed
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStopEndsLink(t *testing.T) {
	srv, addr := startServer(t, nil)
	c := dial(t, addr, true)
	s := newSession(t, c)

	require.Eventually(t, func() bool { return len(srv.Sessions()) == 1 }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, srv.Stop())

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("网关停止后链路未断开")
	}
	s.OnLinkLost()

	require.False(t, s.Connected())
	require.ErrorIs(t, s.Enqueue(protocol.Forward), robot.ErrLinkUnavailable)
	require.ErrorIs(t, c.Write(context.Background(), []byte{byte(protocol.Forward)}), link.ErrClosed)
}
