package robot

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/transairobot/rccar_go/protocol"
)

func TestDeliveryRetriesOnMismatch(t *testing.T) {
	link := newFakeLink(func(n int, cmd protocol.Command) ([]byte, bool, error) {
		if n == 0 {
			return []byte("Z"), true, nil
		}
		return nil, true, nil
	})
	s := newTestSession(t, testConfig(), link)

	require.NoError(t, s.Enqueue(protocol.Forward))
	require.Eventually(t, func() bool {
		last, ok := s.LastCommand()
		return ok && last == protocol.Forward
	}, time.Second, time.Millisecond)

	require.Equal(t, cmds("WW"), link.Writes())
	require.Equal(t, cmds("W"), s.History())
}

func TestDeliveryDropsAfterMaxRetries(t *testing.T) {
	link := newFakeLink(func(n int, cmd protocol.Command) ([]byte, bool, error) {
		// 第一条指令永远收不到确认
		return nil, cmd != protocol.Forward, nil
	})
	conf := testConfig()
	s := newTestSession(t, conf, link)

	require.NoError(t, s.Enqueue(protocol.Forward))
	require.NoError(t, s.Enqueue(protocol.GripOpen))

	require.Eventually(t, func() bool {
		last, _ := s.LastCommand()
		return last == protocol.GripOpen
	}, 2*time.Second, time.Millisecond)

	require.Equal(t, cmds("WWWQ"), link.Writes())
	require.Equal(t, cmds("Q"), s.History())
}

func TestDeliveryEmptyAckIsMismatch(t *testing.T) {
	link := newFakeLink(func(n int, cmd protocol.Command) ([]byte, bool, error) {
		if n < 2 {
			return []byte{}, true, nil
		}
		return nil, true, nil
	})
	s := newTestSession(t, testConfig(), link)

	require.NoError(t, s.Enqueue(protocol.Backward))
	require.Eventually(t, func() bool { return len(s.History()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, cmds("SSS"), link.Writes())
}

func TestDeliveryWriteFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	link := NewMockLink(ctrl)

	calls := make(chan struct{}, 8)
	link.EXPECT().
		Write(gomock.Any(), []byte("D")).
		Times(3).
		DoAndReturn(func(ctx context.Context, p []byte) error {
			calls <- struct{}{}
			return errors.New("gatt operation already in progress")
		})

	s := newTestSession(t, testConfig(), nil)
	s.OnLinkEstablished(link, make(chan []byte))
	require.NoError(t, s.Enqueue(protocol.Right))

	for i := 0; i < 3; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatalf("只收到 %d 次写入", i)
		}
	}

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.processing
	}, time.Second, time.Millisecond)
	require.Empty(t, s.History())
}

func TestAttemptErrors(t *testing.T) {
	conf := testConfig()
	s := newTestSession(t, conf, nil)

	link := newFakeLink(func(int, protocol.Command) ([]byte, bool, error) { return []byte("Q"), true, nil })
	s.OnLinkEstablished(link, link.notify)

	s.mu.Lock()
	ctx, epoch := s.linkCtx, s.epoch
	s.mu.Unlock()

	err := s.attempt(ctx, link, protocol.GripClose, epoch)
	var mismatch *AckMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.ErrorIs(t, err, ErrAckMismatch)
	require.Equal(t, protocol.GripClose, mismatch.Expected)

	silent := newFakeLink(func(int, protocol.Command) ([]byte, bool, error) { return nil, false, nil })
	err = s.attempt(ctx, silent, protocol.GripClose, epoch)
	require.ErrorIs(t, err, ErrAckTimeout)
	var timeout *TimeoutError
	require.ErrorAs(t, err, &timeout)
	require.True(t, timeout.IsTimeout())

	broken := newFakeLink(func(int, protocol.Command) ([]byte, bool, error) { return nil, false, errors.New("boom") })
	require.ErrorIs(t, s.attempt(ctx, broken, protocol.GripClose, epoch), ErrWriteFailure)

	require.ErrorIs(t, s.attempt(ctx, link, protocol.GripClose, epoch+1), errLinkLost)
}

func TestStrayNotificationIgnored(t *testing.T) {
	link := newFakeLink(echo)
	s := newTestSession(t, testConfig(), link)

	s.HandleNotification([]byte("W"))
	link.notify <- []byte("A")

	require.NoError(t, s.Enqueue(protocol.Left))
	require.Eventually(t, func() bool { return len(s.History()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, cmds("A"), s.History())
}

func TestHistoryCapped(t *testing.T) {
	link := newFakeLink(echo)
	s := newTestSession(t, testConfig(), link)

	sent := cmds("WASDQE012345")
	for _, c := range sent {
		require.NoError(t, s.Enqueue(c))
		require.Eventually(t, func() bool {
			last, _ := s.LastCommand()
			return last == c
		}, time.Second, time.Millisecond)
		require.LessOrEqual(t, len(s.History()), historyLimit)
	}

	require.Equal(t, sent[len(sent)-historyLimit:], s.History())
}
