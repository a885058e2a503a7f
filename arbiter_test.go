package robot

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/transairobot/rccar_go/protocol"
)

type recorder struct {
	mu   sync.Mutex
	sent []protocol.Command
}

func (r *recorder) emit(c protocol.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, c)
}

func (r *recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, len(r.sent))
	for i, c := range r.sent {
		b[i] = byte(c)
	}
	return string(b)
}

func newTestArbiter(mode Mode) (*Arbiter, *recorder) {
	r := &recorder{}
	a := NewArbiter(nil, r.emit)
	a.SetMode(mode)
	return a, r
}

func TestHoldRepeatSuppressed(t *testing.T) {
	a, r := newTestArbiter(ModeHold)

	a.Down(protocol.KeyW)
	a.Down(protocol.KeyW)
	require.Equal(t, "W", r.String())

	a.Up(protocol.KeyW)
	require.Equal(t, "WX", r.String())
}

func TestHoldStopOnlyWhenLastMovementKeyReleased(t *testing.T) {
	a, r := newTestArbiter(ModeHold)

	a.Down(protocol.KeyW)
	a.Down(protocol.KeyA)
	a.Up(protocol.KeyW)
	require.Equal(t, "WA", r.String())

	a.Up(protocol.KeyA)
	require.Equal(t, "WAX", r.String())
}

func TestHoldSpuriousKeyUp(t *testing.T) {
	a, r := newTestArbiter(ModeHold)

	a.Up(protocol.KeyD)
	a.Up(protocol.KeyQ)
	require.Empty(t, r.String())
}

func TestGripperNeverStops(t *testing.T) {
	a, r := newTestArbiter(ModeHold)

	a.Down(protocol.KeyQ)
	a.Down(protocol.KeyQ)
	a.Up(protocol.KeyQ)
	a.Down(protocol.KeyE)
	a.Up(protocol.KeyE)
	require.Equal(t, "QE", r.String())
	require.False(t, a.MovementActive())
}

func TestGripperWhileMoving(t *testing.T) {
	a, r := newTestArbiter(ModeHold)

	a.Down(protocol.KeyW)
	a.Down(protocol.KeyQ)
	a.Up(protocol.KeyQ)
	require.True(t, a.MovementActive())
	a.Up(protocol.KeyW)
	require.Equal(t, "WQX", r.String())
}

func TestResetAllStopsOnce(t *testing.T) {
	a, r := newTestArbiter(ModeHold)

	a.Down(protocol.KeyW)
	a.Down(protocol.KeyE)
	a.ResetAll()
	require.Equal(t, "WEX", r.String())
	for _, k := range []protocol.Key{protocol.KeyW, protocol.KeyA, protocol.KeyS, protocol.KeyD, protocol.KeyQ, protocol.KeyE} {
		require.False(t, a.Held(k), "key %s still held", k)
	}

	a.ResetAll()
	a.Up(protocol.KeyW)
	require.Equal(t, "WEX", r.String())
}

func TestResetAllWithoutMovement(t *testing.T) {
	a, r := newTestArbiter(ModeHold)
	a.Down(protocol.KeyQ)
	a.ResetAll()
	require.Equal(t, "Q", r.String())
}

func TestToggleAnyMovementKeyCancels(t *testing.T) {
	a, r := newTestArbiter(ModeToggle)

	a.Down(protocol.KeyW)
	require.Equal(t, "W", r.String())
	a.Up(protocol.KeyW)
	require.Equal(t, "W", r.String())

	a.Down(protocol.KeyD)
	require.Equal(t, "WX", r.String())
	require.False(t, a.MovementActive())

	a.Down(protocol.KeyD)
	require.Equal(t, "WXD", r.String())
}

func TestToggleModeSwitchStopsMovement(t *testing.T) {
	a, r := newTestArbiter(ModeToggle)

	a.Down(protocol.KeyS)
	require.Equal(t, ModeHold, a.ToggleMode())
	require.Equal(t, "SX", r.String())

	a.Down(protocol.KeyS)
	a.Up(protocol.KeyS)
	require.Equal(t, "SXSX", r.String())
}

func TestIgnoredWhenDisconnected(t *testing.T) {
	r := &recorder{}
	connected := false
	a := NewArbiter(func() bool { return connected }, r.emit)

	a.Down(protocol.KeyW)
	a.Up(protocol.KeyW)
	require.Empty(t, r.String())
	require.False(t, a.Held(protocol.KeyW))

	connected = true
	a.Down(protocol.KeyW)
	require.Equal(t, "W", r.String())
}

func TestArbiterNeverEmitsConsecutiveStops(t *testing.T) {
	keys := []protocol.Key{protocol.KeyW, protocol.KeyA, protocol.KeyS, protocol.KeyD, protocol.KeyQ, protocol.KeyE}
	rng := rand.New(rand.NewSource(42))

	for _, mode := range []Mode{ModeHold, ModeToggle} {
		a, r := newTestArbiter(mode)
		for i := 0; i < 5000; i++ {
			k := keys[rng.Intn(len(keys))]
			switch rng.Intn(10) {
			case 0:
				a.ResetAll()
			case 1:
				a.ToggleMode()
			case 2, 3, 4, 5:
				a.Down(k)
			default:
				a.Up(k)
			}
		}

		moving := false
		for i, c := range r.String() {
			cmd := protocol.Command(c)
			switch {
			case cmd == protocol.Stop:
				require.True(t, moving, "STOP at %d without preceding movement", i)
				moving = false
			case cmd.IsMovement():
				moving = true
			}
		}
	}
}
