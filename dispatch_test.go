package robot

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/transairobot/rccar_go/protocol"
)

var alphabet = cmds("WASDXQE0123456789")

func TestQueueNeverExceedsCapacity(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	q := newCommandQueue(5)

	for i := 0; i < 10000; i++ {
		if r.Intn(4) == 0 {
			q.pop()
		} else {
			_ = q.push(alphabet[r.Intn(len(alphabet))])
		}
		require.LessOrEqual(t, q.len(), 5)
	}
}

func TestQueueStopReplacesContents(t *testing.T) {
	q := newCommandQueue(5)
	for _, c := range cmds("WASD") {
		require.NoError(t, q.push(c))
	}

	require.NoError(t, q.push(protocol.Stop))
	require.Equal(t, cmds("X"), q.snapshot())

	e, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, QueueEntry{Command: protocol.Stop, RetryCount: 0}, e)
}

func TestQueueStopAdmittedWhenFull(t *testing.T) {
	q := newCommandQueue(5)
	for _, c := range cmds("WASDQ") {
		require.NoError(t, q.push(c))
	}
	require.ErrorIs(t, q.push(protocol.GripClose), ErrQueueSaturated)
	require.Equal(t, cmds("WASDQ"), q.snapshot())

	require.NoError(t, q.push(protocol.Stop))
	require.Equal(t, cmds("X"), q.snapshot())
}

func TestEnqueueSaturation(t *testing.T) {
	link := newFakeLink(echo)
	link.hold()
	s := newTestSession(t, testConfig(), link)

	// '5' 占住唯一的投递周期，后面的指令都留在队列里
	require.NoError(t, s.Enqueue('5'))
	require.Eventually(t, func() bool { return link.count() == 1 }, time.Second, time.Millisecond)

	for _, c := range cmds("WASDQ") {
		require.NoError(t, s.Enqueue(c))
	}
	require.ErrorIs(t, s.Enqueue(protocol.GripClose), ErrQueueSaturated)
	require.Equal(t, cmds("WASDQ"), s.QueuedCommands())

	require.NoError(t, s.Stop())
	require.Equal(t, cmds("X"), s.QueuedCommands())

	link.release()
	require.Eventually(t, func() bool {
		last, _ := s.LastCommand()
		return last == protocol.Stop
	}, time.Second, time.Millisecond)
	require.Equal(t, cmds("5X"), link.Writes())
}

func TestEnqueueDuplicateTail(t *testing.T) {
	link := newFakeLink(echo)
	link.hold()
	s := newTestSession(t, testConfig(), link)

	require.NoError(t, s.Enqueue(protocol.Forward))
	require.Eventually(t, func() bool { return link.count() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Enqueue(protocol.Left))
	require.ErrorIs(t, s.Enqueue(protocol.Left), ErrDuplicate)
	require.Equal(t, cmds("A"), s.QueuedCommands())

	link.release()
	require.Eventually(t, func() bool { return len(s.History()) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, cmds("WA"), s.History())
}

func TestEnqueueWithoutLink(t *testing.T) {
	s := newTestSession(t, testConfig(), nil)
	require.ErrorIs(t, s.Enqueue(protocol.Forward), ErrLinkUnavailable)
	require.ErrorIs(t, s.Enqueue('z'), ErrInvalidCommand)
	require.Empty(t, s.QueuedCommands())
}

func TestDrainIsFIFO(t *testing.T) {
	link := newFakeLink(echo)
	link.hold()
	s := newTestSession(t, testConfig(), link)

	require.NoError(t, s.Enqueue('3'))
	require.Eventually(t, func() bool { return link.count() == 1 }, time.Second, time.Millisecond)
	for _, c := range cmds("WQDE") {
		require.NoError(t, s.Enqueue(c))
	}
	link.release()

	require.Eventually(t, func() bool { return len(s.History()) == 5 }, time.Second, time.Millisecond)
	require.Equal(t, cmds("3WQDE"), link.Writes())
	require.Equal(t, cmds("3WQDE"), s.History())
}
