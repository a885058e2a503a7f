package robot

import (
	"context"
	"time"

	"github.com/transairobot/rccar_go/protocol"
)

// TimeoutError 表示在等待确认期间没有收到任何通知
type TimeoutError struct {
	Command protocol.Command
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return "ack timeout for " + e.Command.String() + " after " + e.Timeout.String()
}

func (e *TimeoutError) IsTimeout() bool {
	return true
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrAckTimeout
}

// sleepContext 等待 d，链路断开（ctx 取消）时提前返回错误
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// awaitAck 在超时内等待确认通知
func awaitAck(ctx context.Context, w *ackWait, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-w.ch:
		return payload, nil
	case <-timer.C:
		return nil, &TimeoutError{Command: w.expected, Timeout: timeout}
	case <-ctx.Done():
		return nil, errLinkLost
	}
}
