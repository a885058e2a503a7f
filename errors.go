package robot

import (
	"errors"
	"fmt"

	"github.com/transairobot/rccar_go/protocol"
)

// 错误分类。发送失败、确认超时、确认不匹配在本地重试；
// 队列饱和、限流、重复是静默丢弃，只记录日志，不重试。
var (
	ErrLinkUnavailable = errors.New("link unavailable")
	ErrWriteFailure    = errors.New("write failure")
	ErrAckTimeout      = errors.New("ack timeout")
	ErrAckMismatch     = errors.New("ack mismatch")
	ErrQueueSaturated  = errors.New("queue saturated")
	ErrRateLimited     = errors.New("rate limited")
	ErrDuplicate       = errors.New("duplicate of queue tail")
	ErrInvalidCommand  = protocol.ErrInvalidCommand

	// errLinkLost 表示投递过程中链路断开，不计入重试
	errLinkLost = errors.New("link lost during delivery")
)

// AckMismatchError 表示收到了通知，但内容与期望的指令不一致
type AckMismatchError struct {
	Expected protocol.Command
	Payload  []byte
}

func (e *AckMismatchError) Error() string {
	return fmt.Sprintf("ack mismatch: expected %s, received %q", e.Expected, e.Payload)
}

func (e *AckMismatchError) Is(target error) bool {
	return target == ErrAckMismatch
}

// DeliveryError 表示指令耗尽所有重试后被丢弃
type DeliveryError struct {
	Command  protocol.Command
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("command %s dropped after %d attempts: %v", e.Command, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}
