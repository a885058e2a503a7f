package robot

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/transairobot/rccar_go/protocol"
)

// ackWait 关联最近写出的指令与下一条入站通知。全局同时最多存在一个。
type ackWait struct {
	expected protocol.Command
	ch       chan []byte
}

// deliver 驱动一条指令完成 写出 -> 等待确认 -> 成功/重试/丢弃。
// 写失败、确认超时、确认不匹配共用同一个重试预算。
func (s *Session) deliver(ctx context.Context, link Link, entry *QueueEntry, epoch uint64) error {
	maxRetries := s.conf.Delivery.MaxRetries

	for {
		err := s.attempt(ctx, link, entry.Command, epoch)
		if err == nil {
			s.logger.Debug("指令已确认", zap.Stringer("command", entry.Command), zap.Int("retries", entry.RetryCount))
			return nil
		}
		if errors.Is(err, errLinkLost) || ctx.Err() != nil {
			return errLinkLost
		}

		entry.RetryCount++
		s.logger.Warn("指令发送失败",
			zap.Stringer("command", entry.Command),
			zap.Int("attempt", entry.RetryCount),
			zap.Int("max_attempts", maxRetries+1),
			zap.Error(err))

		if entry.RetryCount > maxRetries {
			return &DeliveryError{Command: entry.Command, Attempts: entry.RetryCount, Err: err}
		}

		if err := sleepContext(ctx, s.conf.Delivery.RetryBackoff); err != nil {
			return errLinkLost
		}
	}
}

// attempt 执行一次 写出 + 等待确认。
// 确认等待在写出之前注册，避免确认先于注册到达而被当作无主通知丢弃。
func (s *Session) attempt(ctx context.Context, link Link, cmd protocol.Command, epoch uint64) error {
	w, ok := s.beginAck(cmd, epoch)
	if !ok {
		return errLinkLost
	}

	if err := link.Write(ctx, []byte{byte(cmd)}); err != nil {
		s.endAck(w)
		if ctx.Err() != nil {
			return errLinkLost
		}
		return fmt.Errorf("%w: %v", ErrWriteFailure, err)
	}

	payload, err := awaitAck(ctx, w, s.conf.Delivery.AckTimeout)
	if err != nil {
		s.endAck(w)
		return err
	}

	if got, ok := protocol.DecodeAck(payload); !ok || got != cmd {
		return &AckMismatchError{Expected: cmd, Payload: payload}
	}
	return nil
}

func (s *Session) beginAck(cmd protocol.Command, epoch uint64) (*ackWait, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return nil, false
	}
	w := &ackWait{expected: cmd, ch: make(chan []byte, 1)}
	s.pendingAck = w
	return w, true
}

// endAck 在超时或写失败后撤销等待，之后到达的通知按无主通知处理
func (s *Session) endAck(w *ackWait) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pendingAck == w {
		s.pendingAck = nil
	}
}

// HandleNotification 处理链路上的一条入站通知。没有等待中的确认时记录并丢弃。
func (s *Session) HandleNotification(payload []byte) {
	s.handleNotification(payload, 0)
}

// handleNotification 中 epoch 为 0 时不校验链路代次
func (s *Session) handleNotification(payload []byte, epoch uint64) {
	s.mu.Lock()
	if epoch != 0 && epoch != s.epoch {
		s.mu.Unlock()
		s.logger.Debug("收到已断开链路的确认，已丢弃", zap.ByteString("payload", payload))
		return
	}
	w := s.pendingAck
	s.pendingAck = nil
	s.mu.Unlock()

	if w == nil {
		s.logger.Debug("收到无主确认，已丢弃", zap.ByteString("payload", payload))
		return
	}

	s.logger.Debug("收到确认", zap.ByteString("payload", payload), zap.Stringer("expected", w.expected))
	// ch 容量为 1 且每个等待只会被取出一次，这里不会阻塞
	w.ch <- payload
}

// pumpNotifications 将通知流转交给 HandleNotification，直到流关闭或链路断开
func (s *Session) pumpNotifications(ctx context.Context, notify <-chan []byte, epoch uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-notify:
			if !ok {
				return
			}
			s.handleNotification(payload, epoch)
		}
	}
}
