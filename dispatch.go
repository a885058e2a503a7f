package robot

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/transairobot/rccar_go/protocol"
)

// QueueEntry 是队列中的一条待投递指令
type QueueEntry struct {
	Command    protocol.Command
	RetryCount int
}

// commandQueue 是有界 FIFO，STOP 入队时清空整个队列
type commandQueue struct {
	entries  []QueueEntry
	capacity int
}

func newCommandQueue(capacity int) *commandQueue {
	return &commandQueue{
		entries:  make([]QueueEntry, 0, capacity),
		capacity: capacity,
	}
}

// push 将指令加入队尾。STOP 替换队列全部内容，保证它是下一个被发送的指令。
func (q *commandQueue) push(cmd protocol.Command) error {
	if cmd == protocol.Stop {
		q.entries = append(q.entries[:0], QueueEntry{Command: protocol.Stop})
		return nil
	}
	if len(q.entries) >= q.capacity {
		return ErrQueueSaturated
	}
	q.entries = append(q.entries, QueueEntry{Command: cmd})
	return nil
}

func (q *commandQueue) pop() (QueueEntry, bool) {
	if len(q.entries) == 0 {
		return QueueEntry{}, false
	}
	e := q.entries[0]
	copy(q.entries, q.entries[1:])
	q.entries = q.entries[:len(q.entries)-1]
	return e, true
}

func (q *commandQueue) tail() (protocol.Command, bool) {
	if len(q.entries) == 0 {
		return 0, false
	}
	return q.entries[len(q.entries)-1].Command, true
}

func (q *commandQueue) len() int {
	return len(q.entries)
}

func (q *commandQueue) clear() {
	q.entries = q.entries[:0]
}

func (q *commandQueue) snapshot() []protocol.Command {
	out := make([]protocol.Command, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Command
	}
	return out
}

// Enqueue 将指令交给投递队列，立即返回，不等待发送完成。
// 被限流、去重或因队列饱和丢弃的指令返回对应错误，调用方可以忽略。
func (s *Session) Enqueue(cmd protocol.Command) error {
	if !cmd.Valid() {
		return ErrInvalidCommand
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.link == nil {
		s.logger.Debug("链路不可用，忽略指令", zap.Stringer("command", cmd))
		return ErrLinkUnavailable
	}

	if s.legacy != nil {
		return s.sendUnackedLocked(cmd)
	}

	tail, hasTail := s.queue.tail()
	if err := s.gate.check(cmd, tail, hasTail); err != nil {
		s.logger.Debug("指令未通过准入", zap.Stringer("command", cmd), zap.Error(err))
		return err
	}

	if err := s.queue.push(cmd); err != nil {
		s.logger.Warn("队列已满，丢弃指令",
			zap.Stringer("command", cmd),
			zap.Int("queue_len", s.queue.len()))
		return err
	}
	s.gate.commit(cmd)

	if cmd == protocol.Stop {
		s.logger.Debug("STOP 优先入队，队列已清空")
	} else {
		s.logger.Debug("指令已入队", zap.Stringer("command", cmd), zap.Int("queue_len", s.queue.len()))
	}

	if !s.processing {
		s.processing = true
		go s.drain(s.linkCtx, s.link, s.epoch)
	}
	return nil
}

// drain 逐条投递队列中的指令直到队列为空。同一时间只有一个 drain 在运行，
// 由 processing 标志保证；链路断开后 epoch 变化，旧的 drain 直接退出。
func (s *Session) drain(ctx context.Context, link Link, epoch uint64) {
	for {
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		entry, ok := s.queue.pop()
		if !ok {
			s.processing = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		err := s.deliver(ctx, link, &entry, epoch)
		if err != nil {
			if errors.Is(err, errLinkLost) {
				return
			}
			s.logger.Error("丢弃指令", zap.Stringer("command", entry.Command), zap.Error(err))
			continue
		}

		if !s.recordSuccess(entry.Command, epoch) {
			return
		}

		s.mu.Lock()
		more := s.queue.len() > 0
		s.mu.Unlock()

		if more {
			if err := sleepContext(ctx, s.conf.Delivery.InterCommandDelay); err != nil {
				return
			}
		}
	}
}
