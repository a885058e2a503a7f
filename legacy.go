package robot

import (
	"context"

	"go.uber.org/zap"

	"github.com/transairobot/rccar_go/protocol"
)

// singleSlot 是确认通道不可用时的退化发送方式：同一时间只有一次写入，
// 最多保留一条待发指令，写入返回即视为成功。
type singleSlot struct {
	inFlight bool
	pending  protocol.Command // 0 表示没有待发指令
}

// sendUnackedLocked 调用时必须持有 s.mu
func (s *Session) sendUnackedLocked(cmd protocol.Command) error {
	slot := s.legacy

	if err := s.gate.admit(cmd, slot.pending, slot.pending != 0); err != nil {
		s.logger.Debug("指令未通过准入", zap.Stringer("command", cmd), zap.Error(err))
		return err
	}

	if slot.inFlight {
		// 只保留最后一条待发指令，STOP 不会被普通指令覆盖
		if cmd == protocol.Stop || slot.pending != protocol.Stop {
			slot.pending = cmd
			s.logger.Debug("写入进行中，指令待发", zap.Stringer("command", cmd))
		}
		return nil
	}

	slot.inFlight = true
	go s.writeUnacked(s.linkCtx, s.link, slot, cmd, s.epoch)
	return nil
}

func (s *Session) writeUnacked(ctx context.Context, link Link, slot *singleSlot, cmd protocol.Command, epoch uint64) {
	for {
		err := link.Write(ctx, []byte{byte(cmd)})
		if err != nil {
			s.logger.Error("写入失败", zap.Stringer("command", cmd), zap.Error(err))
		} else if !s.recordSuccess(cmd, epoch) {
			return
		}

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		next := slot.pending
		slot.pending = 0
		if next == 0 {
			slot.inFlight = false
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		if err := sleepContext(ctx, s.conf.Delivery.InterCommandDelay); err != nil {
			return
		}
		cmd = next
	}
}
