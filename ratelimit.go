package robot

import (
	"time"

	"github.com/transairobot/rccar_go/protocol"
)

// admissionGate 在指令入队前做限流与去重。
// 按键连发和快速点按的速度远高于链路的排空速度，两次非 STOP 指令之间至少间隔 minInterval。
type admissionGate struct {
	minInterval  time.Duration
	now          func() time.Time
	lastAdmitted time.Time
}

func newAdmissionGate(minInterval time.Duration) *admissionGate {
	return &admissionGate{
		minInterval: minInterval,
		now:         time.Now,
	}
}

// check 判断指令能否进入队列，不修改状态。tail 为当前队尾指令，队列为空时 hasTail 为 false。
// STOP 总是放行。
func (g *admissionGate) check(cmd protocol.Command, tail protocol.Command, hasTail bool) error {
	if cmd == protocol.Stop {
		return nil
	}

	if !g.lastAdmitted.IsZero() && g.now().Sub(g.lastAdmitted) < g.minInterval {
		return ErrRateLimited
	}
	if hasTail && tail == cmd {
		return ErrDuplicate
	}
	return nil
}

// commit 在指令实际入队后记录时间戳，STOP 不更新时间戳
func (g *admissionGate) commit(cmd protocol.Command) {
	if cmd != protocol.Stop {
		g.lastAdmitted = g.now()
	}
}

// admit 依次执行 check 与 commit
func (g *admissionGate) admit(cmd protocol.Command, tail protocol.Command, hasTail bool) error {
	if err := g.check(cmd, tail, hasTail); err != nil {
		return err
	}
	g.commit(cmd)
	return nil
}

func (g *admissionGate) reset() {
	g.lastAdmitted = time.Time{}
}
