package robot

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/transairobot/rccar_go/protocol"
)

// Mode 是方向键的控制模式
type Mode int

const (
	// ModeHold 按住时运动，全部方向键松开时停止
	ModeHold Mode = iota
	// ModeToggle 按一次开始运动，再按任意方向键停止
	ModeToggle
)

func (m Mode) String() string {
	switch m {
	case ModeHold:
		return "hold"
	case ModeToggle:
		return "toggle"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hold":
		return ModeHold, nil
	case "toggle":
		return ModeToggle, nil
	}
	return 0, fmt.Errorf("unknown control mode %q", s)
}

// Arbiter 跟踪当前按下的逻辑按键，决定何时发出运动指令和 STOP。
// 每个合格的状态转换恰好发出一条指令：不会连续发出两个 STOP，也不会在没有运动时发出 STOP。
type Arbiter struct {
	mu sync.Mutex

	mode           Mode
	held           map[protocol.Key]bool
	movementActive bool
	toggleCommand  protocol.Command // 0 表示没有激活的切换指令

	connected func() bool
	emit      func(protocol.Command)
	logger    *zap.Logger
}

// NewArbiter 创建仲裁器。connected 为 nil 时视为始终已连接。
func NewArbiter(connected func() bool, emit func(protocol.Command)) *Arbiter {
	if connected == nil {
		connected = func() bool { return true }
	}
	return &Arbiter{
		held:      make(map[protocol.Key]bool),
		connected: connected,
		emit:      emit,
		logger:    zap.L(),
	}
}

func (a *Arbiter) SetLogger(logger *zap.Logger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logger = logger
}

func (a *Arbiter) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// SetMode 切换控制模式，切换前停止正在进行的运动
func (a *Arbiter) SetMode(mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.mode == mode {
		return
	}
	a.resetLocked()
	a.mode = mode
	a.logger.Info("控制模式已切换", zap.Stringer("mode", mode))
}

// ToggleMode 在 hold 与 toggle 之间切换，返回新模式
func (a *Arbiter) ToggleMode() Mode {
	next := ModeToggle
	if a.Mode() == ModeToggle {
		next = ModeHold
	}
	a.SetMode(next)
	return next
}

// Down 处理按键或按钮按下
func (a *Arbiter) Down(key protocol.Key) {
	cmd, ok := key.Command()
	if !ok || !a.connected() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if key.IsMovement() && a.mode == ModeToggle {
		if a.toggleCommand != 0 {
			// 任意方向键都会取消当前运动，而不是改变方向
			a.toggleCommand = 0
			a.movementActive = false
			a.logger.Debug("切换模式：停止", zap.Stringer("key", key))
			a.emit(protocol.Stop)
			return
		}
		a.toggleCommand = cmd
		a.movementActive = true
		a.logger.Debug("切换模式：开始", zap.Stringer("command", cmd))
		a.emit(cmd)
		return
	}

	// 抑制按键自动重复
	if a.held[key] {
		return
	}
	a.held[key] = true
	if key.IsMovement() {
		a.movementActive = true
	}
	a.logger.Debug("按键按下", zap.Stringer("key", key))
	a.emit(cmd)
}

// Up 处理按键或按钮松开
func (a *Arbiter) Up(key protocol.Key) {
	if _, ok := key.Command(); !ok || !a.connected() {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if key.IsMovement() && a.mode == ModeToggle {
		return
	}

	if !a.held[key] {
		a.logger.Debug("松开未按下的按键", zap.Stringer("key", key))
		return
	}
	a.held[key] = false

	if !key.IsMovement() {
		return
	}
	if !a.anyMovementHeldLocked() && a.movementActive {
		a.movementActive = false
		a.logger.Debug("方向键全部松开，发送 STOP")
		a.emit(protocol.Stop)
	}
}

// ResetAll 清除所有按键状态与切换指令；若有运动则发出一次 STOP。
// 链路断开、窗口失焦或标签页隐藏时调用，保证车辆不会在失去控制后继续运动。
func (a *Arbiter) ResetAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}

func (a *Arbiter) resetLocked() {
	wasActive := a.movementActive
	clear(a.held)
	a.toggleCommand = 0
	a.movementActive = false

	if wasActive {
		a.logger.Info("按键已重置，发送 STOP")
		a.emit(protocol.Stop)
	}
}

func (a *Arbiter) anyMovementHeldLocked() bool {
	for _, k := range protocol.MovementKeys {
		if a.held[k] {
			return true
		}
	}
	return false
}

// Held 报告按键当前是否处于按下状态
func (a *Arbiter) Held(key protocol.Key) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.held[key]
}

// MovementActive 报告是否有已发出但尚未停止的运动
func (a *Arbiter) MovementActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.movementActive
}
