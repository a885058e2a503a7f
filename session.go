package robot

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/transairobot/rccar_go/protocol"
)

// historyLimit 是保留的已确认指令条数
const historyLimit = 10

// Link 是链路协作方提供的可写通道，每次写入一个指令字节
type Link interface {
	Write(ctx context.Context, p []byte) error
}

// LinkFunc 将普通函数适配为 Link
type LinkFunc func(ctx context.Context, p []byte) error

func (f LinkFunc) Write(ctx context.Context, p []byte) error {
	return f(ctx, p)
}

// Session 持有一次遥控会话的全部状态：投递队列、按键仲裁、确认等待与指令历史。
// 多个 Session 互相独立。
type Session struct {
	ID string

	conf   *Config
	logger *zap.Logger

	mu          sync.Mutex
	connected   bool
	link        Link
	linkCtx     context.Context
	linkCancel  context.CancelFunc
	epoch       uint64
	queue       *commandQueue
	processing  bool
	pendingAck  *ackWait
	gate        *admissionGate
	legacy      *singleSlot
	speedLevel  int
	lastCommand protocol.Command
	history     []protocol.Command

	arbiter *Arbiter
}

// NewSession 创建会话，conf 为 nil 时使用默认配置
func NewSession(conf *Config) *Session {
	if conf == nil {
		conf = DefaultConfig()
	}

	s := &Session{
		ID:         uuid.New().String(),
		conf:       conf,
		logger:     zap.L(),
		queue:      newCommandQueue(conf.Queue.Capacity),
		gate:       newAdmissionGate(conf.RateLimit.MinInterval),
		speedLevel: conf.Control.InitialSpeed,
		history:    make([]protocol.Command, 0, historyLimit),
	}

	mode, err := ParseMode(conf.Control.Mode)
	if err != nil {
		mode = ModeHold
	}
	s.arbiter = NewArbiter(s.Connected, func(cmd protocol.Command) {
		_ = s.Enqueue(cmd)
	})
	s.arbiter.SetMode(mode)
	return s
}

// SetLogger 替换会话及其按键仲裁使用的日志记录器
func (s *Session) SetLogger(logger *zap.Logger) {
	s.logger = logger.With(zap.String("session", s.ID))
	s.arbiter.SetLogger(s.logger)
}

// Arbiter 返回会话的按键仲裁器
func (s *Session) Arbiter() *Arbiter {
	return s.arbiter
}

// OnLinkEstablished 在链路连接并订阅确认通道后调用。
// notify 为 nil 表示确认通道不可用，会话退化为无确认的单槽发送。
// 本调用不发送任何指令，调用方负责随后调用 SyncSpeed 同步初始速度。
func (s *Session) OnLinkEstablished(link Link, notify <-chan []byte) {
	// 新链路替换旧链路时，先按断开处理，清除旧链路上的按键状态
	if s.Connected() {
		s.SetConnected(false)
	}

	s.mu.Lock()
	s.resetLocked()

	s.epoch++
	s.link = link
	s.linkCtx, s.linkCancel = context.WithCancel(context.Background())
	s.connected = true
	if notify == nil {
		s.legacy = &singleSlot{}
		s.logger.Warn("确认通道不可用，以无确认模式运行")
	} else {
		go s.pumpNotifications(s.linkCtx, notify, s.epoch)
	}
	s.mu.Unlock()

	s.logger.Info("链路已建立", zap.Bool("acks", notify != nil))
}

// OnLinkLost 在链路断开时调用
func (s *Session) OnLinkLost() {
	s.SetConnected(false)
}

// SetConnected 设置连接状态。断开时清空队列、处理标志、确认等待与历史，
// 并重置按键仲裁，保证重连后不会发出旧的运动指令。
func (s *Session) SetConnected(connected bool) {
	s.mu.Lock()
	if connected {
		s.connected = true
		s.mu.Unlock()
		return
	}

	wasConnected := s.connected
	s.resetLocked()
	s.mu.Unlock()

	// 链路已不存在，仲裁器发出的 STOP 会被当作链路不可用丢弃
	s.arbiter.ResetAll()

	if wasConnected {
		s.logger.Info("链路已断开")
	}
}

func (s *Session) resetLocked() {
	if s.linkCancel != nil {
		s.linkCancel()
	}
	s.epoch++
	s.connected = false
	s.link = nil
	s.linkCtx = nil
	s.linkCancel = nil
	s.queue.clear()
	s.processing = false
	s.pendingAck = nil
	s.legacy = nil
	s.gate.reset()
	s.lastCommand = 0
	s.history = s.history[:0]
}

// recordSuccess 记录一条已确认的指令，链路代次已变化时忽略并返回 false
func (s *Session) recordSuccess(cmd protocol.Command, epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return false
	}
	s.lastCommand = cmd
	if len(s.history) == historyLimit {
		copy(s.history, s.history[1:])
		s.history = s.history[:historyLimit-1]
	}
	s.history = append(s.history, cmd)
	s.logger.Info("指令已送达", zap.Stringer("command", cmd))
	return true
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Degraded 在无确认模式下返回 true
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.legacy != nil
}

func (s *Session) SpeedLevel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speedLevel
}

// LastCommand 返回最近确认的指令，尚无记录时 ok 为 false
func (s *Session) LastCommand() (protocol.Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommand, s.lastCommand != 0
}

// History 返回指令历史的副本，最旧的在前
func (s *Session) History() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Command(nil), s.history...)
}

// QueuedCommands 返回当前排队中的指令
func (s *Session) QueuedCommands() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.snapshot()
}

// ChangeSpeed 按 delta 调整速度档位，限制在 0-9；档位变化时发送对应数字指令
func (s *Session) ChangeSpeed(delta int) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	level := s.speedLevel + delta
	if level > protocol.MaxSpeed {
		level = protocol.MaxSpeed
	} else if level < protocol.MinSpeed {
		level = protocol.MinSpeed
	}
	if level == s.speedLevel {
		s.mu.Unlock()
		return
	}
	s.speedLevel = level
	s.mu.Unlock()

	cmd, _ := protocol.SpeedCommand(level)
	_ = s.Enqueue(cmd)
}

// SyncSpeed 发送当前速度档位，连接建立后调用一次
func (s *Session) SyncSpeed() error {
	cmd, err := protocol.SpeedCommand(s.SpeedLevel())
	if err != nil {
		return err
	}
	return s.Enqueue(cmd)
}

// Stop 发送优先级 STOP，绕过按键仲裁
func (s *Session) Stop() error {
	return s.Enqueue(protocol.Stop)
}

func (s *Session) KeyDown(key protocol.Key)    { s.arbiter.Down(key) }
func (s *Session) KeyUp(key protocol.Key)      { s.arbiter.Up(key) }
func (s *Session) ButtonDown(key protocol.Key) { s.arbiter.Down(key) }
func (s *Session) ButtonUp(key protocol.Key)   { s.arbiter.Up(key) }

// ResetAll 释放所有按键，若有运动则发送一次 STOP。输入焦点丢失时调用。
func (s *Session) ResetAll() { s.arbiter.ResetAll() }

// Snapshot 是供界面协作方渲染的只读状态
type Snapshot struct {
	SessionID   string   `msgpack:"session_id"`
	Connected   bool     `msgpack:"connected"`
	Degraded    bool     `msgpack:"degraded"`
	Mode        string   `msgpack:"mode"`
	Speed       int      `msgpack:"speed"`
	LastCommand string   `msgpack:"last_command,omitempty"`
	History     []string `msgpack:"history"`
	Queued      []string `msgpack:"queued"`
	TakenAt     int64    `msgpack:"taken_at"`
}

func (s *Session) Snapshot() Snapshot {
	mode := s.arbiter.Mode()

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SessionID: s.ID,
		Connected: s.connected,
		Degraded:  s.legacy != nil,
		Mode:      mode.String(),
		Speed:     s.speedLevel,
		History:   make([]string, len(s.history)),
		Queued:    make([]string, 0, s.queue.len()),
		TakenAt:   time.Now().UnixMilli(),
	}
	if s.lastCommand != 0 {
		snap.LastCommand = s.lastCommand.String()
	}
	for i, c := range s.history {
		snap.History[i] = c.String()
	}
	for _, c := range s.queue.snapshot() {
		snap.Queued = append(snap.Queued, c.String())
	}
	return snap
}

// MarshalSnapshot 以 msgpack 编码当前状态
func (s *Session) MarshalSnapshot() ([]byte, error) {
	return msgpack.Marshal(s.Snapshot())
}

// Close 断开链路并释放会话
func (s *Session) Close() error {
	s.SetConnected(false)
	return nil
}
