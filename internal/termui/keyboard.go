// Package termui 提供驾驶终端的原始键盘输入与状态渲染。
package termui

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/term"

	"github.com/transairobot/rccar_go/protocol"
)

// Action 是一次键盘输入对应的驾驶动作
type Action int

const (
	ActionKey Action = iota + 1
	ActionReset
	ActionSpeedUp
	ActionSpeedDown
	ActionToggleMode
	ActionRelease
	ActionQuit
)

func (a Action) String() string {
	switch a {
	case ActionKey:
		return "key"
	case ActionReset:
		return "reset"
	case ActionSpeedUp:
		return "speed_up"
	case ActionSpeedDown:
		return "speed_down"
	case ActionToggleMode:
		return "toggle_mode"
	case ActionRelease:
		return "release"
	case ActionQuit:
		return "quit"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Event 是解析后的键盘事件，Action 为 ActionKey 时 Key 有效
type Event struct {
	Action Action
	Key    protocol.Key
}

const (
	keyCtrlC = 0x03
	keyCtrlD = 0x04
	keyEsc   = 0x1b
)

// 方向键转义序列 ESC [ A..D 映射到 W/S/D/A
var arrowKeys = map[byte]protocol.Key{
	'A': protocol.KeyW,
	'B': protocol.KeyS,
	'C': protocol.KeyD,
	'D': protocol.KeyA,
}

// ParseInput 将一次读取到的原始字节解析为事件。终端不提供按键松开事件。
func ParseInput(b []byte) []Event {
	var events []Event
	for i := 0; i < len(b); i++ {
		c := b[i]

		if c == keyEsc {
			if i+2 < len(b) && (b[i+1] == '[' || b[i+1] == 'O') {
				if key, ok := arrowKeys[b[i+2]]; ok {
					events = append(events, Event{Action: ActionKey, Key: key})
				}
				i += 2
				continue
			}
			events = append(events, Event{Action: ActionReset})
			continue
		}

		switch c {
		case keyCtrlC, keyCtrlD:
			events = append(events, Event{Action: ActionQuit})
		case 'x', 'X':
			events = append(events, Event{Action: ActionReset})
		case '+', '=':
			events = append(events, Event{Action: ActionSpeedUp})
		case '-', '_':
			events = append(events, Event{Action: ActionSpeedDown})
		case 'm', 'M':
			events = append(events, Event{Action: ActionToggleMode})
		case ' ':
			events = append(events, Event{Action: ActionRelease})
		default:
			if key, err := protocol.ParseKey(string(c)); err == nil {
				events = append(events, Event{Action: ActionKey, Key: key})
			}
		}
	}
	return events
}

// Keyboard 从终端读取原始输入。输入为终端时切换到 raw 模式，Stop 时恢复。
type Keyboard struct {
	mu sync.Mutex

	in     io.Reader
	Events chan Event

	terminalFd    int
	originalState *term.State
	running       bool
}

func NewKeyboard(in io.Reader) *Keyboard {
	k := &Keyboard{
		in:         in,
		Events:     make(chan Event, 64),
		terminalFd: -1,
	}
	if f, ok := in.(interface{ Fd() uintptr }); ok {
		fd := int(f.Fd())
		if term.IsTerminal(fd) {
			k.terminalFd = fd
		}
	}
	return k
}

// Start 开始读取输入。读取结束时关闭 Events。
func (k *Keyboard) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.running {
		return fmt.Errorf("keyboard already running")
	}

	if k.terminalFd >= 0 {
		state, err := term.MakeRaw(k.terminalFd)
		if err != nil {
			return fmt.Errorf("failed to enable raw mode: %w", err)
		}
		k.originalState = state
	}

	k.running = true
	go k.readLoop()
	return nil
}

func (k *Keyboard) readLoop() {
	defer close(k.Events)

	buf := make([]byte, 64)
	for {
		n, err := k.in.Read(buf)
		for _, ev := range ParseInput(buf[:n]) {
			k.Events <- ev
		}
		if err != nil {
			return
		}
	}
}

// Stop 恢复终端状态。阻塞中的读取会在下一次输入或输入关闭时返回。
func (k *Keyboard) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.running {
		return nil
	}
	k.running = false

	if k.originalState != nil {
		if err := term.Restore(k.terminalFd, k.originalState); err != nil {
			return fmt.Errorf("failed to restore terminal: %w", err)
		}
		k.originalState = nil
	}
	return nil
}
