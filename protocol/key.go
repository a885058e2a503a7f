package protocol

import (
	"fmt"
	"strings"
)

// Key 是输入端的逻辑按键（键盘或屏幕按钮）
type Key byte

const (
	KeyW Key = 'w'
	KeyA Key = 'a'
	KeyS Key = 's'
	KeyD Key = 'd'
	KeyQ Key = 'q'
	KeyE Key = 'e'
)

var keyCommands = [...]struct {
	key Key
	cmd Command
}{
	{KeyW, Forward},
	{KeyA, Left},
	{KeyS, Backward},
	{KeyD, Right},
	{KeyQ, GripOpen},
	{KeyE, GripClose},
}

// MovementKeys 按固定顺序列出方向键
var MovementKeys = []Key{KeyW, KeyA, KeyS, KeyD}

// Command 返回按键对应的指令
func (k Key) Command() (Command, bool) {
	for _, kc := range keyCommands {
		if kc.key == k {
			return kc.cmd, true
		}
	}
	return 0, false
}

func (k Key) IsMovement() bool {
	switch k {
	case KeyW, KeyA, KeyS, KeyD:
		return true
	}
	return false
}

func (k Key) IsGripper() bool {
	return k == KeyQ || k == KeyE
}

func (k Key) String() string {
	return string(rune(k))
}

// ParseKey 解析按键名，大小写不敏感
func ParseKey(s string) (Key, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 1 {
		return 0, fmt.Errorf("unknown key %q", s)
	}
	k := Key(s[0])
	if _, ok := k.Command(); !ok {
		return 0, fmt.Errorf("unknown key %q", s)
	}
	return k, nil
}
