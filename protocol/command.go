package protocol

import (
	"errors"
	"fmt"
)

// Command 是发送给车辆的单字符指令
type Command byte

const (
	Forward   Command = 'W'
	Left      Command = 'A'
	Backward  Command = 'S'
	Right     Command = 'D'
	Stop      Command = 'X'
	GripOpen  Command = 'Q'
	GripClose Command = 'E'
)

const (
	MinSpeed     = 0
	MaxSpeed     = 9
	DefaultSpeed = 5
)

var ErrInvalidCommand = errors.New("invalid command")

// Valid 判断指令是否属于指令集
func (c Command) Valid() bool {
	return c.IsMovement() || c.IsGripper() || c.IsSpeed() || c == Stop
}

// IsMovement W/A/S/D 为方向指令
func (c Command) IsMovement() bool {
	switch c {
	case Forward, Left, Backward, Right:
		return true
	}
	return false
}

func (c Command) IsGripper() bool {
	return c == GripOpen || c == GripClose
}

// IsSpeed 数字 0-9 为绝对速度档位
func (c Command) IsSpeed() bool {
	return c >= '0' && c <= '9'
}

// SpeedLevel 返回速度档位，非速度指令返回 -1
func (c Command) SpeedLevel() int {
	if !c.IsSpeed() {
		return -1
	}
	return int(c - '0')
}

func (c Command) String() string {
	return string(rune(c))
}

var commandDescriptions = map[Command]string{
	Forward:   "FORWARD",
	Backward:  "BACKWARD",
	Left:      "LEFT",
	Right:     "RIGHT",
	Stop:      "STOP",
	GripOpen:  "GRIPPER OPEN",
	GripClose: "GRIPPER CLOSE",
}

// Describe 返回用于界面展示的指令描述
func (c Command) Describe() string {
	if c.IsSpeed() {
		return fmt.Sprintf("SPEED: %d", c.SpeedLevel())
	}
	if d, ok := commandDescriptions[c]; ok {
		return d
	}
	return c.String()
}

// ParseCommand 校验单个字节是否为合法指令
func ParseCommand(b byte) (Command, error) {
	c := Command(b)
	if !c.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCommand, b)
	}
	return c, nil
}

// SpeedCommand 将速度档位转换为对应的数字指令
func SpeedCommand(level int) (Command, error) {
	if level < MinSpeed || level > MaxSpeed {
		return 0, fmt.Errorf("%w: speed level %d out of range [%d, %d]", ErrInvalidCommand, level, MinSpeed, MaxSpeed)
	}
	return Command('0' + byte(level)), nil
}

// DecodeAck 解码通知负载，首字符即被确认的指令。空负载视为无效。
func DecodeAck(payload []byte) (Command, bool) {
	if len(payload) == 0 {
		return 0, false
	}
	return Command(payload[0]), true
}
