package gateway

import (
	"sync"
	"time"

	"github.com/transairobot/rccar_go/protocol"
)

// Vehicle 执行一条指令并返回确认负载，返回 nil 表示不回传确认
type Vehicle interface {
	Apply(cmd protocol.Command) []byte
	Status() protocol.Status
}

// SimVehicle 是模拟车辆，确认负载为指令字节本身。
// DropEvery、CorruptEvery 大于 0 时，每第 N 条确认被丢弃或篡改，用于演练重试。
type SimVehicle struct {
	DropEvery    int
	CorruptEvery int

	mu        sync.Mutex
	speed     int
	motion    protocol.Command
	gripper   protocol.Command
	applied   uint64
	dropped   uint64
	corrupted uint64
}

func NewSimVehicle() *SimVehicle {
	return &SimVehicle{speed: protocol.DefaultSpeed, motion: protocol.Stop}
}

func (v *SimVehicle) Apply(cmd protocol.Command) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.applied++
	switch {
	case cmd.IsMovement() || cmd == protocol.Stop:
		v.motion = cmd
	case cmd.IsGripper():
		v.gripper = cmd
	case cmd.IsSpeed():
		v.speed = cmd.SpeedLevel()
	}

	if v.DropEvery > 0 && v.applied%uint64(v.DropEvery) == 0 {
		v.dropped++
		return nil
	}
	if v.CorruptEvery > 0 && v.applied%uint64(v.CorruptEvery) == 0 {
		v.corrupted++
		return []byte("?" + cmd.String())
	}
	return []byte{byte(cmd)}
}

func (v *SimVehicle) Status() protocol.Status {
	v.mu.Lock()
	defer v.mu.Unlock()

	status := protocol.Status{
		Timestamp:     uint64(time.Now().UnixMilli()),
		Speed:         v.speed,
		Motion:        v.motion.Describe(),
		Applied:       v.applied,
		AcksDropped:   v.dropped,
		AcksCorrupted: v.corrupted,
	}
	if v.gripper != 0 {
		status.Gripper = v.gripper.Describe()
	}
	return status
}
