package protocol

// Hello 是客户端建立链路后发送的第一帧
type Hello struct {
	SessionID string `msgpack:"session_id"`
	Client    string `msgpack:"client"`

	// 为 false 时网关不回传确认，客户端退化为无确认的单槽发送
	WantAcks bool `msgpack:"want_acks"`
}

// Status 表示网关侧车辆的状态快照
type Status struct {
	Timestamp uint64 `msgpack:"ts"`
	Speed     int    `msgpack:"speed"`
	Motion    string `msgpack:"motion,omitempty"`
	Gripper   string `msgpack:"gripper,omitempty"`
	Applied   uint64 `msgpack:"applied"`

	// 被网关丢弃或篡改的确认数，用于链路测试
	AcksDropped   uint64 `msgpack:"acks_dropped"`
	AcksCorrupted uint64 `msgpack:"acks_corrupted"`
}
