package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/transairobot/rccar_go/mem"
)

// 网关链路上单帧负载的上限，指令与确认都只有几个字节
const maxBodyLength = 64 * 1024

// HeaderSize 为序列化后的帧头长度
const HeaderSize = 28

const (
	// magicNumber 用于校验消息是否采用本协议
	magicNumber uint32 = 0x7312

	Version uint32 = 1
)

const (
	Raw uint16 = iota + 1
	MessagePack
)

const (
	HandleHello   uint16 = iota + 1 // 客户端建立链路后首先发送会话信息
	HandleCommand                   // 客户端 -> 网关，Body 为单字节指令
	HandleAck                       // 网关 -> 客户端，Body 为车辆确认通知的原始负载
	HandleStatus                    // 网关 -> 客户端，车辆状态快照
)

var ErrStreamClosed = errors.New("stream closed")

type Header struct {
	Magic           uint32
	Version         uint32
	BodyLength      uint64
	ServerTimestamp uint64 // ms
	ContentType     uint16
	HandleID        uint16
}

type Message struct {
	*Header
	Body []byte
}

func NewMessage() *Message {
	header := &Header{
		Magic:   magicNumber,
		Version: Version,
	}
	return &Message{
		Header: header,
	}
}

// NewCommandMessage 构造携带单个指令字节的帧
func NewCommandMessage(cmd Command, timestamp uint64) *Message {
	msg := NewMessage()
	msg.SetServerTimestamp(timestamp)
	msg.SetContentType(Raw)
	msg.SetHandleID(HandleCommand)
	msg.Body = []byte{byte(cmd)}
	return msg
}

// NewAckMessage 构造确认帧，负载原样转发
func NewAckMessage(payload []byte, timestamp uint64) *Message {
	msg := NewMessage()
	msg.SetServerTimestamp(timestamp)
	msg.SetContentType(Raw)
	msg.SetHandleID(HandleAck)
	msg.Body = payload
	return msg
}

func (m *Message) SetVersion(version uint32) {
	m.Version = version
}

func (m *Message) SetServerTimestamp(timestamp uint64) {
	m.ServerTimestamp = timestamp
}

func (m *Message) SetContentType(contentTyp uint16) {
	m.ContentType = contentTyp
}

func (m *Message) SetHandleID(handleID uint16) {
	m.HandleID = handleID
}

// Encode 序列化为池化缓冲区，调用方负责 Free
func (m *Message) Encode() mem.Buffer {
	bodyLen := len(m.Body)
	m.BodyLength = uint64(bodyLen)

	pool := mem.DefaultBufferPool()
	buf := pool.Get(HeaderSize + bodyLen)

	// 按小端序顺序写入 Header
	b := *buf
	binary.LittleEndian.PutUint32(b[0:], m.Magic)
	binary.LittleEndian.PutUint32(b[4:], m.Version)
	binary.LittleEndian.PutUint64(b[8:], m.BodyLength)
	binary.LittleEndian.PutUint64(b[16:], m.ServerTimestamp)
	binary.LittleEndian.PutUint16(b[24:], m.ContentType)
	binary.LittleEndian.PutUint16(b[26:], m.HandleID)

	copy(b[HeaderSize:], m.Body)

	return mem.NewBuffer(buf, pool)
}

// WriteTo 编码并写入 w
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	buf := m.Encode()
	defer buf.Free()

	n, err := w.Write(buf.ReadOnlyData())
	return int64(n), err
}

func (m *Message) Decode(r io.Reader) error {
	var headerBuf [HeaderSize]byte
	n, err := io.ReadFull(r, headerBuf[:])
	if err != nil {
		if err == io.EOF {
			return ErrStreamClosed
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("stream closed or insufficient data (%d/%d bytes): %w", n, HeaderSize, err)
		}
		return fmt.Errorf("failed to read header (%d/%d bytes): %w", n, HeaderSize, err)
	}

	m.Magic = binary.LittleEndian.Uint32(headerBuf[0:])
	if m.Magic != magicNumber {
		if m.Magic == 0 {
			return fmt.Errorf("stream appears to be closed (magic=0x0)")
		}
		return fmt.Errorf("invalid magic number: got 0x%x, expected 0x%x (raw bytes: %x)", m.Magic, magicNumber, headerBuf[:4])
	}

	m.Version = binary.LittleEndian.Uint32(headerBuf[4:])
	m.BodyLength = binary.LittleEndian.Uint64(headerBuf[8:])
	m.ServerTimestamp = binary.LittleEndian.Uint64(headerBuf[16:])
	m.ContentType = binary.LittleEndian.Uint16(headerBuf[24:])
	m.HandleID = binary.LittleEndian.Uint16(headerBuf[26:])

	if m.BodyLength > maxBodyLength {
		return fmt.Errorf("body length too large: %d bytes (max: %d)", m.BodyLength, maxBodyLength)
	}

	if m.BodyLength == 0 {
		m.Body = nil
		return nil
	}

	m.Body = make([]byte, m.BodyLength)
	n, err = io.ReadFull(r, m.Body)
	if err != nil {
		return fmt.Errorf("failed to read body (%d/%d bytes): %w", n, m.BodyLength, err)
	}
	return nil
}
