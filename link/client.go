package link

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	robot "github.com/transairobot/rccar_go"
	"github.com/transairobot/rccar_go/protocol"
)

var _ robot.Link = (*Client)(nil)

// ErrClosed 表示链路已关闭
var ErrClosed = errors.New("link closed")

// Client 是到车辆网关的 QUIC 链路。一个会话独占一条双向流：
// 指令帧写出，确认帧与状态帧读入。
type Client struct {
	conf   robot.LinkConfig
	conn   *quic.Conn
	stream *quic.Stream
	logger *zap.Logger

	writeMu sync.Mutex

	notify chan []byte
	done   chan struct{}

	statusMu sync.RWMutex
	status   *protocol.Status

	closeOnce sync.Once
	closeErr  error
}

// Dial 连接网关并发送 Hello。conf.Acks 为 false 时网关不回传确认，Notifications 返回 nil。
func Dial(ctx context.Context, conf robot.LinkConfig, sessionID string) (*Client, error) {
	tlsConfig, err := clientTLSConfig(conf)
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, conf.Addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", conf.Addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}

	c := &Client{
		conf:   conf,
		conn:   conn,
		stream: stream,
		logger: zap.L().With(zap.String("session", sessionID)),
		done:   make(chan struct{}),
	}
	if conf.Acks {
		c.notify = make(chan []byte, 8)
	}

	if err := c.sendHello(sessionID); err != nil {
		_ = c.Close()
		return nil, err
	}

	go c.readLoop()

	c.logger.Info("已连接到网关", zap.String("addr", conf.Addr), zap.String("local", conn.LocalAddr().String()))
	return c, nil
}

func clientTLSConfig(conf robot.LinkConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: conf.Insecure,
		NextProtos:         []string{"quic"},
	}

	if conf.CertFile != "" && !conf.Insecure {
		pem, err := os.ReadFile(conf.CertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", conf.CertFile)
		}
		tlsConfig.RootCAs = pool
	}

	if conf.CertFile != "" && conf.PrivateFile != "" {
		cert, err := tls.LoadX509KeyPair(conf.CertFile, conf.PrivateFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func (c *Client) sendHello(sessionID string) error {
	body, err := msgpack.Marshal(&protocol.Hello{
		SessionID: sessionID,
		Client:    "rccar_go",
		WantAcks:  c.conf.Acks,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal hello: %w", err)
	}

	msg := protocol.NewMessage()
	msg.SetServerTimestamp(uint64(time.Now().UnixMilli()))
	msg.SetContentType(protocol.MessagePack)
	msg.SetHandleID(protocol.HandleHello)
	msg.Body = body

	return c.writeMessage(context.Background(), msg)
}

// Write 实现 robot.Link，p 的首字节为指令
func (c *Client) Write(ctx context.Context, p []byte) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: empty write", protocol.ErrInvalidCommand)
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	msg := protocol.NewCommandMessage(protocol.Command(p[0]), uint64(time.Now().UnixMilli()))
	return c.writeMessage(ctx, msg)
}

func (c *Client) writeMessage(ctx context.Context, msg *protocol.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := c.stream.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if _, err := msg.WriteTo(c.stream); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer func() {
		if c.notify != nil {
			close(c.notify)
		}
		close(c.done)
	}()

	for {
		msg := protocol.NewMessage()
		if err := msg.Decode(c.stream); err != nil {
			if errors.Is(err, protocol.ErrStreamClosed) {
				c.logger.Info("网关关闭了链路")
			} else {
				c.logger.Warn("读取网关消息失败", zap.Error(err))
			}
			return
		}

		switch msg.HandleID {
		case protocol.HandleAck:
			if c.notify == nil {
				c.logger.Debug("未订阅确认，丢弃确认帧")
				continue
			}
			select {
			case c.notify <- msg.Body:
			case <-c.conn.Context().Done():
				return
			}
		case protocol.HandleStatus:
			var status protocol.Status
			if err := msgpack.Unmarshal(msg.Body, &status); err != nil {
				c.logger.Warn("反序列化状态失败", zap.Error(err))
				continue
			}
			c.statusMu.Lock()
			c.status = &status
			c.statusMu.Unlock()
		default:
			c.logger.Warn("未知消息标志", zap.Uint16("flag", msg.HandleID))
		}
	}
}

// Notifications 返回确认通知流，链路结束时关闭。未订阅确认时返回 nil。
func (c *Client) Notifications() <-chan []byte {
	if c.notify == nil {
		return nil
	}
	return c.notify
}

// Done 在链路断开后关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Status 返回网关最近一次推送的车辆状态
func (c *Client) Status() (protocol.Status, bool) {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	if c.status == nil {
		return protocol.Status{}, false
	}
	return *c.status, true
}

// Close 关闭流与连接
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = multierr.Combine(
			c.stream.Close(),
			c.conn.CloseWithError(0, "client closed"),
		)
		c.logger.Info("链路已关闭")
	})
	return c.closeErr
}
