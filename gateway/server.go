package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/transairobot/rccar_go/protocol"
)

type Config struct {
	CertFile    string
	PrivateFile string

	// StatusInterval 为状态帧的推送周期，0 表示不推送
	StatusInterval time.Duration

	// NewVehicle 为每个连接创建车辆，为 nil 时使用 NewSimVehicle
	NewVehicle func() Vehicle
}

type Server struct {
	conf     *Config
	mu       sync.Mutex
	lis      *quic.Listener
	sessions sync.Map // map[string]*Session
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// Session 表示一个已连接的驾驶客户端
type Session struct {
	ID          string         `msgpack:"id"`
	RemoteAddr  string         `msgpack:"remote_addr"`
	ConnectedAt time.Time      `msgpack:"connected_at"`
	Hello       protocol.Hello `msgpack:"hello"`

	commandsRecv atomic.Uint64
	acksSent     atomic.Uint64

	conn    *quic.Conn
	vehicle Vehicle
	writeMu sync.Mutex
}

func (s *Session) CommandsRecv() uint64 { return s.commandsRecv.Load() }
func (s *Session) AcksSent() uint64     { return s.acksSent.Load() }

// Vehicle 返回该会话绑定的车辆
func (s *Session) Vehicle() Vehicle { return s.vehicle }

// NewServer 创建网关服务器
func NewServer(conf *Config) *Server {
	if conf == nil {
		conf = &Config{}
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		conf:   conf,
		logger: zap.L(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Server) SetLogger(logger *zap.Logger) {
	s.logger = logger
}

// Listen 监听 addr，返回实际监听地址
func (s *Server) Listen(addr string) (net.Addr, error) {
	cert, err := loadCert(s.conf.CertFile, s.conf.PrivateFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"quic"},
	}

	listener, err := quic.ListenAddr(addr, tlsConfig, &quic.Config{
		MaxIdleTimeout:     30 * time.Second,
		KeepAlivePeriod:    5 * time.Second,
		MaxIncomingStreams: 16,
		EnableDatagrams:    false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.lis = listener
	s.mu.Unlock()
	s.logger.Info("网关已启动", zap.String("addr", listener.Addr().String()))
	return listener.Addr(), nil
}

// Serve 监听 addr 并接受连接，直到 Stop 被调用
func (s *Server) Serve(addr string) error {
	if _, err := s.Listen(addr); err != nil {
		return err
	}
	return s.Run()
}

// Run 在 Listen 之后接受连接
func (s *Server) Run() error {
	s.mu.Lock()
	lis := s.lis
	s.mu.Unlock()
	if lis == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := lis.Accept(s.ctx)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			s.logger.Error("接受连接失败", zap.Error(err))
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn *quic.Conn) {
	defer conn.CloseWithError(0, "会话结束")

	session := &Session{
		ID:          uuid.New().String(),
		RemoteAddr:  conn.RemoteAddr().String(),
		ConnectedAt: time.Now(),
		conn:        conn,
	}
	logger := s.logger.With(zap.String("conn", session.ID), zap.String("remote", session.RemoteAddr))

	stream, err := conn.AcceptStream(s.ctx)
	if err != nil {
		logger.Debug("接受流失败", zap.Error(err))
		return
	}
	defer stream.Close()

	hello, err := readHello(stream)
	if err != nil {
		logger.Warn("握手失败", zap.Error(err))
		return
	}
	session.Hello = hello
	session.vehicle = s.newVehicle()

	s.sessions.Store(session.ID, session)
	defer s.sessions.Delete(session.ID)

	logger.Info("客户端已连接",
		zap.String("client", hello.Client),
		zap.String("client_session", hello.SessionID),
		zap.Bool("want_acks", hello.WantAcks))

	g, ctx := errgroup.WithContext(conn.Context())
	g.Go(func() error {
		return s.commandLoop(session, stream, logger)
	})
	if s.conf.StatusInterval > 0 {
		g.Go(func() error {
			return s.statusLoop(ctx, session, stream)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, protocol.ErrStreamClosed) {
		logger.Debug("会话异常结束", zap.Error(err))
	}
	logger.Info("客户端已断开",
		zap.Uint64("commands", session.CommandsRecv()),
		zap.Uint64("acks", session.AcksSent()))
}

func (s *Server) newVehicle() Vehicle {
	if s.conf.NewVehicle != nil {
		return s.conf.NewVehicle()
	}
	return NewSimVehicle()
}

func readHello(stream *quic.Stream) (protocol.Hello, error) {
	var hello protocol.Hello

	if err := stream.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return hello, fmt.Errorf("failed to set read deadline: %w", err)
	}
	defer stream.SetReadDeadline(time.Time{})

	msg := protocol.NewMessage()
	if err := msg.Decode(stream); err != nil {
		return hello, fmt.Errorf("failed to decode hello: %w", err)
	}
	if msg.HandleID != protocol.HandleHello {
		return hello, fmt.Errorf("expected hello, got flag %d", msg.HandleID)
	}
	if msg.ContentType != protocol.MessagePack {
		return hello, fmt.Errorf("unsupported content type %d", msg.ContentType)
	}
	if err := msgpack.Unmarshal(msg.Body, &hello); err != nil {
		return hello, fmt.Errorf("failed to unmarshal hello: %w", err)
	}
	return hello, nil
}

// commandLoop 逐帧读取指令，交给车辆执行并回传确认
func (s *Server) commandLoop(session *Session, stream *quic.Stream, logger *zap.Logger) error {
	for {
		msg := protocol.NewMessage()
		if err := msg.Decode(stream); err != nil {
			return err
		}

		if msg.HandleID != protocol.HandleCommand {
			logger.Warn("未知消息标志", zap.Uint16("flag", msg.HandleID))
			continue
		}
		if len(msg.Body) == 0 {
			logger.Warn("空指令帧")
			continue
		}

		cmd := protocol.Command(msg.Body[0])
		session.commandsRecv.Add(1)
		ack := session.vehicle.Apply(cmd)
		logger.Debug("收到指令", zap.Stringer("command", cmd), zap.ByteString("ack", ack))

		if ack == nil || !session.Hello.WantAcks {
			continue
		}

		if err := session.write(stream, protocol.NewAckMessage(ack, uint64(time.Now().UnixMilli()))); err != nil {
			return fmt.Errorf("failed to send ack: %w", err)
		}
		session.acksSent.Add(1)
	}
}

func (s *Server) statusLoop(ctx context.Context, session *Session, stream *quic.Stream) error {
	ticker := time.NewTicker(s.conf.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		body, err := msgpack.Marshal(session.vehicle.Status())
		if err != nil {
			return fmt.Errorf("failed to marshal status: %w", err)
		}

		msg := protocol.NewMessage()
		msg.SetServerTimestamp(uint64(time.Now().UnixMilli()))
		msg.SetContentType(protocol.MessagePack)
		msg.SetHandleID(protocol.HandleStatus)
		msg.Body = body

		if err := session.write(stream, msg); err != nil {
			return fmt.Errorf("failed to send status: %w", err)
		}
	}
}

func (s *Session) write(stream *quic.Stream, msg *protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := msg.WriteTo(stream)
	return err
}

// Sessions 返回当前连接的会话，按连接时间排序
func (s *Server) Sessions() []*Session {
	var out []*Session
	s.sessions.Range(func(_, value any) bool {
		out = append(out, value.(*Session))
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Stop 停止服务器并断开全部会话
func (s *Server) Stop() error {
	s.cancel()

	var err error
	s.sessions.Range(func(_, value any) bool {
		err = multierr.Append(err, value.(*Session).conn.CloseWithError(0, "gateway stopped"))
		return true
	})
	s.mu.Lock()
	lis := s.lis
	s.lis = nil
	s.mu.Unlock()
	if lis != nil {
		err = multierr.Append(err, lis.Close())
	}
	return err
}
