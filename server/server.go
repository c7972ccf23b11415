package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"multiplay/protocol"
)

// State 服务端生命周期
type State int32

const (
	StateStopped State = iota
	StateListening
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateListening:
		return "listening"
	case StateStopping:
		return "stopping"
	}
	return "unknown"
}

var (
	ErrAlreadyRunning  = errors.New("server: already running")
	ErrAlreadyStopped  = errors.New("server: already stopped")
	ErrBind            = errors.New("server: bind failed")
	ErrNotListening    = errors.New("server: not listening")
	ErrIdentifierInUse = errors.New("server: client identifier in use")
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
	// 连续这么多次非超时的 accept 错误视为监听失败
	maxAcceptFailures = 8
)

// HandshakeFunc 在连接加入前确定客户端标识；返回空标识时使用计数器分配
type HandshakeFunc func(conn net.Conn) (protocol.ClientID, error)

// HelloHandshake 读取一条 hello 帧，参数即客户端名
func HelloHandshake(timeout time.Duration, maxFrame int) HandshakeFunc {
	return func(conn net.Conn) (protocol.ClientID, error) {
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
			defer conn.SetReadDeadline(time.Time{})
		}
		cmd, err := protocol.ReadFrame(conn, maxFrame)
		if err != nil {
			return "", fmt.Errorf("read hello: %w", err)
		}
		if cmd.Kind != protocol.KindHello {
			return "", fmt.Errorf("expected hello, got %s", cmd.Kind)
		}
		return protocol.ClientID(cmd.Argument), nil
	}
}

// Server 监听 TCP、接受连接，并为每个连接创建 ClientConnection
type Server struct {
	cfg       Config
	store     *CommandStore
	metrics   *Metrics
	log       *zap.SugaredLogger
	handshake HandshakeFunc

	mu         sync.Mutex
	state      State
	listener   net.Listener
	acceptDone chan struct{}
	conns      map[protocol.ClientID]*ClientConnection
	fatalErr   error
	admitting  sync.WaitGroup
	handshakes map[net.Conn]struct{} // 握手中的连接，停止时直接关闭

	nextID atomic.Uint64
}

// Option 构造选项
type Option func(*Server)

// WithHandshake 设置握手步骤；未设置时使用计数器分配标识
func WithHandshake(h HandshakeFunc) Option {
	return func(s *Server) { s.handshake = h }
}

// WithLogger 注入日志（默认使用全局 Log）
func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics 共享指标对象
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func NewServer(cfg Config, store *CommandStore, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg.normalize(),
		store:      store,
		conns:      make(map[protocol.ClientID]*ClientConnection),
		handshakes: make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = Log
	}
	if s.metrics == nil {
		s.metrics = &Metrics{}
	}
	return s
}

func (s *Server) Store() *CommandStore { return s.store }
func (s *Server) Metrics() *Metrics     { return s.metrics }

// State 当前生命周期状态
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr 监听地址；未监听时为 nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Err 返回 accept 循环的致命错误（若有）
func (s *Server) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Start 绑定并监听，随后在独立协程中运行 accept 循环
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return ErrAlreadyRunning
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBind, s.cfg.Addr, err)
	}
	s.serveLocked(ln)
	return nil
}

// Serve 在调用方提供的监听上运行（如继承的套接字）；
// 返回 ErrAlreadyRunning 时 ln 仍归调用方所有
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		return ErrAlreadyRunning
	}
	s.serveLocked(ln)
	return nil
}

func (s *Server) serveLocked(ln net.Listener) {
	s.listener = ln
	s.fatalErr = nil
	s.state = StateListening
	s.acceptDone = make(chan struct{})
	go s.acceptLoop(ln, s.acceptDone)
	s.log.Infow("relay listening", "addr", ln.Addr().String())
}

// Stop 关闭监听、等待 accept 循环退出，再等待所有连接完成清理
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.state != StateListening {
		fatal := s.fatalErr
		s.mu.Unlock()
		if fatal != nil {
			return errors.Join(ErrAlreadyStopped, fatal)
		}
		return ErrAlreadyStopped
	}
	s.state = StateStopping
	ln, acceptDone := s.listener, s.acceptDone
	s.mu.Unlock()

	_ = ln.Close()
	<-acceptDone
	s.stopConnections()

	s.mu.Lock()
	s.state = StateStopped
	s.listener = nil
	s.mu.Unlock()
	s.log.Infow("relay stopped")
	return nil
}

// stopConnections 通知所有连接停止并等待清理完成
func (s *Server) stopConnections() {
	s.mu.Lock()
	for conn := range s.handshakes {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.admitting.Wait()

	s.mu.Lock()
	live := make([]*ClientConnection, 0, len(s.conns))
	for _, c := range s.conns {
		live = append(live, c)
	}
	s.mu.Unlock()
	for _, c := range live {
		c.Stop()
	}
	for _, c := range live {
		<-c.Done()
	}
}

func (s *Server) acceptLoop(ln net.Listener, done chan struct{}) {
	defer close(done)
	var backoff time.Duration
	failures := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.State() == StateStopping {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				s.failListener(ln, err)
				return
			}
			s.metrics.IncAcceptErrors()
			// 超时可以无限重试；其他错误连续出现则认为监听已不可用
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				failures++
			}
			if failures >= maxAcceptFailures {
				s.failListener(ln, err)
				return
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else {
				backoff = min(backoff*2, maxAcceptBackoff)
			}
			s.log.Warnw("accept failed; retrying", "err", err, "backoff", backoff, "failures", failures)
			time.Sleep(backoff)
			continue
		}
		backoff, failures = 0, 0
		s.admitting.Add(1)
		go s.admit(conn)
	}
}

// failListener 监听套接字本身出错：服务转为停止，错误留给 Stop/Err 报告
func (s *Server) failListener(ln net.Listener, err error) {
	s.log.Errorw("listener failed", "err", err)
	_ = ln.Close()
	s.mu.Lock()
	s.fatalErr = fmt.Errorf("accept: %w", err)
	s.state = StateStopping
	s.mu.Unlock()

	s.stopConnections()

	s.mu.Lock()
	s.state = StateStopped
	s.listener = nil
	s.mu.Unlock()
}

// admit 在 accept 协程之外执行握手，避免慢客户端阻塞 accept
func (s *Server) admit(conn net.Conn) {
	defer s.admitting.Done()
	remote := conn.RemoteAddr().String()

	var id protocol.ClientID
	if s.handshake != nil {
		s.mu.Lock()
		if s.state != StateListening {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.handshakes[conn] = struct{}{}
		s.mu.Unlock()

		hid, err := s.handshake(conn)

		s.mu.Lock()
		delete(s.handshakes, conn)
		s.mu.Unlock()
		if err != nil {
			s.metrics.IncHandshakeFailures()
			s.log.Warnw("handshake failed", "remote", remote, "err", err)
			_ = conn.Close()
			return
		}
		id = hid
	}
	if _, err := s.register(id, conn); err != nil {
		s.log.Warnw("connection refused", "remote", remote, "client", id, "err", err)
		_ = conn.Close()
		return
	}
}

// Attach 接入已建立的字节流（如 WebSocket 网关），id 为空时由计数器分配
func (s *Server) Attach(id protocol.ClientID, stream io.ReadWriteCloser) (*ClientConnection, error) {
	return s.register(id, stream)
}

func (s *Server) register(id protocol.ClientID, stream io.ReadWriteCloser) (*ClientConnection, error) {
	if id == "" {
		id = s.fallbackID()
	}
	s.mu.Lock()
	if s.state != StateListening {
		s.mu.Unlock()
		return nil, ErrNotListening
	}
	// 同名的旧连接已断开但尚未回收时由新连接接管：
	// 实体和待执行的命令保留给新连接，旧连接不再被 Reap
	old, exists := s.conns[id]
	if exists && old.IsActive() {
		s.mu.Unlock()
		s.metrics.IncHandshakeFailures()
		return nil, fmt.Errorf("%w: %s", ErrIdentifierInUse, id)
	}
	c := newClientConnection(id, stream, s.store, s.metrics, s.log, s.cfg)
	s.conns[id] = c
	c.Start()
	s.mu.Unlock()

	s.metrics.IncAccepted()
	if exists {
		c.log.Infow("client resumed", "previous_session", old.Session())
	} else {
		c.log.Infow("client joined")
	}
	return c, nil
}

func (s *Server) fallbackID() protocol.ClientID {
	for {
		id := protocol.ClientID("client-" + strconv.FormatUint(s.nextID.Add(1), 10))
		s.mu.Lock()
		_, taken := s.conns[id]
		s.mu.Unlock()
		if !taken {
			return id
		}
	}
}

// ClientIDs 返回当前登记的客户端（含已断开但尚未回收的），按字典序稳定排列
func (s *Server) ClientIDs() []protocol.ClientID {
	s.mu.Lock()
	ids := make([]protocol.ClientID, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Reap 移除并返回已经结束的连接
func (s *Server) Reap() []protocol.ClientID {
	var gone []protocol.ClientID
	s.mu.Lock()
	for id, c := range s.conns {
		if !c.IsActive() {
			delete(s.conns, id)
			gone = append(gone, id)
		}
	}
	s.mu.Unlock()
	sort.Slice(gone, func(i, j int) bool { return gone[i] < gone[j] })
	return gone
}

// Disconnect 请求断开指定客户端；回收在之后的 Reap 中完成
func (s *Server) Disconnect(id protocol.ClientID) bool {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if ok {
		c.Stop()
	}
	return ok
}

// Broadcast 将命令发送给所有活跃客户端，返回成功入队的数量
func (s *Server) Broadcast(cmd protocol.Command) int {
	s.mu.Lock()
	live := make([]*ClientConnection, 0, len(s.conns))
	for _, c := range s.conns {
		live = append(live, c)
	}
	s.mu.Unlock()
	sent := 0
	for _, c := range live {
		if c.IsActive() && c.Send(cmd) {
			sent++
		}
	}
	return sent
}

// ClientInfo 连接的只读视图（管理接口使用）
type ClientInfo struct {
	ID      string `json:"id"`
	Session string `json:"session"`
	Active  bool   `json:"active"`
}

// Clients 返回所有登记连接的视图
func (s *Server) Clients() []ClientInfo {
	s.mu.Lock()
	out := make([]ClientInfo, 0, len(s.conns))
	for id, c := range s.conns {
		out = append(out, ClientInfo{ID: string(id), Session: c.Session(), Active: c.IsActive()})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
