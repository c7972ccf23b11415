package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"multiplay/protocol"
)

// 连续读超时的容忍次数，超过后视为空闲断线
const maxTransientReadErrors = 3

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// ClientConnection 持有一个字节流连接与一个接收协程：
// 读泵按固定小块读取、增量解码，并把每条命令发布到 CommandStore；
// 写泵负责把排队的帧写回客户端。
type ClientConnection struct {
	id      protocol.ClientID
	session string
	stream  io.ReadWriteCloser
	store   *CommandStore
	metrics *Metrics
	log     *zap.SugaredLogger

	chunkSize    int
	maxFrame     int
	writeTimeout time.Duration
	readTimeout  time.Duration

	active      atomic.Bool
	stopping    atomic.Bool
	startOnce   sync.Once
	closeOnce   sync.Once
	cleanupOnce sync.Once
	done        chan struct{}
	pumpDone    chan struct{}

	sendMu sync.Mutex
	send   chan []byte // 清理后置 nil
}

func newClientConnection(id protocol.ClientID, stream io.ReadWriteCloser, store *CommandStore, metrics *Metrics, log *zap.SugaredLogger, cfg Config) *ClientConnection {
	cfg = cfg.normalize()
	session := uuid.NewString()
	return &ClientConnection{
		id:           id,
		session:      session,
		stream:       stream,
		store:        store,
		metrics:      metrics,
		log:          log.With("client", id, "session", session),
		chunkSize:    cfg.ReadChunkSize,
		maxFrame:     cfg.MaxFrameSize,
		writeTimeout: cfg.WriteTimeout,
		readTimeout:  cfg.ReadTimeout,
		done:         make(chan struct{}),
		pumpDone:     make(chan struct{}),
		send:         make(chan []byte, cfg.SendQueue),
	}
}

func (c *ClientConnection) ID() protocol.ClientID { return c.id }

// Session 本次连接的会话 ID（仅用于日志关联）
func (c *ClientConnection) Session() string { return c.session }

// Start 启动读写协程，重复调用无效
func (c *ClientConnection) Start() {
	c.startOnce.Do(func() {
		c.active.Store(true)
		go c.writePump()
		go c.readLoop()
	})
}

// Stop 协作式停止：关闭底层连接，读泵在下一次 Read 返回时退出
func (c *ClientConnection) Stop() {
	c.stopping.Store(true)
	c.closeStream()
}

// IsActive 读泵是否仍在运行（供 Server 做存活统计）
func (c *ClientConnection) IsActive() bool {
	return c.active.Load()
}

// Done 清理完成后关闭
func (c *ClientConnection) Done() <-chan struct{} {
	return c.done
}

// Send 将命令编码后压入发送队列（非阻塞，满则丢弃）
func (c *ClientConnection) Send(cmd protocol.Command) bool {
	frame, err := protocol.EncodeMax(cmd, c.maxFrame)
	if err != nil {
		c.log.Warnw("cannot encode outbound frame", "kind", cmd.Kind, "err", err)
		return false
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.send == nil {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		// 为了实时性，丢弃（防止阻塞 Tick）
		return false
	}
}

// readLoop 是唯一的退出路径：quit、EOF、读错误、空闲超时或超长帧都会走到 cleanup
func (c *ClientConnection) readLoop() {
	defer c.cleanup()

	dec := protocol.NewDecoder(c.maxFrame)
	buf := make([]byte, c.chunkSize)
	rd, _ := c.stream.(readDeadliner)
	if c.readTimeout <= 0 {
		rd = nil
	}
	transient := 0
	for {
		if rd != nil {
			_ = rd.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		n, err := c.stream.Read(buf)
		if n > 0 {
			transient = 0
			if _, werr := dec.Write(buf[:n]); werr != nil {
				c.metrics.IncOversized()
				c.log.Warnw("dropping client", "err", werr)
				return
			}
			if !c.publishFrames(dec) {
				return
			}
		}
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() && transient < maxTransientReadErrors && !c.stopping.Load() {
			transient++
			c.log.Debugw("read timeout", "attempt", transient)
			continue
		}
		switch {
		case c.stopping.Load():
			c.log.Debugw("connection stopped")
		case errors.As(err, &ne) && ne.Timeout():
			c.log.Infow("client idle; dropping", "timeouts", transient+1)
		case errors.Is(err, io.EOF):
			c.log.Infow("client disconnected")
		default:
			c.log.Warnw("read failed", "err", err)
		}
		return
	}
}

// publishFrames 取出所有完整帧并发布；返回 false 表示应结束连接
func (c *ClientConnection) publishFrames(dec *protocol.Decoder) bool {
	for {
		cmd, ok, err := dec.Next()
		switch {
		case errors.Is(err, protocol.ErrUnknownKind):
			// 协议错误：按 no-op 处理，不覆盖已有命令，连接保持
			c.metrics.IncProtocolErrors()
			c.log.Warnw("protocol error", "err", err)
			continue
		case err != nil:
			c.metrics.IncOversized()
			c.log.Warnw("dropping client", "err", err)
			return false
		case !ok:
			return true
		}
		c.metrics.IncFramesDecoded()

		switch cmd.Kind {
		case protocol.KindQuit:
			c.log.Infow("client quit")
			return false
		case protocol.KindHello:
			c.log.Debugw("ignoring hello after handshake", "name", cmd.Argument)
			continue
		}
		cmd.ClientID = c.id
		c.metrics.IncPublished()
		if c.store.Publish(c.id, cmd) {
			c.metrics.IncOverwritten()
		}
	}
}

// writePump 独立协程，负责从 send 队列写出到连接
func (c *ClientConnection) writePump() {
	defer close(c.pumpDone)
	for frame := range c.send {
		if d, ok := c.stream.(writeDeadliner); ok {
			_ = d.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		if _, err := c.stream.Write(frame); err != nil {
			c.log.Debugw("write failed", "err", err)
			c.closeStream()
			for range c.send {
			}
			return
		}
	}
}

func (c *ClientConnection) closeStream() {
	c.closeOnce.Do(func() {
		_ = c.stream.Close()
	})
}

// cleanup 只执行一次：释放连接、结束写泵、标记为非活跃
func (c *ClientConnection) cleanup() {
	c.cleanupOnce.Do(func() {
		c.closeStream()
		c.sendMu.Lock()
		close(c.send)
		c.send = nil
		c.sendMu.Unlock()
		<-c.pumpDone
		c.active.Store(false)
		c.metrics.IncClosed()
		close(c.done)
	})
}
