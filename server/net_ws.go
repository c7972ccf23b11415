package server

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"multiplay/protocol"
)

// wsStream 把 WebSocket 的二进制消息还原为连续字节流，
// 帧边界仍由 protocol.Decoder 负责，与 TCP 路径一致。
// 不提供 SetReadDeadline：gorilla 的连接在读超时后不可再读，空闲检测不适用于该路径。
type wsStream struct {
	ws  *websocket.Conn
	r   io.Reader
	wmu sync.Mutex
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			mt, r, err := s.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				// 文本消息不属于协议，忽略
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) SetWriteDeadline(t time.Time) error {
	return s.ws.SetWriteDeadline(t)
}

func (s *wsStream) Close() error {
	return s.ws.Close()
}

// Gateway WebSocket 接入：/ws?player=alice
type Gateway struct {
	srv      *Server
	upgrader websocket.Upgrader
}

func NewGateway(srv *Server) *Gateway {
	return &Gateway{
		srv: srv,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 仅面向受信任的直连客户端：允许所有来源
				return true
			},
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.srv.State() != StateListening {
		http.Error(w, "relay not running", http.StatusServiceUnavailable)
		return
	}
	player := protocol.ClientID(r.URL.Query().Get("player"))

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.srv.log.Warnw("upgrade error", "err", err)
		return
	}
	ws.SetReadLimit(1 << 20) // 1MB

	if _, err := g.srv.Attach(player, &wsStream{ws: ws}); err != nil {
		g.srv.log.Warnw("websocket client refused", "client", player, "err", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = ws.Close()
	}
}
