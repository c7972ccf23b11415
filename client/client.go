// Package client 提供连接中继服务的最小客户端：握手、发送命令、接收转发的聊天。
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"multiplay/protocol"
)

// Client 单个 TCP 连接
type Client struct {
	conn     net.Conn
	maxFrame int

	wmu       sync.Mutex
	closeOnce sync.Once
}

// Dial 建立连接并总是先发送 hello 帧作为握手；name 为空时由服务端分配标识
func Dial(ctx context.Context, addr string, name string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, maxFrame: protocol.DefaultMaxFrameSize}
	if err := c.Send(protocol.KindHello, name); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// Send 编码并写出一条命令；超过单帧上限时返回 protocol.ErrFrameTooLarge，不写出任何字节
func (c *Client) Send(kind protocol.Kind, argument string) error {
	frame, err := protocol.EncodeMax(protocol.Command{Kind: kind, Argument: argument}, c.maxFrame)
	if err != nil {
		return err
	}
	return c.WriteRaw(frame)
}

// WriteRaw 直接写出字节（可用于分块发送或调试）
func (c *Client) WriteRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.conn.Write(b)
	return err
}

// Receive 读取服务端转发的下一帧
func (c *Client) Receive() (protocol.Command, error) {
	return protocol.ReadFrame(c.conn, c.maxFrame)
}

// Quit 发送 quit 并关闭连接
func (c *Client) Quit() error {
	err := c.Send(protocol.KindQuit, "")
	if cerr := c.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close 直接断开
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// SetDeadline 设置读写超时
func (c *Client) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// LocalAddr 本地地址
func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// IsClosed 判断错误是否因连接关闭
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// ParseLine 解析交互输入，如 "move 3,4"、"message hi there"、"quit"
func ParseLine(line string) (protocol.Kind, string, error) {
	line = strings.TrimSpace(line)
	name, arg, _ := strings.Cut(line, " ")
	kind, ok := protocol.ParseKind(name)
	if !ok || kind == protocol.KindHello {
		return protocol.KindNop, "", fmt.Errorf("unknown command %q", name)
	}
	return kind, strings.TrimSpace(arg), nil
}
