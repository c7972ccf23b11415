package server

import (
	"time"

	"multiplay/protocol"
)

const (
	// TicksPerSecond 世界推进频率（20 TPS）
	TicksPerSecond = 20
	// DefaultReadChunkSize 每次读取的最大字节数，与原客户端的接收缓冲一致
	DefaultReadChunkSize = 8
)

// Config 中继服务配置，零值字段在 normalize 时回落到默认值
type Config struct {
	Addr             string        // TCP 监听地址
	TickRate         int           // 每秒 Tick 次数
	ReadChunkSize    int           // 单次读取字节数
	MaxFrameSize     int           // 单帧上限（含帧头）
	HandshakeTimeout time.Duration // 握手帧的读超时
	SendQueue        int           // 每连接发送队列容量
	WriteTimeout     time.Duration
	// ReadTimeout 单次读取的超时，0 表示不限制；
	// 连续多次超时且没有收到任何数据的连接视为断线
	ReadTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Addr:             ":7777",
		TickRate:         TicksPerSecond,
		ReadChunkSize:    DefaultReadChunkSize,
		MaxFrameSize:     protocol.DefaultMaxFrameSize,
		HandshakeTimeout: 5 * time.Second,
		SendQueue:        64,
		WriteTimeout:     5 * time.Second,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.TickRate <= 0 {
		c.TickRate = d.TickRate
	}
	if c.ReadChunkSize <= 0 {
		c.ReadChunkSize = d.ReadChunkSize
	}
	if c.MaxFrameSize < protocol.HeaderSize {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.MaxFrameSize > protocol.HeaderSize+protocol.MaxArgumentSize {
		c.MaxFrameSize = protocol.HeaderSize + protocol.MaxArgumentSize
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout < 0 {
		c.ReadTimeout = 0
	}
	return c
}

// TickInterval 由 TickRate 推导的 Tick 间隔
func (c Config) TickInterval() time.Duration {
	return time.Second / time.Duration(c.normalize().TickRate)
}
