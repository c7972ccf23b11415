package server

import (
	"sync/atomic"
)

// Metrics 记录中继运行期的关键指标（用于监控与调试）
type Metrics struct {
	ConnectionsAccepted int64 // 完成握手并加入的连接数
	ConnectionsClosed   int64 // 已结束的连接数
	HandshakeFailures   int64 // 握手失败或标识冲突被拒绝的连接数
	AcceptErrors        int64 // 可恢复的 accept 错误
	FramesDecoded       int64 // 成功解码的帧数
	ProtocolErrors      int64 // 未知类型的帧
	OversizedFrames     int64 // 因超长被断开的连接
	CommandsPublished   int64 // 写入命令存储的命令数
	CommandsOverwritten int64 // 被新命令覆盖而未执行的命令数
	CommandsApplied     int64 // 在 Tick 中执行的命令数
	ApplyFailures       int64 // 执行时参数错误或模拟侧异常
	TickCount           int64 // 统计的 Tick 次数
	TotalTickNs         int64 // Tick 累计耗时（纳秒）
}

func (m *Metrics) IncAccepted()          { atomic.AddInt64(&m.ConnectionsAccepted, 1) }
func (m *Metrics) IncClosed()            { atomic.AddInt64(&m.ConnectionsClosed, 1) }
func (m *Metrics) IncHandshakeFailures() { atomic.AddInt64(&m.HandshakeFailures, 1) }
func (m *Metrics) IncAcceptErrors()      { atomic.AddInt64(&m.AcceptErrors, 1) }
func (m *Metrics) IncFramesDecoded()     { atomic.AddInt64(&m.FramesDecoded, 1) }
func (m *Metrics) IncProtocolErrors()    { atomic.AddInt64(&m.ProtocolErrors, 1) }
func (m *Metrics) IncOversized()         { atomic.AddInt64(&m.OversizedFrames, 1) }
func (m *Metrics) IncPublished()         { atomic.AddInt64(&m.CommandsPublished, 1) }
func (m *Metrics) IncOverwritten()       { atomic.AddInt64(&m.CommandsOverwritten, 1) }
func (m *Metrics) IncApplied()           { atomic.AddInt64(&m.CommandsApplied, 1) }
func (m *Metrics) IncApplyFailures()     { atomic.AddInt64(&m.ApplyFailures, 1) }
func (m *Metrics) AddTick(ns int64) {
	atomic.AddInt64(&m.TickCount, 1)
	atomic.AddInt64(&m.TotalTickNs, ns)
}

// Snapshot 返回只读副本，便于 HTTP 输出
func (m *Metrics) Snapshot() map[string]any {
	tick := atomic.LoadInt64(&m.TickCount)
	total := atomic.LoadInt64(&m.TotalTickNs)
	var avgMs float64
	if tick > 0 {
		avgMs = float64(total) / float64(tick) / 1e6
	}
	return map[string]any{
		"connections_accepted": atomic.LoadInt64(&m.ConnectionsAccepted),
		"connections_closed":   atomic.LoadInt64(&m.ConnectionsClosed),
		"handshake_failures":   atomic.LoadInt64(&m.HandshakeFailures),
		"accept_errors":        atomic.LoadInt64(&m.AcceptErrors),
		"frames_decoded":       atomic.LoadInt64(&m.FramesDecoded),
		"protocol_errors":      atomic.LoadInt64(&m.ProtocolErrors),
		"oversized_frames":     atomic.LoadInt64(&m.OversizedFrames),
		"commands_published":   atomic.LoadInt64(&m.CommandsPublished),
		"commands_overwritten": atomic.LoadInt64(&m.CommandsOverwritten),
		"commands_applied":     atomic.LoadInt64(&m.CommandsApplied),
		"apply_failures":       atomic.LoadInt64(&m.ApplyFailures),
		"tick_count":           tick,
		"avg_tick_ms":          avgMs,
	}
}
