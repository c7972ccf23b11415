package server

import (
	"context"
	"sync/atomic"
	"time"

	"multiplay/world"
)

// Stepper 推进模拟中与输入无关的状态（重复移动、自动游走等）
type Stepper interface {
	Step()
	Snapshot() world.Snapshot
}

// Loop 单线程推进世界：处理命令 → 更新世界 → 发布快照
type Loop struct {
	bridge   *Bridge
	world    Stepper
	interval time.Duration
	metrics  *Metrics

	tick     atomic.Uint64
	snapshot atomic.Pointer[world.Snapshot]
}

func NewLoop(bridge *Bridge, w Stepper, interval time.Duration, metrics *Metrics) *Loop {
	if interval <= 0 {
		interval = time.Second / TicksPerSecond
	}
	if metrics == nil {
		metrics = &Metrics{}
	}
	l := &Loop{bridge: bridge, world: w, interval: interval, metrics: metrics}
	snap := w.Snapshot()
	l.snapshot.Store(&snap)
	return l
}

// Run 启动 Tick 循环，直到 ctx 取消
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick()
		}
	}
}

// Tick 执行一次完整的 Tick；必须只在模拟协程中调用
func (l *Loop) Tick() int {
	start := time.Now()
	applied := l.bridge.DrainAndApply()
	l.world.Step()
	snap := l.world.Snapshot()
	l.snapshot.Store(&snap)
	l.tick.Add(1)
	l.metrics.AddTick(time.Since(start).Nanoseconds())
	return applied
}

// TickCount 已执行的 Tick 数
func (l *Loop) TickCount() uint64 { return l.tick.Load() }

// Snapshot 最近一次 Tick 后的世界快照，可在任意协程读取
func (l *Loop) Snapshot() world.Snapshot {
	return *l.snapshot.Load()
}
