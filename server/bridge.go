package server

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"multiplay/protocol"
	"multiplay/world"
)

// Simulation 命令的执行目标（游戏逻辑），只在模拟协程中调用
type Simulation interface {
	Chat(id protocol.ClientID, text string)
	Spawn(id protocol.ClientID, entityType string) error
	Despawn(id protocol.ClientID, entityType string) error
	Move(id protocol.ClientID, dx, dy int) error
	MoveRepeated(id protocol.ClientID, dx, dy int) error
	SpecialAttack(id protocol.ClientID, name string) error
	ToggleAutoMove(id protocol.ClientID) error
	Leave(id protocol.ClientID)
}

// Registry 登记的客户端集合（由 Server 实现）
type Registry interface {
	ClientIDs() []protocol.ClientID
	Reap() []protocol.ClientID
	Disconnect(id protocol.ClientID) bool
	Broadcast(cmd protocol.Command) int
}

// Bridge 每个 Tick 从 CommandStore 取出命令并作用到模拟状态。
// 仅由模拟协程调用，不会与自身并发。
type Bridge struct {
	store    *CommandStore
	registry Registry
	sim      Simulation
	metrics  *Metrics
	log      *zap.SugaredLogger
}

func NewBridge(store *CommandStore, registry Registry, sim Simulation, metrics *Metrics, log *zap.SugaredLogger) *Bridge {
	if metrics == nil {
		metrics = &Metrics{}
	}
	if log == nil {
		log = Log
	}
	return &Bridge{store: store, registry: registry, sim: sim, metrics: metrics, log: log}
}

// DrainAndApply 每个客户端最多执行一条命令，返回执行数量。
// 已断开的客户端先执行其最后一条命令，再清理残留并通知模拟侧。
func (b *Bridge) DrainAndApply() int {
	applied := 0
	seen := make(map[protocol.ClientID]bool)
	for _, id := range b.registry.ClientIDs() {
		if cmd, ok := b.store.Take(id); ok {
			seen[id] = true
			if b.apply(cmd) {
				applied++
			}
		}
	}
	for _, id := range b.registry.Reap() {
		if !seen[id] {
			if cmd, ok := b.store.Take(id); ok && b.apply(cmd) {
				applied++
			}
		}
		b.store.Remove(id)
		b.leave(id)
	}
	return applied
}

func (b *Bridge) leave(id protocol.ClientID) {
	defer b.recoverApply(protocol.Command{ClientID: id, Kind: protocol.KindQuit})
	b.sim.Leave(id)
	b.log.Infow("client left", "client", id)
}

// apply 执行单条命令；返回 false 表示被视为 no-op
func (b *Bridge) apply(cmd protocol.Command) (ok bool) {
	defer b.recoverApply(cmd)

	err := b.dispatch(cmd)
	switch {
	case err == nil:
		b.metrics.IncApplied()
		return true
	case errors.Is(err, world.ErrNoEntity):
		// 目标实体已不存在：按 no-op 处理
		b.log.Debugw("command target missing", "client", cmd.ClientID, "kind", cmd.Kind, "err", err)
	default:
		b.metrics.IncApplyFailures()
		b.log.Warnw("command rejected", "client", cmd.ClientID, "kind", cmd.Kind, "arg", cmd.Argument, "err", err)
	}
	return false
}

func (b *Bridge) dispatch(cmd protocol.Command) error {
	id := cmd.ClientID
	switch cmd.Kind {
	case protocol.KindNop:
		return nil
	case protocol.KindMessage:
		b.sim.Chat(id, cmd.Argument)
		b.registry.Broadcast(protocol.Command{Kind: protocol.KindMessage, Argument: string(id) + ": " + cmd.Argument})
		return nil
	case protocol.KindSpawn:
		return b.sim.Spawn(id, cmd.Argument)
	case protocol.KindDespawn:
		return b.sim.Despawn(id, cmd.Argument)
	case protocol.KindMove:
		dx, dy, err := protocol.ParseVector(cmd.Argument)
		if err != nil {
			return err
		}
		return b.sim.Move(id, dx, dy)
	case protocol.KindMoveRepeated:
		dx, dy, err := protocol.ParseVector(cmd.Argument)
		if err != nil {
			return err
		}
		return b.sim.MoveRepeated(id, dx, dy)
	case protocol.KindSpecialAttack:
		return b.sim.SpecialAttack(id, cmd.Argument)
	case protocol.KindAutoMove:
		return b.sim.ToggleAutoMove(id)
	case protocol.KindQuit:
		// 断开后由之后的 Reap 完成清理
		b.registry.Disconnect(id)
		return nil
	case protocol.KindHello:
		return fmt.Errorf("hello outside handshake")
	}
	return fmt.Errorf("%w: %d", protocol.ErrUnknownKind, uint8(cmd.Kind))
}

// recoverApply 模拟侧的 panic 不能扩散到 Tick 协程
func (b *Bridge) recoverApply(cmd protocol.Command) {
	if r := recover(); r != nil {
		b.metrics.IncApplyFailures()
		b.log.Errorw("simulation panic while applying command", "client", cmd.ClientID, "kind", cmd.Kind, "panic", r)
	}
}
