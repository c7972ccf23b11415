package world

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"multiplay/protocol"
)

var (
	ErrNoEntity        = errors.New("world: no such entity")
	ErrEntityExists    = errors.New("world: entity already spawned")
	ErrUnknownBehavior = errors.New("world: unknown special attack")
)

const defaultChatLimit = 64

// ChatLine 一条聊天记录
type ChatLine struct {
	Tick uint64 `json:"tick"`
	From string `json:"from"`
	Text string `json:"text"`
}

// Snapshot 世界的只读快照
type Snapshot struct {
	Tick     uint64        `json:"tick"`
	Entities []EntityState `json:"entities"`
	Chat     []ChatLine    `json:"chat"`
}

// Options 竞技场配置
type Options struct {
	Width     int
	Height    int
	Seed      int64
	Behaviors *Behaviors
	Log       *zap.SugaredLogger
}

// Arena 权威世界状态，只在模拟协程中访问，不加锁
type Arena struct {
	width  int
	height int

	entities  map[protocol.ClientID]*Entity
	chat      []ChatLine
	behaviors *Behaviors
	rng       *rand.Rand
	tick      uint64
	log       *zap.SugaredLogger
}

// NewArena 创建竞技场，初始化数据结构
func NewArena(opts Options) *Arena {
	if opts.Width <= 0 {
		opts.Width = 100
	}
	if opts.Height <= 0 {
		opts.Height = 100
	}
	if opts.Behaviors == nil {
		opts.Behaviors = DefaultBehaviors()
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	return &Arena{
		width:     opts.Width,
		height:    opts.Height,
		entities:  make(map[protocol.ClientID]*Entity),
		behaviors: opts.Behaviors,
		rng:       rand.New(rand.NewSource(opts.Seed)),
		log:       opts.Log,
	}
}

func (a *Arena) entity(owner protocol.ClientID) (*Entity, error) {
	e, ok := a.entities[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoEntity, owner)
	}
	return e, nil
}

// Entity 返回实体状态
func (a *Arena) Entity(owner protocol.ClientID) (EntityState, bool) {
	e, ok := a.entities[owner]
	if !ok {
		return EntityState{}, false
	}
	return e.state(), true
}

// Chat 记录聊天，只保留最近的若干条
func (a *Arena) Chat(owner protocol.ClientID, text string) {
	a.chat = append(a.chat, ChatLine{Tick: a.tick, From: string(owner), Text: text})
	if over := len(a.chat) - defaultChatLimit; over > 0 {
		a.chat = append(a.chat[:0], a.chat[over:]...)
	}
	a.log.Infow("chat", "from", owner, "text", text)
}

// Spawn 在中心位置生成客户端的实体，每个客户端最多一个
func (a *Arena) Spawn(owner protocol.ClientID, entityType string) error {
	if entityType == "" {
		return fmt.Errorf("spawn: empty entity type")
	}
	if _, ok := a.entities[owner]; ok {
		return fmt.Errorf("%w: %s", ErrEntityExists, owner)
	}
	a.entities[owner] = &Entity{Owner: owner, Type: entityType, X: a.width / 2, Y: a.height / 2, HP: DefaultHP}
	a.log.Infow("entity spawned", "owner", owner, "type", entityType)
	return nil
}

// Despawn 移除实体；指定类型时类型必须一致
func (a *Arena) Despawn(owner protocol.ClientID, entityType string) error {
	e, err := a.entity(owner)
	if err != nil {
		return err
	}
	if entityType != "" && entityType != e.Type {
		return fmt.Errorf("%w: %s has no %s", ErrNoEntity, owner, entityType)
	}
	delete(a.entities, owner)
	a.log.Infow("entity despawned", "owner", owner, "type", e.Type)
	return nil
}

// Move 执行一次位移并进行越界裁剪
func (a *Arena) Move(owner protocol.ClientID, dx, dy int) error {
	e, err := a.entity(owner)
	if err != nil {
		return err
	}
	a.shift(e, dx, dy)
	return nil
}

// MoveRepeated 设置每个 Tick 持续生效的位移，0,0 表示停止
func (a *Arena) MoveRepeated(owner protocol.ClientID, dx, dy int) error {
	e, err := a.entity(owner)
	if err != nil {
		return err
	}
	e.VX, e.VY = dx, dy
	return nil
}

// ToggleAutoMove 切换自动游走
func (a *Arena) ToggleAutoMove(owner protocol.ClientID) error {
	e, err := a.entity(owner)
	if err != nil {
		return err
	}
	e.Auto = !e.Auto
	return nil
}

// SpecialAttack 调用实体的具名特殊攻击
func (a *Arena) SpecialAttack(owner protocol.ClientID, name string) error {
	e, err := a.entity(owner)
	if err != nil {
		return err
	}
	b, ok := a.behaviors.Lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBehavior, name)
	}
	acted := b.Call(a, e)
	a.log.Debugw("special attack", "owner", owner, "attack", name, "acted", acted)
	return nil
}

// Leave 客户端离开：移除其实体
func (a *Arena) Leave(owner protocol.ClientID) {
	if _, ok := a.entities[owner]; ok {
		delete(a.entities, owner)
		a.log.Infow("entity removed on leave", "owner", owner)
	}
}

var wanderSteps = [4][2]int{{0, -1}, {0, 1}, {-1, 0}, {1, 0}}

// Step 推进世界：重复移动与自动游走，按 owner 顺序保证可复现
func (a *Arena) Step() {
	a.tick++
	for _, e := range a.sorted() {
		if e.VX != 0 || e.VY != 0 {
			a.shift(e, e.VX, e.VY)
		}
		if e.Auto {
			d := wanderSteps[a.rng.Intn(len(wanderSteps))]
			a.shift(e, d[0], d[1])
		}
	}
}

// Snapshot 复制当前状态
func (a *Arena) Snapshot() Snapshot {
	s := Snapshot{Tick: a.tick, Entities: make([]EntityState, 0, len(a.entities))}
	for _, e := range a.sorted() {
		s.Entities = append(s.Entities, e.state())
	}
	s.Chat = append([]ChatLine(nil), a.chat...)
	return s
}

func (a *Arena) sorted() []*Entity {
	out := make([]*Entity, 0, len(a.entities))
	for _, e := range a.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner < out[j].Owner })
	return out
}

func (a *Arena) shift(e *Entity, dx, dy int) {
	if dx != 0 || dy != 0 {
		e.FacingX, e.FacingY = sign(dx), sign(dy)
	}
	// 位移先限制在场地尺寸内，避免极大的参数相加溢出
	dx = min(max(dx, -a.width), a.width)
	dy = min(max(dy, -a.height), a.height)
	e.X = min(max(e.X+dx, 0), a.width-1)
	e.Y = min(max(e.Y+dy, 0), a.height-1)
}

// neighbors 返回切比雪夫距离 r 以内的其他实体
func (a *Arena) neighbors(self *Entity, r int) []*Entity {
	var out []*Entity
	for _, e := range a.sorted() {
		if e == self {
			continue
		}
		if abs(e.X-self.X) <= r && abs(e.Y-self.Y) <= r {
			out = append(out, e)
		}
	}
	return out
}

func (a *Arena) damage(e *Entity, n int) {
	e.HP -= n
	if e.HP <= 0 {
		delete(a.entities, e.Owner)
		a.log.Infow("entity destroyed", "owner", e.Owner, "type", e.Type)
	}
}
