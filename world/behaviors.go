package world

import (
	"sort"
	"sync"
)

// Behavior 特殊攻击：由实体类型的内容定义，返回是否实际生效
type Behavior interface {
	Call(a *Arena, self *Entity) bool
}

// BehaviorFunc 函数适配器
type BehaviorFunc func(a *Arena, self *Entity) bool

func (f BehaviorFunc) Call(a *Arena, self *Entity) bool { return f(a, self) }

// Behaviors 按名称管理特殊攻击，注册可以并发进行
type Behaviors struct {
	mu sync.RWMutex
	m  map[string]Behavior
}

func NewBehaviors() *Behaviors {
	return &Behaviors{m: make(map[string]Behavior)}
}

// DefaultBehaviors 内置的占位攻击集合
func DefaultBehaviors() *Behaviors {
	b := NewBehaviors()
	b.Register("leap", BehaviorFunc(leap))
	b.Register("bite", BehaviorFunc(bite))
	return b
}

// Register 注册或替换同名攻击
func (b *Behaviors) Register(name string, fn Behavior) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.m[name] = fn
}

func (b *Behaviors) Lookup(name string) (Behavior, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	fn, ok := b.m[name]
	return fn, ok
}

// Names 已注册攻击的有序列表
func (b *Behaviors) Names() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.m))
	for name := range b.m {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

const leapDistance = 3

// leap 沿当前朝向跳跃
func leap(a *Arena, self *Entity) bool {
	if self.FacingX == 0 && self.FacingY == 0 {
		return false
	}
	x, y := self.X, self.Y
	a.shift(self, self.FacingX*leapDistance, self.FacingY*leapDistance)
	return x != self.X || y != self.Y
}

const biteDamage = 2

// bite 咬相邻的第一个实体（按 owner 排序）
func bite(a *Arena, self *Entity) bool {
	targets := a.neighbors(self, 1)
	if len(targets) == 0 {
		return false
	}
	a.damage(targets[0], biteDamage)
	return true
}
