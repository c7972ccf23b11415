package world

import "multiplay/protocol"

// DefaultHP 新生成实体的生命值
const DefaultHP = 10

// Entity 客户端控制的实体（服务端权威状态）
type Entity struct {
	Owner protocol.ClientID
	Type  string
	X     int
	Y     int
	HP    int

	// 最近一次移动的朝向，特殊攻击依赖它
	FacingX int
	FacingY int

	// 重复移动：每个 Tick 生效的位移
	VX   int
	VY   int
	Auto bool // 自动游走
}

// EntityState 为管理接口输出的轻量状态
type EntityState struct {
	Owner string `json:"owner"`
	Type  string `json:"type"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	HP    int    `json:"hp"`
	Auto  bool   `json:"auto,omitempty"`
}

func (e *Entity) state() EntityState {
	return EntityState{Owner: string(e.Owner), Type: e.Type, X: e.X, Y: e.Y, HP: e.HP, Auto: e.Auto}
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
