package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ClientID 表示客户端唯一标识（握手时分配，连接存活期内不变）
type ClientID string

// Kind 命令类型（线上取值固定，不可重排）
type Kind uint8

const (
	KindNop Kind = iota
	KindMessage
	KindSpawn
	KindDespawn
	KindMove
	KindMoveRepeated
	KindSpecialAttack
	KindAutoMove

	// 带外信号：不进入命令存储
	KindHello Kind = 0xFE
	KindQuit  Kind = 0xFF
)

var kindNames = map[Kind]string{
	KindNop:           "nop",
	KindMessage:       "message",
	KindSpawn:         "spawn",
	KindDespawn:       "despawn",
	KindMove:          "move",
	KindMoveRepeated:  "move-repeated",
	KindSpecialAttack: "special-attack",
	KindAutoMove:      "auto-move",
	KindHello:         "hello",
	KindQuit:          "quit",
}

// Valid 判断是否为已定义的命令类型
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind 按名称查找命令类型，如 "move-repeated"
func ParseKind(name string) (Kind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, true
		}
	}
	return KindNop, false
}

// Command 客户端意图：由连接解码生成，在下一次 Tick 中被解释执行
type Command struct {
	ClientID ClientID
	Kind     Kind
	Argument string // 结构取决于 Kind：移动为 "dx,dy"，生成为实体类型，聊天为文本
}

func (c Command) String() string {
	return fmt.Sprintf("%s %s %q", c.ClientID, c.Kind, c.Argument)
}

// FormatVector 将位移编码为 "dx,dy"
func FormatVector(dx, dy int) string {
	return strconv.Itoa(dx) + "," + strconv.Itoa(dy)
}

// ParseVector 解析 "dx,dy" 形式的移动参数
func ParseVector(arg string) (int, int, error) {
	xs, ys, ok := strings.Cut(arg, ",")
	if !ok {
		return 0, 0, fmt.Errorf("vector %q: missing comma", arg)
	}
	dx, err := strconv.Atoi(strings.TrimSpace(xs))
	if err != nil {
		return 0, 0, fmt.Errorf("vector %q: %w", arg, err)
	}
	dy, err := strconv.Atoi(strings.TrimSpace(ys))
	if err != nil {
		return 0, 0, fmt.Errorf("vector %q: %w", arg, err)
	}
	return dx, dy, nil
}
