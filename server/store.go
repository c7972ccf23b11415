package server

import (
	"sync"

	"multiplay/protocol"
)

// CommandStore 每个客户端最多保留一条待处理命令（新命令覆盖旧命令）。
// 多个接收协程与 Tick 协程共享，只能通过加锁的方法访问，map 不对外暴露。
type CommandStore struct {
	mu      sync.Mutex
	pending map[protocol.ClientID]protocol.Command
}

func NewCommandStore() *CommandStore {
	return &CommandStore{pending: make(map[protocol.ClientID]protocol.Command)}
}

// Publish 写入命令，覆盖同一客户端尚未消费的命令；replaced 表示是否丢弃了旧命令
func (s *CommandStore) Publish(id protocol.ClientID, cmd protocol.Command) (replaced bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, replaced = s.pending[id]
	s.pending[id] = cmd
	return replaced
}

// Take 原子地读取并删除命令，保证每条命令只被消费一次
func (s *CommandStore) Take(id protocol.ClientID) (protocol.Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return cmd, ok
}

// Remove 清理已断开客户端的残留命令
func (s *CommandStore) Remove(id protocol.ClientID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// Len 当前待处理命令数
func (s *CommandStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
