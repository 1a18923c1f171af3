package services

import (
	"fmt"
	"sort"
	"sync"
)

// WaitingQueueGroup 客服连接加入的保留分组，接收待领取会话的变更
const WaitingQueueGroup = "__waiting_queue__"

// PresenceListener 用户首次上线 / 最后一个连接断开时回调
type PresenceListener func(userID string, online bool)

// Departure 连接注销结果
type Departure struct {
	ConnectionID string
	UserID       string
	Groups       []string
	// WentOffline 该用户已无其它连接
	WentOffline bool
}

// ConnectionRegistry 连接、用户与会话分组之间的映射。
// 所有映射由同一把锁保护，任何时刻都互相一致。
type ConnectionRegistry struct {
	mu         sync.RWMutex
	connUser   map[string]string
	userConns  map[string]map[string]struct{}
	groupConns map[string]map[string]struct{}
	connGroups map[string]map[string]struct{}

	listenerMu sync.RWMutex
	listeners  []PresenceListener
}

// NewConnectionRegistry 创建连接注册表
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		connUser:   make(map[string]string),
		userConns:  make(map[string]map[string]struct{}),
		groupConns: make(map[string]map[string]struct{}),
		connGroups: make(map[string]map[string]struct{}),
	}
}

// OnPresence 注册在线状态回调；回调在锁外执行
func (r *ConnectionRegistry) OnPresence(l PresenceListener) {
	r.listenerMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenerMu.Unlock()
}

func (r *ConnectionRegistry) notify(userID string, online bool) {
	r.listenerMu.RLock()
	ls := append([]PresenceListener(nil), r.listeners...)
	r.listenerMu.RUnlock()
	for _, l := range ls {
		l(userID, online)
	}
}

// RegisterConnection 绑定连接与用户；重复绑定同一用户是幂等的。
// 返回该连接是否为用户的第一个连接。
func (r *ConnectionRegistry) RegisterConnection(connID, userID string) (bool, error) {
	if connID == "" || userID == "" {
		return false, fmt.Errorf("%w: connection and user id are required", ErrInvalidInput)
	}
	r.mu.Lock()
	if existing, ok := r.connUser[connID]; ok {
		r.mu.Unlock()
		if existing != userID {
			return false, fmt.Errorf("%w: connection %s already bound to another user", ErrInvalidState, connID)
		}
		return false, nil
	}
	r.connUser[connID] = userID
	conns, ok := r.userConns[userID]
	if !ok {
		conns = make(map[string]struct{})
		r.userConns[userID] = conns
	}
	conns[connID] = struct{}{}
	first := len(conns) == 1
	r.mu.Unlock()

	if first {
		r.notify(userID, true)
	}
	return first, nil
}

// UnregisterConnection 移除连接及其全部分组成员关系；未知连接返回 false
func (r *ConnectionRegistry) UnregisterConnection(connID string) (Departure, bool) {
	r.mu.Lock()
	userID, bound := r.connUser[connID]
	groups := r.connGroups[connID]
	if !bound && groups == nil {
		r.mu.Unlock()
		return Departure{}, false
	}

	dep := Departure{ConnectionID: connID, UserID: userID}
	for g := range groups {
		dep.Groups = append(dep.Groups, g)
		r.removeFromGroupLocked(g, connID)
	}
	delete(r.connGroups, connID)
	sort.Strings(dep.Groups)

	if bound {
		delete(r.connUser, connID)
		if conns, ok := r.userConns[userID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(r.userConns, userID)
				dep.WentOffline = true
			}
		}
	}
	r.mu.Unlock()

	if dep.WentOffline {
		r.notify(userID, false)
	}
	return dep, true
}

// JoinGroup 将连接加入会话分组；返回成员关系是否发生变化
func (r *ConnectionRegistry) JoinGroup(connID, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.groupConns[group]
	if !ok {
		members = make(map[string]struct{})
		r.groupConns[group] = members
	}
	if _, ok := members[connID]; ok {
		return false
	}
	members[connID] = struct{}{}
	gs, ok := r.connGroups[connID]
	if !ok {
		gs = make(map[string]struct{})
		r.connGroups[connID] = gs
	}
	gs[group] = struct{}{}
	return true
}

// LeaveGroup 将连接移出分组；返回成员关系是否发生变化
func (r *ConnectionRegistry) LeaveGroup(connID, group string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groupConns[group][connID]; !ok {
		return false
	}
	r.removeFromGroupLocked(group, connID)
	if gs, ok := r.connGroups[connID]; ok {
		delete(gs, group)
		if len(gs) == 0 {
			delete(r.connGroups, connID)
		}
	}
	return true
}

func (r *ConnectionRegistry) removeFromGroupLocked(group, connID string) {
	members, ok := r.groupConns[group]
	if !ok {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.groupConns, group)
	}
}

// ConnectionsForSession 分组成员快照（升序）
func (r *ConnectionRegistry) ConnectionsForSession(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.groupConns[group])
}

// ConnectionsForUser 用户当前的所有连接（升序）
func (r *ConnectionRegistry) ConnectionsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.userConns[userID])
}

// GroupsFor 连接所在的全部分组（升序）
func (r *ConnectionRegistry) GroupsFor(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.connGroups[connID])
}

// UserIDFor 连接绑定的用户
func (r *ConnectionRegistry) UserIDFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.connUser[connID]
	return u, ok
}

func (r *ConnectionRegistry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.userConns[userID]) > 0
}

// OnlineUsers 在线用户快照（升序）
func (r *ConnectionRegistry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.userConns))
	for u := range r.userConns {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (r *ConnectionRegistry) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connUser)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
