// Package notify fans domain events out to connected real-time clients,
// grouped by user and topic. Delivery is at-most-once: a slow or absent
// client misses the push and nothing is redelivered.
package notify

import (
	"sort"
	"strings"
	"sync"

	"recworker/internal/metrics"
	logx "recworker/pkg/logx"
)

// UserGroup is the personal group every connection of a user joins.
func UserGroup(userID string) string { return "user_" + userID }

// Conn is the write side of one client connection. Send must not block; it
// reports false when the payload was dropped.
type Conn interface {
	Send(payload []byte) bool
}

type member struct {
	user   string
	conn   Conn
	groups map[string]struct{}
}

// Hub owns connection/group membership.
type Hub struct {
	log  logx.Logger
	sink metrics.Sink

	mu     sync.RWMutex
	conns  map[string]*member
	groups map[string]map[string]struct{}
}

func NewHub(log logx.Logger, sink metrics.Sink) *Hub {
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Hub{
		log:    log,
		sink:   sink,
		conns:  map[string]*member{},
		groups: map[string]map[string]struct{}{},
	}
}

// OnConnect registers a connection and joins it to its user's group.
// Reusing a live connection id replaces the previous registration.
func (h *Hub) OnConnect(connID, userID string, c Conn) {
	h.mu.Lock()
	if _, ok := h.conns[connID]; ok {
		h.removeLocked(connID)
	}
	h.conns[connID] = &member{user: userID, conn: c, groups: map[string]struct{}{}}
	if userID != "" {
		h.joinLocked(connID, UserGroup(userID))
	}
	n := len(h.conns)
	h.mu.Unlock()

	h.sink.SetGauge("recworker_notify_connections", float64(n), nil)
	h.log.Debug("client connected", logx.String("conn", connID), logx.String("user", userID))
}

// OnDisconnect drops every membership of connID.
func (h *Hub) OnDisconnect(connID string) {
	h.mu.Lock()
	h.removeLocked(connID)
	n := len(h.conns)
	h.mu.Unlock()

	h.sink.SetGauge("recworker_notify_connections", float64(n), nil)
	h.log.Debug("client disconnected", logx.String("conn", connID))
}

func (h *Hub) removeLocked(connID string) {
	m, ok := h.conns[connID]
	if !ok {
		return
	}
	for g := range m.groups {
		h.leaveLocked(connID, g)
	}
	delete(h.conns, connID)
}

// JoinGroup is idempotent. It reports false for unknown connections.
func (h *Hub) JoinGroup(connID, group string) bool {
	if group == "" {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[connID]; !ok {
		return false
	}
	h.joinLocked(connID, group)
	return true
}

func (h *Hub) joinLocked(connID, group string) {
	h.conns[connID].groups[group] = struct{}{}
	set := h.groups[group]
	if set == nil {
		set = map[string]struct{}{}
		h.groups[group] = set
	}
	set[connID] = struct{}{}
}

// LeaveGroup is idempotent; leaving a group the connection is not in is a no-op.
func (h *Hub) LeaveGroup(connID, group string) {
	h.mu.Lock()
	h.leaveLocked(connID, group)
	h.mu.Unlock()
}

func (h *Hub) leaveLocked(connID, group string) {
	if m, ok := h.conns[connID]; ok {
		delete(m.groups, group)
	}
	if set, ok := h.groups[group]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(h.groups, group)
		}
	}
}

// PushToGroup offers payload to every member of group and returns how many
// accepted it.
func (h *Hub) PushToGroup(group string, payload []byte) int {
	h.mu.RLock()
	set := h.groups[group]
	targets := make([]Conn, 0, len(set))
	for id := range set {
		targets = append(targets, h.conns[id].conn)
	}
	h.mu.RUnlock()

	sent, dropped := 0, 0
	for _, c := range targets {
		if c.Send(payload) {
			sent++
		} else {
			dropped++
		}
	}
	if sent > 0 {
		h.sink.AddCounter("recworker_notify_pushes_total", float64(sent), metrics.Labels{"group": groupClass(group)})
	}
	if dropped > 0 {
		h.sink.AddCounter("recworker_notify_dropped_total", float64(dropped), metrics.Labels{"group": groupClass(group)})
	}
	return sent
}

// groupClass keeps per-user groups out of metric label values.
func groupClass(group string) string {
	if strings.HasPrefix(group, "user_") {
		return "user"
	}
	return group
}

// Groups lists connID's memberships, sorted.
func (h *Hub) Groups(connID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m, ok := h.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.groups))
	for g := range m.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Members lists the connection ids in group, sorted.
func (h *Hub) Members(group string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Connections reports the number of registered connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
