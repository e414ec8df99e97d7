package realtime

import (
	"sort"
	"sync"
)

// Session - одне активне з'єднання користувача (websocket або long-poll)
type Session interface {
	ID() string
	UserID() string
	// Enqueue не блокує: false означає, що буфер повний або сесія закрита
	Enqueue(payload []byte) bool
	Close()
}

// Registry - userID -> connID -> Session. Користувач онлайн, поки в нього є
// хоча б одне з'єднання; порожні записи видаляються одразу.
type Registry struct {
	mu          sync.RWMutex
	users       map[string]map[string]Session
	connections int
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[string]map[string]Session)}
}

// Register додає з'єднання. Повертає true, якщо це перше з'єднання користувача.
func (r *Registry) Register(s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[s.UserID()]
	if !ok {
		conns = make(map[string]Session)
		r.users[s.UserID()] = conns
	}
	if _, exists := conns[s.ID()]; !exists {
		r.connections++
	}
	conns[s.ID()] = s
	return !ok
}

// Deregister ідемпотентний: повторний виклик для того ж з'єднання нічого не змінює
func (r *Registry) Deregister(userID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, exists := conns[connID]; !exists {
		return false
	}

	delete(conns, connID)
	r.connections--
	if len(conns) == 0 {
		delete(r.users, userID)
	}
	return true
}

// ConnectionsOf повертає відсортовану копію id з'єднань
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	ids := make([]string, 0, len(conns))
	for id := range conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// SessionsOf - знімок сесій користувача; відправка йде вже без блокування
func (r *Registry) SessionsOf(userID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.users[userID]
	sessions := make([]Session, 0, len(conns))
	for _, s := range conns {
		sessions = append(sessions, s)
	}
	return sessions
}

func (r *Registry) All() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]Session, 0, r.connections)
	for _, conns := range r.users {
		for _, s := range conns {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.users))
	for id := range r.users {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

// Stats повертає кількість користувачів онлайн та відкритих з'єднань
func (r *Registry) Stats() (users, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users), r.connections
}
