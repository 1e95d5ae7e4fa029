package shared

import "sync"

type memberLock struct {
	mu   sync.Mutex
	refs int
}

// MemberLocks serializes event processing per member. Distinct members
// proceed concurrently; adapter I/O for one member never blocks another.
type MemberLocks struct {
	mu    sync.Mutex
	locks map[string]*memberLock
}

// NewMemberLocks constructs an empty lock table.
func NewMemberLocks() *MemberLocks {
	return &MemberLocks{locks: make(map[string]*memberLock)}
}

// Lock acquires the member's lock and returns its release function.
func (l *MemberLocks) Lock(memberID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[memberID]
	if !ok {
		entry = &memberLock{}
		l.locks[memberID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, memberID)
		}
		l.mu.Unlock()
	}
}
