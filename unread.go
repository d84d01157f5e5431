package gatherly

import "sync"

// unreadCounters is a plain per-room counter. Duplicate deliveries may
// overcount; there is no dedupe.
type unreadCounters struct {
	mu     sync.Mutex
	counts map[string]int
	open   map[string]bool
}

func newUnreadCounters() *unreadCounters {
	return &unreadCounters{
		counts: make(map[string]int),
		open:   make(map[string]bool),
	}
}

func (u *unreadCounters) reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.counts = make(map[string]int)
	u.open = make(map[string]bool)
}

// NoteInbound counts an inbound message unless the room is open. It
// reports whether the counter changed.
func (p *PresenceTracker) NoteInbound(roomID string) bool {
	u := p.unread
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.open[roomID] {
		return false
	}
	u.counts[roomID]++
	return true
}

// OpenRoom marks the room as being read and zeroes its counter.
func (p *PresenceTracker) OpenRoom(roomID string) {
	u := p.unread
	u.mu.Lock()
	defer u.mu.Unlock()
	u.open[roomID] = true
	delete(u.counts, roomID)
}

// CloseRoom stops treating the room as open.
func (p *PresenceTracker) CloseRoom(roomID string) {
	u := p.unread
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.open, roomID)
}

// MarkRead zeroes a room's counter without opening it.
func (p *PresenceTracker) MarkRead(roomID string) {
	u := p.unread
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.counts, roomID)
}

// Unread returns the counter for one room.
func (p *PresenceTracker) Unread(roomID string) int {
	u := p.unread
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[roomID]
}

// TotalUnread sums all rooms.
func (p *PresenceTracker) TotalUnread() int {
	u := p.unread
	u.mu.Lock()
	defer u.mu.Unlock()
	total := 0
	for _, n := range u.counts {
		total += n
	}
	return total
}
