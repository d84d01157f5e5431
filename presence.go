package gatherly

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PresenceEntry is one member's transient state in a room.
type PresenceEntry struct {
	RoomID     string    `json:"roomId"`
	MemberID   string    `json:"memberId"`
	MemberName string    `json:"memberName"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// PresenceConfig configures a PresenceTracker.
type PresenceConfig struct {
	Clock         Clock
	Logger        zerolog.Logger
	TypingTimeout time.Duration
	OnlineTimeout time.Duration
}

func (c *PresenceConfig) defaults() {
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.TypingTimeout == 0 {
		c.TypingTimeout = 5 * time.Second
	}
	if c.OnlineTimeout == 0 {
		c.OnlineTimeout = 120 * time.Second
	}
}

// PresenceTracker keeps typing and online state per room, plus unread
// counters.
//
// Expiry is enforced on read: accessors only return entries whose age is
// below the timeout. The per-entry timers just reclaim memory and may fire
// late; removing the read filter would make stale entries visible.
type PresenceTracker struct {
	clock  Clock
	log    zerolog.Logger
	typing *presenceSet
	online *presenceSet
	unread *unreadCounters
}

// NewPresenceTracker creates an empty tracker.
func NewPresenceTracker(cfg PresenceConfig) *PresenceTracker {
	cfg.defaults()
	log := componentLogger(cfg.Logger, "presence")
	return &PresenceTracker{
		clock:  cfg.Clock,
		log:    log,
		typing: newPresenceSet("typing", cfg.TypingTimeout, cfg.Clock, log),
		online: newPresenceSet("online", cfg.OnlineTimeout, cfg.Clock, log),
		unread: newUnreadCounters(),
	}
}

// MarkTyping records that a member is typing. Repeated calls refresh the
// entry instead of adding another.
func (p *PresenceTracker) MarkTyping(roomID, memberID, memberName string) {
	p.typing.upsert(roomID, memberID, memberName)
}

// ClearTyping drops a typing entry on an explicit stop signal.
func (p *PresenceTracker) ClearTyping(roomID, memberID string) {
	p.typing.remove(roomID, memberID)
}

// MarkOnline records that a member is online.
func (p *PresenceTracker) MarkOnline(roomID, memberID, memberName string) {
	p.online.upsert(roomID, memberID, memberName)
}

// MarkOffline drops a member's online entry.
func (p *PresenceTracker) MarkOffline(roomID, memberID string) {
	p.online.remove(roomID, memberID)
}

// TypingUsers returns the fresh typing entries for a room, oldest first.
func (p *PresenceTracker) TypingUsers(roomID string) []PresenceEntry {
	return p.typing.fresh(roomID)
}

// OnlineMembers returns the fresh online entries for a room, oldest first.
func (p *PresenceTracker) OnlineMembers(roomID string) []PresenceEntry {
	return p.online.fresh(roomID)
}

// OnlineCount counts fresh online entries for a room.
func (p *PresenceTracker) OnlineCount(roomID string) int {
	return len(p.online.fresh(roomID))
}

// Reset forgets all presence and unread state.
func (p *PresenceTracker) Reset() {
	p.typing.reset()
	p.online.reset()
	p.unread.reset()
}

// ============================================================================
// presenceSet
// ============================================================================

type presenceItem struct {
	entry PresenceEntry
	seq   uint64
	timer Timer
}

type presenceSet struct {
	kind    string
	timeout time.Duration
	clock   Clock
	log     zerolog.Logger

	mu    sync.Mutex
	seq   uint64
	rooms map[string]map[string]*presenceItem
}

func newPresenceSet(kind string, timeout time.Duration, clock Clock, log zerolog.Logger) *presenceSet {
	return &presenceSet{
		kind:    kind,
		timeout: timeout,
		clock:   clock,
		log:     log,
		rooms:   make(map[string]map[string]*presenceItem),
	}
}

func (s *presenceSet) upsert(roomID, memberID, memberName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members := s.rooms[roomID]
	if members == nil {
		members = make(map[string]*presenceItem)
		s.rooms[roomID] = members
	}
	item := members[memberID]
	if item == nil {
		item = &presenceItem{}
		members[memberID] = item
	} else if item.timer != nil {
		item.timer.Stop()
	}

	s.seq++
	seq := s.seq
	item.seq = seq
	item.entry = PresenceEntry{
		RoomID:     roomID,
		MemberID:   memberID,
		MemberName: memberName,
		LastSeenAt: s.clock.Now(),
	}
	item.timer = s.clock.AfterFunc(s.timeout, func() { s.evict(roomID, memberID, seq) })
}

func (s *presenceSet) remove(roomID, memberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(roomID, memberID)
}

// evict runs from the expiry timer. A refresh after the timer was armed
// bumps seq, which makes this a no-op.
func (s *presenceSet) evict(roomID, memberID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item := s.rooms[roomID][memberID]
	if item == nil || item.seq != seq {
		return
	}
	s.deleteLocked(roomID, memberID)
	PresenceEvictions.WithLabelValues(s.kind).Inc()
	s.log.Debug().Str(FieldRoomID, roomID).Str(FieldMemberID, memberID).Str("kind", s.kind).Msg("presence expired")
}

func (s *presenceSet) deleteLocked(roomID, memberID string) {
	members := s.rooms[roomID]
	if members == nil {
		return
	}
	if item := members[memberID]; item != nil && item.timer != nil {
		item.timer.Stop()
	}
	delete(members, memberID)
	if len(members) == 0 {
		delete(s.rooms, roomID)
	}
}

func (s *presenceSet) fresh(roomID string) []PresenceEntry {
	now := s.clock.Now()
	s.mu.Lock()
	out := make([]PresenceEntry, 0, len(s.rooms[roomID]))
	for _, item := range s.rooms[roomID] {
		if now.Sub(item.entry.LastSeenAt) < s.timeout {
			out = append(out, item.entry)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeenAt.Equal(out[j].LastSeenAt) {
			return out[i].LastSeenAt.Before(out[j].LastSeenAt)
		}
		return out[i].MemberID < out[j].MemberID
	})
	return out
}

func (s *presenceSet) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, members := range s.rooms {
		for _, item := range members {
			if item.timer != nil {
				item.timer.Stop()
			}
		}
	}
	s.rooms = make(map[string]map[string]*presenceItem)
}
