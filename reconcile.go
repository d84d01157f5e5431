package gatherly

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OptimisticPrefix starts every temporary id handed out by Stage.
const OptimisticPrefix = "optimistic-"

// CacheConfig configures a MessageCache.
type CacheConfig struct {
	Clock  Clock
	Logger zerolog.Logger
}

// MessageCache is the in-memory read side. It holds named views (a room
// timeline, a thread, search results), each a list of pages, newest page
// first and newest message first within a page.
//
// Every mutation takes the single cache lock, so a commit, rollback or patch
// is applied to every view and page before any reader can observe it.
type MessageCache struct {
	clock Clock
	log   zerolog.Logger

	mu      sync.RWMutex
	views   map[string][][]*Message
	patches map[string]*patch
	patched map[string]int // message id -> outstanding patches
}

type patchKind int

const (
	patchReaction patchKind = iota
	patchVote
)

// patch remembers how to undo one staged sub-field change.
type patch struct {
	kind     patchKind
	msgID    string
	memberID string

	emoji string
	added bool

	option   string
	previous []string // options the member had before the vote
}

// NewMessageCache creates an empty cache.
func NewMessageCache(cfg CacheConfig) *MessageCache {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	return &MessageCache{
		clock:   cfg.Clock,
		log:     componentLogger(cfg.Logger, "cache"),
		views:   make(map[string][][]*Message),
		patches: make(map[string]*patch),
		patched: make(map[string]int),
	}
}

// ============================================================================
// Optimistic records
// ============================================================================

// NewTempID returns "optimistic-<unix millis>-<random>".
func (c *MessageCache) NewTempID() string {
	return fmt.Sprintf("%s%d-%s", OptimisticPrefix, c.clock.Now().UnixMilli(), uuid.NewString())
}

// Stage inserts msg, tagged as optimistic, at the head of view and of any
// extra views, and returns its temporary id. A ClientID is assigned when
// missing so that a server echo can be matched later.
func (c *MessageCache) Stage(view string, msg Message, alsoViews ...string) string {
	tempID := c.NewTempID()
	msg.ID = tempID
	msg.Optimistic = true
	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = c.clock.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range append([]string{view}, alsoViews...) {
		c.insertHeadLocked(v, msg.clone())
	}
	c.log.Debug().Str(FieldTempID, tempID).Str("view", view).Msg("staged optimistic message")
	return tempID
}

// Commit swaps the optimistic record for the server record in every view.
// If an inbound merge already reconciled it, Commit is a no-op.
func (c *MessageCache) Commit(tempID string, server Message) error {
	server.Optimistic = false

	c.mu.Lock()
	defer c.mu.Unlock()

	found := false
	for name := range c.views {
		if c.replaceLocked(name, func(m *Message) bool { return m.ID == tempID }, &server) {
			found = true
		}
	}
	if !found && !c.containsLocked(server.ID) {
		return fmt.Errorf("commit %s: %w", tempID, ErrNotFound)
	}
	c.log.Debug().Str(FieldTempID, tempID).Str("id", server.ID).Msg("committed optimistic message")
	return nil
}

// Rollback removes the optimistic record from every view.
func (c *MessageCache) Rollback(tempID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for name, pages := range c.views {
		for i, page := range pages {
			kept := page[:0]
			for _, m := range page {
				if m.ID == tempID {
					removed++
					continue
				}
				kept = append(kept, m)
			}
			pages[i] = kept
		}
		c.views[name] = pages
	}
	if removed == 0 {
		return fmt.Errorf("rollback %s: %w", tempID, ErrNotFound)
	}
	c.log.Debug().Str(FieldTempID, tempID).Msg("rolled back optimistic message")
	return nil
}

// ============================================================================
// Sub-field patches
// ============================================================================

// StageReaction toggles memberID under emoji on the message. It returns a
// token for CommitPatch or RollbackPatch and whether the reaction was added.
// Optimistic messages have no server id to patch and yield ErrPending.
func (c *MessageCache) StageReaction(msgID, memberID, emoji string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := c.findLocked(msgID)
	if first == nil {
		return "", false, fmt.Errorf("react %s: %w", msgID, ErrNotFound)
	}
	if first.Optimistic {
		return "", false, fmt.Errorf("react %s: %w", msgID, ErrPending)
	}
	added := !containsString(first.Reactions[emoji], memberID)
	c.eachCopyLocked(msgID, func(m *Message) { setReaction(m, emoji, memberID, added) })

	token := c.recordPatchLocked(&patch{
		kind:     patchReaction,
		msgID:    msgID,
		memberID: memberID,
		emoji:    emoji,
		added:    added,
	})
	return token, added, nil
}

// StageVote moves memberID's vote to optionID, or withdraws it when
// optionID is already the member's choice. TotalVotes is recomputed in the
// same critical section. It returns the token and the member's resulting
// choice, empty when withdrawn. Optimistic polls yield ErrPending.
func (c *MessageCache) StageVote(msgID, memberID, optionID string) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	first := c.findLocked(msgID)
	if first == nil || first.Poll == nil {
		return "", "", fmt.Errorf("vote %s: %w", msgID, ErrNotFound)
	}
	if first.Optimistic {
		return "", "", fmt.Errorf("vote %s: %w", msgID, ErrPending)
	}
	if !hasOption(first.Poll, optionID) {
		return "", "", fmt.Errorf("vote %s option %s: %w", msgID, optionID, ErrNotFound)
	}
	previous := votesOf(first.Poll, memberID)
	choice := optionID
	target := []string{optionID}
	if len(previous) == 1 && previous[0] == optionID {
		choice, target = "", nil
	}
	c.eachCopyLocked(msgID, func(m *Message) {
		if m.Poll != nil {
			setVotes(m.Poll, memberID, target)
		}
	})

	token := c.recordPatchLocked(&patch{
		kind:     patchVote,
		msgID:    msgID,
		memberID: memberID,
		option:   optionID,
		previous: previous,
	})
	return token, choice, nil
}

// CommitPatch settles a staged patch. A server record for the same message
// replaces it everywhere it appears; anything else is ignored.
func (c *MessageCache) CommitPatch(token string, server *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.patches[token]
	if !ok {
		return fmt.Errorf("commit patch %s: %w", token, ErrNotFound)
	}
	c.releasePatchLocked(token, p)
	if server != nil && server.ID == p.msgID {
		srv := server.clone()
		srv.Optimistic = false
		if srv.Poll != nil {
			srv.Poll.recount()
		}
		for name := range c.views {
			c.replaceLocked(name, func(m *Message) bool { return m.ID == p.msgID }, srv)
		}
	}
	return nil
}

// RollbackPatch undoes a staged patch by applying its inverse, so later
// patches on the same message stay intact.
func (c *MessageCache) RollbackPatch(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.patches[token]
	if !ok {
		return fmt.Errorf("rollback patch %s: %w", token, ErrNotFound)
	}
	c.releasePatchLocked(token, p)

	switch p.kind {
	case patchReaction:
		c.eachCopyLocked(p.msgID, func(m *Message) { setReaction(m, p.emoji, p.memberID, !p.added) })
	case patchVote:
		c.eachCopyLocked(p.msgID, func(m *Message) {
			if m.Poll != nil {
				setVotes(m.Poll, p.memberID, p.previous)
			}
		})
	}
	return nil
}

func (c *MessageCache) recordPatchLocked(p *patch) string {
	token := "patch-" + uuid.NewString()
	c.patches[token] = p
	c.patched[p.msgID]++
	return token
}

func (c *MessageCache) releasePatchLocked(token string, p *patch) {
	delete(c.patches, token)
	if c.patched[p.msgID] <= 1 {
		delete(c.patched, p.msgID)
	} else {
		c.patched[p.msgID]--
	}
}

// ============================================================================
// Inbound records and pagination
// ============================================================================

// Merge applies a record from the server. An existing copy with the same id
// is updated in place. Otherwise an optimistic record with the same
// ClientID is replaced in every view, so an echo that beats the HTTP
// response does not show up twice. Anything else is inserted at the head of
// view. It reports whether the record was new.
func (c *MessageCache) Merge(view string, msg Message) bool {
	if msg.ID == "" {
		c.log.Warn().Str("view", view).Msg("ignoring message without id")
		return false
	}
	msg.Optimistic = false

	c.mu.Lock()
	defer c.mu.Unlock()

	known := false
	for name := range c.views {
		if c.replaceLocked(name, func(m *Message) bool { return m.ID == msg.ID }, &msg) {
			known = true
		}
	}
	if msg.ClientID != "" {
		for name := range c.views {
			if c.replaceLocked(name, func(m *Message) bool { return m.Optimistic && m.ClientID == msg.ClientID }, &msg) {
				known = true
			}
		}
	}
	if !c.viewContainsLocked(view, msg.ID) {
		c.insertHeadLocked(view, msg.clone())
	}
	return !known
}

// AddPage appends an older page to view. Messages already cached in the
// view are skipped.
func (c *MessageCache) AddPage(view string, msgs []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page := make([]*Message, 0, len(msgs))
	for i := range msgs {
		if c.viewContainsLocked(view, msgs[i].ID) {
			continue
		}
		page = append(page, msgs[i].clone())
	}
	c.views[view] = append(c.views[view], page)
}

// View returns a flattened copy of view, newest first.
func (c *MessageCache) View(view string) []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Message
	for _, page := range c.views[view] {
		for _, m := range page {
			out = append(out, *m.clone())
		}
	}
	return out
}

// Pages returns the number of pages cached for view.
func (c *MessageCache) Pages(view string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.views[view])
}

// Trim keeps at most maxPages pages per view. Messages on dropped pages
// that are optimistic or have an outstanding patch move to the last kept
// page instead of being dropped. It returns the number of messages removed.
func (c *MessageCache) Trim(maxPages int) int {
	if maxPages < 1 {
		maxPages = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for name, pages := range c.views {
		if len(pages) <= maxPages {
			continue
		}
		last := pages[maxPages-1]
		for _, page := range pages[maxPages:] {
			for _, m := range page {
				if m.Optimistic || c.patched[m.ID] > 0 {
					last = append(last, m)
					continue
				}
				removed++
			}
		}
		pages[maxPages-1] = last
		c.views[name] = pages[:maxPages]
	}
	if removed > 0 {
		CacheTrimmed.Add(float64(removed))
		c.log.Debug().Int("removed", removed).Msg("cache trimmed")
	}
	return removed
}

// Reset drops every view and outstanding patch.
func (c *MessageCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views = make(map[string][][]*Message)
	c.patches = make(map[string]*patch)
	c.patched = make(map[string]int)
}

// ============================================================================
// Helpers (callers hold c.mu)
// ============================================================================

func (c *MessageCache) insertHeadLocked(view string, m *Message) {
	pages := c.views[view]
	if len(pages) == 0 {
		pages = [][]*Message{nil}
	}
	pages[0] = append([]*Message{m}, pages[0]...)
	c.views[view] = pages
}

// replaceLocked puts a copy of with in place of the first match in view and
// drops any other entry that matches or already carries with.ID.
func (c *MessageCache) replaceLocked(view string, match func(*Message) bool, with *Message) bool {
	pages := c.views[view]
	pi, mi := locate(pages, match)
	if pi < 0 {
		return false
	}
	pages[pi][mi] = with.clone()

	for i, page := range pages {
		kept := page[:0]
		for j, m := range page {
			if i == pi && j == mi {
				kept = append(kept, m)
				continue
			}
			if match(m) || m.ID == with.ID {
				continue
			}
			kept = append(kept, m)
		}
		pages[i] = kept
	}
	return true
}

func locate(pages [][]*Message, match func(*Message) bool) (int, int) {
	for i, page := range pages {
		for j, m := range page {
			if match(m) {
				return i, j
			}
		}
	}
	return -1, -1
}

func (c *MessageCache) viewContainsLocked(view, id string) bool {
	for _, page := range c.views[view] {
		for _, m := range page {
			if m.ID == id {
				return true
			}
		}
	}
	return false
}

func (c *MessageCache) containsLocked(id string) bool {
	for name := range c.views {
		if c.viewContainsLocked(name, id) {
			return true
		}
	}
	return false
}

func (c *MessageCache) findLocked(id string) *Message {
	for _, pages := range c.views {
		for _, page := range pages {
			for _, m := range page {
				if m.ID == id {
					return m
				}
			}
		}
	}
	return nil
}

func (c *MessageCache) eachCopyLocked(id string, fn func(*Message)) {
	for _, pages := range c.views {
		for _, page := range pages {
			for _, m := range page {
				if m.ID == id {
					fn(m)
				}
			}
		}
	}
}

func setReaction(m *Message, emoji, memberID string, present bool) {
	voters := removeString(m.Reactions[emoji], memberID)
	if present {
		voters = append(voters, memberID)
	}
	if len(voters) == 0 {
		delete(m.Reactions, emoji)
		return
	}
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	m.Reactions[emoji] = voters
}

func setVotes(p *Poll, memberID string, options []string) {
	for i := range p.Options {
		p.Options[i].Voters = removeString(p.Options[i].Voters, memberID)
		if containsString(options, p.Options[i].ID) {
			p.Options[i].Voters = append(p.Options[i].Voters, memberID)
		}
	}
	p.recount()
}

func votesOf(p *Poll, memberID string) []string {
	var out []string
	for _, o := range p.Options {
		if containsString(o.Voters, memberID) {
			out = append(out, o.ID)
		}
	}
	return out
}

func hasOption(p *Poll, optionID string) bool {
	for _, o := range p.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
