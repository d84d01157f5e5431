// Package gatherly is the client-side realtime sync and offline-resilience
// core of the Gatherly SDK.
//
// A SyncClient composes four services: a ConnectionManager for the realtime
// session, a PresenceTracker for typing, online and unread state, a
// MutationQueue for durable offline writes, and a MessageCache that shows
// writes optimistically and reconciles them with the server.
//
// Example:
//
//	store, _ := gatherly.NewSQLiteQueueStore(ctx, "/var/lib/app/queue.db")
//	client := gatherly.NewSyncClient(gatherly.SyncConfig{
//		BaseURL:     "https://api.gatherly.app",
//		Credentials: gatherly.Credentials{Token: token, TenantID: "grace-church"},
//		SelfID:      "m-42",
//		Store:       store,
//	})
//	defer client.Close()
//
//	events, unsubscribe := client.Bus.Subscribe(0)
//	defer unsubscribe()
//	client.Start(ctx)
//	client.SendMessage(ctx, "room-1", "Service starts at 10")
package gatherly

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Configuration
// ============================================================================

// SyncConfig configures a SyncClient. Zero values get defaults.
type SyncConfig struct {
	BaseURL     string
	Credentials Credentials
	SelfID      string
	SelfName    string

	Transport Transport
	Replayer  Replayer
	Store     QueueStore
	Syncer    BackgroundSyncer
	Clock     Clock
	Bus       *Bus
	Logger    zerolog.Logger

	Backoff           []time.Duration
	HeartbeatInterval time.Duration
	SettleDelay       time.Duration

	TypingTimeout time.Duration
	OnlineTimeout time.Duration

	MaxRetries            int
	FailFastOnClientError bool

	TrimInterval time.Duration
	MaxPages     int
}

func (c *SyncConfig) defaults() {
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.Bus == nil {
		c.Bus = NewBus(c.Logger)
	}
	if c.Transport == nil {
		c.Transport = NewWebSocketTransport(c.BaseURL)
	}
	if c.Replayer == nil {
		c.Replayer = NewClient(c.BaseURL)
	}
	if c.TrimInterval == 0 {
		c.TrimInterval = 5 * time.Minute
	}
	if c.MaxPages == 0 {
		c.MaxPages = 5
	}
}

// Endpoints used for replayed writes.
func messagesEndpoint(roomID string) string {
	return "/rooms/" + url.PathEscape(roomID) + "/messages"
}

func reactionEndpoint(roomID, msgID, emoji string) string {
	return messagesEndpoint(roomID) + "/" + url.PathEscape(msgID) + "/reactions/" + url.PathEscape(emoji)
}

func voteEndpoint(roomID, msgID string) string {
	return messagesEndpoint(roomID) + "/" + url.PathEscape(msgID) + "/votes"
}

// ============================================================================
// SyncClient
// ============================================================================

type writeKind int

const (
	writeMessage writeKind = iota
	writePatch
)

// pendingWrite links a queued mutation to the cache entry it will settle.
type pendingWrite struct {
	kind   writeKind
	ref    string // temp id or patch token
	roomID string
}

// SyncClient wires the connection, presence, queue and cache services and
// routes inbound frames between them.
type SyncClient struct {
	cfg SyncConfig
	log zerolog.Logger

	Bus      *Bus
	Conn     *ConnectionManager
	Presence *PresenceTracker
	Queue    *MutationQueue
	Cache    *MessageCache

	writeMu sync.Mutex
	writes  map[int64]pendingWrite

	mu      sync.Mutex
	creds   Credentials
	running bool
	trim    Timer
	wg      sync.WaitGroup
}

// NewSyncClient builds every service once and connects them.
func NewSyncClient(cfg SyncConfig) *SyncClient {
	cfg.defaults()
	c := &SyncClient{
		cfg:    cfg,
		log:    componentLogger(cfg.Logger, "sync"),
		Bus:    cfg.Bus,
		writes: make(map[int64]pendingWrite),
		creds:  cfg.Credentials,
	}
	c.Presence = NewPresenceTracker(PresenceConfig{
		Clock:         cfg.Clock,
		Logger:        cfg.Logger,
		TypingTimeout: cfg.TypingTimeout,
		OnlineTimeout: cfg.OnlineTimeout,
	})
	c.Cache = NewMessageCache(CacheConfig{Clock: cfg.Clock, Logger: cfg.Logger})
	c.Queue = NewMutationQueue(QueueConfig{
		Store:                 cfg.Store,
		Replayer:              cfg.Replayer,
		Clock:                 cfg.Clock,
		Bus:                   cfg.Bus,
		Logger:                cfg.Logger,
		Syncer:                cfg.Syncer,
		MaxRetries:            cfg.MaxRetries,
		FailFastOnClientError: cfg.FailFastOnClientError,
		OnResult:              c.settle,
	})
	c.Conn = NewConnectionManager(ConnectionConfig{
		Credentials:       cfg.Credentials,
		Transport:         cfg.Transport,
		Clock:             cfg.Clock,
		Bus:               cfg.Bus,
		Logger:            cfg.Logger,
		Backoff:           cfg.Backoff,
		HeartbeatInterval: cfg.HeartbeatInterval,
		SettleDelay:       cfg.SettleDelay,
		OnFrame:           c.route,
		OnStateChange:     c.onState,
	})
	return c
}

// SetCredentials swaps the session credentials, for example after the
// session layer re-authenticates following an auth rejection.
func (c *SyncClient) SetCredentials(creds Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	c.Conn.SetCredentials(creds)
}

func (c *SyncClient) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds.Token
}

// ── Lifecycle ─────────────────────────────────────────────

// Start connects and begins periodic cache trimming.
func (c *SyncClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.running = true
		c.armTrimLocked()
	}
	c.mu.Unlock()
	return c.Conn.Connect(ctx)
}

// Stop disconnects and stops trimming. Queued writes stay queued.
func (c *SyncClient) Stop() {
	c.mu.Lock()
	c.running = false
	if c.trim != nil {
		c.trim.Stop()
		c.trim = nil
	}
	c.mu.Unlock()
	_ = c.Conn.Disconnect()
}

// Close stops the client, waits for in-flight drains and closes the queue
// store and the bus.
func (c *SyncClient) Close() error {
	c.Stop()
	c.wg.Wait()
	err := c.Queue.Close()
	c.Bus.Close()
	return err
}

// Logout stops the client and discards every queued write and all cached
// and presence state.
func (c *SyncClient) Logout(ctx context.Context) error {
	c.Stop()
	c.wg.Wait()
	c.writeMu.Lock()
	c.writes = make(map[int64]pendingWrite)
	c.writeMu.Unlock()
	c.Cache.Reset()
	c.Presence.Reset()
	return c.Queue.Clear(ctx)
}

func (c *SyncClient) OnForeground(ctx context.Context) error { return c.Conn.OnForeground(ctx) }
func (c *SyncClient) OnBackground()                         { c.Conn.OnBackground() }
func (c *SyncClient) OnNetworkRestored()                    { c.Conn.OnNetworkRestored() }
func (c *SyncClient) OnNetworkLost()                        { c.Conn.OnNetworkLost() }

func (c *SyncClient) armTrimLocked() {
	c.trim = c.cfg.Clock.AfterFunc(c.cfg.TrimInterval, func() {
		c.Cache.Trim(c.cfg.MaxPages)
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.running {
			c.armTrimLocked()
		}
	})
}

// ── Writes ────────────────────────────────────────────────

// SendMessage shows the message immediately and queues it for delivery.
// It returns the temporary id of the optimistic record.
func (c *SyncClient) SendMessage(ctx context.Context, roomID, text string) (string, error) {
	msg := Message{
		ClientID:   uuid.NewString(),
		RoomID:     roomID,
		SenderID:   c.cfg.SelfID,
		SenderName: c.cfg.SelfName,
		Text:       text,
	}
	tempID := c.Cache.Stage(roomID, msg)

	err := c.enqueue(ctx, MutationRequest{
		Endpoint: messagesEndpoint(roomID),
		Method:   "POST",
		Body: map[string]string{
			"clientId": msg.ClientID,
			"text":     text,
		},
	}, pendingWrite{kind: writeMessage, ref: tempID, roomID: roomID})
	if err != nil {
		_ = c.Cache.Rollback(tempID)
		return "", err
	}
	return tempID, nil
}

// React toggles the caller's emoji reaction on a message.
func (c *SyncClient) React(ctx context.Context, roomID, msgID, emoji string) error {
	token, added, err := c.Cache.StageReaction(msgID, c.cfg.SelfID, emoji)
	if err != nil {
		return err
	}
	method := "DELETE"
	if added {
		method = "PUT"
	}
	err = c.enqueue(ctx, MutationRequest{
		Endpoint: reactionEndpoint(roomID, msgID, emoji),
		Method:   method,
	}, pendingWrite{kind: writePatch, ref: token, roomID: roomID})
	if err != nil {
		_ = c.Cache.RollbackPatch(token)
	}
	return err
}

// Vote casts, moves or withdraws the caller's vote on a poll.
func (c *SyncClient) Vote(ctx context.Context, roomID, msgID, optionID string) error {
	token, choice, err := c.Cache.StageVote(msgID, c.cfg.SelfID, optionID)
	if err != nil {
		return err
	}
	err = c.enqueue(ctx, MutationRequest{
		Endpoint: voteEndpoint(roomID, msgID),
		Method:   "PUT",
		Body:     map[string]string{"optionId": choice},
	}, pendingWrite{kind: writePatch, ref: token, roomID: roomID})
	if err != nil {
		_ = c.Cache.RollbackPatch(token)
	}
	return err
}

// SetTyping tells the room the caller is typing.
func (c *SyncClient) SetTyping(ctx context.Context, roomID string) error {
	return c.sendTyping(ctx, roomID, true)
}

// StopTyping tells the room the caller stopped typing.
func (c *SyncClient) StopTyping(ctx context.Context, roomID string) error {
	return c.sendTyping(ctx, roomID, false)
}

func (c *SyncClient) sendTyping(ctx context.Context, roomID string, typing bool) error {
	f, err := NewFrame(FrameTyping, TypingPayload{
		RoomID:     roomID,
		MemberID:   c.cfg.SelfID,
		MemberName: c.cfg.SelfName,
		IsTyping:   typing,
	})
	if err != nil {
		return err
	}
	return c.Conn.Send(ctx, f)
}

// enqueue persists the write and registers its cache entry under one lock,
// so a concurrent drain cannot settle the mutation before it is registered.
func (c *SyncClient) enqueue(ctx context.Context, req MutationRequest, w pendingWrite) error {
	c.writeMu.Lock()
	id, err := c.Queue.Enqueue(ctx, req)
	if err == nil {
		c.writes[id] = w
	}
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	if c.Conn.State() == StateConnected {
		c.drainAsync()
	}
	return nil
}

// Drain replays the queue now with the current token.
func (c *SyncClient) Drain(ctx context.Context) (DrainResult, error) {
	return c.Queue.Drain(ctx, c.token())
}

// drainAsync starts a background drain unless the client is stopped. The
// running check and wg.Add share c.mu with Stop, so Close and Logout never
// wait on a group that is still growing.
func (c *SyncClient) drainAsync() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		if _, err := c.Drain(context.Background()); err != nil {
			c.log.Error().Err(err).Msg("background drain failed")
		}
	}()
}

// settle receives the final outcome of each mutation from the queue.
func (c *SyncClient) settle(r MutationResult) {
	c.writeMu.Lock()
	w, ok := c.writes[r.Mutation.ID]
	delete(c.writes, r.Mutation.ID)
	c.writeMu.Unlock()
	if !ok {
		return
	}

	if r.Err != nil {
		var err error
		switch w.kind {
		case writeMessage:
			err = c.Cache.Rollback(w.ref)
		case writePatch:
			err = c.Cache.RollbackPatch(w.ref)
		}
		if err != nil {
			c.log.Debug().Err(err).Int64(FieldMutationID, r.Mutation.ID).Msg("nothing to roll back")
		}
		return
	}

	server := decodeServerMessage(r.Response)
	switch w.kind {
	case writeMessage:
		if server == nil {
			// The echo on the realtime channel will reconcile by ClientID.
			c.log.Warn().Int64(FieldMutationID, r.Mutation.ID).Msg("send response carried no message")
			return
		}
		if server.RoomID == "" {
			server.RoomID = w.roomID
		}
		if err := c.Cache.Commit(w.ref, *server); err != nil {
			c.log.Debug().Err(err).Str(FieldTempID, w.ref).Msg("commit skipped")
		}
	case writePatch:
		if err := c.Cache.CommitPatch(w.ref, server); err != nil {
			c.log.Debug().Err(err).Msg("patch commit skipped")
		}
	}
}

// decodeServerMessage accepts a bare message or {"message": {...}}.
func decodeServerMessage(data []byte) *Message {
	if len(data) == 0 {
		return nil
	}
	if env, err := decodeJSON[struct {
		Message *Message `json:"message"`
	}](data); err == nil && env.Message != nil && env.Message.ID != "" {
		return env.Message
	}
	if m, err := decodeJSON[Message](data); err == nil && m.ID != "" {
		return m
	}
	return nil
}

// ── Inbound ───────────────────────────────────────────────

func (c *SyncClient) onState(ev ConnectionStateChanged) {
	if ev.State == StateConnected {
		c.drainAsync()
	}
}

// route handles inbound frames in arrival order.
func (c *SyncClient) route(f Frame) {
	switch f.Type {
	case FrameMessageNew:
		var m Message
		if err := json.Unmarshal(f.Payload, &m); err != nil || m.RoomID == "" {
			c.dropFrame(f, "malformed", err)
			return
		}
		if c.Cache.Merge(m.RoomID, m) && m.SenderID != c.cfg.SelfID {
			c.Presence.NoteInbound(m.RoomID)
		}
		if m.SenderID != "" {
			c.Presence.ClearTyping(m.RoomID, m.SenderID)
		}
		c.Bus.Publish(MessageReceived{Message: m})

	case FrameTyping:
		var p TypingPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.RoomID == "" || p.MemberID == "" {
			c.dropFrame(f, "malformed", err)
			return
		}
		if p.MemberID == c.cfg.SelfID {
			return
		}
		if p.IsTyping {
			c.Presence.MarkTyping(p.RoomID, p.MemberID, p.MemberName)
		} else {
			c.Presence.ClearTyping(p.RoomID, p.MemberID)
		}
		c.Bus.Publish(Typing{RoomID: p.RoomID, MemberID: p.MemberID, MemberName: p.MemberName, IsTyping: p.IsTyping})

	case FramePresence:
		var p PresencePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil || p.RoomID == "" || p.MemberID == "" {
			c.dropFrame(f, "malformed", err)
			return
		}
		online := p.Status == "online"
		if online {
			c.Presence.MarkOnline(p.RoomID, p.MemberID, p.MemberName)
		} else {
			c.Presence.MarkOffline(p.RoomID, p.MemberID)
		}
		c.Bus.Publish(PresenceUpdate{RoomID: p.RoomID, MemberID: p.MemberID, MemberName: p.MemberName, Online: online})

	case FrameError:
		apiErr := parseAPIError(f.Payload)
		if apiErr == nil {
			apiErr = &APIError{Code: "UNKNOWN", Message: string(f.Payload)}
		}
		c.log.Warn().Str("code", apiErr.Code).Msg(apiErr.Message)
		c.Bus.Publish(ServerError{Err: apiErr})

	default:
		c.dropFrame(f, "unknown", nil)
	}
}

func (c *SyncClient) dropFrame(f Frame, reason string, err error) {
	FramesDropped.WithLabelValues(reason).Inc()
	c.log.Debug().Err(err).Str(FieldFrameType, f.Type).Str("reason", reason).Msg("frame dropped")
}
