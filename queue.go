package gatherly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// ============================================================================
// Data Types
// ============================================================================

// MutationStatus is the lifecycle state of a queued mutation.
type MutationStatus string

const (
	StatusPending MutationStatus = "pending"
	StatusFailed  MutationStatus = "failed"
)

// QueuedMutation is a persisted write waiting to be replayed.
type QueuedMutation struct {
	ID         int64           `json:"id"`
	Endpoint   string          `json:"endpoint"`
	Method     string          `json:"method"`
	Body       json.RawMessage `json:"body,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	Status     MutationStatus  `json:"status"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
}

// MutationRequest describes a write to enqueue. Body is marshalled to JSON
// unless it already is a json.RawMessage or []byte.
type MutationRequest struct {
	Endpoint string
	Method   string
	Body     any
}

// MutationResult reports the final outcome of one mutation: either the
// server accepted it (Err is nil), it ran out of retries, or its row was
// removed while a replay was in flight.
type MutationResult struct {
	Mutation QueuedMutation
	Response []byte
	Err      error
}

// DrainResult summarises one drain pass.
type DrainResult struct {
	Succeeded int
	Retried   int
	Failed    int
	Remaining int
}

// QueueStore is the durable record store behind the queue: one logical
// table with auto-increment ids. ListByStatus must order by CreatedAt then
// ID. Missing ids yield ErrNotFound.
type QueueStore interface {
	Create(ctx context.Context, m QueuedMutation) (int64, error)
	Get(ctx context.Context, id int64) (QueuedMutation, error)
	ListByStatus(ctx context.Context, status MutationStatus) ([]QueuedMutation, error)
	CountByStatus(ctx context.Context, status MutationStatus) (int, error)
	Update(ctx context.Context, m QueuedMutation) error
	Delete(ctx context.Context, id int64) error
	DeleteAll(ctx context.Context) error
	Close() error
}

// BackgroundSyncer is an optional platform hook asked to schedule a sync
// after each enqueue. It is a hint only.
type BackgroundSyncer interface {
	RequestSync(ctx context.Context) error
}

func queueOrder(a, b QueuedMutation) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// ============================================================================
// Queue
// ============================================================================

// DefaultMaxRetries is the number of failed replays a mutation may absorb
// before it is marked failed.
const DefaultMaxRetries = 3

// QueueConfig configures a MutationQueue.
type QueueConfig struct {
	Store    QueueStore
	Replayer Replayer
	Clock    Clock
	Bus      *Bus
	Logger   zerolog.Logger
	Syncer   BackgroundSyncer

	MaxRetries int
	// FailFastOnClientError sends a mutation straight to failed on a 4xx
	// response instead of spending its retry budget.
	FailFastOnClientError bool

	// OnResult is called once per mutation when it succeeds or fails for good.
	OnResult func(MutationResult)
}

func (c *QueueConfig) defaults() {
	if c.Store == nil {
		c.Store = NewMemoryQueueStore()
	}
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
}

// MutationQueue persists writes and replays them in submission order.
// It is the only component that mutates queue records.
type MutationQueue struct {
	cfg    QueueConfig
	log    zerolog.Logger
	drains singleflight.Group

	mu     sync.RWMutex
	closed bool
	// dirty is set by Enqueue so a running drain picks up rows created
	// after it listed the pending set.
	dirty bool
}

// NewMutationQueue creates a queue over cfg.Store.
func NewMutationQueue(cfg QueueConfig) *MutationQueue {
	cfg.defaults()
	return &MutationQueue{
		cfg: cfg,
		log: componentLogger(cfg.Logger, "queue"),
	}
}

func (q *MutationQueue) isClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Enqueue persists a pending mutation and returns its id.
func (q *MutationQueue) Enqueue(ctx context.Context, req MutationRequest) (int64, error) {
	if q.isClosed() {
		return 0, ErrQueueClosed
	}
	body, err := encodeBody(req.Body)
	if err != nil {
		return 0, err
	}
	m := QueuedMutation{
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		Body:      body,
		CreatedAt: q.cfg.Clock.Now(),
		Status:    StatusPending,
	}
	id, err := q.cfg.Store.Create(ctx, m)
	if err != nil {
		q.log.Error().Err(err).Str(FieldEndpoint, req.Endpoint).Msg("failed to persist mutation")
		return 0, fmt.Errorf("enqueue mutation: %w", err)
	}
	MutationsEnqueued.Inc()
	q.mu.Lock()
	q.dirty = true
	q.mu.Unlock()
	q.log.Debug().Int64(FieldMutationID, id).Str(FieldMethod, req.Method).Str(FieldEndpoint, req.Endpoint).Msg("mutation queued")

	if q.cfg.Syncer != nil {
		if err := q.cfg.Syncer.RequestSync(ctx); err != nil {
			q.log.Debug().Err(err).Msg("background sync hint rejected")
		}
	}
	return id, nil
}

func encodeBody(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return json.RawMessage(b), nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal mutation body: %w", err)
	}
	return data, nil
}

// Drain replays every pending mutation one at a time, oldest first.
// Concurrent calls share a single pass, and mutations enqueued while it
// runs are replayed before it returns. A storage error aborts the pass;
// replay failures do not.
func (q *MutationQueue) Drain(ctx context.Context, token string) (DrainResult, error) {
	var total DrainResult
	for {
		if q.isClosed() {
			return total, ErrQueueClosed
		}
		v, err, _ := q.drains.Do("drain", func() (any, error) {
			return q.drain(ctx, token)
		})
		res, _ := v.(DrainResult)
		total.Succeeded += res.Succeeded
		total.Retried += res.Retried
		total.Failed += res.Failed
		total.Remaining = res.Remaining
		// A caller that joined a pass as it was finishing may hold a
		// mutation that pass never listed.
		if err != nil || !q.isDirty() {
			return total, err
		}
	}
}

func (q *MutationQueue) clearDirty() {
	q.mu.Lock()
	q.dirty = false
	q.mu.Unlock()
}

func (q *MutationQueue) isDirty() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.dirty
}

func (q *MutationQueue) drain(ctx context.Context, token string) (DrainResult, error) {
	start := time.Now()
	defer func() { DrainDuration.Observe(time.Since(start).Seconds()) }()

	var res DrainResult
	// Each mutation is replayed at most once per drain. Rows enqueued while
	// the pass runs are picked up by another listing before it returns.
	seen := make(map[int64]struct{})
	for {
		q.clearDirty()
		pending, err := q.cfg.Store.ListByStatus(ctx, StatusPending)
		if err != nil {
			q.log.Error().Err(err).Msg("failed to load pending mutations")
			return res, fmt.Errorf("list pending: %w", err)
		}
		for _, m := range pending {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			if err := q.replayOne(ctx, token, m, &res); err != nil {
				return q.finish(ctx, res, err)
			}
		}
		if !q.isDirty() {
			return q.finish(ctx, res, nil)
		}
	}
}

// replayOne sends m and records the outcome. It returns an error only when
// the pass must stop: a cancelled context or a storage failure.
func (q *MutationQueue) replayOne(ctx context.Context, token string, m QueuedMutation, res *DrainResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	resp, rerr := q.cfg.Replayer.Replay(ctx, token, m)
	if rerr == nil {
		if err := q.cfg.Store.Delete(ctx, m.ID); err != nil && !errors.Is(err, ErrNotFound) {
			q.log.Error().Err(err).Int64(FieldMutationID, m.ID).Msg("failed to delete replayed mutation")
			return fmt.Errorf("delete mutation %d: %w", m.ID, err)
		}
		res.Succeeded++
		MutationReplays.WithLabelValues("ok").Inc()
		q.report(MutationResult{Mutation: m, Response: resp})
		return nil
	}

	// A cancelled context is not the mutation's fault.
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.RetryCount++
	m.LastError = rerr.Error()
	var replayErr *ReplayError
	permanent := q.cfg.FailFastOnClientError && errors.As(rerr, &replayErr) && replayErr.ClientError()
	if m.RetryCount > q.cfg.MaxRetries || permanent {
		m.Status = StatusFailed
	}
	if err := q.cfg.Store.Update(ctx, m); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Discarded or cleared elsewhere while the replay was in flight.
			q.log.Info().Int64(FieldMutationID, m.ID).Msg("mutation removed during replay")
			q.report(MutationResult{Mutation: m, Err: rerr})
			return nil
		}
		q.log.Error().Err(err).Int64(FieldMutationID, m.ID).Msg("failed to record replay failure")
		return fmt.Errorf("update mutation %d: %w", m.ID, err)
	}

	if m.Status == StatusFailed {
		res.Failed++
		MutationReplays.WithLabelValues("failed").Inc()
		q.log.Warn().Err(rerr).Int64(FieldMutationID, m.ID).Int("retries", m.RetryCount).Msg("mutation failed permanently")
		q.report(MutationResult{Mutation: m, Err: rerr})
		if q.cfg.Bus != nil {
			q.cfg.Bus.Publish(MutationFailed{Mutation: m})
		}
	} else {
		res.Retried++
		MutationReplays.WithLabelValues("retry").Inc()
		q.log.Info().Err(rerr).Int64(FieldMutationID, m.ID).Int("retries", m.RetryCount).Msg("mutation replay failed, will retry")
	}
	return nil
}

func (q *MutationQueue) finish(ctx context.Context, res DrainResult, err error) (DrainResult, error) {
	if n, cerr := q.cfg.Store.CountByStatus(ctx, StatusPending); cerr == nil {
		res.Remaining = n
	}
	if q.cfg.Bus != nil {
		q.cfg.Bus.Publish(QueueDrained{Result: res})
	}
	q.log.Debug().
		Int("succeeded", res.Succeeded).
		Int("retried", res.Retried).
		Int("failed", res.Failed).
		Int("remaining", res.Remaining).
		Msg("drain finished")
	return res, err
}

func (q *MutationQueue) report(r MutationResult) {
	if q.cfg.OnResult != nil {
		q.cfg.OnResult(r)
	}
}

// PendingCount counts pending mutations only.
func (q *MutationQueue) PendingCount(ctx context.Context) (int, error) {
	if q.isClosed() {
		return 0, ErrQueueClosed
	}
	return q.cfg.Store.CountByStatus(ctx, StatusPending)
}

// Pending lists pending mutations in replay order.
func (q *MutationQueue) Pending(ctx context.Context) ([]QueuedMutation, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}
	return q.cfg.Store.ListByStatus(ctx, StatusPending)
}

// Failed lists mutations that ran out of retries.
func (q *MutationQueue) Failed(ctx context.Context) ([]QueuedMutation, error) {
	if q.isClosed() {
		return nil, ErrQueueClosed
	}
	return q.cfg.Store.ListByStatus(ctx, StatusFailed)
}

// Retry puts a failed mutation back in the pending set with a fresh budget.
// Its position in the queue is unchanged.
func (q *MutationQueue) Retry(ctx context.Context, id int64) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	m, err := q.cfg.Store.Get(ctx, id)
	if err != nil {
		return err
	}
	if m.Status != StatusFailed {
		return fmt.Errorf("mutation %d is %s, not failed", id, m.Status)
	}
	m.Status = StatusPending
	m.RetryCount = 0
	m.LastError = ""
	return q.cfg.Store.Update(ctx, m)
}

// Discard deletes one mutation regardless of status.
func (q *MutationQueue) Discard(ctx context.Context, id int64) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	return q.cfg.Store.Delete(ctx, id)
}

// Clear deletes every mutation, failed ones included.
func (q *MutationQueue) Clear(ctx context.Context) error {
	if q.isClosed() {
		return ErrQueueClosed
	}
	if err := q.cfg.Store.DeleteAll(ctx); err != nil {
		q.log.Error().Err(err).Msg("failed to clear queue")
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

// Close closes the underlying store. Later calls return ErrQueueClosed.
func (q *MutationQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	return q.cfg.Store.Close()
}
