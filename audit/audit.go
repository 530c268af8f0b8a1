// Package audit implements the audit subsystem of the syncer: a hash chained, append-only log of every action with
// synchronous or asynchronous writes per resource type, paged queries, chain verification and streamed exports.
//
// Writing an audit event never fails the operation that triggered it. Errors are logged, counted and swallowed.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fanengagement/chainadp/lib/config"
	"github.com/fanengagement/chainadp/lib/metrics"
	"github.com/fanengagement/chainadp/lib/store"
	"github.com/fanengagement/chainadp/lib/util"
)

// Write modes.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Errors returned.
var (
	ErrAuditWriteFailed = errors.New("audit write failed")
	ErrQueueFull        = errors.New("audit queue is full")
)

// appendRetries bounds the retries when another writer took the same sequence number.
const appendRetries = 3

// Logger writes audit events to an append-only store.
type Logger struct {
	db    store.AuditLog
	def   string
	modes map[string]string
	locks util.KeyedMutex // per organization chain
	log   zerolog.Logger
	now   func() time.Time

	mu     sync.RWMutex // guards queue against Close
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewLogger starts a logger and its async worker.
func NewLogger(db store.AuditLog, c config.AuditConfig, log zerolog.Logger) *Logger {
	size := c.QueueSize
	if size < 1 {
		size = config.AuditDefault.QueueSize
	}

	def := c.DefaultMode
	if def != ModeSync {
		def = ModeAsync
	}

	l := &Logger{
		db:    db,
		def:   def,
		modes: c.Modes,
		log:   log.With().Str("component", "audit").Logger(),
		now:   time.Now,
		queue: make(chan Event, size),
		done:  make(chan struct{}),
	}

	go l.work()

	return l
}

// Mode returns the write mode of a resource type.
func (l *Logger) Mode(resourceType string) string {
	if m, ok := l.modes[resourceType]; ok {
		return m
	}

	return l.def
}

// Log writes e synchronously or queues it according to the mode of its resource type.
func (l *Logger) Log(ctx context.Context, e Event) {
	if l.Mode(e.ResourceType) == ModeSync {
		_ = l.Write(ctx, e)

		return
	}

	l.LogAsync(ctx, e)
}

// LogAsync queues e for the background worker. A full queue drops the event.
func (l *Logger) LogAsync(_ context.Context, e Event) {
	// the event time is the time of the action, not of the write
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.drop(e, "closed")

		return
	}

	select {
	case l.queue <- e:
	default:
		l.drop(e, "full")
	}
}

func (l *Logger) drop(e Event, why string) {
	metrics.AuditDropped.Inc()
	l.log.Error().Err(ErrQueueFull).Str("reason", why).Str("org", e.OrgID).Str("action", e.Action).
		Str("resource", e.ResourceType+"/"+e.ResourceID).Msg("audit event dropped")
}

// Write appends e to the organization chain. The returned error wraps ErrAuditWriteFailed and has already been logged;
// callers may ignore it.
func (l *Logger) Write(ctx context.Context, e Event) error {
	err := l.write(ctx, e)

	mode := l.Mode(e.ResourceType)
	if err != nil {
		metrics.AuditWrites.WithLabelValues(mode, "error").Inc()
		l.log.Error().Err(err).Str("org", e.OrgID).Str("action", e.Action).
			Str("resource", e.ResourceType+"/"+e.ResourceID).Msg("cannot write audit event")

		return fmt.Errorf("%w: %v", ErrAuditWriteFailed, err)
	}

	metrics.AuditWrites.WithLabelValues(mode, "ok").Inc()

	return nil
}

func (l *Logger) write(ctx context.Context, e Event) error {
	if e.Action == "" {
		return errors.New("audit event without action")
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	if e.Outcome == "" {
		e.Outcome = OutcomeSuccess
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}

	e.Timestamp = normalize(e.Timestamp)

	unlock := l.locks.Lock(e.OrgID)
	defer unlock()

	var err error

	for i := 0; i < appendRetries; i++ {
		e.Seq, e.PrevHash = 1, ""

		last, lerr := l.db.LastAudit(ctx, e.OrgID)

		switch {
		case lerr == nil:
			e.Seq, e.PrevHash = last.Seq+1, last.Hash
		case !errors.Is(lerr, store.ErrDataNotFound):
			return lerr
		}

		e.Hash = Hash(e)

		if err = l.db.AppendAudit(ctx, e); !errors.Is(err, store.ErrConflict) {
			return err
		}
	}

	return err
}

func (l *Logger) work() {
	defer close(l.done)

	for e := range l.queue {
		// queued events outlive the request that produced them
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second) //nolint:gomnd
		_ = l.Write(ctx, e)

		cancel()
	}
}

// Close stops accepting async events and waits until the queued ones are written or ctx is done.
func (l *Logger) Close(ctx context.Context) error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
