// Package router implements the governance event router of the syncer service. The core platform commits a governance
// event to its own database and hands it to the router, over the message broker or POST /v1/events. The router stores
// one sync task per idempotency key and returns at once; a pool of workers later performs the chain call through the
// organization's adapter, retrying in background with exponential backoff, and a poller follows the submitted
// transactions until they are confirmed.
//
// The sync task table is the queue: tasks left IN_PROGRESS by a crash are put back to PENDING on startup.
package router

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fanengagement/chainadp/audit"
	"github.com/fanengagement/chainadp/lib/chain"
	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/config"
	"github.com/fanengagement/chainadp/lib/msg"
	mtypes "github.com/fanengagement/chainadp/lib/msg/types"
	"github.com/fanengagement/chainadp/lib/store"
)

// Service is the broker consumer name of the router, which names its queue.
const Service = "syncer"

// Router dispatches governance events to chain sync tasks and runs them.
type Router struct {
	db       store.DB
	mb       msg.MsgBroker
	adapters map[string]chain.Adapter // resilient adapters by name
	kinds    map[string]string        // adapter kinds by name
	audit    *audit.Logger
	c        config.RouterConfig
	log      zerolog.Logger
	now      func() time.Time
	wake     chan struct{}
}

// New returns a router. mb may be nil when events only arrive over http.
func New(db store.DB, mb msg.MsgBroker, adapters map[string]chain.Adapter, al *audit.Logger, c config.ServiceConfig,
	log zerolog.Logger) *Router {
	kinds := make(map[string]string, len(c.Adapters))
	for _, a := range c.Adapters {
		kinds[a.Name] = a.Kind
	}

	rc := c.Router
	if rc.Workers < 1 {
		rc.Workers = 1
	}

	if rc.BatchSize < 1 {
		rc.BatchSize = config.RouterDefault.BatchSize
	}

	if rc.TickInterval <= 0 {
		rc.TickInterval = config.RouterDefault.TickInterval
	}

	if rc.PollInterval <= 0 {
		rc.PollInterval = config.RouterDefault.PollInterval
	}

	return &Router{
		db:       db,
		mb:       mb,
		adapters: adapters,
		kinds:    kinds,
		audit:    al,
		c:        rc,
		log:      log.With().Str("component", "router").Logger(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// PayloadHash returns the hex sha256 of the compacted JSON payload.
func PayloadHash(payload json.RawMessage) (string, error) {
	var b bytes.Buffer
	if err := json.Compact(&b, payload); err != nil {
		return "", types.Invalidf("payload is not valid JSON: %v", err)
	}

	sum := sha256.Sum256(b.Bytes())

	return hex.EncodeToString(sum[:]), nil
}

// validate checks the event and fills its payload hash.
func validate(e *mtypes.DomainEvent) error {
	if e.IdempotencyKey == "" {
		return types.Invalidf("idempotency key is required")
	}

	if e.OrgID == "" || e.SubjectID == "" {
		return types.Invalidf("organization and subject are required")
	}

	if !e.EventType.Valid() {
		return types.Invalidf("unknown event type %q", e.EventType)
	}

	if e.PayloadHash == "" && len(e.Payload) > 0 {
		h, err := PayloadHash(e.Payload)
		if err != nil {
			return err
		}

		e.PayloadHash = h
	}

	if e.PayloadHash != "" {
		h, err := types.ParseHash(e.PayloadHash)
		if err != nil {
			return err
		}

		e.PayloadHash = types.HashHex(h)
	}

	switch e.EventType {
	case types.EventShareTypeCreated:
		var p mtypes.ShareTypePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil || p.ShareTypeID == "" {
			return types.Invalidf("%s requires a share type payload", e.EventType)
		}
	case types.EventSharesIssued:
		var p mtypes.IssuancePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil || p.ShareTypeID == "" {
			return types.Invalidf("%s requires an issuance payload", e.EventType)
		}

		if _, err := types.BaseUnits(p.Quantity, p.Decimals); err != nil {
			return err
		}
	default:
		if e.PayloadHash == "" {
			return types.Invalidf("%s requires a payload or payload hash", e.EventType)
		}

		if _, err := governanceDetails(e.EventType, e.Payload); err != nil {
			return err
		}
	}

	return nil
}

// Dispatch stores the sync task of e and returns it with whether it was created. A repeated idempotency key returns
// the existing task, with its transaction reference when already synced. A proposal lifecycle event out of order is
// rejected. The chain call happens later.
func (r *Router) Dispatch(ctx context.Context, e mtypes.DomainEvent) (store.SyncTask, bool, error) {
	if err := validate(&e); err != nil {
		return store.SyncTask{}, false, err
	}

	if _, ok := stage(e.EventType); ok {
		if t, err := r.db.GetTask(ctx, e.IdempotencyKey); err == nil {
			return t, false, nil
		}

		if err := r.checkOrder(ctx, e); err != nil {
			return store.SyncTask{}, false, err
		}
	}

	now := r.now().UTC()
	t := store.SyncTask{
		ID:             uuid.NewString(),
		IdempotencyKey: e.IdempotencyKey,
		OrgID:          e.OrgID,
		EventType:      e.EventType,
		SubjectID:      e.SubjectID,
		CorrelationID:  e.CorrelationID,
		Actor:          e.Actor,
		Payload:        e.Payload,
		PayloadHash:    e.PayloadHash,
		Status:         store.TaskPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	t, created, err := r.db.CreateTask(ctx, t)
	if err != nil {
		return t, false, fmt.Errorf("cannot store sync task: %w", err)
	}

	if created {
		r.log.Debug().Str("key", t.IdempotencyKey).Str("org", t.OrgID).Str("event", string(t.EventType)).
			Msg("sync task queued")
		r.Wake()
	}

	return t, created, nil
}

// Wake makes the workers look for due tasks without waiting for the next tick.
func (r *Router) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run recovers interrupted tasks, starts event intake, workers and the confirmation poller, and blocks until ctx is
// done and the workers have finished their current tasks.
func (r *Router) Run(ctx context.Context) error {
	n, err := r.db.ResetInProgress(ctx)
	if err != nil {
		return fmt.Errorf("cannot recover sync tasks: %w", err)
	}

	if n > 0 {
		r.log.Warn().Int64("tasks", n).Msg("recovered interrupted sync tasks")
	}

	if r.mb != nil {
		if err = r.ManageEvents(ctx); err != nil {
			return err
		}
	}

	var wg sync.WaitGroup

	jobs := make(chan store.SyncTask)
	// in-flight chain calls finish on shutdown, bounded by the resilience policy
	work := context.WithoutCancel(ctx)

	for i := 0; i < r.c.Workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for t := range jobs {
				r.Process(work, t)
			}
		}()
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		r.poll(ctx)
	}()

	r.log.Info().Int("workers", r.c.Workers).Msg("router started")
	r.dispatch(ctx, jobs)
	wg.Wait()
	r.log.Info().Msg("router stopped")

	return nil
}

// dispatch claims due tasks and hands them to the workers until ctx is done, then closes jobs.
func (r *Router) dispatch(ctx context.Context, jobs chan<- store.SyncTask) {
	defer close(jobs)

	tick := time.NewTicker(r.c.TickInterval)
	defer tick.Stop()

	for {
		r.claim(ctx, jobs)

		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case <-r.wake:
		}
	}
}

func (r *Router) claim(ctx context.Context, jobs chan<- store.SyncTask) {
	for ctx.Err() == nil {
		ts, err := r.db.ClaimTasks(ctx, r.now(), r.c.BatchSize)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				r.log.Error().Err(err).Msg("cannot claim sync tasks")
			}

			return
		}
		// claimed tasks are always handed over, workers drain jobs until it is closed
		for _, t := range ts {
			jobs <- t
		}

		if len(ts) < r.c.BatchSize {
			return
		}
	}
}

// ManageEvents consumes domain events from the broker. A message is acknowledged once its task is stored; on failure
// the dispatch is retried until it succeeds, the event is rejected as invalid, or ctx is done (the message is then
// redelivered by the broker).
func (r *Router) ManageEvents(ctx context.Context) error {
	var mut *sync.Mutex = new(sync.Mutex)

	mut.Lock()

	eveCh, errCh, err := r.mb.GetEvents(Service, mut)
	if err != nil {
		return fmt.Errorf("router: cannot get events: %w", err)
	}

	go func() {
		r.log.Info().Msg("start listening to governance events")

		for {
			select {
			case e, ok := <-eveCh:
				if !ok {
					r.log.Info().Msg("stop listening to governance events")

					return
				}

				if !r.intake(ctx, e) {
					return
				}

				mut.Unlock()
			case err, ok := <-errCh:
				if !ok {
					return
				}

				r.log.Error().Err(err).Msg("cannot decode governance event")
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// intake dispatches a consumed event, reporting false when ctx ended before the event could be stored.
func (r *Router) intake(ctx context.Context, e mtypes.DomainEvent) bool {
	for attempt := 0; ; attempt++ {
		_, _, err := r.Dispatch(ctx, e)
		if err == nil {
			return true
		}

		if types.IsPermanent(err) {
			r.log.Error().Err(err).Str("key", e.IdempotencyKey).Str("org", e.OrgID).
				Msg("rejected invalid governance event")
			r.audit.New("chain_sync.rejected").Actor(e.Actor).Org(e.OrgID).Resource("sync_task", e.IdempotencyKey).
				Correlation(e.CorrelationID).Failed(err).Log(ctx)

			return true
		}

		r.log.Warn().Err(err).Str("key", e.IdempotencyKey).Int("attempt", attempt).Msg("cannot dispatch event")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(r.backoff(attempt + 1)):
		}
	}
}
