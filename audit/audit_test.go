package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fanengagement/chainadp/lib/config"
	"github.com/fanengagement/chainadp/lib/metrics"
	"github.com/fanengagement/chainadp/lib/store"
	"github.com/fanengagement/chainadp/lib/store/sqlite"
)

// memLog is an in-memory audit store whose rows tests may tamper with.
type memLog struct {
	mu      sync.Mutex
	es      []Event
	fail    error
	entered chan struct{}
	release chan struct{}
}

func (m *memLog) AppendAudit(_ context.Context, e Event) error {
	if m.entered != nil {
		m.entered <- struct{}{}
		<-m.release
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail != nil {
		return m.fail
	}

	m.es = append(m.es, e)

	return nil
}

func (m *memLog) LastAudit(_ context.Context, orgID string) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.es) - 1; i >= 0; i-- {
		if m.es[i].OrgID == orgID {
			return m.es[i], nil
		}
	}

	return Event{}, store.ErrDataNotFound
}

func (m *memLog) QueryAudit(_ context.Context, f store.AuditFilter) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var es []Event

	for _, e := range m.es {
		if e.OrgID == f.OrgID && e.Seq > f.AfterSeq && (f.Limit == 0 || len(es) < f.Limit) {
			es = append(es, e)
		}
	}

	return es, nil
}

func (m *memLog) Close() error { return nil }

func (m *memLog) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.es)
}

func newSqlite(t *testing.T) *sqlite.Sqlite {
	t.Helper()

	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func syncConfig() config.AuditConfig {
	return config.AuditConfig{DefaultMode: ModeSync, QueueSize: 8, ExportPerHour: 2, PageSize: 2}
}

func closeLogger(t *testing.T, l *Logger) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, l.Close(ctx))
}

func TestHashChain(t *testing.T) {
	l := NewLogger(newSqlite(t), syncConfig(), zerolog.Nop())
	defer closeLogger(t, l)

	ctx := context.Background()

	for i := 0; i < 3; i++ {
		l.New("vote.cast").Actor("user-1").Org("org-1").Resource("vote", fmt.Sprintf("v%d", i)).
			Correlation("corr-1").After(map[string]int{"weight": i}).Log(ctx)
	}
	// another organization has its own chain
	l.New("proposal.opened").Org("org-2").Resource("proposal", "p1").Log(ctx)

	p, err := l.Query(ctx, Filter{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, p.Events, 3)
	assert.Empty(t, p.NextCursor)

	prev := ""
	for i, e := range p.Events {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, prev, e.PrevHash)
		assert.Equal(t, Hash(e), e.Hash)
		assert.Len(t, e.Hash, 64)
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, OutcomeSuccess, e.Outcome)
		assert.True(t, e.Timestamp.Equal(e.Timestamp.Truncate(time.Millisecond)))
		prev = e.Hash
	}

	v, err := l.Verify(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, v.Valid)
	assert.Equal(t, int64(3), v.Checked)

	p, err = l.Query(ctx, Filter{OrgID: "org-2"})
	require.NoError(t, err)
	require.Len(t, p.Events, 1)
	assert.Empty(t, p.Events[0].PrevHash)
}

func TestVerifyDetectsTampering(t *testing.T) {
	m := &memLog{}
	l := NewLogger(m, syncConfig(), zerolog.Nop())
	defer closeLogger(t, l)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		l.New("vote.cast").Org("org-1").Resource("vote", fmt.Sprintf("v%d", i)).Log(ctx)
	}

	v, err := l.Verify(ctx, "org-1")
	require.NoError(t, err)
	require.True(t, v.Valid)

	m.mu.Lock()
	m.es[2].Actor = "mallory"
	m.mu.Unlock()

	v, err = l.Verify(ctx, "org-1")
	require.NoError(t, err)
	assert.False(t, v.Valid)
	require.NotNil(t, v.Broken)
	assert.Equal(t, int64(3), v.Broken.Seq)
	assert.Equal(t, "hash does not match content", v.Broken.Reason)
	assert.Equal(t, int64(2), v.Checked)

	// recomputing the hash of the tampered row breaks the next link instead
	m.mu.Lock()
	m.es[2].Hash = Hash(m.es[2])
	m.mu.Unlock()

	v, err = l.Verify(ctx, "org-1")
	require.NoError(t, err)
	require.NotNil(t, v.Broken)
	assert.Equal(t, int64(4), v.Broken.Seq)
	assert.Equal(t, "previous hash does not match", v.Broken.Reason)
}

func TestHashCanonical(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 123456789, time.FixedZone("CET", 3600))
	e := Event{ID: "1", OrgID: "o", Seq: 1, Action: "a", Timestamp: ts, After: []byte(`{"a": 1,  "b": [1, 2]}`)}

	other := e
	other.Timestamp = ts.UTC().Truncate(time.Millisecond)
	other.After = []byte(`{"a":1,"b":[1,2]}`)
	assert.Equal(t, Hash(e), Hash(other))

	other.Outcome = OutcomeFailure
	assert.NotEqual(t, Hash(e), Hash(other))
}

func TestLogModes(t *testing.T) {
	m := &memLog{}
	l := NewLogger(m, config.AuditConfig{DefaultMode: ModeAsync, Modes: map[string]string{"organization": ModeSync}},
		zerolog.Nop())

	assert.Equal(t, ModeSync, l.Mode("organization"))
	assert.Equal(t, ModeAsync, l.Mode("vote"))

	ctx := context.Background()
	l.New("organization.created").Org("org-1").Resource("organization", "org-1").Log(ctx)
	// synchronous writes are visible on return
	assert.Equal(t, 1, m.len())

	for i := 0; i < 5; i++ {
		l.New("vote.cast").Org("org-1").Resource("vote", fmt.Sprintf("v%d", i)).Log(ctx)
	}

	closeLogger(t, l)
	assert.Equal(t, 6, m.len())

	v, err := l.Verify(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, v.Valid)

	// closed loggers drop instead of panicking
	l.LogAsync(ctx, Event{Action: "late", OrgID: "org-1"})
	assert.Equal(t, 6, m.len())
}

func TestQueueFull(t *testing.T) {
	m := &memLog{entered: make(chan struct{}), release: make(chan struct{})}
	l := NewLogger(m, config.AuditConfig{DefaultMode: ModeAsync, QueueSize: 1}, zerolog.Nop())
	ctx := context.Background()
	dropped := testutil.ToFloat64(metrics.AuditDropped)

	l.LogAsync(ctx, Event{Action: "a1", OrgID: "org-1"})
	<-m.entered // the worker holds a1

	l.LogAsync(ctx, Event{Action: "a2", OrgID: "org-1"}) // queued
	l.LogAsync(ctx, Event{Action: "a3", OrgID: "org-1"}) // dropped

	assert.Equal(t, dropped+1, testutil.ToFloat64(metrics.AuditDropped))

	go func() {
		for range m.entered {
			m.release <- struct{}{}
		}
	}()
	m.release <- struct{}{}

	closeLogger(t, l)
	close(m.entered)

	require.Equal(t, 2, m.len())
	assert.Equal(t, "a1", m.es[0].Action)
	assert.Equal(t, "a2", m.es[1].Action)
}

func TestWriteFailureSwallowed(t *testing.T) {
	m := &memLog{fail: errors.New("disk full")}
	l := NewLogger(m, syncConfig(), zerolog.Nop())
	defer closeLogger(t, l)

	err := l.Write(context.Background(), Event{Action: "vote.cast", OrgID: "org-1"})
	assert.ErrorIs(t, err, ErrAuditWriteFailed)

	assert.NotPanics(t, func() {
		l.New("vote.cast").Org("org-1").Log(context.Background())
	})

	assert.Error(t, l.Write(context.Background(), Event{OrgID: "org-1"}), "action is required")
}

func TestQueryPages(t *testing.T) {
	l := NewLogger(newSqlite(t), syncConfig(), zerolog.Nop())
	defer closeLogger(t, l)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		actor := "alice"
		if i%2 == 1 {
			actor = "bob"
		}

		l.New("proposal.created").Actor(actor).Org("org-1").Resource("proposal", fmt.Sprintf("p%d", i)).Log(ctx)
	}

	var (
		seqs   []int64
		cursor string
		pages  int
	)

	for {
		p, err := l.Query(ctx, Filter{OrgID: "org-1", Limit: 2, Cursor: cursor})
		require.NoError(t, err)

		pages++

		for _, e := range p.Events {
			seqs = append(seqs, e.Seq)
		}

		if p.NextCursor == "" {
			break
		}

		cursor = p.NextCursor
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, seqs)

	p, err := l.Query(ctx, Filter{OrgID: "org-1", Actor: "bob"})
	require.NoError(t, err)
	assert.Len(t, p.Events, 2)

	_, err = l.Query(ctx, Filter{OrgID: "org-1", Cursor: "not a cursor!"})
	assert.ErrorIs(t, err, ErrBadCursor)

	p, err = l.Query(ctx, Filter{OrgID: "nobody"})
	require.NoError(t, err)
	assert.NotNil(t, p.Events)
	assert.Empty(t, p.Events)
}

func TestBuilder(t *testing.T) {
	l := NewLogger(&memLog{}, syncConfig(), zerolog.Nop())
	defer closeLogger(t, l)

	e := l.New("shares.issued").Actor("svc").Org("org-1").Resource("issuance", "i1").Correlation("c1").
		Before(nil).After(map[string]string{"qty": "10"}).Failed(errors.New("boom")).Event()

	assert.Equal(t, "shares.issued", e.Action)
	assert.Equal(t, "svc", e.Actor)
	assert.Equal(t, "issuance", e.ResourceType)
	assert.Equal(t, "i1", e.ResourceID)
	assert.Equal(t, "c1", e.CorrelationID)
	assert.Nil(t, e.Before)
	assert.Equal(t, OutcomeFailure, e.Outcome)
	assert.JSONEq(t, `{"error":"boom"}`, string(e.After))

	e = l.New("x").Failed(nil).Event()
	assert.Equal(t, OutcomeSuccess, e.Outcome)
}
