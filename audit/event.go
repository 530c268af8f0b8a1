package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/fanengagement/chainadp/lib/store"
)

// Outcomes recorded on audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Event is one audit record. ID, Seq, Timestamp, PrevHash and Hash are assigned when the event is written.
type Event = store.AuditEvent

// timeLayout renders timestamps inside the hashed form. Stored timestamps are truncated to it.
const timeLayout = "2006-01-02T15:04:05.000Z"

// hashed is the canonical form of an event: every field but Hash, in a fixed order.
type hashed struct {
	ID            string          `json:"id"`
	OrgID         string          `json:"orgId"`
	Seq           int64           `json:"seq"`
	Actor         string          `json:"actor"`
	Action        string          `json:"action"`
	ResourceType  string          `json:"resourceType"`
	ResourceID    string          `json:"resourceId"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     string          `json:"timestamp"`
	Before        json.RawMessage `json:"before"`
	After         json.RawMessage `json:"after"`
	Outcome       string          `json:"outcome"`
	PrevHash      string          `json:"prevHash"`
}

func compact(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}

	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		// not JSON, hash it as a JSON string
		s, _ := json.Marshal(string(raw))

		return s
	}

	return b.Bytes()
}

// Hash returns the hex sha256 of the canonical JSON of e without its Hash field.
func Hash(e Event) string {
	doc, _ := json.Marshal(hashed{
		ID:            e.ID,
		OrgID:         e.OrgID,
		Seq:           e.Seq,
		Actor:         e.Actor,
		Action:        e.Action,
		ResourceType:  e.ResourceType,
		ResourceID:    e.ResourceID,
		CorrelationID: e.CorrelationID,
		Timestamp:     e.Timestamp.UTC().Format(timeLayout),
		Before:        compact(e.Before),
		After:         compact(e.After),
		Outcome:       e.Outcome,
		PrevHash:      e.PrevHash,
	})
	sum := sha256.Sum256(doc)

	return hex.EncodeToString(sum[:])
}

// normalize truncates the timestamp to what the canonical form keeps.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func marshal(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}

	if raw, ok := v.(json.RawMessage); ok {
		return raw
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}

	return b
}

// Builder composes an event fluently. Log writes it with the mode of its resource type.
type Builder struct {
	l *Logger
	e Event
}

// New starts an event for action.
func (l *Logger) New(action string) *Builder {
	return &Builder{l: l, e: Event{Action: action, Outcome: OutcomeSuccess}}
}

// Actor sets who performed the action.
func (b *Builder) Actor(actor string) *Builder {
	b.e.Actor = actor

	return b
}

// Resource sets the type and id of the resource acted on.
func (b *Builder) Resource(typ, id string) *Builder {
	b.e.ResourceType, b.e.ResourceID = typ, id

	return b
}

// Org sets the organization context.
func (b *Builder) Org(orgID string) *Builder {
	b.e.OrgID = orgID

	return b
}

// Correlation sets the correlation id.
func (b *Builder) Correlation(id string) *Builder {
	b.e.CorrelationID = id

	return b
}

// Before records the state before the action. v is marshaled to JSON.
func (b *Builder) Before(v interface{}) *Builder {
	b.e.Before = marshal(v)

	return b
}

// After records the state after the action.
func (b *Builder) After(v interface{}) *Builder {
	b.e.After = marshal(v)

	return b
}

// Outcome overrides the default success outcome.
func (b *Builder) Outcome(outcome string) *Builder {
	b.e.Outcome = outcome

	return b
}

// Failed marks the event as a failure when err is not nil and records the error text.
func (b *Builder) Failed(err error) *Builder {
	if err != nil {
		b.e.Outcome = OutcomeFailure
		b.e.After = marshal(map[string]string{"error": err.Error()})
	}

	return b
}

// Event returns the event built so far.
func (b *Builder) Event() Event {
	return b.e
}

// Log writes the event. It never fails the caller.
func (b *Builder) Log(ctx context.Context) {
	b.l.Log(ctx, b.e)
}
