package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/store"
)

// Page sizes.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Filter selects audit events of one organization. Cursor is the NextCursor of the previous page.
type Filter struct {
	OrgID        string
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	From         time.Time
	To           time.Time
	Cursor       string
	Limit        int
}

// Page is one page of audit events in chain order. NextCursor is empty on the last page.
type Page struct {
	Events     []Event `json:"events"`
	NextCursor string  `json:"nextCursor,omitempty"`
}

// ErrBadCursor is returned for a cursor not produced by Query.
var ErrBadCursor = fmt.Errorf("%w: invalid audit cursor", types.ErrInvalidRequest)

func (f Filter) store() (store.AuditFilter, error) {
	limit := f.Limit

	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	var after int64

	if f.Cursor != "" {
		var err error
		if after, err = strconv.ParseInt(f.Cursor, 36, 64); err != nil || after < 0 { //nolint:gomnd
			return store.AuditFilter{}, fmt.Errorf("%w: %q", ErrBadCursor, f.Cursor)
		}
	}

	return store.AuditFilter{
		OrgID: f.OrgID, Actor: f.Actor, Action: f.Action, ResourceType: f.ResourceType, ResourceID: f.ResourceID,
		From: f.From, To: f.To, AfterSeq: after, Limit: limit,
	}, nil
}

// Query returns one page of events matching f.
func (l *Logger) Query(ctx context.Context, f Filter) (Page, error) {
	sf, err := f.store()
	if err != nil {
		return Page{}, err
	}

	// one extra row tells whether there is a next page
	sf.Limit++

	es, err := l.db.QueryAudit(ctx, sf)
	if err != nil {
		return Page{}, err
	}

	p := Page{Events: es}
	if len(es) == sf.Limit {
		p.Events = es[:len(es)-1]
		p.NextCursor = strconv.FormatInt(p.Events[len(p.Events)-1].Seq, 36) //nolint:gomnd
	}

	if p.Events == nil {
		p.Events = []Event{}
	}

	return p, nil
}

// Broken describes the first link of an organization chain that does not verify.
type Broken struct {
	Seq    int64  `json:"seq"`
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// Verification is the result of Verify.
type Verification struct {
	OrgID   string  `json:"orgId"`
	Checked int64   `json:"checked"`
	Valid   bool    `json:"valid"`
	Broken  *Broken `json:"broken,omitempty"`
}

// Verify recomputes the hash chain of an organization and reports the first broken link.
func (l *Logger) Verify(ctx context.Context, orgID string) (Verification, error) {
	v := Verification{OrgID: orgID, Valid: true}
	prev, seq := "", int64(0)

	for {
		es, err := l.db.QueryAudit(ctx, store.AuditFilter{OrgID: orgID, AfterSeq: seq, Limit: MaxLimit})
		if err != nil {
			return v, err
		}

		for _, e := range es {
			var reason string

			switch {
			case e.Seq != seq+1:
				reason = fmt.Sprintf("sequence gap after %d", seq)
			case e.PrevHash != prev:
				reason = "previous hash does not match"
			case Hash(e) != e.Hash:
				reason = "hash does not match content"
			}

			if reason != "" {
				v.Valid = false
				v.Broken = &Broken{Seq: e.Seq, ID: e.ID, Reason: reason}

				return v, nil
			}

			v.Checked++
			prev, seq = e.Hash, e.Seq
		}

		if len(es) < MaxLimit {
			return v, nil
		}
	}
}
