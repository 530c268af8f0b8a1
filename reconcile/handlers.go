package reconcile

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/fanengagement/chainadp/lib/apikey"
	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/rest"
	"github.com/fanengagement/chainadp/lib/store"
)

// Routes registers the discrepancy and reconcile trigger handlers.
func (r *Reconciler) Routes(mr *mux.Router) {
	mr.HandleFunc("/organizations/{orgId}/discrepancies", r.listHandler).Methods(http.MethodGet)
	mr.HandleFunc("/organizations/{orgId}/discrepancies/{id}", r.transitionHandler).Methods(http.MethodPatch)
	mr.HandleFunc("/organizations/{orgId}/reconcile", r.triggerHandler).Methods(http.MethodPost)
}

// TransitionRequest moves a discrepancy to Acknowledged or Resolved.
type TransitionRequest struct {
	Status store.DiscrepancyStatus `json:"status"`
	Note   string                  `json:"note,omitempty"`
}

// next reports whether a discrepancy may move from one status to another. Discrepancies are never reopened.
func next(from, to store.DiscrepancyStatus) bool {
	switch from {
	case store.DiscrepancyOpen:
		return to == store.DiscrepancyAcknowledged || to == store.DiscrepancyResolved
	case store.DiscrepancyAcknowledged:
		return to == store.DiscrepancyResolved
	}

	return false
}

func actor(req *http.Request) string {
	if p, ok := apikey.FromContext(req.Context()); ok {
		return p.Name
	}

	return "anonymous"
}

func (r *Reconciler) listHandler(rw http.ResponseWriter, req *http.Request) {
	var (
		err error
		ds  []store.Discrepancy
	)

	defer func() { rest.Reply(rw, 0, ds, err) }()

	status := store.DiscrepancyStatus(req.URL.Query().Get("status"))
	switch status {
	case "", store.DiscrepancyOpen, store.DiscrepancyAcknowledged, store.DiscrepancyResolved:
	default:
		err = types.Invalidf("unknown discrepancy status %q", status)

		return
	}

	if ds, err = r.db.ListDiscrepancies(req.Context(), mux.Vars(req)["orgId"], status); err == nil && ds == nil {
		ds = []store.Discrepancy{}
	}
}

func (r *Reconciler) transitionHandler(rw http.ResponseWriter, req *http.Request) {
	var (
		err  error
		body TransitionRequest
		d    store.Discrepancy
	)

	defer func() { rest.Reply(rw, 0, d, err) }()

	if err = rest.Decode(req, &body); err != nil {
		return
	}

	vars := mux.Vars(req)

	before, err := r.db.GetDiscrepancy(req.Context(), vars["id"])
	if err != nil {
		return
	}
	// a discrepancy of another organization does not exist for this one
	if before.OrgID != vars["orgId"] {
		err = store.ErrDataNotFound

		return
	}

	if !next(before.Status, body.Status) {
		err = types.Invalidf("discrepancy cannot move from %s to %q", before.Status, body.Status)

		return
	}

	d = before
	d.Status, d.Note, d.UpdatedAt = body.Status, body.Note, r.now().UTC()

	if d.Status == store.DiscrepancyResolved {
		d.ResolvedBy = actor(req)
	}

	if err = r.db.SaveDiscrepancy(req.Context(), d, before.Status); err != nil {
		r.log.Error().Err(err).Str("discrepancy", d.ID).Msg("cannot save discrepancy")

		return
	}

	r.audit.New("reconciliation.discrepancy_"+strings.ToLower(string(d.Status))).Actor(actor(req)).Org(d.OrgID).
		Resource("discrepancy", d.ID).Before(before).After(d).Log(req.Context())
}

// triggerHandler runs an immediate scan of one organization. A scan that cannot reach the chain replies 503.
func (r *Reconciler) triggerHandler(rw http.ResponseWriter, req *http.Request) {
	var (
		err error
		res Result
	)

	defer func() { rest.Reply(rw, 0, res, err) }()

	org := mux.Vars(req)["orgId"]

	cfg, err := r.db.GetChainConfig(req.Context(), org)
	if err != nil {
		return
	}

	if !cfg.Active() {
		err = types.Invalidf("organization %s has no active chain", org)

		return
	}

	res, err = r.ReconcileOrg(req.Context(), org)

	b := r.audit.New("reconciliation.triggered").Actor(actor(req)).Org(org).Resource("reconciliation", org).
		After(map[string]interface{}{"checked": res.Checked, "found": len(res.Found)})
	if err != nil {
		b.Failed(err)
	}

	b.Log(req.Context())
}
