package router

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fanengagement/chainadp/lib/apikey"
	"github.com/fanengagement/chainadp/lib/chain"
	"github.com/fanengagement/chainadp/lib/chain/types"
	"github.com/fanengagement/chainadp/lib/metrics"
	mtypes "github.com/fanengagement/chainadp/lib/msg/types"
	"github.com/fanengagement/chainadp/lib/rest"
	"github.com/fanengagement/chainadp/lib/store"
)

// API registers handlers on the authenticated /v1 router of the syncer.
type API interface {
	Routes(r *mux.Router)
}

// NewHandler returns the syncer http routes: /health and /metrics without API key, and every api under /v1.
func NewHandler(keys *apikey.Keys, health func(context.Context) error, log zerolog.Logger, apis ...API) http.Handler {
	r := mux.NewRouter()
	r.Use(metrics.Instrument, rest.Logger(log))
	r.MethodNotAllowedHandler = http.HandlerFunc(rest.MethodNotAllowed)

	r.HandleFunc("/health", func(rw http.ResponseWriter, req *http.Request) {
		if err := health(req.Context()); err != nil {
			rest.Reply(rw, http.StatusServiceUnavailable, nil, err)

			return
		}

		rest.Reply(rw, 0, map[string]string{"status": "ok"}, nil)
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.MethodNotAllowedHandler = r.MethodNotAllowedHandler
	v1.Use(keys.Middleware)

	for _, a := range apis {
		a.Routes(v1)
	}

	return r
}

// allowed fails with rest.ErrForbidden when the caller may not act on orgID.
func allowed(r *http.Request, orgID string) error {
	if p, ok := apikey.FromContext(r.Context()); ok && !p.Allowed(orgID) {
		return rest.ErrForbidden
	}

	return nil
}

// Routes registers the event intake, task and chain config handlers.
func (r *Router) Routes(mr *mux.Router) {
	mr.HandleFunc("/events", r.eventHandler).Methods(http.MethodPost)
	mr.HandleFunc("/tasks/{idempotencyKey}", r.taskHandler).Methods(http.MethodGet)
	mr.HandleFunc("/organizations/{orgId}/chain-config", r.getConfigHandler).Methods(http.MethodGet)
	mr.HandleFunc("/organizations/{orgId}/chain-config", r.putConfigHandler).Methods(http.MethodPut)
}

// TaskReply is the body of event and task replies.
type TaskReply struct {
	Task    store.SyncTask `json:"task"`
	TxRef   *types.TxRef   `json:"txRef,omitempty"`
	Created bool           `json:"created"`
}

// eventHandler accepts a governance event. The reply is 202 for new and repeated events alike.
func (r *Router) eventHandler(rw http.ResponseWriter, req *http.Request) {
	var (
		err     error
		e       mtypes.DomainEvent
		t       store.SyncTask
		created bool
	)

	defer func() {
		if err != nil {
			rest.Reply(rw, 0, nil, err)

			return
		}

		rest.Reply(rw, http.StatusAccepted, TaskReply{Task: t, TxRef: t.TxRef(), Created: created}, nil)
	}()

	if err = rest.Decode(req, &e); err != nil {
		return
	}

	if err = allowed(req, e.OrgID); err != nil {
		return
	}

	if t, created, err = r.Dispatch(req.Context(), e); err != nil && !types.IsPermanent(err) {
		r.log.Error().Err(err).Str("key", e.IdempotencyKey).Msg("cannot dispatch event")
	}
}

func (r *Router) taskHandler(rw http.ResponseWriter, req *http.Request) {
	var (
		err error
		t   store.SyncTask
	)

	defer func() { rest.Reply(rw, 0, TaskReply{Task: t, TxRef: t.TxRef()}, err) }()

	if t, err = r.db.GetTask(req.Context(), mux.Vars(req)["idempotencyKey"]); err != nil {
		return
	}

	err = allowed(req, t.OrgID)
}

func (r *Router) getConfigHandler(rw http.ResponseWriter, req *http.Request) {
	c, err := r.db.GetChainConfig(req.Context(), mux.Vars(req)["orgId"])
	rest.Reply(rw, 0, c, err)
}

// ChainConfigRequest selects the chain of an organization. An empty adapter picks the first adapter configured for
// the chain.
type ChainConfigRequest struct {
	Chain   types.Chain `json:"chain"`
	Adapter string      `json:"adapter,omitempty"`
	Signer  string      `json:"signer,omitempty"`
}

// resolve validates req against the configured adapters.
func (r *Router) resolve(orgID string, req ChainConfigRequest) (store.ChainConfig, error) {
	c := store.ChainConfig{OrgID: orgID, Chain: req.Chain, Adapter: req.Adapter, Signer: req.Signer}

	switch req.Chain {
	case types.ChainNone:
		return c, nil
	case types.ChainSolana, types.ChainPolygon:
	default:
		return c, types.Invalidf("unsupported chain %q", req.Chain)
	}

	if c.Adapter == "" {
		for name, kind := range r.kinds {
			if chain.ChainOf(kind) == req.Chain && (c.Adapter == "" || name < c.Adapter) {
				c.Adapter = name
			}
		}

		if c.Adapter == "" {
			return c, types.Invalidf("no adapter configured for chain %s", req.Chain)
		}
	}

	kind, ok := r.kinds[c.Adapter]
	if _, running := r.adapters[c.Adapter]; !ok || !running {
		return c, types.Invalidf("adapter %q is not configured", c.Adapter)
	}
	// remote adapters may serve any chain
	if kind != chain.KindRemote && chain.ChainOf(kind) != req.Chain {
		return c, types.Invalidf("adapter %q does not serve chain %s", c.Adapter, req.Chain)
	}

	return c, nil
}

// putConfigHandler selects the chain of an organization. Switching chain leaves mints and tasks untouched.
func (r *Router) putConfigHandler(rw http.ResponseWriter, req *http.Request) {
	var (
		err  error
		body ChainConfigRequest
		c    store.ChainConfig
	)

	defer func() { rest.Reply(rw, 0, c, err) }()

	if err = rest.Decode(req, &body); err != nil {
		return
	}

	org := mux.Vars(req)["orgId"]
	if c, err = r.resolve(org, body); err != nil {
		return
	}

	before, berr := r.db.GetChainConfig(req.Context(), org)

	if err = r.db.SaveChainConfig(req.Context(), c); err != nil {
		r.log.Error().Err(err).Str("org", org).Msg("cannot save chain config")

		return
	}

	if c, err = r.db.GetChainConfig(req.Context(), org); err != nil {
		return
	}

	actor := "unknown"
	if p, ok := apikey.FromContext(req.Context()); ok {
		actor = p.Name
	}

	b := r.audit.New("chain_config.updated").Actor(actor).Org(org).Resource("chain_config", org).After(c)
	if berr == nil {
		b.Before(before)
	}

	b.Log(req.Context())
}
