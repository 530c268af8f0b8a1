// Package adapter implements the adapter service: the operations of one chain adapter served over HTTP at
// /v1/adapter/*, plus /health and /metrics. Remote adapters (lib/chain/remote) are its clients.
package adapter

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/fanengagement/chainadp/lib/apikey"
	"github.com/fanengagement/chainadp/lib/chain"
	"github.com/fanengagement/chainadp/lib/chain/remote"
	"github.com/fanengagement/chainadp/lib/metrics"
	"github.com/fanengagement/chainadp/lib/rest"
)

// Service serves one chain adapter.
type Service struct {
	a    chain.Adapter
	keys *apikey.Keys
	log  zerolog.Logger
}

// New returns the service for a, normally wrapped by the resilience policy.
func New(a chain.Adapter, keys *apikey.Keys, log zerolog.Logger) *Service {
	return &Service{a: a, keys: keys, log: log.With().Str("component", "adapter").Str("adapter", a.Name()).Logger()}
}

// Handler returns the API routes. /health and /metrics are served without API key.
func (s *Service) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(metrics.Instrument, rest.Logger(s.log))
	r.MethodNotAllowedHandler = http.HandlerFunc(rest.MethodNotAllowed)

	r.HandleFunc(remote.PathHealth, s.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1/adapter").Subrouter()
	v1.MethodNotAllowedHandler = r.MethodNotAllowedHandler
	v1.Use(s.keys.Middleware)
	v1.HandleFunc("/mints", s.mintHandler).Methods(http.MethodPost)
	v1.HandleFunc("/issuances", s.issueHandler).Methods(http.MethodPost)
	v1.HandleFunc("/commits", s.commitHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transactions/{signature}", s.txStatusHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{address}", s.accountHandler).Methods(http.MethodGet)
	v1.HandleFunc("/commitments/{signature}", s.commitmentHandler).Methods(http.MethodGet)

	return r
}
