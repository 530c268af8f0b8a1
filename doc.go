// Package chainadp and its sub-packages implement the services that mirror governance events of the core platform on
// blockchains.
/*
chainadp provides two microservices:

1) a syncer microservice (packages router, reconcile and audit) that turns governance events into chain calls,
 verifies the chain against its records and keeps a tamper-evident audit trail.

2) an adapter microservice (package adapter) that serves one chain adapter over HTTP so that syncers can reach chains
 they do not connect to directly.

Architecture

The core platform commits a governance event to its own database and publishes it to the message broker, or posts it
to the syncer. The event router (package router) stores one sync task per idempotency key and replies at once; workers
later perform the chain call through the adapter selected by the organization's chain config. Failed calls are retried
in background with exponential backoff and never block the caller. A poller follows submitted transactions until they
are confirmed.

A chain layer (package lib/chain) defines the Adapter interface, implemented for Solana, Polygon, a no-op chain and
remote adapter services. Every adapter is wrapped by the resilience layer (lib/chain/resilience): per call timeout,
retries with backoff on transient errors and a circuit breaker per adapter.

The reconciler (package reconcile) periodically reads mints and commitments back from chain and compares them with
the recorded mints and payload hashes. Each mismatch is stored once as a discrepancy, raises an alert on the broker and
is audited. Operators acknowledge and resolve discrepancies through the API.

Every state change is written to the audit log (package audit): an append-only, hash-chained sequence of events per
organization, queried, verified and exported through the API.

The system of record (package lib/store) and the audit log have database product agnostic interfaces, implemented for
PostgreSQL, MongoDB and SQLite. The message broker (package lib/msg) is implemented for AMQP. All services are
configured via a JSON or YAML file overridden by CHAINADP_* environment variables (package lib/config).

Syncer

The syncer can be started running cmd/syncer/main.go. Its API is served under /v1 and requires an X-API-Key; /health
and /metrics are public.

Adapter

The adapter service can be started running cmd/adapter/main.go with the name of the adapter to serve. Syncers reach
it by configuring an adapter of kind "remote" with its url and key.

Both services expose Prometheus metrics at /metrics, and also at :9100 when started with the "-m" flag.
*/
package chainadp
