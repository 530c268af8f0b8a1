// Package main: syncer service.
//
// The syncer consumes governance events from the message broker and POST /v1/events, performs their chain calls
// through the configured adapters, reconciles the chain with its records and keeps the audit trail. Adapters of kind
// "remote" reach adapter services over http.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tarancss/hd"
	"golang.org/x/sync/errgroup"

	"github.com/fanengagement/chainadp/audit"
	"github.com/fanengagement/chainadp/lib/apikey"
	"github.com/fanengagement/chainadp/lib/chain"
	"github.com/fanengagement/chainadp/lib/chain/resilience"
	"github.com/fanengagement/chainadp/lib/config"
	"github.com/fanengagement/chainadp/lib/logger"
	"github.com/fanengagement/chainadp/lib/msg"
	"github.com/fanengagement/chainadp/lib/msg/amqp"
	"github.com/fanengagement/chainadp/lib/rest"
	"github.com/fanengagement/chainadp/lib/store"
	"github.com/fanengagement/chainadp/lib/store/db"
	"github.com/fanengagement/chainadp/reconcile"
	"github.com/fanengagement/chainadp/router"
)

const (
	brokerRetry   = 10 * time.Second
	stopTimeout   = 30 * time.Second
	monitorAddr   = ":9100"
	healthKey     = "health-check"
	healthTimeout = 5 * time.Second
)

func main() {
	var (
		confPath string
		monitor  bool
	)

	cmd := &cobra.Command{
		Use:   "syncer",
		Short: "Governance event router, reconciliation and audit service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), confPath, monitor)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&confPath, "config", "c", "", "configuration file (json or yaml)")
	cmd.Flags().BoolVarP(&monitor, "monitor", "m", false, "also serve Prometheus metrics at "+monitorAddr)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, confPath string, monitor bool) error {
	conf, err := config.ExtractConfiguration(confPath)
	if err != nil {
		return err
	}

	log := logger.New(conf.Log).With().Str("service", router.Service).Logger()
	log.Info().Str("dbtype", conf.DBType).Str("auditdbtype", conf.AuditDBType).Str("mbtype", conf.MbType).
		Int("adapters", len(conf.Adapters)).Msg("configuration loaded")

	// connect to databases
	dbConn, err := db.New(conf.DBType, conf.DBConn)
	if err != nil {
		return fmt.Errorf("cannot connect to database: %w", err)
	}
	defer dbConn.Close()

	auditConn, err := db.NewAudit(conf.AuditDBType, conf.AuditDBConn)
	if err != nil {
		return fmt.Errorf("cannot connect to audit database: %w", err)
	}
	defer auditConn.Close()

	// load message broker
	mb, err := broker(conf, log)
	if err != nil {
		return err
	}

	if mb != nil {
		defer func() {
			if errClose := mb.Close(); errClose != nil {
				log.Error().Err(errClose).Msg("error closing message broker")
			}
		}()
	}

	// load chain adapters behind the resilience policy
	hdw, err := wallet(conf.Seed)
	if err != nil {
		return err
	}

	raw, err := chain.Init(conf.Adapters, hdw, log)
	if err != nil {
		return err
	}

	adapters := resilience.WrapAll(raw, conf.Adapters, resilience.PolicyFrom(conf.Resilience), log)

	defer func() {
		for _, a := range adapters {
			a.Close()
		}
	}()

	log.Info().Int("adapters", len(adapters)).Msg("chain adapters loaded")

	al := audit.NewLogger(auditConn, conf.Audit, log)
	rt := router.New(dbConn, mb, adapters, al, conf, log)
	rc := reconcile.New(dbConn, nil, mb, adapters, al, conf.Reconcile, log)

	h := router.NewHandler(apikey.New(conf.APIKeys), health(dbConn), log, rt, rc, audit.NewAPI(al, conf.Audit, log))
	srv := rest.NewServer(h, conf.Endpoint, conf.Port, conf.SSLPort, log)

	if monitor {
		go func() {
			log.Info().Str("addr", monitorAddr).Msg("serving metrics API")

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())

			if errM := http.ListenAndServe(monitorAddr, mux); errM != nil { //nolint:gosec
				log.Error().Err(errM).Msg("metrics server failed")
			}
		}()
	}

	// capture CTRL+C or docker's SIGTERM for gracious exit
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.Run(gctx) })
	g.Go(func() error {
		rc.Run(gctx)

		return nil
	})
	g.Go(func() error { return srv.Serve(conf.SSLCert, conf.SSLKey) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("stopping syncer")

		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		srv.Shutdown(sctx)

		return nil
	})

	err = g.Wait()

	// pending async audit events are written before exit
	sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if errClose := al.Close(sctx); errClose != nil {
		log.Error().Err(errClose).Msg("audit queue not drained")
	}

	log.Info().Err(err).Msg("syncer stopped")

	return err
}

// broker connects to the message broker, retrying once after brokerRetry while it starts. An unknown type runs
// without broker: events then only arrive over http and no alerts are sent.
func broker(conf config.ServiceConfig, log zerolog.Logger) (msg.MsgBroker, error) {
	if conf.MbType != "amqp" {
		log.Warn().Str("mbtype", conf.MbType).Msg("unknown message broker type, running without broker")

		return nil, nil //nolint:nilnil
	}

	mb, err := amqp.New(conf.MbConn, log)
	if err != nil {
		time.Sleep(brokerRetry)

		if mb, err = amqp.New(conf.MbConn, log); err != nil {
			return nil, fmt.Errorf("cannot connect to message broker: %w", err)
		}
	}

	if err = mb.Setup(); err != nil {
		_ = mb.Close()

		return nil, fmt.Errorf("cannot set up message broker: %w", err)
	}

	return mb, nil
}

// wallet loads the HD wallet used by hd: signer references, if a seed is configured.
func wallet(seed string) (*hd.HdWallet, error) {
	if seed == "" {
		return nil, nil //nolint:nilnil
	}

	b, err := hex.DecodeString(seed)
	if err != nil {
		return nil, fmt.Errorf("hdseed is not hex: %w", err)
	}

	return hd.Init(b)
}

// health reports whether the database answers.
func health(dbConn store.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()

		if _, err := dbConn.GetChainConfig(ctx, healthKey); err != nil && !errors.Is(err, store.ErrDataNotFound) {
			return err
		}

		return nil
	}
}
