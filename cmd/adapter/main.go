// Package main: adapter service.
//
// The adapter service serves one configured chain adapter (config "serve", or --adapter) over http for the syncers
// that reach it with a remote adapter. Its calls go through the same resilience policy as in-process adapters.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/tarancss/hd"

	"github.com/fanengagement/chainadp/adapter"
	"github.com/fanengagement/chainadp/lib/apikey"
	"github.com/fanengagement/chainadp/lib/chain"
	"github.com/fanengagement/chainadp/lib/chain/resilience"
	"github.com/fanengagement/chainadp/lib/config"
	"github.com/fanengagement/chainadp/lib/logger"
	"github.com/fanengagement/chainadp/lib/rest"
)

const (
	stopTimeout = 10 * time.Second
	monitorAddr = ":9100"
)

func main() {
	var (
		confPath string
		serve    string
		monitor  bool
	)

	cmd := &cobra.Command{
		Use:   "adapter",
		Short: "Serve one chain adapter over http",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), confPath, serve, monitor)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&confPath, "config", "c", "", "configuration file (json or yaml)")
	cmd.Flags().StringVarP(&serve, "adapter", "a", "", "adapter to serve, overrides the configuration")
	cmd.Flags().BoolVarP(&monitor, "monitor", "m", false, "also serve Prometheus metrics at "+monitorAddr)

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, confPath, serve string, monitor bool) error {
	conf, err := config.ExtractConfiguration(confPath)
	if err != nil {
		return err
	}

	if serve != "" {
		conf.Serve = serve
	}

	log := logger.New(conf.Log).With().Str("service", "adapter").Str("adapter", conf.Serve).Logger()

	ac, err := conf.Adapter(conf.Serve)
	if err != nil {
		return err
	}
	// a remote adapter would call another adapter service
	if ac.Kind == chain.KindRemote {
		return fmt.Errorf("%w: adapter %s is remote and cannot be served", config.ErrBadConfig, ac.Name)
	}

	// load HD wallet
	var hdw *hd.HdWallet

	if conf.Seed != "" {
		seed, errS := hex.DecodeString(conf.Seed)
		if errS != nil {
			return fmt.Errorf("hdseed is not hex: %w", errS)
		}

		if hdw, err = hd.Init(seed); err != nil {
			return err
		}
	}

	cfgs := []config.AdapterConfig{ac}

	raw, err := chain.Init(cfgs, hdw, log)
	if err != nil {
		return err
	}

	a := resilience.WrapAll(raw, cfgs, resilience.PolicyFrom(conf.Resilience), log)[ac.Name]
	defer a.Close()

	log.Info().Str("kind", ac.Kind).Strs("nodes", ac.Nodes).Msg("chain adapter loaded")

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

	srv := rest.NewServer(adapter.New(a, apikey.New(conf.APIKeys), log).Handler(), conf.Endpoint, conf.Port,
		conf.SSLPort, log)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info().Msg("stopping adapter service")

		sctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()

		srv.Shutdown(sctx)
	}()

	err = srv.Serve(conf.SSLCert, conf.SSLKey)
	log.Info().Err(err).Msg("adapter service stopped")

	return err
}
