package rest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

const timeout = 15 * time.Second

// Server runs the http server and, when a certificate is configured, the https server of a service.
type Server struct {
	s   *http.Server // http server
	ss  *http.Server // https server
	sc  chan struct{}
	log zerolog.Logger
}

// NewServer returns a server for h. Empty ports disable the matching listener.
func NewServer(h http.Handler, endpoint, port, sslPort string, log zerolog.Logger) *Server {
	srv := &Server{sc: make(chan struct{}), log: log}

	if port != "" {
		srv.s = &http.Server{
			Handler:      h,
			Addr:         endpoint + ":" + port,
			ReadTimeout:  timeout,
			WriteTimeout: 0, // exports stream for longer
			IdleTimeout:  4 * timeout,
		}
	}

	if sslPort != "" {
		srv.ss = &http.Server{
			Handler:     h,
			Addr:        endpoint + ":" + sslPort,
			ReadTimeout: timeout,
			IdleTimeout: 4 * timeout,
		}
	}

	return srv
}

// Serve starts the listeners and blocks until Shutdown has finished. It returns the first listener error.
func (srv *Server) Serve(sslCert, sslKey string) error {
	errs := make(chan error, 2) //nolint:gomnd

	if srv.s != nil {
		go func() { errs <- srv.s.ListenAndServe() }()

		srv.log.Info().Str("addr", srv.s.Addr).Msg("listening to API http requests")
	}

	if srv.ss != nil && sslCert != "" && sslKey != "" {
		go func() { errs <- srv.ss.ListenAndServeTLS(sslCert, sslKey) }()

		srv.log.Info().Str("addr", srv.ss.Addr).Msg("listening to API https requests")
	}

	var first error

	for {
		select {
		case err := <-errs:
			if err != nil && !errors.Is(err, http.ErrServerClosed) && first == nil {
				first = err
				srv.log.Error().Err(err).Msg("http server failed")
			}
		case <-srv.sc:
			return first
		}
	}
}

// Shutdown stops the listeners gracefully.
func (srv *Server) Shutdown(ctx context.Context) {
	for _, s := range []*http.Server{srv.s, srv.ss} {
		if s == nil {
			continue
		}

		if err := s.Shutdown(ctx); err != nil {
			srv.log.Error().Err(err).Str("addr", s.Addr).Msg("error in http server shutdown")
		}
	}

	close(srv.sc)
}

// Logger logs every request at debug level.
func Logger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(rw, r)
			log.Debug().Str("remote", r.RemoteAddr).Str("method", r.Method).Str("uri", r.RequestURI).
				Dur("took", time.Since(start)).Msg("httpreq")
		})
	}
}
