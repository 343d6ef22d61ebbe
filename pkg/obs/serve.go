package obs

import (
	"context"
	"net/http"

	"github.com/jpillora/requestlog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sammck-go/logger"
)

// ServeMetrics starts an HTTP server exposing the Prometheus registry at
// /metrics plus a trivial /healthz probe, with per-request logging when
// debug logging is enabled. It returns the running server once the listener
// is bound; the server stops when ctx is cancelled or StartShutdown is
// called on it.
func ServeMetrics(ctx context.Context, lg logger.Logger, addr string) (*HTTPServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	var h http.Handler = mux
	if lg.GetLogLevel() >= logger.LogLevelDebug {
		h = requestlog.Wrap(h)
	}

	srv := NewHTTPServer(lg)
	if err := srv.Start(ctx, addr, h); err != nil {
		return nil, err
	}
	return srv, nil
}
