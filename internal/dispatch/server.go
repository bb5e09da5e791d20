package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/spacemonkeygo/monkit/v3/present"
	"go.uber.org/zap"
)

// Handler serves the liveness and status endpoints. The process metrics
// are mounted under /mon/: /mon/stats/text lists every counter and timer
// (tasks_launched, tasks_finished, tasks_failed, jobs_running and the
// segment and store task timings), /mon/ps lists the in-flight spans.
func (d *Dispatcher) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(d.Status()); err != nil {
			d.log.Warn("write status", zap.Error(err))
		}
	}).Methods(http.MethodGet)
	r.PathPrefix("/mon/").Handler(http.StripPrefix("/mon", present.HTTP(monkit.Default)))
	return r
}

func (d *Dispatcher) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              d.opts.StatusAddr,
		Handler:           d.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	d.log.Info("status endpoint listening", zap.String("addr", d.opts.StatusAddr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.New("status endpoint: %w", err)
	}
}
