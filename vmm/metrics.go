package vmm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/bobuhiro11/govisor/metrics"
	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

// ServeMetrics exposes the prometheus registry on ln until ctx is done.
func ServeMetrics(ctx context.Context, ln net.Listener, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		_ = srv.Shutdown(sctx)
	}()

	log.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
