// Package viewer serves the local HTTP API of a peer: call control, the call
// event stream, call history, logs and metrics.
package viewer

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

const shutdownTimeout = 5 * time.Second

type Viewer struct {
	Calls   routes.Calls
	History routes.History // optional
	Logs    *LogBuffer     // optional
	Metrics http.Handler   // optional
	SelfID  func() string
}

// Handler builds the viewer's routes. API responses are never cached.
func (v Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	deps := routes.Deps{
		Calls:   v.Calls,
		History: v.History,
		Metrics: v.Metrics,
		SelfID:  v.SelfID,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(mux, deps)
	return noCache(mux)
}

// Start serves the viewer on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return Serve(ctx, ln, v)
}

func Serve(ctx context.Context, ln net.Listener, v Viewer) error {
	srv := &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with ctx instead of outliving Shutdown.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Infow("viewer listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
