package routes

import (
	"context"
	"net/http"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/storage"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

// Calls is satisfied by *call.Manager.
type Calls interface {
	Open(conversationID string, recipient call.Peer) (*call.Session, error)
	Get(conversationID string) (*call.Session, bool)
	Sessions() []*call.Session
}

// History is satisfied by *storage.DB.
type History interface {
	ListCallLogs(ctx context.Context, conversationID string, limit int) ([]storage.CallLogRow, error)
}

type Deps struct {
	Calls   Calls
	History History      // optional
	Logs    Logs         // optional
	Metrics http.Handler // optional
	SelfID  func() string
}

func Register(mux *http.ServeMux, d Deps) {
	registerAPILogRoutes(mux, d)
	registerCallRoutes(mux, d)

	handleGet(mux, "/api/self", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"id": safeCall(d.SelfID)})
	})
	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}
}
