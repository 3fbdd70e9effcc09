package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/goopcall/internal/call"
	"github.com/petervdpas/goopcall/internal/callview"
	"github.com/petervdpas/goopcall/internal/media"
)

var log = logging.Logger("viewer")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The viewer only listens on localhost; the UI may be served from a
	// file:// page or a dev server on another port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 5 * time.Second

type sessionFn func(w http.ResponseWriter, r *http.Request, sess *call.Session)

func registerCallRoutes(mux *http.ServeMux, d Deps) {
	if d.Calls == nil {
		return
	}

	// withSession resolves {conv} to an open session.
	withSession := func(fn sessionFn) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			sess, ok := d.Calls.Get(r.PathValue("conv"))
			if !ok {
				writeError(w, http.StatusNotFound, "conversation not open")
				return
			}
			fn(w, r, sess)
		}
	}

	// GET /api/call/sessions — every open conversation with its raw snapshot.
	handleGet(mux, "/api/call/sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := d.Calls.Sessions()
		snaps := make([]call.Snapshot, 0, len(sessions))
		for _, s := range sessions {
			snaps = append(snaps, s.Snapshot())
		}
		writeJSON(w, map[string]any{"session_count": len(snaps), "sessions": snaps})
	})

	// POST /api/call/{conv}/open — subscribe to the conversation's channel.
	handlePost(mux, "/api/call/{conv}/open", func(w http.ResponseWriter, r *http.Request, req struct {
		PeerID     string `json:"peer_id"`
		PeerName   string `json:"peer_name"`
		PeerAvatar string `json:"peer_avatar"`
	}) {
		if req.PeerID == "" {
			writeError(w, http.StatusBadRequest, "missing peer_id")
			return
		}
		sess, err := d.Calls.Open(r.PathValue("conv"), call.Peer{ID: req.PeerID, Name: req.PeerName, AvatarURL: req.PeerAvatar})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, callview.Build(sess.Snapshot(), time.Now()))
	})

	handleGet(mux, "/api/call/{conv}/state", withSession(func(w http.ResponseWriter, r *http.Request, sess *call.Session) {
		writeJSON(w, callview.Build(sess.Snapshot(), time.Now()))
	}))

	// GET /api/call/{conv}/stats — packet and PLI counters of the live peer
	// connection; active is false between calls.
	handleGet(mux, "/api/call/{conv}/stats", withSession(func(w http.ResponseWriter, r *http.Request, sess *call.Session) {
		stats, ok := sess.MediaStats()
		resp := map[string]any{"active": ok}
		if ok {
			resp["stats"] = stats
		}
		writeJSON(w, resp)
	}))

	handleGet(mux, "/api/call/{conv}/transitions", withSession(func(w http.ResponseWriter, r *http.Request, sess *call.Session) {
		writeJSON(w, sess.History())
	}))

	handlePost(mux, "/api/call/{conv}/start", func(w http.ResponseWriter, r *http.Request, req struct {
		Video bool `json:"video"`
	}) {
		withSession(func(w http.ResponseWriter, r *http.Request, sess *call.Session) {
			respond(w, sess, sess.StartCall(r.Context(), req.Video))
		})(w, r)
	})

	mux.HandleFunc("POST /api/call/{conv}/answer", withSession(func(w http.ResponseWriter, r *http.Request, sess *call.Session) {
		respond(w, sess, sess.AnswerCall(r.Context()))
	}))

	mux.HandleFunc("POST /api/call/{conv}/reject", withSession(func(w http.ResponseWriter, r *http.Request, sess *call.Session) {
		respond(w, sess, sess.RejectCall())
	}))

	mux.HandleFunc("POST /api/call/{conv}/hangup", withSession(func(w http.ResponseWriter, r *http.Request, sess *call.Session) {
		respond(w, sess, sess.HangUp())
	}))

	mux.HandleFunc("POST /api/call/{conv}/mute", withSession(func(w http.ResponseWriter, r *http.Request, sess *call.Session) {
		writeJSON(w, map[string]bool{"muted": sess.ToggleMute()})
	}))

	mux.HandleFunc("POST /api/call/{conv}/video", withSession(func(w http.ResponseWriter, r *http.Request, sess *call.Session) {
		writeJSON(w, map[string]bool{"video_enabled": sess.ToggleVideo()})
	}))

	// GET /api/call/{conv}/history — persisted call log rows, newest first.
	handleGet(mux, "/api/call/{conv}/history", func(w http.ResponseWriter, r *http.Request) {
		if d.History == nil {
			writeError(w, http.StatusNotImplemented, "call history not available")
			return
		}
		limit := atoiDefault(r.URL.Query().Get("limit"), 50)
		rows, err := d.History.ListCallLogs(r.Context(), r.PathValue("conv"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, rows)
	})

	// GET /api/call/{conv}/events — WebSocket: one callview.Model per change,
	// plus a tick per second while connected.
	handleGet(mux, "/api/call/{conv}/events", withSession(func(w http.ResponseWriter, r *http.Request, sess *call.Session) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnw("websocket upgrade", "conversation", sess.ConversationID(), "err", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Drain incoming frames so close and ping are processed.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for m := range callview.NewPresenter(sess).Subscribe(ctx) {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(m); err != nil {
				log.Debugw("websocket closed", "conversation", sess.ConversationID(), "err", err)
				return
			}
		}
	}))
}

// respond writes the session model, or maps err onto a status code.
func respond(w http.ResponseWriter, sess *call.Session, err error) {
	if err == nil {
		writeJSON(w, callview.Build(sess.Snapshot(), time.Now()))
		return
	}
	var de *media.DeviceError
	switch {
	case errors.As(err, &de):
		writeError(w, http.StatusUnprocessableEntity, de.UserMessage())
	case errors.Is(err, call.ErrBusy),
		errors.Is(err, call.ErrCallActive),
		errors.Is(err, call.ErrNotIdle),
		errors.Is(err, call.ErrNoIncomingCall):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled):
		writeError(w, http.StatusConflict, "call ended before it was set up")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
