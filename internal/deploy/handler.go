package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// StatusUnknownSlug is the WebSocket close code sent when a session targets
// a slug with no deployed bundle.
const StatusUnknownSlug = 4404

// maxDeployBody bounds the /deploy request body.
const maxDeployBody = 16 << 20

// SessionStarter runs one voice session over an accepted WebSocket. The app
// layer implements it by wiring the worker's agent and env to providers.
type SessionStarter interface {
	StartSession(ctx context.Context, w *Worker, conn *websocket.Conn) error
}

// Handler exposes the registry over HTTP: the deploy endpoint, the per-slug
// browser pages, and the session WebSocket route.
type Handler struct {
	registry *Registry
	sessions SessionStarter
	log      *slog.Logger

	// defaultSlug answers bare /session requests that carry no slug.
	defaultSlug string
}

// HandlerOption is a functional option for Handler.
type HandlerOption func(*Handler)

// WithDefaultSlug routes bare /session requests (no path or query slug) to
// the named agent. Used in single-agent mode.
func WithDefaultSlug(slug string) HandlerOption {
	return func(h *Handler) { h.defaultSlug = slug }
}

// NewHandler creates a Handler. sessions may be nil only if the session
// route is never mounted.
func NewHandler(registry *Registry, sessions SessionStarter, log *slog.Logger, opts ...HandlerOption) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{registry: registry, sessions: sessions, log: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the deploy routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /deploy", h.handleDeploy)
	mux.HandleFunc("GET /session", h.handleSession)
	mux.HandleFunc("GET /{slug}/", h.handlePage)
	mux.HandleFunc("GET /{slug}/client.js", h.handleClientJS)
	mux.HandleFunc("GET /{slug}/session", h.handleSession)
}

func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var b Bundle
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDeployBody))
	if err := dec.Decode(&b); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.registry.Deploy(r.Context(), b); err != nil {
		if errors.Is(err, ErrInvalidBundle) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.log.Error("deploy failed", slog.String("slug", b.Slug), slog.Any("error", err))
		http.Error(w, "deploy failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"ok":true}`)
}

func (h *Handler) handlePage(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if _, err := h.registry.ClientSource(slug); err != nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!doctype html>
<html>
<head><meta charset="utf-8"><title>%s</title></head>
<body>
<script src="/%s/client.js"></script>
</body>
</html>
`, slug, slug)
}

func (h *Handler) handleClientJS(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	src, err := h.registry.ClientSource(slug)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	fmt.Fprint(w, src)
}

// handleSession accepts the WebSocket first so an unknown slug can be
// reported with a close code the client observes, then hands the connection
// to the session layer.
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")
	if slug == "" {
		slug = r.URL.Query().Get("slug")
	}
	if slug == "" {
		slug = h.defaultSlug
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("websocket accept failed", slog.Any("error", err))
		return
	}

	worker, err := h.registry.Resolve(slug)
	if err != nil {
		conn.Close(websocket.StatusCode(StatusUnknownSlug), "unknown agent")
		return
	}

	if err := h.sessions.StartSession(r.Context(), worker, conn); err != nil {
		h.log.Error("session ended with error",
			slog.String("slug", slug), slog.Any("error", err))
	}
	conn.Close(websocket.StatusNormalClosure, "")
}
