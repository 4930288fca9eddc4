package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"illustpub/internal/config"
	mw "illustpub/internal/middleware"
	"illustpub/internal/ws"
)

// NewRouter wires the API, the websocket endpoint and the static media
// routes behind the shared middleware stack.
func NewRouter(cfg *config.Config, api *API, hub *ws.Hub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(mw.CorsMiddleware(cfg.Server.CORSOrigins))

	// Static files
	r.Handle("/media/*", http.StripPrefix("/media/",
		http.FileServer(http.Dir(cfg.Paths.MediaDir))))
	r.Get("/previews/{name}", PreviewHandler(cfg.Paths.PreviewDir))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/api/v1", api.Routes)

	if hub != nil {
		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			ws.HandleWebSocket(hub, w, r)
		})
	}
	return r
}
