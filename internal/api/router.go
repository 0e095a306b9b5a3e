package api

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Realtime serves the websocket endpoints.
type Realtime interface {
	ServeChat(w http.ResponseWriter, r *http.Request)
	ServeVoice(w http.ResponseWriter, r *http.Request)
}

func NewRouter(apiHandler *APIHandler, ws Realtime) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(redactToken)
	r.Use(middleware.Logger)       // Basic request logging
	r.Use(middleware.Recoverer)    // Recover from panics
	r.Use(middleware.StripSlashes) // Ensure consistent path handling

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/register", apiHandler.RegisterHandler)
		r.Post("/login", apiHandler.LoginHandler)
		r.Get("/health", apiHandler.HealthHandler)

		// User-authenticated routes
		r.Group(func(r chi.Router) {
			r.Use(apiHandler.JWTAuthMiddleware)

			r.Get("/chats", apiHandler.ListChatsHandler)
			r.Get("/chats/{sessionID}", apiHandler.GetChatHandler)
			r.Delete("/chats", apiHandler.ClearChatsHandler)
		})
	})

	r.Route("/ws", func(r chi.Router) {
		r.Use(apiHandler.JWTAuthMiddleware)

		r.Get("/chat", ws.ServeChat)
		r.Get("/voice", ws.ServeVoice)
	})

	return r
}

// redactToken masks the token query parameter in RequestURI so access logs
// never carry a live JWT. r.URL is left intact for JWTAuthMiddleware.
func redactToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if !q.Has("token") {
			next.ServeHTTP(w, r)
			return
		}
		q.Set("token", "REDACTED")

		redacted := r.WithContext(r.Context())
		redacted.RequestURI = (&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: q.Encode()}).RequestURI()
		next.ServeHTTP(w, redacted)
	})
}
