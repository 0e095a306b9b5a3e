package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"gwi.com/gemini-chat/internal/auth"
	"gwi.com/gemini-chat/internal/core"
	"gwi.com/gemini-chat/internal/store"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type APIHandler struct {
	identity    *core.IdentityService
	chatService *core.ChatService
	db          Pinger
}

func NewAPIHandler(identity *core.IdentityService, cs *core.ChatService, db Pinger) *APIHandler {
	return &APIHandler{identity: identity, chatService: cs, db: db}
}

// JWTAuthMiddleware accepts the token from the Authorization header or, for
// websocket upgrades that cannot set headers, from the token query parameter.
func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		email, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		exists, err := h.identity.Exists(r.Context(), email)
		if err != nil {
			log.Printf("Error in JWTAuthMiddleware for user %s: %v", email, err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if !exists {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithEmail(r.Context(), email)))
	})
}

func bearerToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

type RegisterRequest struct {
	Email    string `json:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.identity.Register(r.Context(), req.Email, req.Name, req.Password)
	if err != nil {
		log.Printf("Error registering user %s: %v", req.Email, err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, "Email and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.identity.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		log.Printf("Error getting user %s: %v", req.Email, err)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}
	if user == nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(user.Email)
	if err != nil {
		log.Printf("Error generating JWT for user %s: %v", user.Email, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"token": token, "user": user})
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	email, _ := auth.EmailFromContext(r.Context())

	chats, err := h.chatService.Summaries(r.Context(), email)
	if err != nil {
		log.Printf("Error listing chats for user %s: %v", email, err)
		http.Error(w, "Failed to list chats", http.StatusInternalServerError)
		return
	}
	if chats == nil {
		chats = []store.Exchange{}
	}
	writeJSON(w, http.StatusOK, chats)
}

type GetChatResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []store.Exchange `json:"messages"`
}

func (h *APIHandler) GetChatHandler(w http.ResponseWriter, r *http.Request) {
	email, _ := auth.EmailFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	messages, err := h.chatService.History(r.Context(), sessionID, email)
	if err != nil {
		log.Printf("Error getting chat %s for user %s: %v", sessionID, email, err)
		http.Error(w, "Failed to get chat details", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		http.Error(w, "Chat not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, GetChatResponse{SessionID: sessionID, Messages: messages})
}

func (h *APIHandler) ClearChatsHandler(w http.ResponseWriter, r *http.Request) {
	email, _ := auth.EmailFromContext(r.Context())

	removed, err := h.chatService.ClearHistory(r.Context(), email)
	if err != nil {
		log.Printf("Error clearing chats for user %s: %v", email, err)
		http.Error(w, "Failed to clear chats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		log.Printf("Health check failed: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	reason := "Internal server error"
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		reason = coreErr.Reason
		switch {
		case errors.Is(err, store.ErrDuplicateEmail):
			status = http.StatusConflict
		case coreErr.Code == core.ErrorValidation:
			status = http.StatusBadRequest
		}
	}
	http.Error(w, reason, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
