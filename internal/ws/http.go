package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/store"
)

// HistoryHandler serves GET /messages/{userId}: the conversation between the
// caller, identified by the token cookie, and userId, oldest first.
type HistoryHandler struct {
	auth    auth.Gateway
	store   store.MessageStore
	cookie  string
	timeout time.Duration
	log     zerolog.Logger
}

// NewHistoryHandler creates a HistoryHandler. The route pattern must bind the
// path value "userId".
func NewHistoryHandler(gw auth.Gateway, messages store.MessageStore, cookie string, log zerolog.Logger) *HistoryHandler {
	return &HistoryHandler{
		auth:    gw,
		store:   messages,
		cookie:  cookie,
		timeout: 10 * time.Second,
		log:     log,
	}
}

func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token := auth.TokenFromRequest(r, h.cookie)
	if token == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	me, err := h.auth.Verify(r.Context(), token)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	other := strings.TrimSpace(r.PathValue("userId"))
	if other == "" {
		writeJSONError(w, http.StatusBadRequest, "userId is required")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	msgs, err := h.store.History(ctx, me.UserID, other, store.EffectiveLimit(limit))
	if err != nil {
		h.log.Error().Err(err).Str("user", me.UserID).Str("peer", other).Msg("history query failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(msgs)
}

// CORS allows credentialed requests from a single browser origin.
func CORS(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin != "" && r.Header.Get("Origin") == origin {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Uploads serves stored attachments under prefix. Directory listings are
// refused.
func Uploads(prefix, dir string) http.Handler {
	files := http.StripPrefix(prefix, http.FileServer(http.Dir(dir)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
