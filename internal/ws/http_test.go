package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/store"
)

func newHistoryFixture(t *testing.T) (*HistoryHandler, *auth.JWTGateway) {
	t.Helper()

	gw := auth.NewJWTGateway(testSecret)
	messages := store.NewMemory()
	ctx := context.Background()
	for _, m := range []store.Message{
		{Sender: "alice", Recipient: "bob", Text: "one"},
		{Sender: "bob", Recipient: "alice", Text: "two"},
		{Sender: "alice", Recipient: "carol", Text: "elsewhere"},
		{Sender: "alice", Recipient: "bob", Text: "three"},
	} {
		_, err := messages.CreateMessage(ctx, m)
		require.NoError(t, err)
	}
	return NewHistoryHandler(gw, messages, "token", zerolog.Nop()), gw
}

func historyRequest(t *testing.T, gw *auth.JWTGateway, userID, peer, query string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/messages/"+peer+query, nil)
	r.SetPathValue("userId", peer)
	if userID != "" {
		tok, err := gw.Sign(auth.Identity{UserID: userID, Username: userID})
		require.NoError(t, err)
		r.AddCookie(&http.Cookie{Name: "token", Value: tok})
	}
	return r
}

func TestHistoryHandler_ReturnsConversation(t *testing.T) {
	h, gw := newHistoryFixture(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, historyRequest(t, gw, "alice", "bob", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got []store.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 3)
	assert.Equal(t, "one", got[0].Text)
	assert.Equal(t, "two", got[1].Text)
	assert.Equal(t, "three", got[2].Text)
}

func TestHistoryHandler_Limit(t *testing.T) {
	h, gw := newHistoryFixture(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, historyRequest(t, gw, "bob", "alice", "?limit=2"))

	require.Equal(t, http.StatusOK, rec.Code)
	var got []store.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Text)
	assert.Equal(t, "three", got[1].Text)
}

func TestHistoryHandler_EmptyConversationIsArray(t *testing.T) {
	h, gw := newHistoryFixture(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, historyRequest(t, gw, "bob", "carol", ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestHistoryHandler_Rejections(t *testing.T) {
	h, gw := newHistoryFixture(t)

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"no cookie", historyRequest(t, gw, "", "bob", ""), http.StatusUnauthorized},
		{"bad limit", historyRequest(t, gw, "alice", "bob", "?limit=abc"), http.StatusBadRequest},
		{"negative limit", historyRequest(t, gw, "alice", "bob", "?limit=-1"), http.StatusBadRequest},
	}

	forged := historyRequest(t, gw, "", "bob", "")
	forged.AddCookie(&http.Cookie{Name: "token", Value: "forged"})
	tests = append(tests, struct {
		name string
		req  *http.Request
		want int
	}{"forged token", forged, http.StatusUnauthorized})

	post := historyRequest(t, gw, "alice", "bob", "")
	post.Method = http.MethodPost
	tests = append(tests, struct {
		name string
		req  *http.Request
		want int
	}{"wrong method", post, http.StatusMethodNotAllowed})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestCORS(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := CORS("http://localhost:5173", next)

	t.Run("preflight", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodOptions, "/messages/bob", nil)
		r.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("foreign origin", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/messages/bob", nil)
		r.Header.Set("Origin", "http://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)

		assert.Equal(t, http.StatusTeapot, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestUploads(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1700000000000.txt"), []byte("hello"), 0o644))
	h := Uploads("/uploads/", dir)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/1700000000000.txt", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/uploads/missing.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
