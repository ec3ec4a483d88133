package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify_RoundTrip(t *testing.T) {
	gw := NewJWTGateway("secret")
	tok, err := gw.Sign(Identity{UserID: "alice", Username: "Alice"})
	require.NoError(t, err)

	id, err := gw.Verify(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "alice", Username: "Alice"}, id)
}

func TestVerify_WrongSecret(t *testing.T) {
	tok, err := NewJWTGateway("other").Sign(Identity{UserID: "alice"})
	require.NoError(t, err)

	_, err = NewJWTGateway("secret").Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Empty(t *testing.T) {
	_, err := NewJWTGateway("secret").Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Expired(t *testing.T) {
	claims := Claims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewJWTGateway("secret").Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_MissingUserID(t *testing.T) {
	gw := NewJWTGateway("secret")
	tok, err := gw.Sign(Identity{Username: "ghost"})
	require.NoError(t, err)

	_, err = gw.Verify(context.Background(), tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Cookie", "theme=dark; token=abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", TokenFromRequest(r, "token"))

	r = httptest.NewRequest("GET", "/ws", nil)
	assert.Equal(t, "", TokenFromRequest(r, "token"))
}
