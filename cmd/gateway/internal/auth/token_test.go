package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifier_RoundTrip(t *testing.T) {
	v := NewVerifier("secret", "auth-svc")
	token, err := v.Issue(Identity{TenantID: "t1", UserID: "u1", Role: "trader"}, time.Minute)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{TenantID: "t1", UserID: "u1", Role: "trader"}, id)
}

func TestVerifier_Rejects(t *testing.T) {
	v := NewVerifier("secret", "auth-svc")

	_, err := v.Verify("")
	assert.True(t, errors.Is(err, ErrMissingToken))

	_, err = v.Verify("not-a-jwt")
	assert.True(t, errors.Is(err, ErrInvalidToken))

	other := NewVerifier("other-secret", "auth-svc")
	forged, _ := other.Issue(Identity{TenantID: "t1", UserID: "u1", Role: "admin"}, time.Minute)
	_, err = v.Verify(forged)
	assert.True(t, errors.Is(err, ErrInvalidToken), "wrong signature must be rejected")

	wrongIssuer, _ := NewVerifier("secret", "someone-else").Issue(Identity{TenantID: "t1", UserID: "u1", Role: "trader"}, time.Minute)
	_, err = v.Verify(wrongIssuer)
	assert.True(t, errors.Is(err, ErrInvalidToken))

	noTenant, _ := v.Issue(Identity{UserID: "u1", Role: "trader"}, time.Minute)
	_, err = v.Verify(noTenant)
	assert.True(t, errors.Is(err, ErrInvalidToken))
}

func TestVerifier_Expired(t *testing.T) {
	v := NewVerifier("secret", "")
	v.now = func() time.Time { return time.Now().Add(-time.Hour) }
	token, err := v.Issue(Identity{TenantID: "t1", UserID: "u1", Role: "trader"}, time.Minute)
	require.NoError(t, err)

	v.now = time.Now
	_, err = v.Verify(token)
	assert.True(t, errors.Is(err, ErrExpiredToken))
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=abc", nil)
	assert.Equal(t, "abc", TokenFromRequest(r))

	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", TokenFromRequest(r))
}
