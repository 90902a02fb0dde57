package middleware

import (
	"context"
	"errors"
	"net/http"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/stretchr/testify/require"
)

type stubFirebaseVerifier struct {
	token *firebaseauth.Token
	err   error
}

func (s *stubFirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	return s.token, s.err
}

func TestFirebaseAuthenticatorSuccess(t *testing.T) {
	verifier := &stubFirebaseVerifier{
		token: &firebaseauth.Token{
			UID: "staff-123",
			Claims: map[string]interface{}{
				"email": "ops@example.com",
				"role":  []interface{}{"ops", "finance"},
			},
		},
	}

	auth := NewFirebaseAuthenticator(verifier)
	req, _ := http.NewRequest(http.MethodGet, "/", nil)

	user, err := auth.Authenticate(req, "good-token")
	require.NoError(t, err)
	require.Equal(t, "staff-123", user.UID)
	require.Equal(t, "ops@example.com", user.Email)
	require.Equal(t, []string{"ops", "finance"}, user.Roles)
	require.Equal(t, "good-token", user.Token)
}

func TestFirebaseAuthenticatorAdminClaim(t *testing.T) {
	verifier := &stubFirebaseVerifier{
		token: &firebaseauth.Token{
			UID:    "staff-1",
			Claims: map[string]interface{}{"admin": true, "roles": "support, ops"},
		},
	}
	req, _ := http.NewRequest(http.MethodGet, "/", nil)

	user, err := NewFirebaseAuthenticator(verifier).Authenticate(req, "tok")
	require.NoError(t, err)
	require.Equal(t, []string{"support", "ops", "admin"}, user.Roles)
}

func TestFirebaseAuthenticatorHandlesExpiredToken(t *testing.T) {
	auth := NewFirebaseAuthenticator(&stubFirebaseVerifier{err: ErrTokenExpired})

	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	_, err := auth.Authenticate(req, "expired")
	require.Error(t, err)

	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, ReasonTokenExpired, authErr.Reason)
}

func TestFirebaseAuthenticatorRejectsMissingToken(t *testing.T) {
	auth := NewFirebaseAuthenticator(&stubFirebaseVerifier{})
	req, _ := http.NewRequest(http.MethodGet, "/", nil)

	_, err := auth.Authenticate(req, "  ")
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, ReasonMissingToken, authErr.Reason)
}
