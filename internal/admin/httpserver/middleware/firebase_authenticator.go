package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// ErrTokenExpired is returned when the Firebase token has expired.
var ErrTokenExpired = errors.New("firebase token expired")

// FirebaseTokenVerifier abstracts the Firebase Admin SDK client for testability.
type FirebaseTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseAuthenticator validates Firebase ID tokens issued to console staff.
type FirebaseAuthenticator struct {
	verifier FirebaseTokenVerifier
}

// NewFirebaseAuthenticator constructs an Authenticator backed by the provided verifier.
func NewFirebaseAuthenticator(verifier FirebaseTokenVerifier) *FirebaseAuthenticator {
	if verifier == nil {
		panic("firebase token verifier is required")
	}
	return &FirebaseAuthenticator{verifier: verifier}
}

// Authenticate verifies the ID token and maps its custom claims onto staff roles. Roles come from the
// "role" or "roles" claims; a boolean "admin" claim grants the admin role.
func (f *FirebaseAuthenticator) Authenticate(r *http.Request, token string) (*User, error) {
	if strings.TrimSpace(token) == "" {
		return nil, NewAuthError(ReasonMissingToken, ErrUnauthorized)
	}

	verified, err := f.verifier.VerifyIDToken(r.Context(), token)
	if err != nil {
		switch {
		case firebaseauth.IsIDTokenExpired(err), errors.Is(err, ErrTokenExpired):
			return nil, NewAuthError(ReasonTokenExpired, err)
		default:
			return nil, NewAuthError(ReasonTokenInvalid, err)
		}
	}

	roles := claimRoles(verified.Claims["role"], verified.Claims["roles"])
	if admin, ok := verified.Claims["admin"].(bool); ok && admin {
		roles = appendUnique(roles, "admin")
	}

	return &User{
		UID:   verified.UID,
		Email: claimString(verified.Claims["email"]),
		Roles: roles,
		Token: token,
	}, nil
}

func claimString(value any) string {
	if s, ok := value.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

func claimRoles(values ...any) []string {
	var roles []string
	for _, value := range values {
		switch v := value.(type) {
		case string:
			for _, part := range strings.Split(v, ",") {
				roles = appendUnique(roles, part)
			}
		case []string:
			for _, item := range v {
				roles = appendUnique(roles, item)
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					roles = appendUnique(roles, s)
				}
			}
		case map[string]any:
			for key, val := range v {
				if b, ok := val.(bool); ok && b {
					roles = appendUnique(roles, key)
				}
			}
		}
	}
	return roles
}

func appendUnique(list []string, value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return list
	}
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}
