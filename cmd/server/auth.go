package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type role string

const (
	roleCustomer role = "CUSTOMER"
	roleAdmin    role = "ADMIN"
	roleOperator role = "OPERATOR"
	roleSupport  role = "SUPPORT"
)

// staff sees every order and drives production.
func (r role) staff() bool {
	return r == roleAdmin || r == roleOperator || r == roleSupport
}

type claims struct {
	Role role `json:"role"`
	jwt.RegisteredClaims
}

type identity struct {
	Subject string
	Role    role
}

// customerScope is the customer id ownership checks run against; staff get
// the empty scope and see everything.
func (id identity) customerScope() string {
	if id.Role.staff() {
		return ""
	}
	return id.Subject
}

type identityKey struct{}

func withIdentity(ctx context.Context, id identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFrom(ctx context.Context) (identity, bool) {
	id, ok := ctx.Value(identityKey{}).(identity)
	return id, ok
}

type authService struct {
	secret []byte
	now    func() time.Time
}

func newAuthService(secret string) *authService {
	return &authService{secret: []byte(secret), now: time.Now}
}

// issue signs a token for subject. The server never issues tokens itself;
// it is used by tests and local tooling.
func (a *authService) issue(subject string, r role, ttl time.Duration) (string, error) {
	now := a.now()
	tkn := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Role: r,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return tkn.SignedString(a.secret)
}

func (a *authService) verify(raw string) (identity, error) {
	var c claims
	_, err := jwt.ParseWithClaims(raw, &c, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return identity{}, err
	}
	if c.Subject == "" {
		return identity{}, errors.New("token has no subject")
	}
	switch c.Role {
	case "":
		c.Role = roleCustomer
	case roleCustomer, roleAdmin, roleOperator, roleSupport:
	default:
		return identity{}, fmt.Errorf("unknown role %q", c.Role)
	}
	return identity{Subject: c.Subject, Role: c.Role}, nil
}

// bearer reads the token from the Authorization header, or from the
// access_token query parameter for browser WebSocket clients.
func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func (a *authService) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearer(r)
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		id, err := a.verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

func requireRole(roles ...role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identityFrom(r.Context())
			if !ok || !slices.Contains(roles, id.Role) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var requireStaff = requireRole(roleAdmin, roleOperator, roleSupport)
