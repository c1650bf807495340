package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"net/http"
	"sort"

	"github.com/google/uuid"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Credentials struct {
	Username string
	Password string
}

// Authenticator checks credentials against a fixed set of users loaded at
// startup. Passwords are held only as SHA-256 digests.
type Authenticator struct {
	users map[string][sha256.Size]byte
}

func New(users map[string]string) *Authenticator {
	a := &Authenticator{users: make(map[string][sha256.Size]byte, len(users))}
	for name, password := range users {
		a.users[name] = sha256.Sum256([]byte(password))
	}
	return a
}

// Authenticate returns the bound username. Unknown users and wrong passwords
// are indistinguishable to the caller.
func (a *Authenticator) Authenticate(c Credentials) (string, error) {
	got := sha256.Sum256([]byte(c.Password))
	want, ok := a.users[c.Username]
	match := subtle.ConstantTimeCompare(got[:], want[:]) == 1
	if !ok || !match || c.Username == "" {
		return "", ErrInvalidCredentials
	}
	return c.Username, nil
}

func (a *Authenticator) Usernames() []string {
	names := make([]string, 0, len(a.users))
	for name := range a.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type contextKey string

const (
	usernameKey  contextKey = "username"
	requestIDKey contextKey = "request_id"
)

const RequestIDHeader = "X-Request-ID"

// RequestID tags every request with an id, reusing a caller-supplied
// X-Request-ID when present.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.New().String()
		}
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), requestID)))
	})
}

// Helpers to extract from context
func GetUsername(ctx context.Context) string {
	if name, ok := ctx.Value(usernameKey).(string); ok {
		return name
	}
	return ""
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func WithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey, username)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
