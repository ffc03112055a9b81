// Package identity gives every browser an anonymous, cookie-backed user id
// and tags each request with the tab it came from.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/dayboard/internal/domain"
	"github.com/ashureev/dayboard/internal/store"
)

const (
	AnonCookieName        = "dayboard_anon_id"
	SessionHeaderName     = "X-Dayboard-Tab-ID"
	DefaultSessionIDValue = "default"

	tabQueryParam      = "tab_id"
	anonPrefix         = "anon_"
	anonCookieMaxAge   = 30 * 24 * time.Hour
	lastSeenResolution = time.Minute
)

var (
	anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	tabIDPattern  = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// Caller is the identity attached to a request.
type Caller struct {
	UserID   string
	Username string
	TabID    string
}

type callerKey struct{}

func callerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// UserIDFromContext returns the caller's user id, or "" outside the middleware.
func UserIDFromContext(ctx context.Context) string {
	c, _ := callerFrom(ctx)
	return c.UserID
}

// UsernameFromContext returns the caller's display name.
func UsernameFromContext(ctx context.Context) string {
	c, _ := callerFrom(ctx)
	return c.Username
}

// SessionIDFromContext returns the caller's tab id.
func SessionIDFromContext(ctx context.Context) string {
	if c, ok := callerFrom(ctx); ok && c.TabID != "" {
		return c.TabID
	}
	return DefaultSessionIDValue
}

// WithUser returns a context carrying userID on the default tab.
func WithUser(ctx context.Context, userID string) context.Context {
	return withCaller(ctx, userID, DefaultSessionIDValue)
}

func withCaller(ctx context.Context, userID, tabID string) context.Context {
	return context.WithValue(ctx, callerKey{}, Caller{
		UserID:   userID,
		Username: displayName(userID),
		TabID:    tabID,
	})
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func newAnonID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return anonPrefix + hex.EncodeToString(buf[:]), nil
}

// displayName is "anon-" plus the last eight hex digits of the id.
func displayName(userID string) string {
	if !strings.HasPrefix(userID, anonPrefix) || len(userID) < len(anonPrefix)+8 {
		return "anon-user"
	}
	return "anon-" + userID[len(userID)-8:]
}

func tabID(r *http.Request) string {
	id := r.Header.Get(SessionHeaderName)
	if id == "" {
		id = r.URL.Query().Get(tabQueryParam)
	}
	id = strings.TrimSpace(id)
	if !tabIDPattern.MatchString(id) {
		return DefaultSessionIDValue
	}
	return id
}

// ensureUser records a first visit and refreshes last_seen_at on later ones,
// writing at most once per lastSeenResolution.
func ensureUser(ctx context.Context, repo store.Repository, userID string) error {
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	now := time.Now()
	if user == nil {
		return repo.UpsertUser(ctx, &domain.User{
			UserID:     userID,
			Username:   displayName(userID),
			LastSeenAt: now,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if user.IdleFor(now) < lastSeenResolution {
		return nil
	}
	return repo.UpdateLastSeen(ctx, userID, now)
}

// issuer reads and refreshes the anonymous id cookie.
type issuer struct {
	secure bool
}

// resolve returns the id in a well-formed cookie or mints a new one. Either
// way the cookie is rewritten so its expiry slides forward.
func (i issuer) resolve(w http.ResponseWriter, r *http.Request) (string, error) {
	id := ""
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		id = c.Value
	} else {
		if id, err = newAnonID(); err != nil {
			return "", err
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   i.secure,
	})
	return id, nil
}

func fail(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}

// Middleware attaches a Caller to every request, creating the user row on
// first sight. Cookies are Secure outside development.
func Middleware(repo store.Repository, isDev bool) func(http.Handler) http.Handler {
	iss := issuer{secure: !isDev}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := iss.resolve(w, r)
			if err != nil {
				slog.Error("Failed to establish identity", "error", err)
				fail(w, "failed to establish anonymous identity")
				return
			}
			if err := ensureUser(r.Context(), repo, userID); err != nil {
				slog.Error("Failed to initialize user", "user_id", userID, "error", err)
				fail(w, "failed to initialize anonymous user")
				return
			}
			next.ServeHTTP(w, r.WithContext(withCaller(r.Context(), userID, tabID(r))))
		})
	}
}

// IPFromRequest returns the host part of RemoteAddr.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
