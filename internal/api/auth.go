package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// userCookieName is the signed identity cookie set by the auth frontend.
const userCookieName = "uid"

// Context key type (unexported to prevent collisions).
type userIDCtxKey struct{}

var ctxKeyUserID = userIDCtxKey{}

// userIDFromContext retrieves the caller identity from the request context.
// Returns empty string and false if not found.
func userIDFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(ctxKeyUserID).(string)
	return uid, ok
}

// identityManager resolves and mints signed caller identities. A
// credential is "id.signature" where the signature is an HMAC-SHA256 of
// the id, carried either in the uid cookie or as a bearer token.
type identityManager struct {
	hmacSecret []byte
	isDev      bool
	logger     *slog.Logger
}

// SignUserID returns the signed credential for a user id. Exposed so the
// CLI can mint tokens for the sync client from the shared secret.
func SignUserID(secret []byte, userID string) string {
	return userID + "." + signature(secret, userID)
}

func signature(secret []byte, userID string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(userID))
	return hex.EncodeToString(mac.Sum(nil))
}

// verify splits and checks a signed credential, returning the user id.
func (im *identityManager) verify(credential string) (string, bool) {
	userID, sig, ok := strings.Cut(credential, ".")
	if !ok || userID == "" {
		return "", false
	}
	want := signature(im.hmacSecret, userID)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", false
	}
	return userID, true
}

// resolve extracts the caller identity from the request: bearer token
// first, then the uid cookie.
func (im *identityManager) resolve(r *http.Request) (string, bool) {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return im.verify(token)
		}
		return "", false
	}
	if c, err := r.Cookie(userCookieName); err == nil {
		return im.verify(c.Value)
	}
	return "", false
}

// setUserCookie mints a fresh signed identity cookie.
func (im *identityManager) setUserCookie(w http.ResponseWriter, userID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     userCookieName,
		Value:    SignUserID(im.hmacSecret, userID),
		Path:     "/",
		MaxAge:   365 * 24 * 3600,
		HttpOnly: true,
		Secure:   !im.isDev,
		SameSite: http.SameSiteLaxMode,
	})
}

// identityMiddleware resolves the caller identity into the request
// context. Requests with no valid identity are rejected before any
// handler runs; in dev mode a browser without credentials is instead
// auto-provisioned a fresh signed cookie so local setups work without an
// auth frontend.
func identityMiddleware(im *identityManager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, ok := im.resolve(r)
			if !ok {
				if !im.isDev || r.Header.Get("Authorization") != "" {
					WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", im.logger)
					return
				}
				userID = uuid.New().String()
				im.setUserCookie(w, userID)
			}
			ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireUserID pulls the caller identity from context, writing a 401
// when the middleware did not establish one.
func requireUserID(w http.ResponseWriter, r *http.Request, logger *slog.Logger) (string, bool) {
	userID, ok := userIDFromContext(r.Context())
	if !ok || userID == "" {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "authentication required", logger)
		return "", false
	}
	return userID, true
}
