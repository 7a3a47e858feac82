package api

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/oferchen/arena/internal/game"
)

// DefaultTokenTTL is how long an issued handshake token stays valid.
const DefaultTokenTTL = time.Hour

var (
	ErrTokenMalformed = errors.New("malformed token")
	ErrTokenSignature = errors.New("invalid token signature")
	ErrTokenExpired   = errors.New("token expired")
	ErrBadName        = errors.New("invalid player name")
)

var playerNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]{1,32}$`)

// TokenAuthenticator issues and verifies signed handshake tokens. A token
// names the player and its expiry and carries an HMAC-SHA256 of both, so
// any server holding the secret can verify it without shared state.
//
// It implements game.Authenticator.
type TokenAuthenticator struct {
	secretKey []byte
	ttl       time.Duration
	now       func() time.Time

	// AllowGuests accepts an empty token as the identity "guest".
	AllowGuests bool
}

// NewTokenAuthenticator creates an authenticator. An empty secret generates
// a random key, which makes tokens valid for this process only.
func NewTokenAuthenticator(secret string, ttl time.Duration) *TokenAuthenticator {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic(fmt.Sprintf("generate token key: %v", err))
		}
		log.Printf("🔐 No token secret configured, tokens are valid for this process only")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenAuthenticator{
		secretKey: key,
		ttl:       ttl,
		now:       time.Now,
	}
}

// Issue returns a token for name and its expiry.
func (a *TokenAuthenticator) Issue(name string) (string, time.Time, error) {
	if !playerNamePattern.MatchString(name) {
		return "", time.Time{}, fmt.Errorf("%q: %w", name, ErrBadName)
	}
	expires := a.now().Add(a.ttl).Truncate(time.Second)
	body := name + "." + strconv.FormatInt(expires.Unix(), 10)
	return base64.RawURLEncoding.EncodeToString([]byte(body + "." + a.sign(body))), expires, nil
}

// Authenticate verifies a token and returns the player name it carries.
// Every failure wraps game.ErrUnauthorized.
func (a *TokenAuthenticator) Authenticate(_ context.Context, token string) (string, error) {
	if token == "" && a.AllowGuests {
		return "guest", nil
	}
	name, err := a.verify(token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", game.ErrUnauthorized, err)
	}
	return name, nil
}

func (a *TokenAuthenticator) verify(token string) (string, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", ErrTokenMalformed
	}

	// name.expiry.signature; the name cannot contain dots
	parts := strings.Split(string(decoded), ".")
	if len(parts) != 3 {
		return "", ErrTokenMalformed
	}
	name, expiry, providedSig := parts[0], parts[1], parts[2]

	expectedSig := a.sign(name + "." + expiry)
	if !hmac.Equal([]byte(providedSig), []byte(expectedSig)) {
		return "", ErrTokenSignature
	}

	unix, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return "", ErrTokenMalformed
	}
	if !a.now().Before(time.Unix(unix, 0)) {
		return "", ErrTokenExpired
	}
	return name, nil
}

func (a *TokenAuthenticator) sign(body string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}
