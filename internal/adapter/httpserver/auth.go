// Package httpserver exposes the coordinator's command surface over HTTP,
// following the teacher's adapter/httpserver (transport binding) /
// usecase (pure logic) split: this package only parses requests, enforces
// auth, and maps domain errors to status codes — the operations
// themselves live in internal/coordinator.
package httpserver

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
)

// Argon2Params defines parameters for Argon2id operator-password hashing.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashPassword creates an Argon2id hash of password, for operators
// provisioning ADMIN_PASSWORD_HASH out of band.
func HashPassword(password string) (string, error) {
	params := defaultArgon2Params
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations, params.Memory, params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// VerifyPassword verifies password against its Argon2id hash.
func VerifyPassword(password, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actual := argon2.IDKey([]byte(password), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil || x > math.MaxUint32 {
		return 0, fmt.Errorf("parse uint32: %q", s)
	}
	return uint32(x), nil
}

// SessionManager issues and validates the HMAC-signed bearer tokens the
// operator UI uses after a successful /auth/login.
type SessionManager struct {
	secret []byte
}

// NewSessionManager builds a SessionManager keyed on secret.
func NewSessionManager(secret string) *SessionManager {
	return &SessionManager{secret: []byte(secret)}
}

// IssueToken issues a compact HS256 JWT for username, valid for ttl.
func (sm *SessionManager) IssueToken(username string, ttl time.Duration) (string, error) {
	if username == "" || ttl <= 0 {
		return "", fmt.Errorf("invalid session params")
	}
	now := time.Now()
	header := map[string]any{"alg": "HS256", "typ": "JWT"}
	claims := map[string]any{"sub": username, "iat": now.Unix(), "exp": now.Add(ttl).Unix(), "iss": "rec-coordinator"}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	enc := base64.RawURLEncoding
	unsigned := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(claimsJSON)
	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(unsigned))
	return unsigned + "." + enc.EncodeToString(mac.Sum(nil)), nil
}

// ValidateToken verifies a bearer token and returns its subject.
func (sm *SessionManager) ValidateToken(token string) (string, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("invalid token")
	}
	unsigned := parts[0] + "." + parts[1]
	enc := base64.RawURLEncoding
	sig, err := enc.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("bad signature encoding")
	}
	mac := hmac.New(sha256.New, sm.secret)
	mac.Write([]byte(unsigned))
	if !hmac.Equal(mac.Sum(nil), sig) {
		return "", fmt.Errorf("invalid signature")
	}
	claimsJSON, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("bad claims encoding")
	}
	var claims map[string]any
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return "", fmt.Errorf("bad claims")
	}
	exp, ok := claims["exp"].(float64)
	if !ok || time.Now().Unix() >= int64(exp) {
		return "", fmt.Errorf("token expired")
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", fmt.Errorf("no subject")
	}
	return sub, nil
}

// RequireAuth is a no-op when operator auth is disabled (AdminEnabled
// false); otherwise it requires a valid bearer token.
func (s *Server) RequireAuth(next http.Handler) http.Handler {
	if !s.cfg.AdminEnabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			token := strings.TrimSpace(authz[len("Bearer "):])
			if _, err := s.sessions.ValidateToken(token); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	})
}
