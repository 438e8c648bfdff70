package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"go.uber.org/zap"
)

// User is the owner of an API key
type User struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Created string `json:"created"`
}

type keyFile struct {
	APIKeys map[string]User `json:"api_keys"`
}

type contextKey struct{}

// KeyStore validates bearer tokens against an API key file. The file is
// re-read whenever its modification time changes.
type KeyStore struct {
	path   string
	logger *logger.Logger

	mu      sync.RWMutex
	keys    map[string]User
	modTime time.Time
}

// NewKeyStore loads path. An empty path disables authentication.
func NewKeyStore(path string, log *logger.Logger) (*KeyStore, error) {
	s := &KeyStore{path: path, logger: log}
	if path == "" {
		log.Warn("No API key file configured, authentication disabled")
		return s, nil
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Enabled reports whether requests need a key
func (s *KeyStore) Enabled() bool {
	return s.path != ""
}

// reload reads the key file if it changed since the last load
func (s *KeyStore) reload() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("failed to stat api key file: %w", err)
	}

	s.mu.RLock()
	unchanged := info.ModTime().Equal(s.modTime) && s.keys != nil
	s.mu.RUnlock()
	if unchanged {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read api key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return fmt.Errorf("failed to parse api key file: %w", err)
	}
	if kf.APIKeys == nil {
		kf.APIKeys = map[string]User{}
	}

	s.mu.Lock()
	s.keys = kf.APIKeys
	s.modTime = info.ModTime()
	s.mu.Unlock()

	s.logger.Info("API keys loaded",
		zap.String("file", s.path),
		zap.Int("keys", len(kf.APIKeys)),
	)
	return nil
}

// Lookup returns the user owning key
func (s *KeyStore) Lookup(key string) (User, bool) {
	if err := s.reload(); err != nil {
		// keep serving with the last good set
		s.logger.Warn("API key reload failed", zap.Error(err))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.keys[key]
	return u, ok
}

// Middleware rejects requests without a valid bearer key
func (s *KeyStore) Middleware(next http.Handler) http.Handler {
	if !s.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "missing bearer token")
			return
		}
		user, ok := s.Lookup(key)
		if !ok {
			s.logger.Info("Rejected API key", zap.String("path", r.URL.Path))
			unauthorized(w, "invalid api key")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	key := strings.TrimSpace(h[len(prefix):])
	return key, key != ""
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// WithUser stores u in ctx
func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// UserFrom returns the authenticated user, if any
func UserFrom(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(contextKey{}).(User)
	return u, ok
}
