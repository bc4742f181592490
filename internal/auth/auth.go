// Package auth provides wallet-keyed sessions. A login upserts the
// account, persists a random bearer session with an expiry, and wraps
// the session token in a signed JWT for the HTTP layer. Verifying the
// wallet signature itself is the concern of the peer identity layer,
// which fronts this service.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/quincecloud/quince/internal/fserr"
	"github.com/quincecloud/quince/internal/logging"
	"github.com/quincecloud/quince/internal/metadata"
	"github.com/quincecloud/quince/internal/metrics"
)

type contextKey string

const accountContextKey contextKey = "account"

// cleanupInterval is how often expired sessions are swept.
const cleanupInterval = 15 * time.Minute

// Claims holds the JWT claims wrapping a persisted session.
type Claims struct {
	Wallet  string `json:"wallet"`
	Session string `json:"session"`
	jwt.RegisteredClaims
}

// Service issues and validates sessions.
type Service struct {
	store      *metadata.Store
	secret     []byte
	sessionTTL time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an auth service.
func New(store *metadata.Store, jwtSecret string, sessionTTL time.Duration) *Service {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &Service{
		store:      store,
		secret:     []byte(jwtSecret),
		sessionTTL: sessionTTL,
	}
}

// LoginResult is what a successful login returns.
type LoginResult struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
	Account   metadata.Account `json:"-"`
}

// Login creates or refreshes the account for a wallet and issues a new
// session.
func (s *Service) Login(ctx context.Context, wallet string) (LoginResult, error) {
	wallet = strings.TrimSpace(strings.ToLower(wallet))
	if wallet == "" {
		return LoginResult{}, fserr.New(fserr.KindInvalidName, "auth.login", "")
	}

	sessionToken, err := randomToken()
	if err != nil {
		return LoginResult{}, fserr.Wrap(fserr.KindInternal, "auth.login", wallet, err)
	}

	now := time.Now()
	expires := now.Add(s.sessionTTL)

	var account metadata.Account
	err = s.store.WithTx(ctx, func(tx *metadata.Tx) error {
		account, err = tx.UpsertAccount(wallet)
		if err != nil {
			return err
		}
		return tx.InsertSession(metadata.Session{
			Token:     sessionToken,
			Wallet:    wallet,
			CreatedAt: now,
			ExpiresAt: expires,
		})
	})
	if err != nil {
		metrics.RecordAuthAttempt(false)
		return LoginResult{}, err
	}

	claims := &Claims{
		Wallet:  wallet,
		Session: sessionToken,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "quince",
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		return LoginResult{}, fserr.Wrap(fserr.KindInternal, "auth.login", wallet, err)
	}

	metrics.RecordAuthAttempt(true)
	logging.Info("login", zap.String("wallet", wallet))
	return LoginResult{Token: signed, ExpiresAt: expires, Account: account}, nil
}

// Logout deletes the session named by the token. Unknown tokens are not
// an error.
func (s *Service) Logout(ctx context.Context, tokenStr string) error {
	claims, err := s.parseToken(tokenStr)
	if err != nil {
		return fserr.Wrap(fserr.KindNotFound, "auth.logout", "", err)
	}
	return s.store.WithTx(ctx, func(tx *metadata.Tx) error {
		return tx.DeleteSession(claims.Session)
	})
}

// Validate checks a JWT and its backing session and returns the wallet
// address.
func (s *Service) Validate(ctx context.Context, tokenStr string) (string, error) {
	claims, err := s.parseToken(tokenStr)
	if err != nil {
		return "", fserr.Wrap(fserr.KindNotFound, "auth.validate", "", err)
	}
	session, err := s.store.SessionByToken(ctx, claims.Session)
	if err != nil {
		return "", err
	}
	if session.Wallet != claims.Wallet {
		return "", fserr.New(fserr.KindNotFound, "auth.validate", "")
	}
	return session.Wallet, nil
}

func (s *Service) parseToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// Middleware returns HTTP middleware that resolves the session and puts
// the wallet address on the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		wallet, err := s.Validate(r.Context(), tokenStr)
		if err != nil {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "invalid or expired session")
			return
		}

		ctx := context.WithValue(r.Context(), accountContextKey, wallet)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccountFromContext returns the authenticated wallet address, or "".
func AccountFromContext(ctx context.Context) string {
	wallet, _ := ctx.Value(accountContextKey).(string)
	return wallet
}

// WithAccount injects a wallet address into a context. Used by tests
// and non-HTTP callers.
func WithAccount(ctx context.Context, wallet string) context.Context {
	return context.WithValue(ctx, accountContextKey, wallet)
}

// StartCleanup launches the periodic expired-session sweep.
func (s *Service) StartCleanup(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				count, err := s.store.CleanupExpiredSessions(ctx)
				if err != nil {
					logging.Warn("session cleanup failed", zap.Error(err))
					continue
				}
				if count > 0 {
					metrics.RecordSessionsCleaned(count)
					logging.Info("expired sessions removed", zap.Int("count", count))
				}
			}
		}
	}()
}

// StopCleanup stops the sweep goroutine.
func (s *Service) StopCleanup() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func randomToken() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback, needed for EventSource clients
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"error": message,
		"code":  code,
	})
}
