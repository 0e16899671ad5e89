package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/config"
)

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

// Service validates and revokes user authentication tokens. Tokens are minted by the
// identity service and written to user_tokens; this service only reads them.
type Service struct {
	db     *sql.DB
	cfg    config.AuthConfig
	logger *zap.Logger
	now    func() time.Time
}

// NewService constructs an auth service. Blank names in cfg fall back to auth_token,
// csrf_token and X-CSRF-Token.
func NewService(db *sql.DB, cfg config.AuthConfig, logger *zap.Logger) *Service {
	if cfg.CookieName == "" {
		cfg.CookieName = "auth_token"
	}
	if cfg.CSRFCookieName == "" {
		cfg.CSRFCookieName = "csrf_token"
	}
	if cfg.CSRFHeaderName == "" {
		cfg.CSRFHeaderName = "X-CSRF-Token"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     db,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ValidateToken verifies the token exists and has not expired, returning the user id.
func (s *Service) ValidateToken(ctx context.Context, authToken string) (string, error) {
	if authToken == "" {
		return "", ErrTokenRequired
	}
	var userID string
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM user_tokens WHERE token = ?`, authToken,
	).Scan(&userID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lookup token: %w", err)
	}
	if s.now().After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken)
		return "", ErrTokenExpired
	}
	return userID, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *Service) AuthCookieName() string {
	return s.cfg.CookieName
}

func (s *Service) CSRFCookieName() string {
	return s.cfg.CSRFCookieName
}
