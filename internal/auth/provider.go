// Package auth is the identity provider and session gate: bcrypt-hashed
// credentials, signed session tokens, and a session file shared by every
// command running on this machine.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/backend"
	"github.com/starford/larder/internal/models"
)

// Config configures a Provider.
type Config struct {
	Secret            string
	TTL               time.Duration
	SessionFile       string
	MinPasswordLength int
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Claims are the session token claims.
type Claims struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// Provider implements sign up, sign in, sign out and session lookup.
type Provider struct {
	creds  backend.Credentials
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewProvider creates a Provider over creds.
func NewProvider(creds backend.Credentials, cfg Config, logger *slog.Logger) *Provider {
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{creds: creds, cfg: cfg, logger: logger, now: time.Now}
}

// SignUp creates the account and its profile, then signs in.
func (p *Provider) SignUp(ctx context.Context, in SignUpInput) (models.Session, error) {
	in.Normalize()
	if err := in.Validate(p.cfg.MinPasswordLength); err != nil {
		return models.Session{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), p.cfg.BcryptCost)
	if err != nil {
		return models.Session{}, fmt.Errorf("auth: hash password: %w", err)
	}
	u := models.User{
		ID:           uuid.NewString(),
		Email:        in.Email,
		PasswordHash: string(hash),
		CreatedAt:    p.now(),
	}
	if err := p.creds.CreateUser(ctx, u, in.DisplayName); err != nil {
		return models.Session{}, apperr.Remote("auth: sign up", err)
	}
	p.logger.Info("auth: signed up", slog.String("user_id", u.ID))
	return p.open(u)
}

// SignIn checks the credentials and stores a new session.
func (p *Provider) SignIn(ctx context.Context, email, password string) (models.Session, error) {
	in := SignInInput{Email: email, Password: password}
	if err := in.Validate(); err != nil {
		return models.Session{}, err
	}
	u, err := p.creds.UserByEmail(ctx, in.Email)
	if errors.Is(err, apperr.ErrNotFound) {
		return models.Session{}, fmt.Errorf("auth: invalid email or password: %w", apperr.ErrUnauthorized)
	}
	if err != nil {
		return models.Session{}, apperr.Remote("auth: sign in", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)) != nil {
		return models.Session{}, fmt.Errorf("auth: invalid email or password: %w", apperr.ErrUnauthorized)
	}
	p.logger.Info("auth: signed in", slog.String("user_id", u.ID))
	return p.open(u)
}

// SignOut forgets the stored session. Signing out twice is not an error.
func (p *Provider) SignOut() error {
	if p.cfg.SessionFile == "" {
		return nil
	}
	if err := os.Remove(p.cfg.SessionFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("auth: remove session: %w", err)
	}
	return nil
}

// GetSession returns the stored session, or nil when there is none or it is
// no longer valid.
func (p *Provider) GetSession(ctx context.Context) (*models.Session, error) {
	token, err := p.readToken()
	if err != nil || token == "" {
		return nil, err
	}
	s, err := p.Verify(token)
	if err != nil {
		p.logger.Info("auth: stored session rejected", slog.String("error", err.Error()))
		return nil, nil
	}
	if _, err := p.creds.UserByID(ctx, s.UserID); err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, nil
		}
		return nil, apperr.Remote("auth: get session", err)
	}
	return &s, nil
}

// Verify parses a session token.
func (p *Provider) Verify(token string) (models.Session, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(p.cfg.Secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(p.now))
	if err != nil {
		return models.Session{}, fmt.Errorf("auth: %w: %w", apperr.ErrUnauthorized, err)
	}
	s := models.Session{
		UserID:        claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Token:         token,
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// open signs a token for u and persists it.
func (p *Provider) open(u models.User) (models.Session, error) {
	now := p.now()
	exp := now.Add(p.cfg.TTL)
	claims := &Claims{
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(p.cfg.Secret))
	if err != nil {
		return models.Session{}, fmt.Errorf("auth: sign token: %w", err)
	}
	if err := p.writeToken(token); err != nil {
		return models.Session{}, err
	}
	return models.Session{
		UserID:        u.ID,
		Email:         u.Email,
		EmailVerified: u.EmailVerified,
		Token:         token,
		ExpiresAt:     claims.ExpiresAt.Time,
	}, nil
}

type sessionFile struct {
	Token string `json:"token"`
}

func (p *Provider) readToken() (string, error) {
	if p.cfg.SessionFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(p.cfg.SessionFile)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("auth: read session: %w", err)
	}
	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		p.logger.Warn("auth: corrupt session file", slog.String("error", err.Error()))
		return "", nil
	}
	return sf.Token, nil
}

func (p *Provider) writeToken(token string) error {
	if p.cfg.SessionFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.cfg.SessionFile), 0o700); err != nil {
		return fmt.Errorf("auth: mkdir: %w", err)
	}
	data, err := json.Marshal(sessionFile{Token: token})
	if err != nil {
		return fmt.Errorf("auth: encode session: %w", err)
	}
	if err := os.WriteFile(p.cfg.SessionFile, data, 0o600); err != nil {
		return fmt.Errorf("auth: write session: %w", err)
	}
	return nil
}
