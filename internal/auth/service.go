package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/procura-erp/procura/internal/shared"
)

// RepositoryPort describes user lookup operations used by Service.
type RepositoryPort interface {
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByID(ctx context.Context, id int64) (User, error)
}

// Config carries token issuing parameters.
type Config struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Issuer     string
}

// Service authenticates users and issues JWT token pairs.
type Service struct {
	repo RepositoryPort
	cfg  Config
}

// NewService constructs the auth service.
func NewService(repo RepositoryPort, cfg Config) *Service {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 15 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "procura"
	}
	return &Service{repo: repo, cfg: cfg}
}

// Claims is the JWT payload carried by access and refresh tokens.
type Claims struct {
	Roles    []string `json:"roles,omitempty"`
	VendorID int64    `json:"vendor_id,omitempty"`
	Kind     string   `json:"kind"`
	jwt.RegisteredClaims
}

// Login verifies credentials and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	user, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return TokenPair{}, fmt.Errorf("auth: unknown account: %w", shared.ErrInvalidCredentials)
		}
		return TokenPair{}, err
	}
	if !user.Active {
		return TokenPair{}, fmt.Errorf("auth: account disabled: %w", shared.ErrInvalidCredentials)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return TokenPair{}, fmt.Errorf("auth: password mismatch: %w", shared.ErrInvalidCredentials)
	}
	return s.issuePair(user)
}

// Refresh exchanges a valid refresh token for a new pair. The user is
// re-read so role and active-flag changes take effect.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.parse(refreshToken)
	if err != nil {
		return TokenPair{}, err
	}
	if claims.Kind != "refresh" {
		return TokenPair{}, fmt.Errorf("auth: not a refresh token: %w", shared.ErrInvalidCredentials)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return TokenPair{}, fmt.Errorf("auth: bad subject: %w", shared.ErrInvalidCredentials)
	}
	user, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return TokenPair{}, fmt.Errorf("auth: account gone: %w", shared.ErrInvalidCredentials)
		}
		return TokenPair{}, err
	}
	if !user.Active {
		return TokenPair{}, fmt.Errorf("auth: account disabled: %w", shared.ErrInvalidCredentials)
	}
	return s.issuePair(user)
}

// ActorFromToken validates an access token and returns the actor it
// represents. Used by the HTTP middleware.
func (s *Service) ActorFromToken(tokenString string) (*shared.Actor, error) {
	claims, err := s.parse(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.Kind != "access" {
		return nil, fmt.Errorf("auth: not an access token: %w", shared.ErrInvalidCredentials)
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("auth: bad subject: %w", shared.ErrInvalidCredentials)
	}
	return &shared.Actor{UserID: userID, VendorID: claims.VendorID, Roles: claims.Roles}, nil
}

func (s *Service) issuePair(user User) (TokenPair, error) {
	access, err := s.sign(user, "access", s.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := s.sign(user, "refresh", s.cfg.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
	}, nil
}

func (s *Service) sign(user User, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if kind == "access" {
		claims.Roles = user.Roles
		if user.VendorID != nil {
			claims.VendorID = *user.VendorID
		}
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.cfg.Secret)
}

func (s *Service) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return s.cfg.Secret, nil
	}, jwt.WithIssuer(s.cfg.Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("auth: invalid token: %w", shared.ErrInvalidCredentials)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims: %w", shared.ErrInvalidCredentials)
	}
	return claims, nil
}
