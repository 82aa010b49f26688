package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/atelierhq/atelier/internal/storage"
)

// ErrInvalidCredentials is returned on any login failure. Unknown email and
// wrong password are deliberately indistinguishable.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserStore is the persistence surface the auth service needs.
type UserStore interface {
	CreateUser(email, passwordHash string) (storage.User, error)
	GetUserByEmail(email string) (storage.User, error)
}

// Service issues and verifies user credentials: bcrypt password hashes at
// rest, HS256 JWTs on the wire.
type Service struct {
	store  UserStore
	secret []byte
	ttl    time.Duration
	logger *slog.Logger
}

func NewService(store UserStore, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Service{
		store:  store,
		secret: []byte(secret),
		ttl:    ttl,
		logger: slog.Default(),
	}
}

type claims struct {
	UserID int64 `json:"userId"`
	jwt.RegisteredClaims
}

// Register creates a user with a bcrypt-hashed password. Returns
// storage.ErrEmailTaken when the email is already registered.
func (s *Service) Register(email, password string) (storage.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return storage.User{}, fmt.Errorf("hashing password: %w", err)
	}
	u, err := s.store.CreateUser(email, string(hash))
	if err != nil {
		return storage.User{}, err
	}
	s.logger.Info("user registered", "user_id", u.ID, "email", email)
	return u, nil
}

// Login checks the credentials and returns a signed token.
func (s *Service) Login(email, password string) (string, error) {
	u, err := s.store.GetUserByEmail(email)
	if errors.Is(err, storage.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID: u.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns the user ID it carries.
func (s *Service) VerifyToken(tokenStr string) (int64, error) {
	var c claims
	_, err := jwt.ParseWithClaims(tokenStr, &c, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, err
	}
	if c.UserID == 0 {
		return 0, errors.New("token missing user id")
	}
	return c.UserID, nil
}
