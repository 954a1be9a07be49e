package service

import (
	"crypto/subtle"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const tokenTTL = 12 * time.Hour

// AuthService authenticates the operator. There is a single operator account
// configured through the environment; pipeline stages never authenticate.
type AuthService struct {
	user         string
	passwordHash string
	secret       []byte
	log          *logrus.Logger
}

func NewAuthService(user, passwordHash, secret string, log *logrus.Logger) *AuthService {
	return &AuthService{user: user, passwordHash: passwordHash, secret: []byte(secret), log: log}
}

// HashPassword returns the bcrypt hash to put into OPERATOR_PASSWORD_HASH.
func HashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", ierr.NewError("password too short").
			WithHint("Use at least 8 characters").
			Mark(ierr.ErrValidation)
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", ierr.WithError(err).WithMessage("failed to hash password").Mark(ierr.ErrFatal)
	}
	return string(hashed), nil
}

// Login authenticates the operator and returns a signed JWT.
func (s *AuthService) Login(username, password string) (string, error) {
	invalid := ierr.NewError("invalid credentials").Mark(ierr.ErrPermissionDenied)
	if s.passwordHash == "" {
		s.log.Warn("Login attempted but no operator password is configured")
		return "", invalid
	}
	if subtle.ConstantTimeCompare([]byte(username), []byte(s.user)) != 1 {
		return "", invalid
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err != nil {
		return "", invalid
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   s.user,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(tokenTTL)),
	})
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", ierr.WithError(err).WithMessage("failed to generate token").Mark(ierr.ErrFatal)
	}

	s.log.Infof("Operator logged in: %s", username)
	return tokenString, nil
}
