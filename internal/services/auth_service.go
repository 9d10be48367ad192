package services

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type TokenSigner func(email string, ttl time.Duration) (string, error)

// OperatorAuthService authenticates the single configured operator. The
// permitted identity lives in configuration, checked per request; there is no
// process-wide allowlist to mutate.
type OperatorAuthService struct {
	email        string
	passwordHash []byte
	signToken    TokenSigner
	tokenTTL     time.Duration
}

type AuthResult struct {
	Token string `json:"token"`
	Email string `json:"email"`
}

func NewOperatorAuthService(email, passwordHash string, signer TokenSigner) *OperatorAuthService {
	return &OperatorAuthService{
		email:        strings.TrimSpace(email),
		passwordHash: []byte(passwordHash),
		signToken:    signer,
		tokenTTL:     12 * time.Hour,
	}
}

func (s *OperatorAuthService) Login(email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || strings.TrimSpace(password) == "" {
		return nil, NewInvalidValueError("email/password required")
	}
	if s.email == "" || len(s.passwordHash) == 0 {
		return nil, NewUnauthorizedError("operator access not configured")
	}
	if email != s.email {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return nil, NewUnauthorizedError("invalid credentials")
	}
	if s.signToken == nil {
		return nil, NewUnauthorizedError("token signer not configured")
	}
	token, err := s.signToken(email, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, Email: email}, nil
}
