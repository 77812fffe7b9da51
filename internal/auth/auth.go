package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tradefloor/internal/models"
)

// Service issues and verifies the session-scoped identity tokens handed out
// on session creation and join. The core trusts the user id a verified
// token carries; proving the caller controls it is this service's job.
type Service struct {
	secret   []byte
	tokenTTL time.Duration
}

// Claims identify one user within one session.
type Claims struct {
	UserID    string
	SessionID string
	Role      models.UserRole
}

func NewService(secret string) *Service {
	return &Service{secret: []byte(secret), tokenTTL: 24 * time.Hour}
}

// IssueToken signs a token binding the user to the session with its role.
func (s *Service) IssueToken(userID, sessionID string, role models.UserRole) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":    userID,
		"session_id": sessionID,
		"role":       string(role),
		"exp":        time.Now().Add(s.tokenTTL).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses a token and extracts its claims.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	userID, _ := claims["user_id"].(string)
	sessionID, _ := claims["session_id"].(string)
	role, _ := claims["role"].(string)
	if userID == "" || sessionID == "" {
		return nil, fmt.Errorf("token missing identity claims")
	}
	return &Claims{
		UserID:    userID,
		SessionID: sessionID,
		Role:      models.UserRole(role),
	}, nil
}
