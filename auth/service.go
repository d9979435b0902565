package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers every malformed, expired or badly signed token.
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrMissingSecret signals that the verifier was built without a signing key.
	ErrMissingSecret = errors.New("auth: jwt secret is required")
)

// TokenVerifier issues and verifies HS256 bearer tokens.
type TokenVerifier struct {
	secret []byte
	users  Users
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenVerifier creates a verifier. users may be nil, in which case the role embedded in
// the token is trusted as is.
func NewTokenVerifier(secret string, users Users) (*TokenVerifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &TokenVerifier{
		secret: []byte(secret),
		users:  users,
		ttl:    24 * time.Hour,
		now:    time.Now,
	}, nil
}

func (v *TokenVerifier) WithTTL(ttl time.Duration) *TokenVerifier {
	if ttl > 0 {
		v.ttl = ttl
	}
	return v
}

func (v *TokenVerifier) WithNow(now func() time.Time) *TokenVerifier {
	if now != nil {
		v.now = now
	}
	return v
}

// Issue signs a token for the given user. Used by operators and tests; end-user login lives
// outside this service.
func (v *TokenVerifier) Issue(userID string, role Role) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("auth: user id is required")
	}
	if !isValidRole(role) {
		return "", fmt.Errorf("auth: invalid role %q", role)
	}
	now := v.now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"role":    string(role),
		"exp":     now.Add(v.ttl).Unix(),
		"iat":     now.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates a token and returns its subject. When a Users store is configured
// the subject must still exist, and its stored role wins over the claim.
func (v *TokenVerifier) VerifyToken(ctx context.Context, tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return Principal{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	roleStr, ok := claims["role"].(string)
	if !ok || !isValidRole(Role(roleStr)) {
		return Principal{}, fmt.Errorf("%w: invalid role %q", ErrInvalidToken, roleStr)
	}

	p := Principal{UserID: userID, Role: Role(roleStr)}
	if v.users == nil {
		return p, nil
	}
	role, err := v.users.GetRole(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	if isValidRole(role) {
		p.Role = role
	}
	return p, nil
}
