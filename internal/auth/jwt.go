// Package auth issues and validates the session tokens that carry a user's
// identity. The socket layer treats a token as the opaque session record: it
// is verified once at connect time and re-verified by each connection's
// keep-alive timer.
package auth

import (
	"errors"
	"fmt"
	"time"

	"socialink/internal/normalize"

	"github.com/golang-jwt/jwt/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// JWTManager signs and validates session tokens.
type JWTManager struct {
	// keys maps key id -> HMAC secret. With a single anonymous key the kid
	// header is omitted for backward compatibility.
	keys      map[string]string
	activeKid string
	duration  time.Duration
}

// Claims is the session payload (user id + email).
type Claims struct {
	UserID               string `json:"user_id"` // ObjectID hex
	Email                string `json:"email"`
	jwt.RegisteredClaims        // ExpiresAt, IssuedAt, etc.
}

// NewJWTManager returns a manager using a single signing secret.
func NewJWTManager(secretKey string, duration time.Duration) *JWTManager {
	return &JWTManager{
		keys:     map[string]string{"": secretKey},
		duration: duration,
	}
}

// NewJWTManagerFromKeys returns a manager holding several keyed secrets so
// tokens signed under an older kid stay valid while new tokens are issued
// under activeKid.
func NewJWTManagerFromKeys(keys map[string]string, activeKid string, duration time.Duration) *JWTManager {
	return &JWTManager{
		keys:      keys,
		activeKid: activeKid,
		duration:  duration,
	}
}

// GenerateToken issues a signed session token for a user.
func (m *JWTManager) GenerateToken(userID bson.ObjectID, email string) (string, time.Time, error) {
	expiresAt := time.Now().Add(m.duration)

	claims := &Claims{
		UserID: userID.Hex(),
		Email:  normalize.Email(email),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	secret, ok := m.keys[m.activeKid]
	if !ok {
		return "", time.Time{}, fmt.Errorf("no signing key for kid %q", m.activeKid)
	}
	if m.activeKid != "" {
		token.Header["kid"] = m.activeKid
	}

	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// VerifyToken parses and validates a session token and returns its claims.
// An expired or tampered token fails here; callers translate that into the
// unauthorized protocol event.
func (m *JWTManager) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid := ""
		if v, ok := token.Header["kid"].(string); ok {
			kid = v
		}
		secret, ok := m.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown signing key id %q", kid)
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// Subject returns the claims' user id as an ObjectID.
func (c *Claims) Subject() (bson.ObjectID, error) {
	return bson.ObjectIDFromHex(c.UserID)
}
