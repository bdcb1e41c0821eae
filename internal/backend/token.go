package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by VerifyJoinToken.
var (
	ErrTokenExpired = errors.New("backend: join token expired")
	ErrTokenInvalid = errors.New("backend: join token invalid")
)

// JoinClaims is the payload of a guest join token. A guest presenting a
// valid token may join the named group call under a synthetic identity,
// without holding an account.
type JoinClaims struct {
	GroupID     string `json:"grp"`
	GuestID     int64  `json:"gid"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// TokenMinter issues and verifies guest join tokens. The secret is shared
// between every member that should be able to admit guests; tokens are
// self-contained so standalone meshes can admit guests without a backend.
type TokenMinter struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenMinter(secret string, ttl time.Duration) *TokenMinter {
	if ttl == 0 {
		ttl = 60 * time.Minute
	}
	return &TokenMinter{secret: []byte(secret), ttl: ttl}
}

// MintJoinToken creates a signed token admitting one guest to a group call.
func (m *TokenMinter) MintJoinToken(groupID string, guestID int64, displayName string) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("backend: no join secret configured")
	}
	now := time.Now()
	claims := JoinClaims{
		GroupID:     groupID,
		GuestID:     guestID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// VerifyJoinToken checks the signature and expiry and returns the claims.
func (m *TokenMinter) VerifyJoinToken(tokenStr string) (*JoinClaims, error) {
	if len(m.secret) == 0 {
		return nil, errors.New("backend: no join secret configured")
	}
	var claims JoinClaims
	tok, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !tok.Valid || claims.GroupID == "" {
		return nil, ErrTokenInvalid
	}
	return &claims, nil
}

// VerifyGuest admits a guest into a group call: the presented token must
// verify and must have been minted for that group. This is the call
// package's GuestGate.
func (m *TokenMinter) VerifyGuest(groupID, token string) error {
	claims, err := m.VerifyJoinToken(token)
	if err != nil {
		return err
	}
	if claims.GroupID != groupID {
		return fmt.Errorf("%w: token minted for another group", ErrTokenInvalid)
	}
	return nil
}
