package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTypeSessionJoin is the claim discriminator for session join tokens.
// Tokens minted for any other purpose are rejected at the handshake.
const TokenTypeSessionJoin = "session_join"

// Verification failure kinds. The websocket handshake collapses all of these
// into an unauthorized rejection; the distinction exists for logs and tests.
var (
	ErrMalformed            = errors.New("malformed token")
	ErrUnsupportedAlgorithm = errors.New("unsupported token algorithm")
	ErrBadSignature         = errors.New("bad token signature")
	ErrExpired              = errors.New("token expired")
	ErrWrongType            = errors.New("wrong token type")
)

// JoinClaims is the signed claim set authorizing a role in a session.
type JoinClaims struct {
	TokenType string `json:"typ"`
	SessionID string `json:"session_id"`
	OrgID     string `json:"org_id"`
	Role      string `json:"role"`
	jwt.RegisteredClaims
}

// Codec signs and verifies session join tokens with a symmetric secret.
//
// Signing is deterministic for identical claims: HS256 with no random nonce,
// so re-minting the same claims yields the same token.
type Codec struct {
	secret []byte
}

// NewCodec creates a codec from the server-held signing secret.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("session token secret must not be empty")
	}
	return &Codec{secret: []byte(secret)}, nil
}

// Sign produces a compact HS256 token for the given claims.
func (c *Codec) Sign(claims JoinClaims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign join token: %w", err)
	}
	return signed, nil
}

// Mint builds and signs a join token for a role in a session, valid for ttl.
func (c *Codec) Mint(sessionID, orgID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	return c.Sign(JoinClaims{
		TokenType: TokenTypeSessionJoin,
		SessionID: sessionID,
		OrgID:     orgID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

// Verify checks the token signature and expiry and returns the claims.
//
// A missing exp claim is accepted: expiry is optional at this layer and the
// session record enforces its own TTL. The signature comparison is
// constant-time (crypto/hmac inside the jwt library).
func (c *Codec) Verify(tokenString string) (*JoinClaims, error) {
	claims := &JoinClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnsupportedAlgorithm
		}
		return c.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrUnsupportedAlgorithm):
			return nil, ErrUnsupportedAlgorithm
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, ErrBadSignature
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrExpired
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformed
		default:
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return claims, nil
}

// VerifyJoin verifies the token and additionally requires the session_join
// claim type. Use this for connection admission.
func (c *Codec) VerifyJoin(tokenString string) (*JoinClaims, error) {
	claims, err := c.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.TokenType != TokenTypeSessionJoin {
		return nil, ErrWrongType
	}
	return claims, nil
}

// DecodeUnsafe parses the claims segment without verifying the signature.
//
// It returns nil on any malformation and must never feed authorization
// decisions; it exists for diagnostics only.
func DecodeUnsafe(tokenString string) *JoinClaims {
	claims := &JoinClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil
	}
	return claims
}
