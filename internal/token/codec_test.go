package token

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret-0123456789"

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	codec, err := NewCodec(testSecret)
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	return codec
}

func validClaims(exp time.Time) JoinClaims {
	return JoinClaims{
		TokenType: TokenTypeSessionJoin,
		SessionID: "ses_abc123",
		OrgID:     "org_xyz789",
		Role:      "controller",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now().Truncate(time.Second)),
			ExpiresAt: jwt.NewNumericDate(exp.Truncate(time.Second)),
		},
	}
}

func TestNewCodec_EmptySecret(t *testing.T) {
	if _, err := NewCodec(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	codec := newTestCodec(t)
	claims := validClaims(time.Now().Add(5 * time.Minute))

	signed, err := codec.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	got, err := codec.Verify(signed)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.TokenType != claims.TokenType ||
		got.SessionID != claims.SessionID ||
		got.OrgID != claims.OrgID ||
		got.Role != claims.Role {
		t.Errorf("claims changed in round trip: %+v", got)
	}
	if !got.ExpiresAt.Time.Equal(claims.ExpiresAt.Time) {
		t.Errorf("exp = %v, want %v", got.ExpiresAt.Time, claims.ExpiresAt.Time)
	}
}

func TestSign_Deterministic(t *testing.T) {
	codec := newTestCodec(t)
	claims := validClaims(time.Now().Add(time.Minute))

	a, err := codec.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	b, err := codec.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if a != b {
		t.Error("identical claims produced different tokens")
	}
}

func TestVerify_Expired(t *testing.T) {
	codec := newTestCodec(t)
	signed, err := codec.Sign(validClaims(time.Now().Add(-time.Minute)))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	_, err = codec.Verify(signed)
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestVerify_MissingExpiry(t *testing.T) {
	codec := newTestCodec(t)
	claims := validClaims(time.Time{})
	claims.ExpiresAt = nil

	signed, err := codec.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := codec.Verify(signed); err != nil {
		t.Fatalf("token without exp should verify, got %v", err)
	}
}

// Flipping any single bit of the decoded signature must fail verification
// with a signature error, never a success or panic.
func TestVerify_SignatureBitFlips(t *testing.T) {
	codec := newTestCodec(t)
	signed, err := codec.Sign(validClaims(time.Now().Add(time.Minute)))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	parts := strings.Split(signed, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments, want 3", len(parts))
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}

	for i := range sig {
		for bit := 0; bit < 8; bit++ {
			mutated := make([]byte, len(sig))
			copy(mutated, sig)
			mutated[i] ^= 1 << bit

			forged := parts[0] + "." + parts[1] + "." + base64.RawURLEncoding.EncodeToString(mutated)
			if _, err := codec.Verify(forged); !errors.Is(err, ErrBadSignature) {
				t.Fatalf("byte %d bit %d: err = %v, want ErrBadSignature", i, bit, err)
			}
		}
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	codec := newTestCodec(t)
	other, err := NewCodec("a-different-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}

	signed, err := other.Sign(validClaims(time.Now().Add(time.Minute)))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := codec.Verify(signed); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	codec := newTestCodec(t)

	for _, tc := range []string{
		"",
		"not-a-token",
		"one.two",
		"a.b.c.d",
		"!!!.???.***",
	} {
		if _, err := codec.Verify(tc); !errors.Is(err, ErrMalformed) {
			t.Errorf("Verify(%q) err = %v, want ErrMalformed", tc, err)
		}
	}
}

func TestVerify_UnsupportedAlgorithm(t *testing.T) {
	codec := newTestCodec(t)

	// Token signed with "none" must be rejected before any claim is trusted.
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims(time.Now().Add(time.Minute)))
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}

	if _, err := codec.Verify(signed); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("err = %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestVerifyJoin_WrongType(t *testing.T) {
	codec := newTestCodec(t)
	claims := validClaims(time.Now().Add(time.Minute))
	claims.TokenType = "api_access"

	signed, err := codec.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if _, err := codec.VerifyJoin(signed); !errors.Is(err, ErrWrongType) {
		t.Fatalf("err = %v, want ErrWrongType", err)
	}
}

func TestDecodeUnsafe(t *testing.T) {
	codec := newTestCodec(t)
	claims := validClaims(time.Now().Add(time.Minute))
	signed, err := codec.Sign(claims)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	// Destroying the signature must not matter: the decode is unverified.
	forged := signed[:strings.LastIndex(signed, ".")+1] + "AAAA"
	got := DecodeUnsafe(forged)
	if got == nil {
		t.Fatal("DecodeUnsafe returned nil for decodable claims")
	}
	if got.SessionID != claims.SessionID || got.Role != claims.Role {
		t.Errorf("decoded claims = %+v", got)
	}

	if DecodeUnsafe("garbage") != nil {
		t.Error("DecodeUnsafe should return nil for malformed input")
	}
	if DecodeUnsafe("a.b.c") != nil {
		t.Error("DecodeUnsafe should return nil for undecodable segments")
	}
}
