package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "unit-test-secret"

func TestGenerateAndParseToken(t *testing.T) {
	token, err := GenerateToken(testSecret, "cus-1", "customer", time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "cus-1", claims.Subject)
	assert.Equal(t, "customer", claims.Role)
}

func TestGenerateToken_RejectsEmptyInputs(t *testing.T) {
	_, err := GenerateToken(testSecret, "", "customer", time.Hour)
	assert.Error(t, err)

	_, err = GenerateToken("", "cus-1", "customer", time.Hour)
	assert.Error(t, err)
}

func TestParseToken_RejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken(testSecret, "cus-1", "customer", time.Hour)
	require.NoError(t, err)

	_, err = ParseToken("another-secret", token)
	assert.Error(t, err)
}

func TestParseToken_RejectsExpiredToken(t *testing.T) {
	// 过期两分钟，超出 30 秒的时钟容差
	now := time.Now()
	claims := Claims{
		Role: "customer",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "cus-1",
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(now.Add(-2 * time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = ParseToken(testSecret, token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestParseToken_RejectsAlgorithmSubstitution(t *testing.T) {
	claims := Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "adm-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = ParseToken(testSecret, unsigned)
	assert.Error(t, err)
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{"标准前缀", "Bearer tok123", "tok123", true},
		{"小写前缀", "bearer tok123", "tok123", true},
		{"裸 token", "tok123", "tok123", true},
		{"空头", "", "", false},
		{"只有前缀", "Bearer ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractBearer(tt.header)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
