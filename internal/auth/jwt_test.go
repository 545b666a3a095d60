package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestGenerateAndValidateToken(t *testing.T) {
	token, exp, err := GenerateToken(testSecret, "backend", []Role{RoleService}, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, 5*time.Second)

	claims, err := ValidateToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "backend", claims.Subject)
	assert.Equal(t, []string{"service"}, claims.Roles)
	assert.True(t, claims.HasRole(RoleService))
	assert.True(t, claims.HasRole(RoleViewer))
	assert.False(t, claims.HasRole(RoleOperator))
}

func TestValidateToken_Rejects(t *testing.T) {
	valid, _, err := GenerateToken(testSecret, "backend", []Role{RoleOperator}, time.Hour)
	require.NoError(t, err)

	expired, _, err := GenerateToken(testSecret, "backend", []Role{RoleOperator}, -time.Minute)
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &ServiceClaims{
		Roles:            []string{"operator"},
		RegisteredClaims: jwt.RegisteredClaims{Subject: "x", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		secret []byte
	}{
		{"wrong secret", valid, []byte(strings.Repeat("x", 32))},
		{"expired", expired, testSecret},
		{"alg none", unsigned, testSecret},
		{"garbage", "not.a.token", testSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateToken(tt.token, tt.secret)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestGenerateToken_Validation(t *testing.T) {
	_, _, err := GenerateToken([]byte("short"), "backend", []Role{RoleService}, time.Hour)
	assert.Error(t, err)

	_, _, err = GenerateToken(testSecret, "", []Role{RoleService}, time.Hour)
	assert.Error(t, err)

	_, _, err = GenerateToken(testSecret, "backend", []Role{"root"}, time.Hour)
	assert.Error(t, err)
}

func TestRole_HasPermission(t *testing.T) {
	assert.True(t, RoleOperator.HasPermission(RoleService))
	assert.True(t, RoleService.HasPermission(RoleService))
	assert.True(t, RoleService.HasPermission(RoleViewer))
	assert.False(t, RoleViewer.HasPermission(RoleService))
	assert.False(t, RoleService.HasPermission(RoleOperator))
	assert.False(t, Role("root").HasPermission(RoleViewer))
}
