package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llm_wallet/internal/auth"
	"llm_wallet/internal/storage"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestWalletCommands(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "wallet.db")
	db := []string{"--driver", storage.DriverSQLite, "--dsn", dsn}

	out, err := runCLI(t, append([]string{"migrate"}, db...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Schema is up to date")

	reconcile := append([]string{"reconcile", "--provider", "stripe", "--tx", "cs_1", "--user", "u1", "--cents", "1000"}, db...)
	out, err = runCLI(t, reconcile...)
	require.NoError(t, err)
	assert.Contains(t, out, "Credited $10.00 to u1")

	out, err = runCLI(t, reconcile...)
	require.NoError(t, err)
	assert.Contains(t, out, "Already credited")

	out, err = runCLI(t, append([]string{"reset-allowance", "u1", "--cents", "500", "--tier", "subscriber"}, db...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "$5.00 allowance")

	out, err = runCLI(t, append([]string{"balance", "u1"}, db...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Plan:       subscriber")
	assert.Contains(t, out, "Available:  $15.00")
	assert.Contains(t, out, "stripe:cs_1")

	_, err = runCLI(t, append([]string{"balance", "nobody"}, db...)...)
	assert.Error(t, err)

	_, err = runCLI(t, append([]string{"reset-allowance", "u1", "--cents", "500", "--tier", "gold"}, db...)...)
	assert.Error(t, err)

	out, err = runCLI(t, append([]string{"report", "--user", "u1", "--from", "2026-10-01", "--to", "2026-11-01"}, db...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "TOTAL")
	assert.Contains(t, out, "$0.00")

	_, err = runCLI(t, append([]string{"report", "--user", "u1", "--from", "2026-11-01", "--to", "2026-10-01"}, db...)...)
	assert.Error(t, err)
}

func TestMissingDSN(t *testing.T) {
	_, err := runCLI(t, "migrate", "--dsn", "")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	out, err := runCLI(t, "token", "backend", "--secret", testSecret, "--roles", "operator", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := auth.ValidateToken(strings.TrimSpace(out), []byte(testSecret))
	require.NoError(t, err)
	assert.Equal(t, "backend", claims.Subject)
	assert.True(t, claims.HasRole(auth.RoleOperator))

	_, err = runCLI(t, "token", "backend", "--secret", testSecret, "--roles", "root")
	assert.Error(t, err)

	_, err = runCLI(t, "token", "backend", "--secret", "short", "--roles", "service")
	assert.Error(t, err)
}

func TestFormatCents(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{0, "$0.00"},
		{5, "$0.05"},
		{1234, "$12.34"},
		{-250, "-$2.50"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatCents(tt.cents))
	}
}
