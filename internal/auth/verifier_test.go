package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/charannyk06/shadower-analytics/internal/errors"
)

const (
	testKey    = "0123456789abcdef0123456789abcdef"
	rotatedKey = "fedcba9876543210fedcba9876543210"
)

func signToken(t *testing.T, key string, subject string, workspaces []string, role string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, gatewayClaims{
		Workspaces: workspaces,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString([]byte(key))
	require.NoError(t, err)
	return signed
}

func errorType(t *testing.T, err error) apperrors.ErrorType {
	t.Helper()
	structured := apperrors.AsStructuredError(err)
	require.NotNil(t, structured)
	return structured.Type
}

func TestVerifier_ValidCredential(t *testing.T) {
	clock := clockwork.NewFakeClock()
	verifier, err := NewVerifier([]string{testKey}, clock)
	require.NoError(t, err)

	expiry := clock.Now().Add(time.Hour)
	credential := signToken(t, testKey, "user-1", []string{"ws-1", "ws-2"}, "viewer", expiry)

	principal, err := verifier.Verify(credential)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.SubjectID)
	assert.Equal(t, []string{"ws-1", "ws-2"}, principal.WorkspaceIDs)
	assert.Equal(t, "viewer", principal.Role)
	assert.WithinDuration(t, expiry, principal.ExpiresAt, time.Second)
}

func TestVerifier_ExpiredCredential(t *testing.T) {
	clock := clockwork.NewFakeClock()
	verifier, err := NewVerifier([]string{testKey}, clock)
	require.NoError(t, err)

	credential := signToken(t, testKey, "user-1", []string{"ws-1"}, "viewer", clock.Now().Add(time.Minute))
	clock.Advance(2 * time.Minute)

	_, err = verifier.Verify(credential)
	require.Error(t, err)
	assert.Equal(t, apperrors.TypeExpired, errorType(t, err))
}

func TestVerifier_BadSignature(t *testing.T) {
	clock := clockwork.NewFakeClock()
	verifier, err := NewVerifier([]string{testKey}, clock)
	require.NoError(t, err)

	credential := signToken(t, "wrong-key-wrong-key-wrong-key-00", "user-1", []string{"ws-1"}, "viewer", clock.Now().Add(time.Hour))

	_, err = verifier.Verify(credential)
	require.Error(t, err)
	assert.Equal(t, apperrors.TypeUnauthenticated, errorType(t, err))
}

func TestVerifier_MalformedCredential(t *testing.T) {
	clock := clockwork.NewFakeClock()
	verifier, err := NewVerifier([]string{testKey}, clock)
	require.NoError(t, err)

	for _, credential := range []string{"", "not-a-token", "a.b"} {
		_, err := verifier.Verify(credential)
		require.Error(t, err, "credential %q should fail", credential)
		assert.Equal(t, apperrors.TypeMalformed, errorType(t, err))
	}
}

func TestVerifier_KeyRotation(t *testing.T) {
	clock := clockwork.NewFakeClock()

	// Newest key first; tokens signed with the previous key still verify.
	verifier, err := NewVerifier([]string{rotatedKey, testKey}, clock)
	require.NoError(t, err)

	oldCredential := signToken(t, testKey, "user-1", []string{"ws-1"}, "viewer", clock.Now().Add(time.Hour))
	newCredential := signToken(t, rotatedKey, "user-2", []string{"ws-2"}, "admin", clock.Now().Add(time.Hour))

	principal, err := verifier.Verify(oldCredential)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.SubjectID)

	principal, err = verifier.Verify(newCredential)
	require.NoError(t, err)
	assert.Equal(t, "user-2", principal.SubjectID)
}

func TestVerifier_MissingSubject(t *testing.T) {
	clock := clockwork.NewFakeClock()
	verifier, err := NewVerifier([]string{testKey}, clock)
	require.NoError(t, err)

	credential := signToken(t, testKey, "", []string{"ws-1"}, "viewer", clock.Now().Add(time.Hour))

	_, err = verifier.Verify(credential)
	require.Error(t, err)
	assert.Equal(t, apperrors.TypeMalformed, errorType(t, err))
}

func TestPrincipal_AllowsWorkspace(t *testing.T) {
	p := &Principal{WorkspaceIDs: []string{"ws-1", "ws-2"}}
	assert.True(t, p.AllowsWorkspace("ws-1"))
	assert.True(t, p.AllowsWorkspace("ws-2"))
	assert.False(t, p.AllowsWorkspace("ws-3"))
	assert.False(t, p.AllowsWorkspace(""))
}
