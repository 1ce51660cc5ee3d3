package sessiontoken_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/core/pkg/sessiontoken"
)

func TestIssueAndValidateRoundTrip(t *testing.T) {
	iss := sessiontoken.NewIssuer([]byte("super-secret"), time.Hour)
	token, exp, err := iss.Issue("sess-1", "worker-1", "tenant-a", 0)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Greater(t, exp, time.Now().Unix())

	claims, err := iss.Validate(token, "sess-1", "worker-1", "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", claims.Sid)
	assert.Equal(t, "worker-1", claims.Wid)
	assert.Equal(t, "tenant-a", claims.Tenant)
}

func TestValidateRejectsFieldMismatch(t *testing.T) {
	iss := sessiontoken.NewIssuer([]byte("secret"), time.Hour)
	token, _, err := iss.Issue("sess-1", "worker-1", "tenant-a", 0)
	require.NoError(t, err)

	_, err = iss.Validate(token, "sess-1", "worker-2", "tenant-a")
	assert.ErrorIs(t, err, sessiontoken.ErrInvalidToken)

	_, err = iss.Validate(token, "sess-1", "worker-1", "tenant-b")
	assert.ErrorIs(t, err, sessiontoken.ErrInvalidToken)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issA := sessiontoken.NewIssuer([]byte("secret-a"), time.Hour)
	issB := sessiontoken.NewIssuer([]byte("secret-b"), time.Hour)
	token, _, err := issA.Issue("sess-1", "worker-1", "tenant-a", 0)
	require.NoError(t, err)

	_, err = issB.Validate(token, "sess-1", "worker-1", "tenant-a")
	assert.ErrorIs(t, err, sessiontoken.ErrInvalidToken)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	iss := sessiontoken.NewIssuer([]byte("secret"), -time.Second)
	token, _, err := iss.Issue("sess-1", "worker-1", "tenant-a", 0)
	require.NoError(t, err)

	_, err = iss.Validate(token, "sess-1", "worker-1", "tenant-a")
	assert.ErrorIs(t, err, sessiontoken.ErrInvalidToken)
}

func TestValidateRejectsMalformedToken(t *testing.T) {
	iss := sessiontoken.NewIssuer([]byte("secret"), time.Hour)
	_, err := iss.Validate("not-a-token", "sess-1", "worker-1", "tenant-a")
	assert.ErrorIs(t, err, sessiontoken.ErrInvalidToken)
}
