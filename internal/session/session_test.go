package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "bankbridge/pkg/domain-errors"
)

func TestSessionRoundTrip(t *testing.T) {
	m := NewManager("test-key", 30*time.Minute)

	token, err := m.Issue("client-a")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	clientID, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "client-a", clientID)
}

func TestSessionExpiry(t *testing.T) {
	now := time.Now()
	m := NewManager("test-key", 30*time.Minute, WithClock(func() time.Time { return now }))

	token, err := m.Issue("client-a")
	require.NoError(t, err)

	now = now.Add(31 * time.Minute)
	_, err = m.Verify(token)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestSessionWrongKey(t *testing.T) {
	token, err := NewManager("key-one", time.Hour).Issue("client-a")
	require.NoError(t, err)

	_, err = NewManager("key-two", time.Hour).Verify(token)
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func TestSessionGarbageToken(t *testing.T) {
	_, err := NewManager("test-key", time.Hour).Verify("not.a.token")
	require.Error(t, err)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
}
