package adapters

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaypoint/internal/config"
	"relaypoint/internal/types"
)

var signedAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestSignPayload_CurrentSecretOnly(t *testing.T) {
	header, err := SignPayload([]byte(`{"a":1}`), SigningConfig{Secret: "s1"}, signedAt)
	require.NoError(t, err)

	assert.Contains(t, header, fmt.Sprintf("t=%d", signedAt.Unix()))
	assert.Contains(t, header, "v1=")
	assert.NotContains(t, header, "v1_old=")
	assert.True(t, VerifyPayload([]byte(`{"a":1}`), header, "s1", ""))
}

func TestSignPayload_EmptySecret(t *testing.T) {
	_, err := SignPayload([]byte("x"), SigningConfig{}, signedAt)
	require.Error(t, err)
}

func TestSignPayload_RotationWindowOpen(t *testing.T) {
	cfg := SigningConfig{
		Secret:         "new",
		PreviousSecret: "old",
		PreviousExpiry: signedAt.Add(time.Hour),
	}
	header, err := SignPayload([]byte("body"), cfg, signedAt)
	require.NoError(t, err)

	assert.Contains(t, header, "v1_old=")
	// A receiver still holding only the old secret verifies via v1_old.
	assert.True(t, VerifyPayload([]byte("body"), header, "", "old"))
	assert.True(t, VerifyPayload([]byte("body"), header, "new", ""))
}

func TestSignPayload_RotationWindowClosed(t *testing.T) {
	cfg := SigningConfig{
		Secret:         "new",
		PreviousSecret: "old",
		PreviousExpiry: signedAt.Add(-time.Minute),
	}
	header, err := SignPayload([]byte("body"), cfg, signedAt)
	require.NoError(t, err)

	assert.NotContains(t, header, "v1_old=")
}

func TestSignPayload_NoExpiryOmitsOldSignature(t *testing.T) {
	header, err := SignPayload([]byte("body"), SigningConfig{Secret: "new", PreviousSecret: "old"}, signedAt)
	require.NoError(t, err)
	assert.NotContains(t, header, "v1_old=")
}

func TestVerifyPayload_Rejections(t *testing.T) {
	header, err := SignPayload([]byte("body"), SigningConfig{Secret: "s1"}, signedAt)
	require.NoError(t, err)

	assert.False(t, VerifyPayload([]byte("tampered"), header, "s1", ""))
	assert.False(t, VerifyPayload([]byte("body"), header, "wrong", ""))
	assert.False(t, VerifyPayload([]byte("body"), "not-a-header", "s1", ""))
	assert.False(t, VerifyPayload([]byte("body"), "t=123", "s1", ""))
}

func TestVerifyPayload_SenderRotatedReceiverNot(t *testing.T) {
	// Sender already signs with the new secret only; receiver still has the
	// outgoing secret recorded as "previous".
	header, err := SignPayload([]byte("body"), SigningConfig{Secret: "s2"}, signedAt)
	require.NoError(t, err)
	assert.True(t, VerifyPayload([]byte("body"), header, "s1", "s2"))
}

func TestSigningFromConfig(t *testing.T) {
	sc := SigningFromConfig(config.ChatConfig{
		SigningSecret:         types.SecretString("cur"),
		PreviousSigningSecret: types.SecretString("prev"),
		PreviousSecretExpiry:  "2025-06-01T13:00:00Z",
	})
	assert.Equal(t, "cur", sc.Secret)
	assert.Equal(t, "prev", sc.PreviousSecret)
	assert.Equal(t, time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC), sc.PreviousExpiry)

	// Malformed expiry keeps the window closed.
	sc = SigningFromConfig(config.ChatConfig{
		SigningSecret:        types.SecretString("cur"),
		PreviousSecretExpiry: "yesterday",
	})
	assert.True(t, sc.PreviousExpiry.IsZero())
}
