package github

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prcopilot/internal/triage"
)

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{Token: "ghp_x"})
	assert.NoError(t, err)

	// App mode needs the full triple.
	_, err = New(Config{AppID: 1, InstallationID: 2})
	assert.Error(t, err)
}

func TestExpiredContextDuringRateLimitWaitIsTransient(t *testing.T) {
	c, err := New(Config{Token: "ghp_x"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.RequestInfo(ctx, triage.ChangeRequestKey{Repo: "acme/widgets", Number: 7})
	require.Error(t, err)
	assert.ErrorIs(t, err, triage.ErrUpstreamUnavailable,
		"a deadline dying in the limiter wait must feed the retry policy")
}
