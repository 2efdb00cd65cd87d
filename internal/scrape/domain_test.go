package scrape

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestDomainKeyNormalizes verifies path, query, and case differences
// collapse to one key while ports stay significant.
func TestDomainKeyNormalizes(t *testing.T) {
	t.Parallel()

	a, err := DomainKey("https://Example.COM/some/path?q=1")
	require.NoError(t, err)
	b, err := DomainKey("https://example.com/other")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, "https://example.com", a)

	withPort, err := DomainKey("https://example.com:8080/x")
	require.NoError(t, err)
	require.NotEqual(t, a, withPort)
	require.Equal(t, "https://example.com:8080", withPort)

	otherScheme, err := DomainKey("http://example.com/")
	require.NoError(t, err)
	require.NotEqual(t, a, otherScheme)
}

func TestDomainKeyRejectsRelative(t *testing.T) {
	t.Parallel()

	_, err := DomainKey("/just/a/path")
	require.Error(t, err)

	_, err = DomainKey("not a url at all\x00")
	require.Error(t, err)
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com:8080", Host("https://example.com:8080"))
	require.Equal(t, "example.com", Host("example.com"))
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, JobStatusQueued.Terminal())
	require.False(t, JobStatusRunning.Terminal())
	require.True(t, JobStatusCompleted.Terminal())
	require.True(t, JobStatusFailed.Terminal())
	require.True(t, JobStatusCancelled.Terminal())
}
