package natsx

import (
	"os"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveURL(t *testing.T) {
	t.Setenv("NATS_URL", "")
	assert.Equal(t, nats.DefaultURL, ResolveURL(""))
	assert.Equal(t, "nats://example:4222", ResolveURL("nats://example:4222"))

	t.Setenv("NATS_URL", "nats://from-env:4222")
	assert.Equal(t, "nats://from-env:4222", ResolveURL(""))
	assert.Equal(t, "nats://explicit:4222", ResolveURL("nats://explicit:4222"))
}

func TestNewClient(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}

	nc, err := NewClient("")
	require.NoError(t, err)
	defer nc.Close()
	assert.True(t, nc.IsConnected())
	assert.Equal(t, ClientName, nc.Opts.Name)
}
