package natsx

import (
	"os"

	"github.com/nats-io/nats.go"
)

// ClientName is the connection name reported to the NATS server.
const ClientName = "triggerbus"

// NewClient connects to the NATS server at url. An empty url falls back to the
// NATS_URL environment variable and then to nats.DefaultURL. Without options the
// connection is named ClientName and uses compression.
func NewClient(url string, opts ...nats.Option) (*nats.Conn, error) {
	if len(opts) == 0 {
		opts = append(opts, nats.Name(ClientName), nats.Compression(true))
	}
	return nats.Connect(ResolveURL(url), opts...)
}

// ResolveURL returns url, or the fallback NewClient would use for an empty one.
func ResolveURL(url string) string {
	if url != "" {
		return url
	}
	if env := os.Getenv("NATS_URL"); env != "" {
		return env
	}
	return nats.DefaultURL
}
