// Package tunnel defines the capability boundary for exposing the gateway's
// admin surface through an HTTPS tunnel (e.g. for remote dashboard access).
// The actual tunnel supervisor is out of scope; only the interface and a
// mock polled by the health checker live here.
package tunnel

import "context"

// Status mirrors spec §6's Tunnel capability enum exactly.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
	StatusError    Status = "ERROR"
)

// Config carries whatever the external tunnel supervisor needs to start a
// session; the core never inspects its fields, only passes it through.
type Config struct {
	URL string
}

// Tunnel reports the state of whatever external ingress mechanism exposes
// the gateway to the internet, if one is configured. The core dispatch path
// never depends on it; only the health check reads its status.
type Tunnel interface {
	Start(ctx context.Context, cfg Config) error
	Stop(ctx context.Context) error
	Status(ctx context.Context) (Status, string, error)
}

// Mock is a no-op tunnel used in development where no real supervisor is
// wired in; it is never consulted by the core dispatch path, only by the
// health check.
type Mock struct {
	URL     string
	running bool
}

func NewMock(url string) *Mock {
	return &Mock{URL: url, running: url != ""}
}

func (m *Mock) Start(ctx context.Context, cfg Config) error {
	m.URL = cfg.URL
	m.running = true
	return nil
}

func (m *Mock) Stop(ctx context.Context) error {
	m.running = false
	return nil
}

func (m *Mock) Status(ctx context.Context) (Status, string, error) {
	if !m.running {
		return StatusInactive, "", nil
	}
	return StatusActive, m.URL, nil
}
