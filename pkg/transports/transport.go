package transports

import (
	"context"
	"net/http"
)

// Transport is a client-facing leg that feeds connections into the
// sequencer. Implementations mount their handlers on the shared mux.
type Transport interface {
	Name() string
	Mount(mux *http.ServeMux)
	// Start binds the base context handed to every connection loop.
	Start(ctx context.Context) error
	// Stop refuses new connections and closes the open ones.
	Stop() error
}

// OutboundDialer allows transports to initiate outbound calls.
type OutboundDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// ReadyReporter allows transports to expose readiness metadata (e.g., webhook URLs).
// Implementations are optional and used for informational logging only.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
