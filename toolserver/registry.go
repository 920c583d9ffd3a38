package toolserver

import (
	"context"
	"net/http"
	"sync"
)

// registry is a per-URL singleton of tool-server clients. Detection runs at
// most once per URL; concurrent callers for the same URL share one
// underlying transport, which matters for SSE handshakes in particular.
// Eviction is not required: a stale or dead entry lives until the process
// restarts.
type registry struct {
	mu         sync.Mutex
	entries    map[string]*entry
	httpClient *http.Client
}

type entry struct {
	once   sync.Once
	client Client
	err    error
}

// defaultRegistry is the process-wide singleton used by Get.
var defaultRegistry = newRegistry(http.DefaultClient)

func newRegistry(httpClient *http.Client) *registry {
	return &registry{entries: make(map[string]*entry), httpClient: httpClient}
}

// Get returns the shared Client for baseURL, running protocol detection on
// first use and caching the result for subsequent callers.
func Get(ctx context.Context, baseURL string) (Client, error) {
	return defaultRegistry.get(ctx, baseURL)
}

func (r *registry) get(ctx context.Context, baseURL string) (Client, error) {
	r.mu.Lock()
	e, ok := r.entries[baseURL]
	if !ok {
		e = &entry{}
		r.entries[baseURL] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		kind, err := detectProtocol(ctx, baseURL, r.httpClient)
		if err != nil {
			e.err = err
			return
		}
		e.client, e.err = newClientForProtocol(ctx, kind, baseURL, r.httpClient)
	})

	return e.client, e.err
}
