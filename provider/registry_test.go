package provider

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/relaycore/orchestrator/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAdapter implements Adapter for registry tests.
type mockAdapter struct {
	name string
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Call(ctx context.Context, req *Request) (*message.ProviderResponse, error) {
	return &message.ProviderResponse{Content: "mock response"}, nil
}

func (m *mockAdapter) CallStream(ctx context.Context, req *Request) (*message.ProviderResponse, *StreamingHandle, error) {
	return &message.ProviderResponse{Content: "mock response"}, nil, nil
}

func clearRegistry() {
	mu.Lock()
	defer mu.Unlock()
	registry = make(map[string]func() (Adapter, error))
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name         string
		providerName string
		factory      func() (Adapter, error)
	}{
		{
			name:         "register single provider",
			providerName: "test-provider",
			factory: func() (Adapter, error) {
				return &mockAdapter{name: "test-provider"}, nil
			},
		},
		{
			name:         "register with different name",
			providerName: "another-provider",
			factory: func() (Adapter, error) {
				return &mockAdapter{name: "another-provider"}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearRegistry()

			Register(tt.providerName, tt.factory)
			assert.True(t, IsRegistered(tt.providerName))
		})
	}
}

func TestRegister_Overwrite(t *testing.T) {
	clearRegistry()

	Register("test", func() (Adapter, error) {
		return &mockAdapter{name: "first"}, nil
	})
	Register("test", func() (Adapter, error) {
		return &mockAdapter{name: "second"}, nil
	})

	p, err := Get("test")
	require.NoError(t, err)
	assert.Equal(t, "second", p.Name())
}

func TestGet(t *testing.T) {
	tests := []struct {
		name         string
		setup        func()
		providerName string
		wantErr      bool
		wantName     string
	}{
		{
			name: "get existing provider",
			setup: func() {
				Register("existing", func() (Adapter, error) {
					return &mockAdapter{name: "existing"}, nil
				})
			},
			providerName: "existing",
			wantName:     "existing",
		},
		{
			name:         "get unknown provider",
			setup:        func() {},
			providerName: "unknown",
			wantErr:      true,
		},
		{
			name: "factory returns error",
			setup: func() {
				Register("error-factory", func() (Adapter, error) {
					return nil, errors.New("factory error")
				})
			},
			providerName: "error-factory",
			wantErr:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearRegistry()
			tt.setup()

			p, err := Get(tt.providerName)

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())
		})
	}
}

func TestGet_ErrorIncludesAvailable(t *testing.T) {
	clearRegistry()

	Register("provider-a", func() (Adapter, error) {
		return &mockAdapter{name: "provider-a"}, nil
	})
	Register("provider-b", func() (Adapter, error) {
		return &mockAdapter{name: "provider-b"}, nil
	})

	_, err := Get("unknown")
	require.Error(t, err)

	errStr := err.Error()
	assert.Contains(t, errStr, "unknown")
	assert.Contains(t, errStr, "provider-a")
	assert.Contains(t, errStr, "provider-b")
}

func TestAvailable(t *testing.T) {
	tests := []struct {
		name      string
		setup     func()
		wantCount int
	}{
		{name: "empty registry", setup: func() {}, wantCount: 0},
		{
			name: "single provider",
			setup: func() {
				Register("single", func() (Adapter, error) { return &mockAdapter{}, nil })
			},
			wantCount: 1,
		},
		{
			name: "multiple providers",
			setup: func() {
				Register("one", func() (Adapter, error) { return &mockAdapter{}, nil })
				Register("two", func() (Adapter, error) { return &mockAdapter{}, nil })
				Register("three", func() (Adapter, error) { return &mockAdapter{}, nil })
			},
			wantCount: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearRegistry()
			tt.setup()

			assert.Len(t, Available(), tt.wantCount)
		})
	}
}

func TestIsRegistered(t *testing.T) {
	tests := []struct {
		name         string
		setup        func()
		providerName string
		want         bool
	}{
		{
			name: "registered provider",
			setup: func() {
				Register("registered", func() (Adapter, error) { return &mockAdapter{}, nil })
			},
			providerName: "registered",
			want:         true,
		},
		{
			name:         "unregistered provider",
			setup:        func() {},
			providerName: "unregistered",
			want:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearRegistry()
			tt.setup()

			assert.Equal(t, tt.want, IsRegistered(tt.providerName))
		})
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	clearRegistry()

	Register("concurrent", func() (Adapter, error) {
		return &mockAdapter{name: "concurrent"}, nil
	})

	var wg sync.WaitGroup
	iterations := 100

	for i := 0; i < iterations; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = Get("concurrent")
			_ = Available()
			_ = IsRegistered("concurrent")
		}()
	}

	for i := 0; i < iterations; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			Register("concurrent", func() (Adapter, error) {
				return &mockAdapter{name: "concurrent"}, nil
			})
		}(i)
	}

	wg.Wait()

	assert.True(t, IsRegistered("concurrent"))
}
