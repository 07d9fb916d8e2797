package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/cerberus/pkg/config"
)

// countingSource wraps a map and counts Load calls so tests can observe
// cache behavior.
type countingSource struct {
	mu       sync.Mutex
	policies map[string]Policy
	loads    int
	stores   int
	loadErr  error
}

func (s *countingSource) Load(ctx context.Context, module string) (Policy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.loadErr != nil {
		return Policy{}, false, s.loadErr
	}
	p, ok := s.policies[module]
	return p, ok, nil
}

func (s *countingSource) LoadAll(ctx context.Context) ([]Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	return out, nil
}

func (s *countingSource) Store(ctx context.Context, p Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores++
	s.policies[p.Module] = p
	return nil
}

func (s *countingSource) loadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}

func testPolicy(module string) Policy {
	return Policy{
		Module:      module,
		MaxRequests: 5,
		Window:      time.Minute,
		Block:       15 * time.Minute,
		Active:      true,
		Mode:        ModeEnforce,
	}
}

func TestProvider_Get_CachesResolvedPolicy(t *testing.T) {
	source := &countingSource{policies: map[string]Policy{
		"login": testPolicy("login"),
	}}
	provider := NewProvider(source, config.FallbackConfig{})

	first := provider.Get(context.Background(), "login")
	second := provider.Get(context.Background(), "login")

	assert.Equal(t, "login", first.Module)
	assert.Equal(t, 5, first.MaxRequests)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, source.loadCount(), "second Get should hit the cache")
}

func TestProvider_Get_UnknownModuleReturnsFallback(t *testing.T) {
	source := &countingSource{policies: map[string]Policy{}}
	provider := NewProvider(source, config.FallbackConfig{
		MaxRequests: 10000,
		Window:      config.Duration(time.Minute),
	})

	p := provider.Get(context.Background(), "unconfigured")

	assert.True(t, p.Fallback)
	assert.False(t, p.Active, "fallback policy must never enforce")
	assert.Equal(t, ModeMonitor, p.Mode)
	assert.Equal(t, 10000, p.MaxRequests)
	assert.Equal(t, "unconfigured", p.Module)

	// The fallback for a missing entry is cached like any other resolution.
	provider.Get(context.Background(), "unconfigured")
	assert.Equal(t, 1, source.loadCount())
}

func TestProvider_Get_SourceErrorReturnsFallbackUncached(t *testing.T) {
	source := &countingSource{
		policies: map[string]Policy{},
		loadErr:  errors.New("connection refused"),
	}
	provider := NewProvider(source, config.FallbackConfig{})

	p := provider.Get(context.Background(), "login")
	assert.True(t, p.Fallback)
	assert.False(t, p.Active)

	// Errors are not cached: the next Get retries the source.
	provider.Get(context.Background(), "login")
	assert.Equal(t, 2, source.loadCount())
}

func TestProvider_Update_PersistsAndInvalidates(t *testing.T) {
	source := &countingSource{policies: map[string]Policy{
		"login": testPolicy("login"),
	}}
	provider := NewProvider(source, config.FallbackConfig{})

	// Warm the cache.
	p := provider.Get(context.Background(), "login")
	require.Equal(t, 5, p.MaxRequests)

	updated := testPolicy("login")
	updated.MaxRequests = 20
	require.NoError(t, provider.Update(context.Background(), updated))

	p = provider.Get(context.Background(), "login")
	assert.Equal(t, 20, p.MaxRequests, "Get after Update must see the new policy")
	assert.Equal(t, 2, source.loadCount(), "update must invalidate the cache entry")
}

func TestProvider_Update_RejectsInvalidPolicy(t *testing.T) {
	source := &countingSource{policies: map[string]Policy{}}
	provider := NewProvider(source, config.FallbackConfig{})

	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"zero_window", func(p *Policy) { p.Window = 0 }},
		{"zero_block", func(p *Policy) { p.Block = 0 }},
		{"negative_max_requests", func(p *Policy) { p.MaxRequests = -1 }},
		{"empty_module", func(p *Policy) { p.Module = "" }},
		{"bad_mode", func(p *Policy) { p.Mode = "audit" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPolicy("login")
			tt.mutate(&p)

			err := provider.Update(context.Background(), p)
			require.Error(t, err)
			assert.Equal(t, 0, source.stores, "invalid policies must never reach the source")
		})
	}
}

func TestProvider_Update_ReadOnlySource(t *testing.T) {
	source := NewStaticSource(map[string]*config.PolicyConfig{
		"login": {
			MaxRequests: 5,
			Window:      config.Duration(time.Minute),
			Block:       config.Duration(time.Minute),
			Mode:        config.PolicyModeEnforce,
		},
	})
	provider := NewProvider(source, config.FallbackConfig{})

	err := provider.Update(context.Background(), testPolicy("login"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestProvider_InvalidateAll(t *testing.T) {
	source := &countingSource{policies: map[string]Policy{
		"login":  testPolicy("login"),
		"search": testPolicy("search"),
	}}
	provider := NewProvider(source, config.FallbackConfig{})

	provider.Get(context.Background(), "login")
	provider.Get(context.Background(), "search")
	require.Equal(t, 2, source.loadCount())

	provider.InvalidateAll()

	provider.Get(context.Background(), "login")
	provider.Get(context.Background(), "search")
	assert.Equal(t, 4, source.loadCount())
}

func TestProvider_All(t *testing.T) {
	source := &countingSource{policies: map[string]Policy{
		"login":  testPolicy("login"),
		"search": testPolicy("search"),
	}}
	provider := NewProvider(source, config.FallbackConfig{})

	policies, err := provider.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, policies, 2)
}

func TestStaticSource_LoadAllSorted(t *testing.T) {
	source := NewStaticSource(map[string]*config.PolicyConfig{
		"search": {MaxRequests: 100, Window: config.Duration(time.Minute), Block: config.Duration(time.Minute), Mode: config.PolicyModeMonitor},
		"login":  {MaxRequests: 5, Window: config.Duration(time.Minute), Block: config.Duration(15 * time.Minute), Mode: config.PolicyModeEnforce},
	})

	policies, err := source.LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "login", policies[0].Module)
	assert.Equal(t, "search", policies[1].Module)
}

func TestFromConfig(t *testing.T) {
	c := &config.PolicyConfig{
		MaxRequests:   5,
		Window:        config.Duration(time.Minute),
		Block:         config.Duration(15 * time.Minute),
		WarnThreshold: 2,
		Enabled:       config.BoolPtr(true),
		Mode:          config.PolicyModeEnforce,
		FailClosed:    true,
	}

	p := FromConfig("login", c)

	assert.Equal(t, "login", p.Module)
	assert.Equal(t, 5, p.MaxRequests)
	assert.Equal(t, time.Minute, p.Window)
	assert.Equal(t, 15*time.Minute, p.Block)
	assert.Equal(t, 2, p.WarnThreshold)
	assert.True(t, p.Active)
	assert.Equal(t, ModeEnforce, p.Mode)
	assert.True(t, p.FailClosed)
	assert.False(t, p.Fallback)
}

func TestFallbackFor_Defaults(t *testing.T) {
	p := FallbackFor("anything", config.FallbackConfig{})

	assert.True(t, p.Fallback)
	assert.False(t, p.Active)
	assert.Equal(t, ModeMonitor, p.Mode)
	assert.Equal(t, 10000, p.MaxRequests)
	assert.Equal(t, time.Minute, p.Window)
}
