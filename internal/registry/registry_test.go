package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModule struct{ name string }

func (f fakeModule) ModuleName() string { return f.name }

func testCatalog() []Registration {
	return []Registration{
		{Key: "memory.store", Module: fakeModule{"context memory"}, Name: "Context Memory", Version: "1.0.0"},
		{Key: "memory.cache", Module: fakeModule{"hot cache"}, Name: "Hot Cache", Version: "1.0.0"},
		{Key: "vision.analyzer", Module: fakeModule{"vision analyzer"}, Name: "Vision Analyzer", Version: "2.1.0"},
	}
}

func TestCatalogPreRegistration(t *testing.T) {
	r := New(testCatalog())

	assert.True(t, r.Has("memory.store"))
	assert.True(t, r.Has("vision.analyzer"))
	assert.False(t, r.Has("missing.module"))
	assert.Len(t, r.Keys(), 3)
}

func TestGetRefreshesLastActive(t *testing.T) {
	r := New(testCatalog())

	var before time.Time
	for _, e := range r.GetAll() {
		if e.Key == "memory.store" {
			before = e.Metadata.LastActive
		}
	}

	time.Sleep(5 * time.Millisecond)
	mod, ok := r.Get("memory.store")
	require.True(t, ok)
	assert.Equal(t, "context memory", mod.ModuleName())

	for _, e := range r.GetAll() {
		if e.Key == "memory.store" {
			assert.True(t, e.Metadata.LastActive.After(before), "Get should refresh LastActive")
		}
	}
}

func TestGetMissingDoesNotCreate(t *testing.T) {
	r := New(testCatalog())

	_, ok := r.Get("phantom.module")
	assert.False(t, ok)
	assert.False(t, r.Has("phantom.module"))
}

func TestHealthCheckTracksStatus(t *testing.T) {
	r := New(testCatalog())

	health := r.HealthCheck()
	assert.True(t, health["memory.store"])

	require.True(t, r.UpdateStatus("memory.store", StatusError))
	health = r.HealthCheck()
	assert.False(t, health["memory.store"])
	assert.True(t, health["vision.analyzer"])
}

func TestUpdateStatusAllowsAnyTransition(t *testing.T) {
	r := New(testCatalog())

	require.True(t, r.UpdateStatus("memory.cache", StatusError))
	require.True(t, r.UpdateStatus("memory.cache", StatusActive))
	require.True(t, r.UpdateStatus("memory.cache", StatusInactive))
	assert.False(t, r.UpdateStatus("nope", StatusActive))
}

func TestUnregister(t *testing.T) {
	r := New(testCatalog())

	r.Unregister("memory.cache")
	assert.False(t, r.Has("memory.cache"))
	assert.Len(t, r.Keys(), 2)

	// Unregistering an absent key is a no-op.
	r.Unregister("memory.cache")
}

func TestStatsAggregation(t *testing.T) {
	r := New(testCatalog())
	r.UpdateStatus("memory.cache", StatusError)

	stats := r.GetStats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[StatusActive])
	assert.Equal(t, 1, stats.ByStatus[StatusError])
	assert.Equal(t, 2, stats.ByCategory["memory"])
	assert.Equal(t, 1, stats.ByCategory["vision"])
}
