package outbound

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqzxcv/leaf/internal/config"
)

func TestManagerReloadBuildsDefaultFromFirstLeaf(t *testing.T) {
	m := NewManager(NewRegistry(), nil)
	decls := []config.Outbound{
		{Tag: "direct", Protocol: "direct"},
		{Tag: "blackhole", Protocol: "drop"},
	}
	require.NoError(t, m.Reload(decls, nil))

	h, ok := m.Get("direct")
	require.True(t, ok)
	assert.Equal(t, "direct", h.Tag())

	tag, ok := m.DefaultHandler()
	require.True(t, ok)
	assert.Equal(t, "direct", tag)
}

func TestManagerReloadCombinatorBeforeLeafInDeclOrder(t *testing.T) {
	// tryall's actor ("direct") is declared after it; the fixed-point
	// pass must defer tryall until direct exists (spec §4.1 step 2).
	m := NewManager(NewRegistry(), nil)
	decls := []config.Outbound{
		{Tag: "grp", Protocol: "tryall", Actors: []string{"direct"}},
		{Tag: "direct", Protocol: "direct"},
	}
	require.NoError(t, m.Reload(decls, nil))

	h, ok := m.Get("grp")
	require.True(t, ok)
	assert.Equal(t, "grp", h.Tag())
}

func TestManagerReloadUnresolvableActorDropsCombinator(t *testing.T) {
	m := NewManager(NewRegistry(), nil)
	decls := []config.Outbound{
		{Tag: "direct", Protocol: "direct"},
		{Tag: "grp", Protocol: "tryall", Actors: []string{"missing"}},
	}
	require.NoError(t, m.Reload(decls, nil))

	_, ok := m.Get("grp")
	assert.False(t, ok)
	_, ok = m.Get("direct")
	assert.True(t, ok)
}

func TestManagerReloadDuplicateTagFails(t *testing.T) {
	m := NewManager(NewRegistry(), nil)
	decls := []config.Outbound{
		{Tag: "direct", Protocol: "direct"},
		{Tag: "direct", Protocol: "drop"},
	}
	err := m.Reload(decls, nil)
	assert.Error(t, err)
}

func TestManagerReloadUnknownProtocolFails(t *testing.T) {
	m := NewManager(NewRegistry(), nil)
	decls := []config.Outbound{
		{Tag: "x", Protocol: "nonexistent"},
	}
	err := m.Reload(decls, nil)
	assert.Error(t, err)
}

func TestManagerReloadNoLeafHandlerFails(t *testing.T) {
	m := NewManager(NewRegistry(), nil)
	decls := []config.Outbound{
		{Tag: "grp", Protocol: "tryall", Actors: []string{"missing"}},
	}
	err := m.Reload(decls, nil)
	assert.Error(t, err)
}

func TestManagerSelectorStatePersistsAcrossReload(t *testing.T) {
	m := NewManager(NewRegistry(), nil)
	decls := []config.Outbound{
		{Tag: "a", Protocol: "direct"},
		{Tag: "b", Protocol: "drop"},
		{Tag: "sel", Protocol: "select", Actors: []string{"a", "b"}},
	}
	require.NoError(t, m.Reload(decls, nil))

	active, ok := m.SelectorState("sel")
	require.True(t, ok)
	assert.Equal(t, "a", active)

	m.SetSelectorState("sel", "b")
	active, ok = m.SelectorState("sel")
	require.True(t, ok)
	assert.Equal(t, "b", active)

	// A reload must not reset the operator's selector choice back to the
	// first actor (spec §4.1 reload step: "restore selector state by tag").
	require.NoError(t, m.Reload(decls, nil))
	active, ok = m.SelectorState("sel")
	require.True(t, ok)
	assert.Equal(t, "b", active)

	h, ok := m.Get("sel")
	require.True(t, ok)
	conn, err := h.TCP().DialTCP(context.Background(), Target{})
	assert.Nil(t, conn)
	assert.Error(t, err)
}

func TestManagerReloadClosesPreviousGenerationCombinators(t *testing.T) {
	m := NewManager(NewRegistry(), nil)
	decls := []config.Outbound{
		{Tag: "a", Protocol: "drop"},
		{Tag: "grp", Protocol: "failover", Actors: []string{"a"}, Settings: map[string]any{"probe_interval": "1h"}},
	}
	require.NoError(t, m.Reload(decls, nil))
	first, ok := m.Get("grp")
	require.True(t, ok)
	closer, ok := first.(Closer)
	require.True(t, ok, "failover handler should expose Closer for its background probe task")

	// Reloading must stop the previous generation's probe task; a second
	// Close from the test itself must not hang or panic (spec §4.1 reload
	// step (d): the prior generation's cancellation handle is surrendered
	// to the manager, not retained by the caller). Actor "a" is a drop
	// handler so the probe loop's own DialTCP never touches the network.
	require.NoError(t, m.Reload([]config.Outbound{{Tag: "a", Protocol: "drop"}}, nil))
	closer.Close()
	_, ok = m.Get("grp")
	assert.False(t, ok)
}
