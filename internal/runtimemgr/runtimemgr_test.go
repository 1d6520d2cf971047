package runtimemgr

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqzxcv/leaf/internal/config"
	"github.com/sqzxcv/leaf/internal/coreerrors"
)

const minimalConfig = `
outbounds:
  - tag: direct
    protocol: direct
routing_default: direct
inbounds:
  - tag: in
    protocol: socks
    listen: "127.0.0.1:0"
`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "leaf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestTestConfigAcceptsValidFile(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	assert.Equal(t, coreerrors.OK, TestConfig(path))
}

func TestTestConfigRejectsMissingFile(t *testing.T) {
	assert.Equal(t, coreerrors.CodeConfigPath, TestConfig(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestTestConfigRejectsInvalidFile(t *testing.T) {
	path := writeConfig(t, "outbounds:\n  - protocol: direct\n")
	assert.Equal(t, coreerrors.CodeConfig, TestConfig(path))
}

func TestBuildComponentsWiresHandlerGraph(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	comps, err := buildComponents(cfg, Options{Logger: defaultLogger()})
	require.NoError(t, err)
	defer comps.Close()

	h, ok := comps.outMgr.Get("direct")
	require.True(t, ok)
	assert.NotNil(t, h)

	tag, ok := comps.outMgr.DefaultHandler()
	require.True(t, ok)
	assert.Equal(t, "direct", tag)
}

// Run binds the listeners named by the config (here a SOCKS listener on
// an OS-assigned port), so this drives the full registry lifecycle: a
// second Run with the same instance id is rejected, and Shutdown makes
// the blocked first Run return.
func TestRunRejectsDuplicateInstanceIDAndShutdownUnblocksRun(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	done := make(chan coreerrors.Code, 1)
	go func() {
		done <- Run(42, path, Options{Logger: defaultLogger()})
	}()

	require.Eventually(t, func() bool {
		registryMu.Lock()
		_, ok := registry[42]
		registryMu.Unlock()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, coreerrors.CodeRuntimeManager, Run(42, path, Options{Logger: defaultLogger()}))

	assert.True(t, Shutdown(42))
	select {
	case code := <-done:
		assert.Equal(t, coreerrors.OK, code)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}

	registryMu.Lock()
	_, ok := registry[42]
	registryMu.Unlock()
	assert.False(t, ok)
}

func TestShutdownUnknownInstanceReturnsFalse(t *testing.T) {
	assert.False(t, Shutdown(9999))
}

func TestReloadUnknownInstanceFails(t *testing.T) {
	assert.Equal(t, coreerrors.CodeRuntimeManager, Reload(9999))
}

func TestReloadInstanceStartedWithoutConfigPathIsNoConfigFile(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	comps, err := buildComponents(cfg, Options{Logger: defaultLogger()})
	require.NoError(t, err)
	defer comps.Close()

	registryMu.Lock()
	registry[7] = &instance{id: 7, comps: comps}
	registryMu.Unlock()
	defer func() {
		registryMu.Lock()
		delete(registry, 7)
		registryMu.Unlock()
	}()

	assert.Equal(t, coreerrors.CodeNoConfigFile, Reload(7))
}
