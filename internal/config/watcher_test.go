package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_SignalsDriftOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o644))

	driftCh := make(chan string, 1)
	w, err := NewWatcher(path, func(p string) {
		driftCh <- p
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	select {
	case p := <-driftCh:
		abs, _ := filepath.Abs(path)
		assert.Equal(t, abs, p)
	case <-time.After(2 * time.Second):
		t.Fatal("drift callback never fired")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: {}\n"), 0o644))

	driftCh := make(chan string, 1)
	w, err := NewWatcher(path, func(p string) {
		driftCh <- p
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o644))

	select {
	case <-driftCh:
		t.Fatal("drift callback fired for unrelated file")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging: {}\n"), 0o644))

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalYAML(func(v interface{}) error {
		*(v.(*string)) = "1h30m"
		return nil
	}))
	assert.Equal(t, 90*time.Minute, d.Duration())

	out, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1h30m0s", out)
}

func TestDuration_EmptyStringIsZero(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalYAML(func(v interface{}) error {
		*(v.(*string)) = ""
		return nil
	}))
	assert.Equal(t, time.Duration(0), d.Duration())
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"45s"`)))
	assert.Equal(t, 45*time.Second, d.Duration())

	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"45s"`, string(b))
}
