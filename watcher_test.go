// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	limitDescription = "methods:\n  p1:\n    call: {type: object, required: [limit]}\n"
	idDescription    = "methods:\n  p1:\n    call: {type: object, required: [id]}\n"
)

func newWatchedDual(t *testing.T) *DualService {
	t.Helper()
	d, err := RegisterDualService("com.example.svc", nil, nil)
	require.NoError(t, err)
	require.NoError(t, d.RegisterCategory("/c",
		[]Method{{Name: "p1", Flags: FlagValidateIn, Func: noopMethod("p1").Func}}, nil, nil))
	loop := NewLoop()
	runLoop(t, loop)
	require.NoError(t, d.AttachToLoop(loop))
	return d
}

func requiredField(t *testing.T, h *Handle) any {
	t.Helper()
	var required any
	onLoop(t, h, func() {
		desc, err := h.Registry().Description("/c")
		require.NoError(t, err)
		if desc == nil {
			return
		}
		call := desc["methods"].(map[string]any)["p1"].(map[string]any)["call"].(map[string]any)
		required = call["required"]
	})
	return required
}

func TestDescriptionWatcherReload(t *testing.T) {
	d := newWatchedDual(t)
	file := writeFile(t, "c.yaml", limitDescription)

	w, err := NewDescriptionWatcher(d, map[string]string{"c": file}, zerolog.Nop())
	require.NoError(t, err)

	var applied []string
	w.OnApply(func(category string, err error) {
		if err == nil {
			applied = append(applied, category)
		}
	})

	require.NoError(t, w.Reload(file))
	assert.Equal(t, []string{"/c"}, applied)
	assert.Equal(t, []any{"limit"}, requiredField(t, d.Public()))
	assert.Equal(t, []any{"limit"}, requiredField(t, d.Private()))

	// a broken file keeps the description in force
	require.NoError(t, os.WriteFile(file, []byte("methods:\n  p1:\n    call: {type: 12}\n"), 0o600))
	require.Error(t, w.Reload(file))
	assert.Equal(t, []string{"/c"}, applied)
	assert.Equal(t, []any{"limit"}, requiredField(t, d.Public()))

	require.ErrorIs(t, w.Reload(filepath.Join(t.TempDir(), "other.yaml")), ErrNotFound)
}

func TestDescriptionWatcherFollowsWrites(t *testing.T) {
	d := newWatchedDual(t)
	file := writeFile(t, "c.yaml", limitDescription)

	w, err := NewDescriptionWatcher(d, map[string]string{"/c": file}, zerolog.Nop())
	require.NoError(t, err)
	reloaded := make(chan error, 8)
	w.OnApply(func(_ string, err error) { reloaded <- err })
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)

	require.NoError(t, os.WriteFile(file, []byte(idDescription), 0o600))
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]any{"id"}, requiredField(t, d.Private()))
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("OnApply not called")
	}
}
