package agentloop

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/riccardocaporali/AICodeAgent/runstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestRun opens a store in a temp dir and starts one run in it.
func newTestRun(t *testing.T) (*runstore.Store, runstore.RunSession, *runstore.Recorder) {
	t.Helper()
	store, err := runstore.OpenStore(filepath.Join(t.TempDir(), "__ai_outputs__"), zap.NewNop())
	require.NoError(t, err)
	run, err := store.InitSession(runstore.DefaultRetention, runstore.DefaultRolloverCeiling)
	require.NoError(t, err)
	return store, run, runstore.NewRecorder(run, zap.NewNop())
}

// writeFiles creates files (relative path -> content) under root.
func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func readString(t *testing.T, path string) string {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(raw)
}

func intPtr(n int) *int { return &n }
