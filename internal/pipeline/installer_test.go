package pipeline

import (
	"archive/tar"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/9z91/feather/internal/transfer"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

type tarEntry struct {
	name string
	body string
	dir  bool
}

func writeTarball(t *testing.T, path string, entries []tarEntry) {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0644}

		if e.dir {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0755
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		}

		require.NoError(t, tw.WriteHeader(hdr))

		if !e.dir {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestHandle_ExtractsTarball(t *testing.T) {
	workDir := t.TempDir()
	installDir := t.TempDir()

	artifact := filepath.Join(workDir, "release.tar.gz")
	writeTarball(t, artifact, []tarEntry{
		{name: "release/", dir: true},
		{name: "release/bin/app", body: "binary payload"},
		{name: "release/README.md", body: "docs"},
	})

	inst := NewInstaller(installDir)

	var reports []float64
	snap := transfer.Snapshot{ID: "dl-1", DisplayName: "release.tar.gz"}

	err := inst.Handle(context.Background(), artifact, snap, func(p float64) {
		reports = append(reports, p)
	})
	require.NoError(t, err)

	payload, err := os.ReadFile(filepath.Join(installDir, "dl-1", "release", "bin", "app"))
	require.NoError(t, err)
	require.Equal(t, "binary payload", string(payload))

	payload, err = os.ReadFile(filepath.Join(installDir, "dl-1", "release", "README.md"))
	require.NoError(t, err)
	require.Equal(t, "docs", string(payload))

	require.NotEmpty(t, reports)
	require.Equal(t, float64(1), reports[len(reports)-1])
}

func TestHandle_InstallsPlainFile(t *testing.T) {
	workDir := t.TempDir()
	installDir := t.TempDir()

	artifact := filepath.Join(workDir, "app.bin")
	require.NoError(t, os.WriteFile(artifact, []byte("raw payload"), 0644))

	inst := NewInstaller(installDir)
	snap := transfer.Snapshot{ID: "dl-1", DisplayName: "app.bin"}

	err := inst.Handle(context.Background(), artifact, snap, func(float64) {})
	require.NoError(t, err)

	payload, err := os.ReadFile(filepath.Join(installDir, "dl-1", "app.bin"))
	require.NoError(t, err)
	require.Equal(t, "raw payload", string(payload))
}

func TestHandle_LastWriterWins(t *testing.T) {
	workDir := t.TempDir()
	installDir := t.TempDir()

	// A previous install left content behind under the same record id.
	stale := filepath.Join(installDir, "dl-1", "stale.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))

	artifact := filepath.Join(workDir, "app.bin")
	require.NoError(t, os.WriteFile(artifact, []byte("new"), 0644))

	inst := NewInstaller(installDir)
	snap := transfer.Snapshot{ID: "dl-1", DisplayName: "app.bin"}

	require.NoError(t, inst.Handle(context.Background(), artifact, snap, func(float64) {}))

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err))

	payload, err := os.ReadFile(filepath.Join(installDir, "dl-1", "app.bin"))
	require.NoError(t, err)
	require.Equal(t, "new", string(payload))
}

func TestHandle_TraversalEntriesStayInsideTarget(t *testing.T) {
	workDir := t.TempDir()
	installDir := t.TempDir()

	artifact := filepath.Join(workDir, "evil.tar.gz")
	writeTarball(t, artifact, []tarEntry{
		{name: "../../escape.txt", body: "outside"},
	})

	inst := NewInstaller(installDir)
	snap := transfer.Snapshot{ID: "dl-1", DisplayName: "evil.tar.gz"}

	require.NoError(t, inst.Handle(context.Background(), artifact, snap, func(float64) {}))

	// The entry lands inside the target with its traversal stripped.
	_, err := os.Stat(filepath.Join(installDir, "escape.txt"))
	require.True(t, os.IsNotExist(err))

	payload, err := os.ReadFile(filepath.Join(installDir, "dl-1", "escape.txt"))
	require.NoError(t, err)
	require.Equal(t, "outside", string(payload))
}

func TestHandle_CorruptTarballFails(t *testing.T) {
	workDir := t.TempDir()
	installDir := t.TempDir()

	artifact := filepath.Join(workDir, "broken.tar.gz")
	require.NoError(t, os.WriteFile(artifact, []byte("definitely not gzip"), 0644))

	inst := NewInstaller(installDir)
	snap := transfer.Snapshot{ID: "dl-1", DisplayName: "broken.tar.gz"}

	err := inst.Handle(context.Background(), artifact, snap, func(float64) {})
	require.Error(t, err)
}

func TestHandle_MissingArtifactFails(t *testing.T) {
	inst := NewInstaller(t.TempDir())
	snap := transfer.Snapshot{ID: "dl-1", DisplayName: "app.bin"}

	err := inst.Handle(context.Background(), filepath.Join(t.TempDir(), "gone.bin"), snap, func(float64) {})
	require.Error(t, err)
}
