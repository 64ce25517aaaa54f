package fetcher

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zipEntry struct {
	name    string
	content string
}

func createTestZIP(t *testing.T, dir string, entries ...zipEntry) string {
	t.Helper()
	zipPath := filepath.Join(dir, "test.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck

	w := zip.NewWriter(f)
	for _, e := range entries {
		fw, err := w.Create(e.name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return zipPath
}

func TestExtractZIP_MultiFile(t *testing.T) {
	zipPath := createTestZIP(t, t.TempDir(),
		zipEntry{"day1.TSYSO", "one"},
		zipEntry{"day2.TSYSO", "two"},
	)

	destDir := t.TempDir()
	extracted, err := ExtractZIP(zipPath, destDir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(destDir, "day1.TSYSO"),
		filepath.Join(destDir, "day2.TSYSO"),
	}, extracted)

	data, err := os.ReadFile(extracted[1])
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestExtractZIP_SkipsResourceForks(t *testing.T) {
	zipPath := createTestZIP(t, t.TempDir(),
		zipEntry{"__MACOSX/._day1.TSYSO", "junk"},
		zipEntry{".DS_Store", "junk"},
		zipEntry{"day1.TSYSO", "one"},
	)

	extracted, err := ExtractZIP(zipPath, t.TempDir())
	require.NoError(t, err)
	require.Len(t, extracted, 1)
	assert.Equal(t, "day1.TSYSO", filepath.Base(extracted[0]))
}

func TestExtractZIP_ZipSlipPrevention(t *testing.T) {
	zipPath := createTestZIP(t, t.TempDir(), zipEntry{"../../../etc/passwd", "malicious"})

	_, err := ExtractZIP(zipPath, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zip slip")
}

func TestExtractZIP_WithSubdirectory(t *testing.T) {
	zipPath := createTestZIP(t, t.TempDir(),
		zipEntry{"subdir/", ""},
		zipEntry{"subdir/data.txt", "nested content"},
	)

	destDir := t.TempDir()
	extracted, err := ExtractZIP(zipPath, destDir)
	require.NoError(t, err)
	// Only the file should be in extracted (directories return empty string)
	assert.Len(t, extracted, 1)

	data, err := os.ReadFile(filepath.Join(destDir, "subdir", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "nested content", string(data))
}

func TestExtractZIP_InvalidArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notazip.zip")
	require.NoError(t, os.WriteFile(path, []byte("this is not a zip"), 0o644))

	_, err := ExtractZIP(path, t.TempDir())
	require.Error(t, err)
}
