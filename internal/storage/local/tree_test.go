package local_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recrawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		tree, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, tree)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "snapshots")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestWriteIfMissing(t *testing.T) {
	tree, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	written, err := tree.WriteIfMissing("a.com/dir/page_abc.html", []byte("first"))
	require.NoError(t, err)
	assert.True(t, written)

	written, err = tree.WriteIfMissing("a.com/dir/page_abc.html", []byte("second"))
	require.NoError(t, err)
	assert.False(t, written)

	data, err := tree.Read("a.com/dir/page_abc.html")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)

	entries, err := os.ReadDir(filepath.Join(tree.Root(), "a.com", "dir"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestPathRejectsTraversal(t *testing.T) {
	tree, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = tree.Path("../escape")
	assert.Error(t, err)
	_, err = tree.Path("")
	assert.Error(t, err)
	_, err = tree.WriteIfMissing("a/../../escape", []byte("x"))
	assert.Error(t, err)
}

func TestRemovePrunesEmptyParents(t *testing.T) {
	tree, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = tree.WriteIfMissing("a.com/x/y/one.bin", []byte("1"))
	require.NoError(t, err)
	_, err = tree.WriteIfMissing("a.com/two.bin", []byte("2"))
	require.NoError(t, err)

	require.NoError(t, tree.Remove("a.com/x/y/one.bin"))
	assert.NoDirExists(t, filepath.Join(tree.Root(), "a.com", "x"))
	assert.DirExists(t, filepath.Join(tree.Root(), "a.com"))

	require.NoError(t, tree.Remove("a.com/x/y/one.bin"), "already gone is not an error")

	require.NoError(t, tree.Remove("a.com/two.bin"))
	assert.NoDirExists(t, filepath.Join(tree.Root(), "a.com"))
	assert.DirExists(t, tree.Root())

	exists, err := tree.Exists("a.com/two.bin")
	require.NoError(t, err)
	assert.False(t, exists)
}
