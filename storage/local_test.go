package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// exerciseFileSystem runs the behaviour shared by every backend against an
// empty root "/".
func exerciseFileSystem(t *testing.T, fsys FileSystem) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, fsys.Mkdir(ctx, "/docs", false))
	require.ErrorIs(t, fsys.Mkdir(ctx, "/docs", false), ErrAlreadyExists)
	require.ErrorIs(t, fsys.Mkdir(ctx, "/a/b/c", false), ErrParentMissing)
	require.NoError(t, fsys.Mkdir(ctx, "/a/b/c", true))
	require.NoError(t, fsys.Mkdir(ctx, "/a/b/c", true))

	require.NoError(t, fsys.Write(ctx, "/docs/readme.txt", []byte("hello")))
	require.NoError(t, fsys.Append(ctx, "/docs/readme.txt", []byte(" world")))
	data, err := fsys.Read(ctx, "/docs/readme.txt")
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	require.ErrorIs(t, fsys.Write(ctx, "/missing/file", []byte("x")), ErrParentMissing)
	require.ErrorIs(t, fsys.Write(ctx, "/docs/readme.txt/inner", []byte("x")), ErrNotDirectory)
	require.ErrorIs(t, fsys.Append(ctx, "/docs/nope.txt", []byte("x")), ErrNotFound)
	_, err = fsys.Read(ctx, "/docs")
	require.ErrorIs(t, err, ErrIsDirectory)
	_, err = fsys.Read(ctx, "/docs/nope.txt")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, fsys.Create(ctx, "/docs/empty.txt"))
	require.ErrorIs(t, fsys.Create(ctx, "/docs/empty.txt"), ErrAlreadyExists)
	info, err := fsys.Stat(ctx, "/docs/empty.txt")
	require.NoError(t, err)
	require.Equal(t, "empty.txt", info.Name)
	require.Zero(t, info.Size)
	require.False(t, info.IsDir)

	info, err = fsys.Stat(ctx, "/docs")
	require.NoError(t, err)
	require.True(t, info.IsDir)

	entries, err := fsys.List(ctx, "/docs")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "empty.txt", entries[0].Name)
	require.Equal(t, "readme.txt", entries[1].Name)
	require.Equal(t, int64(11), entries[1].Size)

	root, err := fsys.List(ctx, "/")
	require.NoError(t, err)
	require.Len(t, root, 2)
	require.Equal(t, "a", root[0].Name)
	require.True(t, root[0].IsDir)

	_, err = fsys.List(ctx, "/docs/readme.txt")
	require.ErrorIs(t, err, ErrNotDirectory)
	_, err = fsys.List(ctx, "/ghost")
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, fsys.DeleteDir(ctx, "/docs"), ErrNotEmpty)
	require.ErrorIs(t, fsys.DeleteDir(ctx, "/docs/readme.txt"), ErrNotDirectory)
	require.ErrorIs(t, fsys.Delete(ctx, "/docs"), ErrIsDirectory)
	require.NoError(t, fsys.Delete(ctx, "/docs/readme.txt"))
	require.NoError(t, fsys.Delete(ctx, "/docs/empty.txt"))
	require.ErrorIs(t, fsys.Delete(ctx, "/docs/empty.txt"), ErrNotFound)
	require.NoError(t, fsys.DeleteDir(ctx, "/docs"))
	_, err = fsys.Stat(ctx, "/docs")
	require.ErrorIs(t, err, ErrNotFound)

	canonical, err := fsys.Canonicalize(ctx, "/a/b/../b/c")
	require.NoError(t, err)
	require.Equal(t, "/a/b/c", canonical)
	_, err = fsys.Canonicalize(ctx, "/a/nothing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalMemMapFs(t *testing.T) {
	exerciseFileSystem(t, NewLocal(afero.NewMemMapFs()))
}

func TestLocalOsFs(t *testing.T) {
	root := t.TempDir()
	exerciseFileSystem(t, NewLocal(afero.NewBasePathFs(afero.NewOsFs(), root)))
}

func TestCanonicalizeResolvesSymlinks(t *testing.T) {
	root := t.TempDir()
	real, err := filepath.EvalSymlinks(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(real, "data", "inner"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(real, "data", "inner", "f.txt"), []byte("x"), 0o644))
	require.NoError(t, os.Symlink(filepath.Join(real, "data", "inner"), filepath.Join(real, "abs-link")))
	require.NoError(t, os.Symlink("data/inner", filepath.Join(real, "rel-link")))
	require.NoError(t, os.Symlink("../..", filepath.Join(real, "data", "up")))

	fsys := NewOSLocal()
	got, err := fsys.Canonicalize(ctx, filepath.ToSlash(filepath.Join(real, "abs-link", "f.txt")))
	require.NoError(t, err)
	require.Equal(t, filepath.ToSlash(filepath.Join(real, "data", "inner", "f.txt")), got)

	got, err = fsys.Canonicalize(ctx, filepath.ToSlash(filepath.Join(real, "rel-link")))
	require.NoError(t, err)
	require.Equal(t, filepath.ToSlash(filepath.Join(real, "data", "inner")), got)

	got, err = fsys.Canonicalize(ctx, filepath.ToSlash(filepath.Join(real, "data", "up")))
	require.NoError(t, err)
	require.Equal(t, filepath.ToSlash(filepath.Dir(real)), got)
}

func TestCanonicalizeLoop(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Symlink(filepath.Join(root, "b"), filepath.Join(root, "a")))
	require.NoError(t, os.Symlink(filepath.Join(root, "a"), filepath.Join(root, "b")))

	_, err := NewOSLocal().Canonicalize(context.Background(), filepath.ToSlash(filepath.Join(root, "a")))
	require.ErrorIs(t, err, ErrTooManyLinks)
}

func TestCanonicalizeRejectsRelative(t *testing.T) {
	_, err := NewLocal(afero.NewMemMapFs()).Canonicalize(context.Background(), "a/b")
	require.Error(t, err)
}

func TestCanonicalizeDanglingLink(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	require.NoError(t, os.Symlink(filepath.Join(outside, "ghost"), filepath.Join(root, "dangling")))

	fsys := NewOSLocal()
	_, err := fsys.Canonicalize(context.Background(), filepath.ToSlash(filepath.Join(root, "dangling")))
	require.ErrorIs(t, err, ErrDanglingLink)
	require.NotErrorIs(t, err, ErrNotFound)

	_, err = fsys.Canonicalize(context.Background(), filepath.ToSlash(filepath.Join(root, "missing")))
	require.ErrorIs(t, err, ErrNotFound)
}
