package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/afero"
)

// maxSymlinkHops bounds link resolution in Canonicalize.
const maxSymlinkHops = 255

// Local serves files from an afero filesystem, normally the host OS.
type Local struct {
	fs afero.Fs
}

// NewLocal wraps fs.
func NewLocal(fs afero.Fs) *Local {
	return &Local{fs: fs}
}

// NewOSLocal serves the host filesystem.
func NewOSLocal() *Local {
	return NewLocal(afero.NewOsFs())
}

func osPath(p string) string {
	return filepath.FromSlash(p)
}

func toInfo(fi os.FileInfo) FileInfo {
	return FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		ModTime: fi.ModTime(),
		IsDir:   fi.IsDir(),
		Mode:    fi.Mode(),
	}
}

// mapError translates OS errors to the package sentinels, keeping the path
// for context.
func mapError(op, p string, err error) error {
	if err == nil {
		return nil
	}
	var sentinel error
	switch {
	case errors.Is(err, fs.ErrNotExist):
		sentinel = ErrNotFound
	case errors.Is(err, fs.ErrExist):
		sentinel = ErrAlreadyExists
	case errors.Is(err, fs.ErrPermission):
		sentinel = ErrPermission
	case errors.Is(err, syscall.ENOTEMPTY):
		sentinel = ErrNotEmpty
	case errors.Is(err, syscall.ENOTDIR):
		sentinel = ErrNotDirectory
	case errors.Is(err, syscall.EISDIR):
		sentinel = ErrIsDirectory
	case errors.Is(err, syscall.ELOOP):
		sentinel = ErrTooManyLinks
	default:
		return fmt.Errorf("%s %s: %w", op, p, err)
	}
	return fmt.Errorf("%s %s: %w", op, p, sentinel)
}

func (l *Local) stat(p string) (os.FileInfo, error) {
	return l.fs.Stat(osPath(p))
}

func (l *Local) lstat(p string) (os.FileInfo, error) {
	if ls, ok := l.fs.(afero.Lstater); ok {
		fi, _, err := ls.LstatIfPossible(osPath(p))
		return fi, err
	}
	return l.fs.Stat(osPath(p))
}

// requireParent checks that the directory holding p exists.
func (l *Local) requireParent(op, p string) error {
	parent := path.Dir(p)
	fi, err := l.stat(parent)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s %s: %w", op, p, ErrParentMissing)
		}
		return mapError(op, p, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%s %s: %w", op, p, ErrNotDirectory)
	}
	return nil
}

func (l *Local) List(_ context.Context, dir string) ([]FileInfo, error) {
	fi, err := l.stat(dir)
	if err != nil {
		return nil, mapError("list", dir, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("list %s: %w", dir, ErrNotDirectory)
	}
	entries, err := afero.ReadDir(l.fs, osPath(dir))
	if err != nil {
		return nil, mapError("list", dir, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, toInfo(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (l *Local) Stat(_ context.Context, p string) (FileInfo, error) {
	fi, err := l.stat(p)
	if err != nil {
		return FileInfo{}, mapError("stat", p, err)
	}
	return toInfo(fi), nil
}

func (l *Local) Read(_ context.Context, p string) ([]byte, error) {
	fi, err := l.stat(p)
	if err != nil {
		return nil, mapError("read", p, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("read %s: %w", p, ErrIsDirectory)
	}
	f, err := l.fs.Open(osPath(p))
	if err != nil {
		return nil, mapError("read", p, err)
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, fi.Size()+1))
	if err != nil {
		return nil, mapError("read", p, err)
	}
	if int64(len(data)) > fi.Size() {
		return nil, fmt.Errorf("read %s: %w", p, ErrChanged)
	}
	return data, nil
}

func (l *Local) Write(_ context.Context, p string, data []byte) error {
	if err := l.requireParent("write", p); err != nil {
		return err
	}
	if fi, err := l.stat(p); err == nil && fi.IsDir() {
		return fmt.Errorf("write %s: %w", p, ErrIsDirectory)
	}
	return mapError("write", p, afero.WriteFile(l.fs, osPath(p), data, 0o644))
}

func (l *Local) Append(_ context.Context, p string, data []byte) error {
	fi, err := l.stat(p)
	if err != nil {
		return mapError("append", p, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("append %s: %w", p, ErrIsDirectory)
	}
	f, err := l.fs.OpenFile(osPath(p), os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return mapError("append", p, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return mapError("append", p, err)
	}
	return mapError("append", p, f.Close())
}

func (l *Local) Create(_ context.Context, p string) error {
	if err := l.requireParent("create", p); err != nil {
		return err
	}
	if _, err := l.lstat(p); err == nil {
		return fmt.Errorf("create %s: %w", p, ErrAlreadyExists)
	}
	f, err := l.fs.OpenFile(osPath(p), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return mapError("create", p, err)
	}
	return mapError("create", p, f.Close())
}

func (l *Local) Delete(_ context.Context, p string) error {
	fi, err := l.lstat(p)
	if err != nil {
		return mapError("delete", p, err)
	}
	if fi.IsDir() {
		return fmt.Errorf("delete %s: %w", p, ErrIsDirectory)
	}
	return mapError("delete", p, l.fs.Remove(osPath(p)))
}

func (l *Local) DeleteDir(_ context.Context, p string) error {
	fi, err := l.lstat(p)
	if err != nil {
		return mapError("rmdir", p, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("rmdir %s: %w", p, ErrNotDirectory)
	}
	empty, err := afero.IsEmpty(l.fs, osPath(p))
	if err != nil {
		return mapError("rmdir", p, err)
	}
	if !empty {
		return fmt.Errorf("rmdir %s: %w", p, ErrNotEmpty)
	}
	return mapError("rmdir", p, l.fs.Remove(osPath(p)))
}

func (l *Local) Mkdir(_ context.Context, p string, parents bool) error {
	if fi, err := l.lstat(p); err == nil {
		if fi.IsDir() && parents {
			return nil
		}
		return fmt.Errorf("mkdir %s: %w", p, ErrAlreadyExists)
	}
	if parents {
		return mapError("mkdir", p, l.fs.MkdirAll(osPath(p), 0o755))
	}
	if err := l.requireParent("mkdir", p); err != nil {
		return err
	}
	return mapError("mkdir", p, l.fs.Mkdir(osPath(p), 0o755))
}

// Canonicalize walks p one component at a time, expanding symbolic links
// through afero.LinkReader. Filesystems without link support resolve to the
// cleaned path once every component is known to exist.
func (l *Local) Canonicalize(_ context.Context, p string) (string, error) {
	if !path.IsAbs(p) {
		return "", fmt.Errorf("canonicalize %s: path is not absolute", p)
	}
	reader, _ := l.fs.(afero.LinkReader)
	pending := splitPath(p)
	resolved := "/"
	hops := 0
	// fromLink counts the pending components that came from a link target
	fromLink := 0
	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]
		linked := fromLink > 0
		if linked {
			fromLink--
		}
		switch part {
		case "", ".":
			continue
		case "..":
			resolved = path.Dir(resolved)
			continue
		}
		next := path.Join(resolved, part)
		fi, err := l.lstat(next)
		if err != nil {
			if linked && errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("canonicalize %s: %w", p, ErrDanglingLink)
			}
			return "", mapError("canonicalize", next, err)
		}
		if fi.Mode()&os.ModeSymlink == 0 || reader == nil {
			if len(pending) > 0 && !fi.IsDir() && fi.Mode()&os.ModeSymlink == 0 {
				return "", fmt.Errorf("canonicalize %s: %w", next, ErrNotDirectory)
			}
			resolved = next
			continue
		}
		hops++
		if hops > maxSymlinkHops {
			return "", fmt.Errorf("canonicalize %s: %w", p, ErrTooManyLinks)
		}
		target, err := reader.ReadlinkIfPossible(osPath(next))
		if err != nil {
			return "", mapError("canonicalize", next, err)
		}
		target = filepath.ToSlash(target)
		if path.IsAbs(target) {
			resolved = "/"
		}
		parts := splitPath(target)
		fromLink += len(parts)
		pending = append(parts, pending...)
	}
	return resolved, nil
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}
