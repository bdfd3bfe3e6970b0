// Package storage defines the file capability the server dispatches requests
// to, with a local filesystem backend and an S3 backend.
package storage

import (
	"context"
	"errors"
	"os"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrIsDirectory   = errors.New("is a directory")
	ErrNotDirectory  = errors.New("not a directory")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrParentMissing = errors.New("parent directory does not exist")
	ErrPermission    = errors.New("permission denied")
	ErrTooManyLinks  = errors.New("too many levels of symbolic links")
	// ErrDanglingLink is a symbolic link whose target does not exist. It
	// does not match ErrNotFound, so callers never treat the link as a
	// free name.
	ErrDanglingLink = errors.New("dangling symbolic link")
	// ErrChanged is a file that grew between Stat and Read.
	ErrChanged = errors.New("file changed during read")
)

// FileInfo is the backend-neutral view of a file or directory.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
	IsDir   bool
	Mode    os.FileMode
}

// FileSystem is the set of file operations a session may perform. All paths
// are absolute, slash-separated and already cleaned by the caller.
type FileSystem interface {
	List(ctx context.Context, dir string) ([]FileInfo, error)
	Stat(ctx context.Context, path string) (FileInfo, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Append(ctx context.Context, path string, data []byte) error
	// Create makes an empty file and fails if path exists.
	Create(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
	// DeleteDir removes an empty directory.
	DeleteDir(ctx context.Context, path string) error
	Mkdir(ctx context.Context, path string, parents bool) error
	// Canonicalize resolves symbolic links in every component of path. The
	// target must exist.
	Canonicalize(ctx context.Context, path string) (string, error)
}
