package server

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/xtaci/qftp/protocol"
	"github.com/xtaci/qftp/storage"
)

// ErrOutsideRoot is returned for any path that leaves the session root,
// textually or through a symbolic link.
var ErrOutsideRoot = errors.New("path outside root")

var errFileTooLarge = errors.New("file too large")

// SessionState is the per-connection view of the filesystem. CurrentDir is a
// clean root-relative path where "/" is the root.
type SessionState struct {
	CurrentDir   string
	ConnID       string
	RemoteAddr   string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// NewSessionState starts a session at the root.
func NewSessionState(connID, remote string) *SessionState {
	now := time.Now()
	return &SessionState{
		CurrentDir:   "/",
		ConnID:       connID,
		RemoteAddr:   remote,
		ConnectedAt:  now,
		LastActivity: now,
	}
}

// Dispatcher executes requests against a backend, confined to root.
type Dispatcher struct {
	fs          storage.FileSystem
	root        string
	maxReadSize int64
}

// NewDispatcher canonicalizes root once; every request path is checked
// against the result.
func NewDispatcher(ctx context.Context, fs storage.FileSystem, root string, maxReadSize int64) (*Dispatcher, error) {
	root = path.Clean("/" + strings.TrimSpace(root))
	canonical, err := fs.Canonicalize(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("root directory %s: %w", root, err)
	}
	info, err := fs.Stat(ctx, canonical)
	if err != nil {
		return nil, fmt.Errorf("root directory %s: %w", root, err)
	}
	if !info.IsDir {
		return nil, fmt.Errorf("root directory %s: %w", root, storage.ErrNotDirectory)
	}
	return &Dispatcher{fs: fs, root: canonical, maxReadSize: maxReadSize}, nil
}

// Root returns the canonical backend root.
func (d *Dispatcher) Root() string { return d.root }

// Dispatch runs req and always returns a response. Failures are reported
// with ok=false and a message that never exposes backend paths.
func (d *Dispatcher) Dispatch(ctx context.Context, st *SessionState, req *protocol.Request) *protocol.Response {
	kind := req.GetKind()
	switch kind {
	case protocol.RequestKind_REQUEST_KIND_PING:
		return protocol.OK(kind, []byte("pong"))
	case protocol.RequestKind_REQUEST_KIND_TERMINATE:
		return protocol.OK(kind, []byte("goodbye"))
	case protocol.RequestKind_REQUEST_KIND_LIST:
		return d.list(ctx, st, req)
	case protocol.RequestKind_REQUEST_KIND_READ:
		return d.read(ctx, st, req)
	case protocol.RequestKind_REQUEST_KIND_WRITE:
		return d.write(ctx, st, req)
	case protocol.RequestKind_REQUEST_KIND_APPEND:
		return d.append(ctx, st, req)
	case protocol.RequestKind_REQUEST_KIND_CREATE:
		return d.create(ctx, st, req)
	case protocol.RequestKind_REQUEST_KIND_DELETE:
		return d.delete(ctx, st, req)
	case protocol.RequestKind_REQUEST_KIND_DELETE_DIR:
		return d.deleteDir(ctx, st, req)
	case protocol.RequestKind_REQUEST_KIND_MKDIR:
		return d.mkdir(ctx, st, req)
	case protocol.RequestKind_REQUEST_KIND_CHANGE_DIR:
		return d.changeDir(ctx, st, req)
	case protocol.RequestKind_REQUEST_KIND_INFO:
		return d.info(ctx, st, req)
	default:
		return protocol.Fail(kind, fmt.Sprintf("unsupported request kind %d", int32(kind)))
	}
}

// target is a request path after containment checks.
type target struct {
	virtual string // root-relative, shown to the client
	backend string // canonical backend path
}

// lexical joins p onto the current directory and cleans it without ever
// clamping "..": a path that climbs above the root is an error.
func lexical(cwd, p string) (string, error) {
	p = strings.TrimSpace(p)
	base := strings.TrimPrefix(cwd, "/")
	if strings.HasPrefix(p, "/") {
		base = ""
	}
	rel := path.Clean(path.Join(".", base, strings.TrimLeft(p, "/")))
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", ErrOutsideRoot
	}
	if rel == "." {
		return "/", nil
	}
	return "/" + rel, nil
}

// resolve maps a request path to a backend path inside the root. Targets
// that do not exist yet are resolved through their deepest existing
// ancestor so links in the parent chain are still followed.
func (d *Dispatcher) resolve(ctx context.Context, st *SessionState, p string) (target, error) {
	virtual, err := lexical(st.CurrentDir, p)
	if err != nil {
		return target{}, err
	}
	t := target{virtual: virtual}
	full := path.Join(d.root, virtual)

	existing := full
	var missing []string
	var canonical string
	for {
		canonical, err = d.fs.Canonicalize(ctx, existing)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrNotFound) || existing == d.root || existing == "/" {
			return t, err
		}
		missing = append([]string{path.Base(existing)}, missing...)
		existing = path.Dir(existing)
	}
	if len(missing) > 0 {
		canonical = path.Join(append([]string{canonical}, missing...)...)
	}
	if !d.contains(canonical) {
		return t, ErrOutsideRoot
	}
	t.virtual = d.virtualOf(canonical)
	t.backend = canonical
	return t, nil
}

// resolveEntry resolves the parent chain of p but not its final component,
// so a symbolic link names the link itself rather than its target.
func (d *Dispatcher) resolveEntry(ctx context.Context, st *SessionState, p string) (target, error) {
	virtual, err := lexical(st.CurrentDir, p)
	if err != nil {
		return target{}, err
	}
	if virtual == "/" {
		return d.resolve(ctx, st, virtual)
	}
	parent, err := d.resolve(ctx, st, path.Dir(virtual))
	if err != nil {
		return target{virtual: virtual}, err
	}
	base := path.Base(virtual)
	return target{
		virtual: path.Join(parent.virtual, base),
		backend: path.Join(parent.backend, base),
	}, nil
}

func (d *Dispatcher) contains(p string) bool {
	if d.root == "/" {
		return true
	}
	return p == d.root || strings.HasPrefix(p, d.root+"/")
}

func (d *Dispatcher) virtualOf(canonical string) string {
	if d.root == "/" {
		return canonical
	}
	rest := strings.TrimPrefix(canonical, d.root)
	if rest == "" {
		return "/"
	}
	return rest
}

// failure converts err into an ok=false response naming only the virtual
// path.
func failure(kind protocol.RequestKind, virtual string, err error) *protocol.Response {
	var reason string
	switch {
	case errors.Is(err, ErrOutsideRoot):
		return protocol.Fail(kind, ErrOutsideRoot.Error())
	case errors.Is(err, storage.ErrNotFound):
		reason = "not found"
	case errors.Is(err, storage.ErrIsDirectory):
		reason = "is a directory"
	case errors.Is(err, storage.ErrNotDirectory):
		reason = "not a directory"
	case errors.Is(err, storage.ErrAlreadyExists):
		reason = "already exists"
	case errors.Is(err, storage.ErrNotEmpty):
		reason = "directory not empty"
	case errors.Is(err, storage.ErrPermission):
		reason = "permission denied"
	case errors.Is(err, storage.ErrParentMissing):
		reason = "parent directory does not exist"
	case errors.Is(err, storage.ErrTooManyLinks):
		reason = "too many levels of symbolic links"
	case errors.Is(err, storage.ErrDanglingLink):
		reason = "dangling symbolic link"
	case errors.Is(err, storage.ErrChanged):
		reason = "file changed during read"
	case errors.Is(err, errFileTooLarge):
		return protocol.Fail(kind, fmt.Sprintf("%s: %s", virtual, err.Error()))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		reason = "operation cancelled"
	default:
		reason = "internal error"
	}
	if virtual == "" {
		return protocol.Fail(kind, reason)
	}
	return protocol.Fail(kind, fmt.Sprintf("%s: %s", reason, virtual))
}

func (d *Dispatcher) list(ctx context.Context, st *SessionState, req *protocol.Request) *protocol.Response {
	kind := req.GetKind()
	t, err := d.resolve(ctx, st, req.GetPath())
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	entries, err := d.fs.List(ctx, t.backend)
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	listing := &protocol.DirectoryListing{Entries: make([]*protocol.FileInfo, 0, len(entries))}
	for _, e := range entries {
		listing.Entries = append(listing.Entries, toProtoInfo(e.Name, e))
	}
	resp := protocol.OK(kind, nil)
	resp.Listing = listing
	return resp
}

func (d *Dispatcher) read(ctx context.Context, st *SessionState, req *protocol.Request) *protocol.Response {
	kind := req.GetKind()
	t, err := d.resolve(ctx, st, req.GetPath())
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	info, err := d.fs.Stat(ctx, t.backend)
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	if info.IsDir {
		return failure(kind, t.virtual, storage.ErrIsDirectory)
	}
	if info.Size > d.maxReadSize {
		return failure(kind, t.virtual, d.tooLarge(info.Size))
	}
	data, err := d.fs.Read(ctx, t.backend)
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	// the file may have grown between Stat and Read
	if int64(len(data)) > d.maxReadSize {
		return failure(kind, t.virtual, d.tooLarge(int64(len(data))))
	}
	return protocol.OK(kind, data)
}

func (d *Dispatcher) tooLarge(size int64) error {
	return fmt.Errorf("%w (%s, limit %s)", errFileTooLarge,
		humanize.IBytes(uint64(size)), humanize.IBytes(uint64(d.maxReadSize)))
}

func (d *Dispatcher) write(ctx context.Context, st *SessionState, req *protocol.Request) *protocol.Response {
	kind := req.GetKind()
	t, err := d.resolve(ctx, st, req.GetPath())
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	if err := d.fs.Write(ctx, t.backend, req.GetPayload()); err != nil {
		return failure(kind, t.virtual, err)
	}
	return protocol.OK(kind, []byte(fmt.Sprintf("wrote %d bytes to %s", len(req.GetPayload()), t.virtual)))
}

func (d *Dispatcher) append(ctx context.Context, st *SessionState, req *protocol.Request) *protocol.Response {
	kind := req.GetKind()
	t, err := d.resolve(ctx, st, req.GetPath())
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	if err := d.fs.Append(ctx, t.backend, req.GetPayload()); err != nil {
		return failure(kind, t.virtual, err)
	}
	return protocol.OK(kind, []byte(fmt.Sprintf("appended %d bytes to %s", len(req.GetPayload()), t.virtual)))
}

func (d *Dispatcher) create(ctx context.Context, st *SessionState, req *protocol.Request) *protocol.Response {
	kind := req.GetKind()
	t, err := d.resolve(ctx, st, req.GetPath())
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	if err := d.fs.Create(ctx, t.backend); err != nil {
		return failure(kind, t.virtual, err)
	}
	return protocol.OK(kind, []byte("created "+t.virtual))
}

func (d *Dispatcher) delete(ctx context.Context, st *SessionState, req *protocol.Request) *protocol.Response {
	kind := req.GetKind()
	t, err := d.resolveEntry(ctx, st, req.GetPath())
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	if err := d.fs.Delete(ctx, t.backend); err != nil {
		return failure(kind, t.virtual, err)
	}
	return protocol.OK(kind, []byte("deleted "+t.virtual))
}

func (d *Dispatcher) deleteDir(ctx context.Context, st *SessionState, req *protocol.Request) *protocol.Response {
	kind := req.GetKind()
	t, err := d.resolve(ctx, st, req.GetPath())
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	if t.backend == d.root {
		return protocol.Fail(kind, "cannot remove the root directory")
	}
	if err := d.fs.DeleteDir(ctx, t.backend); err != nil {
		return failure(kind, t.virtual, err)
	}
	return protocol.OK(kind, []byte("removed "+t.virtual))
}

func (d *Dispatcher) mkdir(ctx context.Context, st *SessionState, req *protocol.Request) *protocol.Response {
	kind := req.GetKind()
	t, err := d.resolve(ctx, st, req.GetPath())
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	if err := d.fs.Mkdir(ctx, t.backend, req.GetRecursive()); err != nil {
		return failure(kind, t.virtual, err)
	}
	return protocol.OK(kind, []byte("created directory "+t.virtual))
}

func (d *Dispatcher) changeDir(ctx context.Context, st *SessionState, req *protocol.Request) *protocol.Response {
	kind := req.GetKind()
	p := req.GetPath()
	if strings.TrimSpace(p) == "" {
		p = "/"
	}
	t, err := d.resolve(ctx, st, p)
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	info, err := d.fs.Stat(ctx, t.backend)
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	if !info.IsDir {
		return failure(kind, t.virtual, storage.ErrNotDirectory)
	}
	st.CurrentDir = t.virtual
	return protocol.OK(kind, []byte(t.virtual))
}

func (d *Dispatcher) info(ctx context.Context, st *SessionState, req *protocol.Request) *protocol.Response {
	kind := req.GetKind()
	t, err := d.resolve(ctx, st, req.GetPath())
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	info, err := d.fs.Stat(ctx, t.backend)
	if err != nil {
		return failure(kind, t.virtual, err)
	}
	name := path.Base(t.virtual)
	resp := protocol.OK(kind, nil)
	resp.Info = toProtoInfo(name, info)
	return resp
}

func toProtoInfo(name string, fi storage.FileInfo) *protocol.FileInfo {
	size := fi.Size
	if size < 0 {
		size = 0
	}
	return &protocol.FileInfo{
		Name:     name,
		Size:     uint64(size),
		Modified: fi.ModTime.Unix(),
		IsDir:    fi.IsDir,
		Mode:     uint32(fi.Mode),
	}
}
