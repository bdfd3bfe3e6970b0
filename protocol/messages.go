package protocol

import (
	"errors"

	"github.com/golang/protobuf/proto"
)

// RequestKind selects the file operation carried by a Request.
type RequestKind int32

const (
	RequestKind_REQUEST_KIND_PING       RequestKind = 0
	RequestKind_REQUEST_KIND_LIST       RequestKind = 1
	RequestKind_REQUEST_KIND_READ       RequestKind = 2
	RequestKind_REQUEST_KIND_WRITE      RequestKind = 3
	RequestKind_REQUEST_KIND_APPEND     RequestKind = 4
	RequestKind_REQUEST_KIND_CREATE     RequestKind = 5
	RequestKind_REQUEST_KIND_DELETE     RequestKind = 6
	RequestKind_REQUEST_KIND_DELETE_DIR RequestKind = 7
	RequestKind_REQUEST_KIND_MKDIR      RequestKind = 8
	RequestKind_REQUEST_KIND_CHANGE_DIR RequestKind = 9
	RequestKind_REQUEST_KIND_INFO       RequestKind = 10
	RequestKind_REQUEST_KIND_TERMINATE  RequestKind = 11
)

var requestKindNames = map[RequestKind]string{
	RequestKind_REQUEST_KIND_PING:       "ping",
	RequestKind_REQUEST_KIND_LIST:       "list",
	RequestKind_REQUEST_KIND_READ:       "read",
	RequestKind_REQUEST_KIND_WRITE:      "write",
	RequestKind_REQUEST_KIND_APPEND:     "append",
	RequestKind_REQUEST_KIND_CREATE:     "create",
	RequestKind_REQUEST_KIND_DELETE:     "delete",
	RequestKind_REQUEST_KIND_DELETE_DIR: "delete_dir",
	RequestKind_REQUEST_KIND_MKDIR:      "mkdir",
	RequestKind_REQUEST_KIND_CHANGE_DIR: "change_dir",
	RequestKind_REQUEST_KIND_INFO:       "info",
	RequestKind_REQUEST_KIND_TERMINATE:  "terminate",
}

func (k RequestKind) String() string {
	if name, ok := requestKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether k names a known operation.
func (k RequestKind) Valid() bool {
	_, ok := requestKindNames[k]
	return ok
}

// Request is a single file operation sent by the client.
type Request struct {
	Kind      RequestKind `protobuf:"varint,1,opt,name=kind,proto3,enum=qftp.protocol.RequestKind" json:"kind,omitempty"`
	Path      string      `protobuf:"bytes,2,opt,name=path,proto3" json:"path,omitempty"`
	Payload   []byte      `protobuf:"bytes,3,opt,name=payload,proto3" json:"payload,omitempty"`
	Recursive bool        `protobuf:"varint,4,opt,name=recursive,proto3" json:"recursive,omitempty"`
}

func (m *Request) Reset()         { *m = Request{} }
func (m *Request) String() string { return proto.CompactTextString(m) }
func (*Request) ProtoMessage()    {}

func (m *Request) GetKind() RequestKind {
	if m != nil {
		return m.Kind
	}
	return RequestKind_REQUEST_KIND_PING
}

func (m *Request) GetPath() string {
	if m != nil {
		return m.Path
	}
	return ""
}

func (m *Request) GetPayload() []byte {
	if m != nil {
		return m.Payload
	}
	return nil
}

func (m *Request) GetRecursive() bool {
	if m != nil {
		return m.Recursive
	}
	return false
}

// FileInfo describes a single file or directory.
type FileInfo struct {
	Name     string `protobuf:"bytes,1,opt,name=name,proto3" json:"name,omitempty"`
	Size     uint64 `protobuf:"varint,2,opt,name=size,proto3" json:"size,omitempty"`
	Modified int64  `protobuf:"varint,3,opt,name=modified,proto3" json:"modified,omitempty"`
	IsDir    bool   `protobuf:"varint,4,opt,name=is_dir,json=isDir,proto3" json:"is_dir,omitempty"`
	Mode     uint32 `protobuf:"varint,5,opt,name=mode,proto3" json:"mode,omitempty"`
}

func (m *FileInfo) Reset()         { *m = FileInfo{} }
func (m *FileInfo) String() string { return proto.CompactTextString(m) }
func (*FileInfo) ProtoMessage()    {}

// DirectoryListing is the result of a List request, sorted by name.
type DirectoryListing struct {
	Entries []*FileInfo `protobuf:"bytes,1,rep,name=entries,proto3" json:"entries,omitempty"`
}

func (m *DirectoryListing) Reset()         { *m = DirectoryListing{} }
func (m *DirectoryListing) String() string { return proto.CompactTextString(m) }
func (*DirectoryListing) ProtoMessage()    {}

func (m *DirectoryListing) GetEntries() []*FileInfo {
	if m != nil {
		return m.Entries
	}
	return nil
}

// Response answers exactly one Request. At most one of Info and Listing is set.
type Response struct {
	Ok           bool              `protobuf:"varint,1,opt,name=ok,proto3" json:"ok,omitempty"`
	ErrorMessage string            `protobuf:"bytes,2,opt,name=error_message,json=errorMessage,proto3" json:"error_message,omitempty"`
	Payload      []byte            `protobuf:"bytes,3,opt,name=payload,proto3" json:"payload,omitempty"`
	Info         *FileInfo         `protobuf:"bytes,4,opt,name=info,proto3" json:"info,omitempty"`
	Listing      *DirectoryListing `protobuf:"bytes,5,opt,name=listing,proto3" json:"listing,omitempty"`
	Kind         RequestKind       `protobuf:"varint,6,opt,name=kind,proto3,enum=qftp.protocol.RequestKind" json:"kind,omitempty"`
}

func (m *Response) Reset()         { *m = Response{} }
func (m *Response) String() string { return proto.CompactTextString(m) }
func (*Response) ProtoMessage()    {}

func (m *Response) GetOk() bool {
	if m != nil {
		return m.Ok
	}
	return false
}

func (m *Response) GetErrorMessage() string {
	if m != nil {
		return m.ErrorMessage
	}
	return ""
}

func (m *Response) GetPayload() []byte {
	if m != nil {
		return m.Payload
	}
	return nil
}

func (m *Response) GetInfo() *FileInfo {
	if m != nil {
		return m.Info
	}
	return nil
}

func (m *Response) GetListing() *DirectoryListing {
	if m != nil {
		return m.Listing
	}
	return nil
}

func (m *Response) GetKind() RequestKind {
	if m != nil {
		return m.Kind
	}
	return RequestKind_REQUEST_KIND_PING
}

var (
	errFailureWithData = errors.New("protocol: failed response carries data")
	errFailureNoReason = errors.New("protocol: failed response without error message")
	errSuccessWithErr  = errors.New("protocol: successful response carries error message")
	errBothDetails     = errors.New("protocol: response carries both info and listing")
)

// OK builds a successful response for kind.
func OK(kind RequestKind, payload []byte) *Response {
	return &Response{Ok: true, Kind: kind, Payload: payload}
}

// Fail builds a failed response. An empty message is replaced so the
// response still satisfies Validate.
func Fail(kind RequestKind, message string) *Response {
	if message == "" {
		message = "operation failed"
	}
	return &Response{Ok: false, Kind: kind, ErrorMessage: message}
}

// Validate checks the ok/error invariants of a decoded response.
func (m *Response) Validate() error {
	if m.Info != nil && m.Listing != nil {
		return errBothDetails
	}
	if m.Ok {
		if m.ErrorMessage != "" {
			return errSuccessWithErr
		}
		return nil
	}
	if m.ErrorMessage == "" {
		return errFailureNoReason
	}
	if len(m.Payload) > 0 || m.Info != nil || m.Listing != nil {
		return errFailureWithData
	}
	return nil
}
