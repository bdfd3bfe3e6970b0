package client

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xtaci/qftp/protocol"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line string
		want *protocol.Request
	}{
		{"ping", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_PING}},
		{"  PING  ", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_PING}},
		{"ls", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_LIST, Path: "."}},
		{"ls docs", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_LIST, Path: "docs"}},
		{"cd", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_CHANGE_DIR, Path: "/"}},
		{"cd ..", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_CHANGE_DIR, Path: ".."}},
		{"cat a.txt", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_READ, Path: "a.txt"}},
		{"write a.txt hello   big world", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_WRITE, Path: "a.txt", Payload: []byte("hello big world")}},
		{"append log x", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_APPEND, Path: "log", Payload: []byte("x")}},
		{"touch new", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_CREATE, Path: "new"}},
		{"rm old", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_DELETE, Path: "old"}},
		{"rmdir d", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_DELETE_DIR, Path: "d"}},
		{"mkdir d", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_MKDIR, Path: "d"}},
		{"mkdir -p a/b/c", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_MKDIR, Path: "a/b/c", Recursive: true}},
		{"stat /", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_INFO, Path: "/"}},
		{"exit", &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_TERMINATE}},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := ParseCommand(tt.line)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandErrors(t *testing.T) {
	for line, msg := range map[string]string{
		"":            "empty input",
		"   ":         "empty input",
		"read":        "read requires a filename",
		"write a.txt": "write requires a filename and data",
		"mkdir -p":    "mkdir requires a directory name",
		"rm a b":      "rm takes one argument",
		"frobnicate":  `unknown command "frobnicate"`,
	} {
		_, err := ParseCommand(line)
		require.ErrorIs(t, err, ErrParse, line)
		require.ErrorContains(t, err, msg)
	}
}
