package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xtaci/qftp/protocol"
)

// ErrParse is returned for input that does not form a request.
var ErrParse = errors.New("invalid command")

// Usage lists the accepted command syntax, one line per command.
var Usage = []string{
	"ping",
	"ls [dir]",
	"cd [dir]",
	"read|cat <file>",
	"write <file> <text...>",
	"append <file> <text...>",
	"touch|create <file>",
	"rm <file>",
	"rmdir <dir>",
	"mkdir [-p] <dir>",
	"info|stat <path>",
	"quit|exit",
}

// ParseCommand turns one line of user input into a request. Text arguments
// to write and append are joined with single spaces.
func ParseCommand(line string) (*protocol.Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrParse)
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "ping":
		return &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_PING}, nil
	case "quit", "exit":
		return &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_TERMINATE}, nil
	case "ls":
		p := "."
		if len(args) > 0 {
			p = args[0]
		}
		return &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_LIST, Path: p}, nil
	case "cd":
		p := "/"
		if len(args) > 0 {
			p = args[0]
		}
		return &protocol.Request{Kind: protocol.RequestKind_REQUEST_KIND_CHANGE_DIR, Path: p}, nil
	case "read", "cat":
		return pathRequest(protocol.RequestKind_REQUEST_KIND_READ, cmd, "a filename", args)
	case "touch", "create":
		return pathRequest(protocol.RequestKind_REQUEST_KIND_CREATE, cmd, "a filename", args)
	case "rm":
		return pathRequest(protocol.RequestKind_REQUEST_KIND_DELETE, cmd, "a filename", args)
	case "rmdir":
		return pathRequest(protocol.RequestKind_REQUEST_KIND_DELETE_DIR, cmd, "a directory name", args)
	case "info", "stat":
		return pathRequest(protocol.RequestKind_REQUEST_KIND_INFO, cmd, "a path", args)
	case "write":
		return dataRequest(protocol.RequestKind_REQUEST_KIND_WRITE, cmd, args)
	case "append":
		return dataRequest(protocol.RequestKind_REQUEST_KIND_APPEND, cmd, args)
	case "mkdir":
		recursive := false
		if len(args) > 0 && args[0] == "-p" {
			recursive = true
			args = args[1:]
		}
		req, err := pathRequest(protocol.RequestKind_REQUEST_KIND_MKDIR, cmd, "a directory name", args)
		if err != nil {
			return nil, err
		}
		req.Recursive = recursive
		return req, nil
	}
	return nil, fmt.Errorf("%w: unknown command %q", ErrParse, fields[0])
}

func pathRequest(kind protocol.RequestKind, cmd, what string, args []string) (*protocol.Request, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: %s requires %s", ErrParse, cmd, what)
	}
	if len(args) > 1 {
		return nil, fmt.Errorf("%w: %s takes one argument", ErrParse, cmd)
	}
	return &protocol.Request{Kind: kind, Path: args[0]}, nil
}

func dataRequest(kind protocol.RequestKind, cmd string, args []string) (*protocol.Request, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%w: %s requires a filename and data", ErrParse, cmd)
	}
	return &protocol.Request{Kind: kind, Path: args[0], Payload: []byte(strings.Join(args[1:], " "))}, nil
}
