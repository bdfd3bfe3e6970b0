package client

import (
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/xtaci/qftp/protocol"
)

// previewBytes bounds the file content shown inline by Format.
const previewBytes = 500

// Result is a response prepared for display.
type Result struct {
	Success bool
	Message string
	// Details holds multi-line text such as file content or file info.
	Details string
	// Listing is set for directory listings; renderers tabulate it.
	Listing []*protocol.FileInfo
	// Info is set for info requests.
	Info *protocol.FileInfo
	// CurrentDir is set when the server changed the session directory.
	CurrentDir string
	// Content is the full payload of a read.
	Content []byte
}

// Format interprets resp according to the request kind it echoes.
func Format(resp *protocol.Response) Result {
	if resp == nil {
		return Result{Message: "no response"}
	}
	if !resp.GetOk() {
		return Result{Message: resp.GetErrorMessage()}
	}

	payload := resp.GetPayload()
	switch resp.GetKind() {
	case protocol.RequestKind_REQUEST_KIND_PING:
		return Result{Success: true, Message: "PONG - server is alive"}
	case protocol.RequestKind_REQUEST_KIND_TERMINATE:
		return Result{Success: true, Message: "session terminated"}
	case protocol.RequestKind_REQUEST_KIND_CHANGE_DIR:
		dir := string(payload)
		if dir == "" {
			dir = "/"
		}
		return Result{Success: true, Message: "changed directory to " + dir, CurrentDir: dir}
	case protocol.RequestKind_REQUEST_KIND_READ:
		return Result{
			Success: true,
			Message: fmt.Sprintf("file content (%s):", humanize.IBytes(uint64(len(payload)))),
			Details: preview(payload),
			Content: payload,
		}
	case protocol.RequestKind_REQUEST_KIND_LIST:
		entries := resp.GetListing().GetEntries()
		if len(entries) == 0 {
			return Result{Success: true, Message: "directory is empty"}
		}
		return Result{
			Success: true,
			Message: fmt.Sprintf("%d entries", len(entries)),
			Listing: entries,
		}
	case protocol.RequestKind_REQUEST_KIND_INFO:
		info := resp.GetInfo()
		if info == nil {
			return Result{Success: true, Message: "file info received"}
		}
		return Result{Success: true, Message: "file information:", Details: DescribeInfo(info), Info: info}
	}

	msg := string(payload)
	if msg == "" {
		msg = "operation successful"
	}
	return Result{Success: true, Message: msg}
}

func preview(data []byte) string {
	if len(data) <= previewBytes {
		return strings.ToValidUTF8(string(data), "?")
	}
	cut := previewBytes
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return fmt.Sprintf("%s...  (%d bytes total)", strings.ToValidUTF8(string(data[:cut]), "?"), len(data))
}

// DescribeInfo renders a FileInfo as "key: value" lines.
func DescribeInfo(info *protocol.FileInfo) string {
	kind, size := "file", humanize.IBytes(info.Size)
	if info.IsDir {
		kind, size = "directory", "-"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", info.Name)
	fmt.Fprintf(&b, "Type: %s\n", kind)
	fmt.Fprintf(&b, "Size: %s\n", size)
	fmt.Fprintf(&b, "Permissions: %s\n", os.FileMode(info.Mode).String())
	fmt.Fprintf(&b, "Modified: %s", FormatTime(info.Modified))
	return b.String()
}

// FormatTime renders a unix timestamp in UTC.
func FormatTime(unix int64) string {
	if unix <= 0 {
		return "-"
	}
	return time.Unix(unix, 0).UTC().Format("2006-01-02 15:04:05 UTC")
}
