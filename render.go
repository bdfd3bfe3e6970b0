package main

import (
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/xtaci/qftp/client"
	"github.com/xtaci/qftp/protocol"
)

// printResult writes a formatted response. Failures are prefixed with
// "error:".
func printResult(w io.Writer, res client.Result) {
	if !res.Success {
		fmt.Fprintf(w, "error: %s\n", res.Message)
		return
	}
	fmt.Fprintln(w, res.Message)
	if len(res.Listing) > 0 {
		renderListing(w, res.Listing)
	}
	if res.Details != "" {
		fmt.Fprintln(w, res.Details)
	}
}

// renderListing tabulates directory entries; directories get a trailing
// slash.
func renderListing(w io.Writer, entries []*protocol.FileInfo) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Name", "Type", "Size", "Modified"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, e := range entries {
		name, kind, size := e.Name, "file", humanize.IBytes(e.Size)
		if e.IsDir {
			name, kind, size = e.Name+"/", "dir", "-"
		}
		modified := "-"
		if e.Modified > 0 {
			modified = humanize.Time(time.Unix(e.Modified, 0))
		}
		table.Append([]string{name, kind, size, modified})
	}
	table.Render()
}
