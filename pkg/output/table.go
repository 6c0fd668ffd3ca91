// Package output renders engine results for the terminal: tab-aligned
// tables for listings and key/value blocks for single-record detail.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Table builds a tab-aligned table and renders it in one shot.
type Table struct {
	tw      *tabwriter.Writer
	headers []string
	rows    [][]string
}

// NewTable writes to stdout.
func NewTable() *Table {
	return NewTableTo(os.Stdout)
}

// NewTableTo writes to w.
func NewTableTo(w io.Writer) *Table {
	return &Table{tw: tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)}
}

// Header sets the column headers.
func (t *Table) Header(cols ...string) *Table {
	t.headers = cols
	return t
}

// Row appends one data row.
func (t *Table) Row(cells ...string) *Table {
	t.rows = append(t.rows, cells)
	return t
}

// Render writes the headers, an underline, and every row, then flushes.
func (t *Table) Render() error {
	if len(t.headers) > 0 {
		fmt.Fprintln(t.tw, strings.Join(t.headers, "\t"))
		under := make([]string, len(t.headers))
		for i, h := range t.headers {
			under[i] = strings.Repeat("-", len(h))
		}
		fmt.Fprintln(t.tw, strings.Join(under, "\t"))
	}
	for _, row := range t.rows {
		fmt.Fprintln(t.tw, strings.Join(row, "\t"))
	}
	return t.tw.Flush()
}

// KeyValue renders aligned "key: value" lines in the given order, for
// single-record detail views.
func KeyValue(w io.Writer, pairs [][2]string) error {
	if w == nil {
		w = os.Stdout
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, p := range pairs {
		fmt.Fprintf(tw, "%s:\t%s\n", p[0], p[1])
	}
	return tw.Flush()
}
