package db

import (
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/fatih/color"
)

// MaxCellWidth caps rendered cells; snapshot JSON is often much wider.
const MaxCellWidth = 60

// Table renders query results as a bordered text table. Headers are bold
// and NULL cells faint when the writer is a color terminal.
type Table struct {
	writer  io.Writer
	headers []string
	rows    [][]string

	header *color.Color
	null   *color.Color
}

func NewTable(w io.Writer) *Table {
	return &Table{
		writer: w,
		header: color.New(color.Bold),
		null:   color.New(color.Faint),
	}
}

func (t *Table) Header(headers []string) {
	t.headers = headers
}

func (t *Table) Row(row []string) {
	t.rows = append(t.rows, row)
}

func (t *Table) Bulk(rows [][]string) {
	t.rows = append(t.rows, rows...)
}

func (t *Table) Render() {
	if len(t.headers) == 0 && len(t.rows) == 0 {
		return
	}

	widths := t.widths()
	separator := separatorLine(widths)

	fmt.Fprintln(t.writer, separator)
	if len(t.headers) > 0 {
		fmt.Fprintln(t.writer, t.formatRow(t.headers, widths, t.header))
		fmt.Fprintln(t.writer, separator)
	}
	for _, row := range t.rows {
		fmt.Fprintln(t.writer, t.formatRow(row, widths, nil))
	}
	fmt.Fprintln(t.writer, separator)
}

func (t *Table) widths() []int {
	columns := len(t.headers)
	for _, row := range t.rows {
		columns = max(columns, len(row))
	}

	widths := make([]int, columns)
	measure := func(row []string) {
		for i, cell := range row {
			widths[i] = max(widths[i], utf8.RuneCountInString(truncate(cell)))
		}
	}
	measure(t.headers)
	for _, row := range t.rows {
		measure(row)
	}
	for i := range widths {
		widths[i] = max(widths[i], 1)
	}
	return widths
}

func truncate(cell string) string {
	if utf8.RuneCountInString(cell) <= MaxCellWidth {
		return cell
	}
	runes := []rune(cell)
	return string(runes[:MaxCellWidth-1]) + "…"
}

func separatorLine(widths []int) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		parts[i] = strings.Repeat("-", w+2)
	}
	return "+" + strings.Join(parts, "+") + "+"
}

// formatRow pads each cell to its column. style applies to every cell; a
// nil style only dims NULL.
func (t *Table) formatRow(row []string, widths []int, style *color.Color) string {
	parts := make([]string, len(widths))
	for i, w := range widths {
		cell := ""
		if i < len(row) {
			cell = truncate(row[i])
		}
		padding := strings.Repeat(" ", w-utf8.RuneCountInString(cell)+1)
		switch {
		case style != nil:
			cell = style.Sprint(cell)
		case cell == "NULL":
			cell = t.null.Sprint(cell)
		}
		parts[i] = " " + cell + padding
	}
	return "|" + strings.Join(parts, "|") + "|"
}
