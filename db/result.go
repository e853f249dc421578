package db

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/nickyhof/EntityDB/expr"
	"github.com/nickyhof/EntityDB/ps"
)

type ResultType int

const (
	QueryResultType ResultType = iota
	CommitResultType
)

type Result interface {
	Type() ResultType
	Display()
}

type QueryResult struct {
	Columns []string
	// Data holds the rendered cells; NULL renders as "NULL".
	Data             [][]string
	Values           [][]any
	RecordsRead      int
	RecordsScanned   int
	ExecutionTimeSec float64
	ExecutionOps     int
}

type CommitResult struct {
	Transaction      ps.Transaction
	CommitIDs        []string
	RecordsWritten   int
	RecordsDeleted   int
	ExecutionTimeSec float64
	ExecutionOps     int
}

func (result QueryResult) Type() ResultType {
	return QueryResultType
}

func (result CommitResult) Type() ResultType {
	return CommitResultType
}

func queryResult(sel selection, seconds float64) QueryResult {
	result := QueryResult{
		Columns:          sel.columns,
		Data:             make([][]string, 0, len(sel.rows)),
		Values:           make([][]any, 0, len(sel.rows)),
		RecordsRead:      len(sel.rows),
		RecordsScanned:   sel.scanned,
		ExecutionTimeSec: seconds,
		ExecutionOps:     sel.scanned,
	}
	for _, values := range sel.rows {
		cells := make([]string, len(values))
		natives := make([]any, len(values))
		for i, value := range values {
			cells[i] = cell(value)
			natives[i] = value.ToGo()
		}
		result.Data = append(result.Data, cells)
		result.Values = append(result.Values, natives)
	}
	return result
}

func cell(value expr.Value) string {
	if value.IsNull() {
		return "NULL"
	}
	return value.Text()
}

// Maps returns the rows keyed by column name.
func (result QueryResult) Maps() []map[string]any {
	maps := make([]map[string]any, 0, len(result.Values))
	for _, values := range result.Values {
		m := make(map[string]any, len(values))
		for i, value := range values {
			m[result.Columns[i]] = value
		}
		maps = append(maps, m)
	}
	return maps
}

// Column returns the rendered cells of one column.
func (result QueryResult) Column(name string) []string {
	index := -1
	for i, column := range result.Columns {
		if column == name {
			index = i
			break
		}
	}
	if index < 0 {
		return nil
	}
	cells := make([]string, 0, len(result.Data))
	for _, row := range result.Data {
		cells = append(cells, row[index])
	}
	return cells
}

// formatDuration formats a duration in human-readable form
func formatDuration(secs float64) string {
	if secs < 0.001 {
		return "<1ms"
	} else if secs < 1 {
		return fmt.Sprintf("%dms", int(secs*1000))
	} else if secs < 60 {
		if secs < 10 {
			return fmt.Sprintf("%.1fs", secs)
		}
		return fmt.Sprintf("%ds", int(secs))
	}
	mins := int(secs / 60)
	remainSecs := int(secs) % 60
	if remainSecs == 0 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%dm%ds", mins, remainSecs)
}

func throughput(ops int, secs float64) string {
	if secs <= 0 || ops <= 0 {
		return ""
	}
	rate := float64(ops) / secs
	switch {
	case rate >= 1000000:
		return fmt.Sprintf(", %.1fM ops/s", rate/1000000)
	case rate >= 1000:
		return fmt.Sprintf(", %.1fK ops/s", rate/1000)
	default:
		return fmt.Sprintf(", %.0f ops/s", rate)
	}
}

func (result QueryResult) ExecutionTime() string {
	return formatDuration(result.ExecutionTimeSec)
}

func (result CommitResult) ExecutionTime() string {
	return formatDuration(result.ExecutionTimeSec)
}

func (result QueryResult) Display() {
	result.Write(os.Stdout)
}

func (result QueryResult) Write(w io.Writer) {
	if len(result.Data) > 0 {
		data := NewTable(w)
		data.Header(result.Columns)
		data.Bulk(result.Data)
		data.Render()
	}

	stats := color.New(color.Faint)
	stats.Fprintf(w, "%d rows (%s%s)\n", result.RecordsRead, result.ExecutionTime(), throughput(result.ExecutionOps, result.ExecutionTimeSec))
}

func (result CommitResult) Display() {
	result.Write(os.Stdout)
}

func (result CommitResult) Write(w io.Writer) {
	var parts []string
	if result.RecordsWritten > 0 {
		parts = append(parts, fmt.Sprintf("%d entit(ies) written", result.RecordsWritten))
	}
	if result.RecordsDeleted > 0 {
		parts = append(parts, fmt.Sprintf("%d entit(ies) deleted", result.RecordsDeleted))
	}

	summary := "OK"
	if len(parts) > 0 {
		summary = strings.Join(parts, ", ")
	}
	color.New(color.FgGreen).Fprint(w, summary)
	fmt.Fprintf(w, " (%s%s)\n", result.ExecutionTime(), throughput(result.ExecutionOps, result.ExecutionTimeSec))
}
