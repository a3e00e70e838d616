package sqlexec

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Result 是一次查询的结构化结果：表头保持数据库返回的原样与顺序，
// 单元格只包含 string、int64、float64、bool 或 nil。
type Result struct {
	Columns   []string `json:"headers"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
	Truncated bool     `json:"truncated"`
}

var numericTypes = map[string]bool{
	"NUMERIC": true, "DECIMAL": true, "NEWDECIMAL": true, "MONEY": true,
	"FLOAT4": true, "FLOAT8": true, "FLOAT": true, "DOUBLE": true, "REAL": true,
	"INT2": true, "INT4": true, "INT8": true, "INT": true, "INTEGER": true,
	"SMALLINT": true, "BIGINT": true, "TINYINT": true, "MEDIUMINT": true,
	"UNSIGNED BIGINT": true, "UNSIGNED INT": true, "UNSIGNED SMALLINT": true,
	"UNSIGNED TINYINT": true, "UNSIGNED MEDIUMINT": true, "YEAR": true,
}

var binaryTypes = map[string]bool{
	"BYTEA": true, "BLOB": true, "TINYBLOB": true, "MEDIUMBLOB": true,
	"LONGBLOB": true, "BINARY": true, "VARBINARY": true, "BIT": true,
}

// convertCell normalises one driver value using the column's database type.
func convertCell(value any, dbType string) any {
	dbType = strings.ToUpper(dbType)
	switch v := value.(type) {
	case nil:
		return nil
	case bool:
		return v
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case uint64:
		return float64(v)
	case float64:
		return v
	case float32:
		return float64(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	case []byte:
		if binaryTypes[dbType] || !utf8.Valid(v) {
			return hex.EncodeToString(v)
		}
		return textCell(string(v), dbType)
	case string:
		return textCell(v, dbType)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func textCell(s, dbType string) any {
	if !numericTypes[dbType] {
		return s
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Markdown renders at most limit rows as a Markdown table for inclusion in
// model context. limit <= 0 renders every row.
func (r *Result) Markdown(limit int) string {
	if r == nil || len(r.Columns) == 0 {
		return "(no columns)"
	}
	var b strings.Builder
	b.WriteString("| " + strings.Join(escapeAll(r.Columns), " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(r.Columns)) + "\n")

	shown := r.Rows
	if limit > 0 && len(shown) > limit {
		shown = shown[:limit]
	}
	for _, row := range shown {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = escapeCell(FormatCell(cell))
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}

	if hidden := len(r.Rows) - len(shown); hidden > 0 {
		fmt.Fprintf(&b, "\n(%d of %d rows shown)", len(shown), len(r.Rows))
	} else if len(r.Rows) == 0 {
		b.WriteString("\n(0 rows)")
	}
	if r.Truncated {
		b.WriteString("\n(result truncated at the row limit)")
	}
	return b.String()
}

// FormatCell renders a cell for human display without locale formatting.
func FormatCell(cell any) string {
	switch v := cell.(type) {
	case nil:
		return "NULL"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func escapeAll(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = escapeCell(v)
	}
	return out
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
