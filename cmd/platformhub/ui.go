package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"gopkg.in/yaml.v3"

	"github.com/olajaido/platform-hub/pkg/domain"
)

var (
	purple = lipgloss.Color("99")
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	dim    = lipgloss.Color("243")
	faint  = lipgloss.Color("238")
)

var (
	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	labelStyle   = lipgloss.NewStyle().Foreground(dim)
)

func successMsg(format string, a ...any) string {
	return successStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func warnMsg(format string, a ...any) string {
	return warnStyle.Render("!") + " " + fmt.Sprintf(format, a...)
}

func errorMsg(format string, a ...any) string {
	return errorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

func infoMsg(format string, a ...any) string {
	return accentStyle.Render("●") + " " + fmt.Sprintf(format, a...)
}

// statusChip colours a lifecycle status the way the dashboard badges did.
func statusChip(s domain.Status) string {
	label := s.Label()
	switch s {
	case domain.StatusCompleted:
		return successStyle.Render(label)
	case domain.StatusFailed:
		return errorStyle.Render(label)
	case domain.StatusInProgress:
		return accentStyle.Render(label)
	case domain.StatusPending:
		return warnStyle.Render(label)
	}
	return mutedStyle.Render(label)
}

type pair struct {
	key   string
	value string
}

func kv(key, value string) pair {
	return pair{key: key, value: value}
}

// keyValues renders aligned "key: value" lines with a trailing newline.
func keyValues(indent string, pairs ...pair) string {
	width := 0
	for _, p := range pairs {
		if len(p.key) > width {
			width = len(p.key)
		}
	}
	var sb strings.Builder
	for _, p := range pairs {
		label := fmt.Sprintf("%-*s", width+1, p.key+":")
		sb.WriteString(indent + labelStyle.Render(label) + " " + p.value + "\n")
	}
	return sb.String()
}

func renderTable(headers []string, rows [][]string) string {
	headerStyle := lipgloss.NewStyle().Foreground(purple).Bold(true).Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	oddStyle := cellStyle.Foreground(dim)

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(faint)).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case row%2 == 0:
				return cellStyle
			default:
				return oddStyle
			}
		}).
		Headers(headers...).
		Rows(rows...)
	return t.String()
}

// outputPairs renders a map as sorted key/value lines.
func outputPairs(indent string, outputs map[string]any) string {
	if len(outputs) == 0 {
		return ""
	}
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, kv(k, formatValue(outputs[k])))
	}
	return keyValues(indent, pairs...)
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "-"
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	}
	return fmt.Sprint(v)
}

// encode writes v as json or yaml. It reports false for table output so the
// caller renders its own view.
func encode(w io.Writer, format string, v any) (bool, error) {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(toPlain(v)); err != nil {
			return true, err
		}
		return true, enc.Close()
	}
	return false, nil
}

// toPlain round-trips v through JSON so yaml output uses the JSON field names.
func toPlain(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return v
	}
	return plain
}
