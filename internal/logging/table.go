// This file contains the aligned-column table used for the startup summary:
// one row per protected speaker, labels left-aligned, values right-aligned
// within their column.
package logging

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/linuxmatters/coilwatch/internal/config"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// Table formats aligned columns. Values are pre-formatted strings so rows can
// mix precisions.
type Table struct {
	Headers []string
	Rows    [][]string
}

// String renders the table: first column left-aligned, the rest right-aligned.
func (t *Table) String() string {
	if len(t.Rows) == 0 {
		return ""
	}

	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = len(h)
	}
	for _, row := range t.Rows {
		for i, v := range row {
			if i < len(widths) && len(v) > widths[i] {
				widths[i] = len(v)
			}
		}
	}

	var sb strings.Builder
	var head strings.Builder
	for i, h := range t.Headers {
		if i == 0 {
			head.WriteString(fmt.Sprintf("%-*s  ", widths[i], h))
		} else {
			head.WriteString(fmt.Sprintf("%*s  ", widths[i], h))
		}
	}
	sb.WriteString(headerStyle.Render(strings.TrimRight(head.String(), " ")))
	sb.WriteString("\n")

	for _, row := range t.Rows {
		for i := range t.Headers {
			v := "-"
			if i < len(row) && row[i] != "" {
				v = row[i]
			}
			if i == 0 {
				sb.WriteString(fmt.Sprintf("%-*s  ", widths[i], v))
			} else {
				sb.WriteString(fmt.Sprintf("%*s  ", widths[i], v))
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// SpeakerSummary renders the parsed speaker table printed before the loop
// starts, so the journal records exactly which parameters this run protected
// with.
func SpeakerSummary(cfg *config.Config) string {
	t := &Table{
		Headers: []string{"Speaker", "Group", "τ coil", "τ mag", "tr coil", "tr mag", "limit", "head", "V ch", "I ch"},
	}
	for _, spk := range cfg.Speakers {
		t.Rows = append(t.Rows, []string{
			spk.Name,
			fmt.Sprintf("%d", spk.Group),
			fmt.Sprintf("%.1fs", spk.TauCoil),
			fmt.Sprintf("%.0fs", spk.TauMag),
			fmt.Sprintf("%.1f", spk.TRCoil),
			fmt.Sprintf("%.1f", spk.TRMagnet),
			fmt.Sprintf("%.0f°C", spk.TLimit),
			fmt.Sprintf("%.0f°C", spk.THeadroom),
			fmt.Sprintf("%d", spk.VSChan),
			fmt.Sprintf("%d", spk.ISChan),
		})
	}

	footer := mutedStyle.Render(fmt.Sprintf(
		"ambient %.1f°C · hysteresis %.1f°C · window %.0fs · period %d frames · link_gains %v",
		cfg.Globals.TAmbient, cfg.Globals.THysteresis, cfg.Globals.TWindow,
		cfg.Globals.Period, cfg.Globals.LinkGains))

	return t.String() + footer
}
