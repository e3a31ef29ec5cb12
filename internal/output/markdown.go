package output

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/vertexads/finsync/internal/models"
	"golang.org/x/term"
)

const (
	defaultMarkdownWidth = 80
	minMarkdownWidth     = 20
)

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultMarkdownWidth
	}

	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}

	if cols := os.Getenv("COLUMNS"); cols != "" {
		if parsed, err := strconv.Atoi(cols); err == nil && parsed > 0 {
			return parsed
		}
	}

	return fallback
}

// RenderMarkdown renders markdown using Glamour with terminal-aware wrapping.
func RenderMarkdown(text string) (string, error) {
	return RenderMarkdownWithWidth(text, TerminalWidth(defaultMarkdownWidth))
}

// RenderMarkdownWithWidth renders markdown using Glamour with explicit wrapping.
func RenderMarkdownWithWidth(text string, width int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if width < minMarkdownWidth {
		width = minMarkdownWidth
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", err
	}

	rendered, err := renderer.Render(text)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(rendered, "\n"), nil
}

// MonthReport builds a markdown summary of the live entries of month:
// totals by direction and status, then outflows by category.
func MonthReport(month string, entries []models.LedgerEntry) string {
	var in, out, paid, projected models.Amount
	byCategory := map[string]models.Amount{}
	count := 0
	for _, e := range entries {
		if e.Deleted || e.Month() != month {
			continue
		}
		count++
		if e.Type == models.DirectionOut {
			out += e.Value
			byCategory[e.Category] += e.Value
		} else {
			in += e.Value
		}
		if e.Status == models.StatusProjected {
			projected += e.Signed()
		} else {
			paid += e.Signed()
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", month)
	if count == 0 {
		sb.WriteString("No entries.\n")
		return sb.String()
	}
	sb.WriteString("| | Amount |\n|---|---:|\n")
	fmt.Fprintf(&sb, "| In | %s |\n", FormatMoney(in))
	fmt.Fprintf(&sb, "| Out | %s |\n", FormatMoney(out))
	fmt.Fprintf(&sb, "| **Balance** | **%s** |\n", FormatMoney(in-out))
	fmt.Fprintf(&sb, "| Settled | %s |\n", FormatMoney(paid))
	fmt.Fprintf(&sb, "| Projected | %s |\n", FormatMoney(projected))

	if len(byCategory) > 0 {
		cats := make([]string, 0, len(byCategory))
		for c := range byCategory {
			cats = append(cats, c)
		}
		sort.Slice(cats, func(i, j int) bool {
			if byCategory[cats[i]] != byCategory[cats[j]] {
				return byCategory[cats[i]] > byCategory[cats[j]]
			}
			return cats[i] < cats[j]
		})
		sb.WriteString("\n## Outflows by category\n\n| Category | Amount |\n|---|---:|\n")
		for _, c := range cats {
			fmt.Fprintf(&sb, "| %s | %s |\n", c, FormatMoney(byCategory[c]))
		}
	}
	fmt.Fprintf(&sb, "\n%d entries.\n", count)
	return sb.String()
}
