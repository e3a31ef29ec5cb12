// Package output provides styled terminal output helpers (success, error,
// warning, entry formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/vertexads/finsync/internal/models"
	"github.com/vertexads/finsync/internal/syncer"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	inStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	outStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	statusStyles = map[string]lipgloss.Style{
		models.StatusPaid:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.StatusProjected: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
	syncStyles = map[syncer.State]lipgloss.Style{
		syncer.StateIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		syncer.StateSyncing: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		syncer.StateSynced:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		syncer.StateError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		syncer.StateOffline: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
)

// OutputMode determines output format
type OutputMode int

const (
	ModeShort OutputMode = iota
	ModeLong
	ModeJSON
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message to stderr
func Error(format string, args ...any) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message to stderr
func Warning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, warningStyle.Render("Warning: "+fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeDatabaseError = "database_error"
	ErrCodeAuthRequired  = "auth_required"
	ErrCodeOffline       = "offline"
	ErrCodeDataLoss      = "potential_data_loss"
	ErrCodeSyncFailed    = "sync_failed"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	JSONErrorWithDetails(code, message, nil)
}

// JSONErrorWithDetails outputs an error as JSON with additional context
func JSONErrorWithDetails(code, message string, details map[string]any) {
	errObj := map[string]any{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		errObj["details"] = details
	}
	data, _ := json.MarshalIndent(map[string]any{"error": errObj}, "", "  ")
	fmt.Println(string(data))
}

// FormatMoney renders centavos in Brazilian notation: "R$ 1.234,56".
func FormatMoney(a models.Amount) string {
	neg := a < 0
	if neg {
		a = -a
	}
	whole := int64(a) / 100
	cents := int64(a) % 100

	digits := fmt.Sprintf("%d", whole)
	var sb strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			sb.WriteByte('.')
		}
		sb.WriteRune(r)
	}
	s := fmt.Sprintf("R$ %s,%02d", sb.String(), cents)
	if neg {
		return "-" + s
	}
	return s
}

// FormatSigned renders the entry value with its direction, colored.
func FormatSigned(e models.LedgerEntry) string {
	if e.Type == models.DirectionOut {
		return outStyle.Render("-" + FormatMoney(e.Value))
	}
	return inStyle.Render("+" + FormatMoney(e.Value))
}

// FormatStatus formats an entry status with color
func FormatStatus(s string) string {
	style, ok := statusStyles[s]
	if !ok {
		return fmt.Sprintf("[%s]", s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatEntryShort formats an entry on one line
func FormatEntryShort(e models.LedgerEntry) string {
	parts := []string{
		titleStyle.Render(e.ID),
		e.Date,
		FormatSigned(e),
		e.Description,
		subtleStyle.Render(e.Category + " / " + e.Account),
	}
	if e.Deleted {
		parts = append(parts, errorStyle.Render("[deleted]"))
	} else {
		parts = append(parts, FormatStatus(e.Status))
	}
	return strings.Join(parts, "  ")
}

// FormatEntryLong formats every field of an entry
func FormatEntryLong(e models.LedgerEntry) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%s: %s", e.ID, e.Description)))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Date: %s | Value: %s | Status: %s\n", e.Date, FormatSigned(e), FormatStatus(e.Status))
	fmt.Fprintf(&sb, "Domain: %s | Category: %s | Account: %s\n", e.Domain, e.Category, e.Account)
	if e.PaymentMethod != "" {
		fmt.Fprintf(&sb, "Payment: %s\n", e.PaymentMethod)
	}
	if e.Client != "" {
		fmt.Fprintf(&sb, "Client: %s\n", e.Client)
	}
	if e.Transfer != nil && *e.Transfer != "" {
		fmt.Fprintf(&sb, "Transfer: %s\n", *e.Transfer)
	}
	if e.RuleID != "" {
		fmt.Fprintf(&sb, "Rule: %s\n", e.RuleID)
	}
	if e.Deleted {
		sb.WriteString(errorStyle.Render("DELETED"))
		sb.WriteString("\n")
	}
	if t, err := models.ParseTimestamp(e.UpdatedAt); err == nil {
		sb.WriteString(subtleStyle.Render("Updated " + FormatTimeAgo(t)))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatRuleShort formats a recurrence rule on one line
func FormatRuleShort(r models.RecurrenceRule) string {
	sign := "+"
	style := inStyle
	if r.Type == models.DirectionOut {
		sign, style = "-", outStyle
	}
	when := fmt.Sprintf("day %d", r.DueDay)
	if r.EffectiveFrequency() == models.FrequencyAnnual {
		when = fmt.Sprintf("yearly from %s, day %d", r.StartMonth, r.DueDay)
	} else if !r.IsIndefinite() {
		when = fmt.Sprintf("%d months from %s, day %d", r.MonthCount, r.StartMonth, r.DueDay)
	}
	parts := []string{
		titleStyle.Render(r.ID),
		style.Render(sign + FormatMoney(r.Amount)),
		r.Title,
		subtleStyle.Render(when),
	}
	if !r.Active {
		parts = append(parts, subtleStyle.Render("[inactive]"))
	}
	return strings.Join(parts, "  ")
}

// SyncBadge renders a sync state with a symbol, e.g. "✓ synced".
func SyncBadge(state syncer.State) string {
	symbols := map[syncer.State]string{
		syncer.StateIdle:    "○",
		syncer.StateSyncing: "↻",
		syncer.StateSynced:  "✓",
		syncer.StateError:   "✗",
		syncer.StateOffline: "⚡",
	}
	symbol, ok := symbols[state]
	if !ok {
		symbol = "?"
	}
	text := fmt.Sprintf("%s %s", symbol, state)
	if style, ok := syncStyles[state]; ok {
		return style.Render(text)
	}
	return text
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nRULES:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentLines indents each line by the specified number of spaces
func IndentLines(lines []string, spaces int) []string {
	indent := strings.Repeat(" ", spaces)
	result := make([]string, len(lines))
	for i, line := range lines {
		result[i] = indent + line
	}
	return result
}

// BulletList formats items as a bulleted list with optional indentation
func BulletList(items []string, indent int) []string {
	prefix := strings.Repeat(" ", indent)
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = prefix + "- " + item
	}
	return result
}
