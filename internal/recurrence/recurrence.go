// Package recurrence turns recurrence rules into projected ledger entries
// for a target month.
package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/vertexads/finsync/internal/models"
)

// MonthLayout is the YYYY-MM form of a month.
const MonthLayout = "2006-01"

// DefaultDueDay is the due day of a new rule.
const DefaultDueDay = 15

// ParseMonth parses a YYYY-MM month.
func ParseMonth(s string) (time.Time, error) {
	t, err := time.Parse(MonthLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q: want YYYY-MM", s)
	}
	return t, nil
}

// AddMonths returns month shifted by n months.
func AddMonths(month string, n int) (string, error) {
	t, err := ParseMonth(month)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, n, 0).Format(MonthLayout), nil
}

// ClampDueDay returns the YYYY-MM-DD date of day in month. day is first
// bounded to 1..31 and then to the length of the month.
func ClampDueDay(month string, day int) (string, error) {
	t, err := ParseMonth(month)
	if err != nil {
		return "", err
	}
	day = min(max(day, 1), 31)
	last := t.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return fmt.Sprintf("%s-%02d", t.Format(MonthLayout), day), nil
}

// InWindow reports whether rule fires in month. Annual rules fire in their
// start month each year from the start on; bounded rules fire inside
// [start, start+count-1]; anything else fires every month.
func InWindow(rule models.RecurrenceRule, month string) bool {
	start := rule.StartMonth
	if start == "" {
		start = month
	}
	if rule.EffectiveFrequency() == models.FrequencyAnnual {
		return len(month) >= 7 && len(start) >= 7 &&
			month[5:7] == start[5:7] && month >= start[:7]
	}
	if !rule.IsIndefinite() && rule.MonthCount > 0 && rule.StartMonth != "" {
		end, err := AddMonths(start, rule.MonthCount-1)
		if err != nil {
			return false
		}
		return month >= start && month <= end
	}
	return true
}

// Project returns the entries the active rules generate for month. A rule
// already projected into month (a live entry with its id and a date in that
// month) is skipped, so projecting twice adds nothing.
func Project(rules []models.RecurrenceRule, existing []models.LedgerEntry, month string, domain models.Domain, now time.Time) ([]models.LedgerEntry, error) {
	if _, err := ParseMonth(month); err != nil {
		return nil, err
	}
	projected := make(map[string]bool)
	for _, e := range existing {
		if e.RuleID != "" && !e.Deleted && strings.HasPrefix(e.Date, month) {
			projected[e.RuleID] = true
		}
	}

	stamp := models.Timestamp(now)
	var out []models.LedgerEntry
	for _, r := range rules {
		if !r.Active || projected[r.ID] || !InWindow(r, month) {
			continue
		}
		date, err := ClampDueDay(month, r.DueDay)
		if err != nil {
			return nil, err
		}
		out = append(out, models.LedgerEntry{
			ID:            models.NewID("tx_rec"),
			Date:          date,
			Description:   r.Title,
			Client:        r.Counterparty,
			Value:         r.Amount,
			Type:          r.Type,
			Domain:        domain,
			Category:      r.Category,
			Account:       r.Account,
			PaymentMethod: r.PaymentMethod,
			Status:        models.StatusProjected,
			RuleID:        r.ID,
			UpdatedAt:     stamp,
		})
		projected[r.ID] = true
	}
	return out, nil
}

// NewRule returns an active, indefinite monthly rule with the default due
// day and the first category and account of cfg.
func NewRule(cfg models.Config, now time.Time) models.RecurrenceRule {
	cfg = cfg.WithDefaults()
	indefinite := true
	return models.RecurrenceRule{
		ID:            models.NewID("rec"),
		Type:          models.DirectionOut,
		DueDay:        DefaultDueDay,
		Frequency:     models.FrequencyMonthly,
		Indefinite:    &indefinite,
		Category:      cfg.Categories[0],
		Account:       cfg.Accounts[0],
		PaymentMethod: models.PaymentPix,
		Active:        true,
		UpdatedAt:     models.Timestamp(now),
	}
}

// Normalize tidies a rule before it is saved: the due day is bounded to
// 1..31, an indefinite rule drops its month count, and annual or bounded
// rules without a start month start in the month of now.
func Normalize(r *models.RecurrenceRule, now time.Time) {
	r.Title = strings.TrimSpace(r.Title)
	r.Counterparty = strings.TrimSpace(r.Counterparty)
	if r.DueDay == 0 {
		r.DueDay = DefaultDueDay
	}
	r.DueDay = min(max(r.DueDay, 1), 31)
	if r.IsIndefinite() {
		r.MonthCount = 0
	}
	needsStart := r.EffectiveFrequency() == models.FrequencyAnnual || (!r.IsIndefinite() && r.MonthCount > 0)
	if needsStart && r.StartMonth == "" {
		r.StartMonth = now.UTC().Format(MonthLayout)
	}
	if !needsStart {
		r.StartMonth = ""
	}
}
