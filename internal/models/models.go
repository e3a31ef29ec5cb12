package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction is the cash-flow direction of an entry or rule
type Direction string

const (
	DirectionIn  Direction = "entrada"
	DirectionOut Direction = "saida"
)

// Domain is the accounting domain an entry belongs to
type Domain string

const (
	DomainBusiness Domain = "empresa"
	DomainPersonal Domain = "pessoal"
)

// PaymentMethod labels how money moved
type PaymentMethod string

const (
	PaymentPix      PaymentMethod = "pix"
	PaymentCard     PaymentMethod = "cartao"
	PaymentCash     PaymentMethod = "dinheiro"
	PaymentBoleto   PaymentMethod = "boleto"
	PaymentTransfer PaymentMethod = "transferencia"
)

// Frequency is how often a recurrence rule fires
type Frequency string

const (
	FrequencyMonthly Frequency = "mensal"
	FrequencyAnnual  Frequency = "anual"
)

// Built-in entry statuses. The catalog in Config may add more.
const (
	StatusPaid      = "pago"
	StatusProjected = "previsto"
)

// TimestampLayout is the ISO-8601 form used for every updatedAt value.
// Fixed-width UTC with milliseconds keeps string order equal to time order.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// LedgerEntry is a single financial movement.
type LedgerEntry struct {
	ID            string        `json:"id"`
	Date          string        `json:"date"`
	Description   string        `json:"description"`
	Client        string        `json:"client"`
	Value         Amount        `json:"value"`
	Type          Direction     `json:"type"`
	Domain        Domain        `json:"contexto"`
	Transfer      *string       `json:"contraparte"`
	Category      string        `json:"category"`
	Account       string        `json:"account"`
	PaymentMethod PaymentMethod `json:"metodoPagamento"`
	Status        string        `json:"status"`
	Deleted       bool          `json:"deleted"`
	RuleID        string        `json:"recorrenciaId,omitempty"`
	UpdatedAt     string        `json:"updatedAt,omitempty"`
}

// RecordID returns the entry identity.
func (e LedgerEntry) RecordID() string { return e.ID }

// Modified returns the last-modified timestamp.
func (e LedgerEntry) Modified() string { return e.UpdatedAt }

// Month returns the YYYY-MM prefix of the entry date.
func (e LedgerEntry) Month() string {
	if len(e.Date) < 7 {
		return e.Date
	}
	return e.Date[:7]
}

// Signed returns the value with outflows negated.
func (e LedgerEntry) Signed() Amount {
	if e.Type == DirectionOut {
		return -e.Value
	}
	return e.Value
}

// RecurrenceRule is a template that projects future ledger entries.
type RecurrenceRule struct {
	ID            string        `json:"id"`
	Title         string        `json:"titulo"`
	Amount        Amount        `json:"valor"`
	Type          Direction     `json:"tipo"`
	DueDay        int           `json:"diaVencimento"`
	Frequency     Frequency     `json:"frequencia,omitempty"`
	Indefinite    *bool         `json:"recorrente,omitempty"`
	MonthCount    int           `json:"quantidadeMeses,omitempty"`
	StartMonth    string        `json:"dataInicio,omitempty"`
	Category      string        `json:"categoria"`
	Account       string        `json:"conta"`
	Counterparty  string        `json:"clienteFornecedor"`
	PaymentMethod PaymentMethod `json:"metodoPagamento"`
	Active        bool          `json:"ativo"`
	UpdatedAt     string        `json:"updatedAt,omitempty"`
}

// RecordID returns the rule identity.
func (r RecurrenceRule) RecordID() string { return r.ID }

// Modified returns the last-modified timestamp.
func (r RecurrenceRule) Modified() string { return r.UpdatedAt }

// IsIndefinite reports whether the rule repeats without a month bound.
// An absent flag means indefinite.
func (r RecurrenceRule) IsIndefinite() bool {
	return r.Indefinite == nil || *r.Indefinite
}

// EffectiveFrequency returns the frequency, defaulting to monthly.
func (r RecurrenceRule) EffectiveFrequency() Frequency {
	if r.Frequency == "" {
		return FrequencyMonthly
	}
	return r.Frequency
}

// Validate checks the bounded-rule invariant.
func (r RecurrenceRule) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("rule title is required")
	}
	if r.Type != DirectionIn && r.Type != DirectionOut {
		return fmt.Errorf("rule type must be %q or %q", DirectionIn, DirectionOut)
	}
	if f := r.EffectiveFrequency(); f != FrequencyMonthly && f != FrequencyAnnual {
		return fmt.Errorf("unknown frequency %q", f)
	}
	if !r.IsIndefinite() {
		if r.MonthCount <= 0 {
			return fmt.Errorf("bounded rule needs a positive month count")
		}
		if r.StartMonth == "" {
			return fmt.Errorf("bounded rule needs a start month")
		}
	}
	if r.StartMonth != "" {
		if _, err := time.Parse("2006-01", r.StartMonth); err != nil {
			return fmt.Errorf("invalid start month %q", r.StartMonth)
		}
	}
	return nil
}

// Bundle is the unit exchanged with the server on pull and push.
type Bundle struct {
	Entries []LedgerEntry    `json:"transacoes"`
	Rules   []RecurrenceRule `json:"recorrentes"`
	Config  Config           `json:"config"`
}

// Normalize replaces nil collections with empty ones so the bundle
// encodes as arrays instead of null.
func (b *Bundle) Normalize() {
	if b.Entries == nil {
		b.Entries = []LedgerEntry{}
	}
	if b.Rules == nil {
		b.Rules = []RecurrenceRule{}
	}
}

// Timestamp formats t as an updatedAt value.
func Timestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses an updatedAt value. RFC 3339 input without
// millisecond precision is accepted too.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// NewID returns a prefixed, time-ordered identifier.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + "_" + id.String()
}
