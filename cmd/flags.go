package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/vertexads/finsync/internal/dateparse"
	"github.com/vertexads/finsync/internal/models"
)

// amountValue is a pflag.Value accepting "1234,56", "1.234,56" or "12.5".
type amountValue struct {
	amount *models.Amount
	set    bool
}

var _ pflag.Value = (*amountValue)(nil)

func newAmountValue(p *models.Amount) *amountValue {
	return &amountValue{amount: p}
}

func (a *amountValue) String() string {
	if a.amount == nil {
		return "0.00"
	}
	return a.amount.String()
}

func (a *amountValue) Set(s string) error {
	v, err := models.ParseAmount(s)
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("amount must not be negative; use --type saida for outflows")
	}
	*a.amount = v
	a.set = true
	return nil
}

func (a *amountValue) Type() string { return "amount" }

// dateValue is a pflag.Value that normalizes any dateparse input to
// YYYY-MM-DD.
type dateValue struct {
	date *string
}

var _ pflag.Value = (*dateValue)(nil)

func (d *dateValue) String() string {
	if d.date == nil {
		return ""
	}
	return *d.date
}

func (d *dateValue) Set(s string) error {
	v, err := dateparse.ParseDate(s)
	if err != nil {
		return err
	}
	*d.date = v
	return nil
}

func (d *dateValue) Type() string { return "date" }

func parseDirection(s string) (models.Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "entrada", "in", "income", "+":
		return models.DirectionIn, nil
	case "saida", "saída", "out", "expense", "-":
		return models.DirectionOut, nil
	}
	return "", fmt.Errorf("invalid type %q (valid: entrada, saida)", s)
}

func parseDomain(s string) (models.Domain, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "empresa", "business":
		return models.DomainBusiness, nil
	case "pessoal", "personal":
		return models.DomainPersonal, nil
	}
	return "", fmt.Errorf("invalid domain %q (valid: empresa, pessoal)", s)
}

func parsePaymentMethod(s string) (models.PaymentMethod, error) {
	m := models.PaymentMethod(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case models.PaymentPix, models.PaymentCard, models.PaymentCash, models.PaymentBoleto, models.PaymentTransfer:
		return m, nil
	}
	return "", fmt.Errorf("invalid payment method %q (valid: pix, cartao, dinheiro, boleto, transferencia)", s)
}
