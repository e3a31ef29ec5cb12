package models

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"
)

// Client is an entry in the counterparty directory.
type Client struct {
	ID      string `json:"id"`
	Name    string `json:"nome"`
	Phone   string `json:"telefone"`
	Address string `json:"endereco"`
}

// UnmarshalJSON accepts both the structured form and the legacy bare-name
// string form.
func (c *Client) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*c = ClientFromName(name)
		return nil
	}
	type plain Client
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Client(p)
	if c.ID == "" && c.Name != "" {
		c.ID = ClientSlug(c.Name)
	}
	return nil
}

// StatusLabel is one entry of the status catalog.
type StatusLabel struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Config holds the per-user settings that travel with a snapshot.
//
// A nil slice means "not provided" and a non-nil empty slice means
// "provided and empty". The apply rules depend on that distinction.
type Config struct {
	Categories         []string      `json:"categorias"`
	Accounts           []string      `json:"contas"`
	InvestmentAccounts []string      `json:"contasInvestimento"`
	Clients            []Client      `json:"clientes"`
	Statuses           []StatusLabel `json:"statusLancamento"`
	LastSyncedAt       string        `json:"lastSyncedAt,omitempty"`
}

// Syncable returns the subset of the config that is pushed to the server.
func (c Config) Syncable() Config {
	return Config{
		Categories:         c.Categories,
		Accounts:           c.Accounts,
		InvestmentAccounts: c.InvestmentAccounts,
		Clients:            c.Clients,
		Statuses:           c.Statuses,
	}
}

// Default label sets.
var (
	DefaultCategories = []string{"Serviços", "Infraestrutura", "Assinaturas", "Geral", "Vendas", "Impostos", "Marketing"}
	DefaultAccounts   = []string{"Nubank", "Caixa", "Santander", "Cofre Empresa"}
	DefaultStatuses   = []StatusLabel{
		{ID: StatusPaid, Label: "Pago"},
		{ID: StatusProjected, Label: "Previsto"},
	}
)

// ServerDefaultConfig is the config returned for a user with no snapshot.
func ServerDefaultConfig() Config {
	return Config{
		Categories:         []string{},
		Accounts:           []string{},
		InvestmentAccounts: []string{},
		Clients:            []Client{},
		Statuses:           append([]StatusLabel(nil), DefaultStatuses...),
	}
}

// WithDefaults fills the never-empty lists and normalizes the rest.
func (c Config) WithDefaults() Config {
	out := c
	if len(out.Categories) == 0 {
		out.Categories = append([]string(nil), DefaultCategories...)
	}
	out.Accounts = ValidAccounts(out.Accounts)
	if out.InvestmentAccounts == nil {
		out.InvestmentAccounts = []string{}
	}
	out.Clients = NormalizeClients(out.Clients)
	if len(out.Statuses) == 0 {
		out.Statuses = append([]StatusLabel(nil), DefaultStatuses...)
	}
	return out
}

// ValidAccounts drops blank account labels and falls back to the defaults
// when nothing is left.
func ValidAccounts(accounts []string) []string {
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), DefaultAccounts...)
	}
	return out
}

// HasStatus reports whether id is in the status catalog.
func (c Config) HasStatus(id string) bool {
	for _, s := range c.Statuses {
		if s.ID == id {
			return true
		}
	}
	return false
}

var slugStrip = regexp.MustCompile(`[^a-z0-9_]`)

// ClientSlug derives a directory id from a client name.
func ClientSlug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Join(strings.Fields(s), "_")
	s = slugStrip.ReplaceAllString(s, "")
	if s == "" {
		return "c"
	}
	return s
}

// ClientFromName builds a directory entry from a bare name.
func ClientFromName(name string) Client {
	name = strings.TrimSpace(name)
	return Client{ID: ClientSlug(name), Name: name}
}

// NormalizeClients drops nameless entries and fills missing ids.
func NormalizeClients(clients []Client) []Client {
	out := make([]Client, 0, len(clients))
	for _, c := range clients {
		c.Name = strings.TrimSpace(c.Name)
		if c.Name == "" {
			continue
		}
		if c.ID == "" {
			c.ID = ClientSlug(c.Name)
		}
		out = append(out, c)
	}
	return out
}
