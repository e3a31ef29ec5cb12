package merge

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vertexads/finsync/internal/models"
)

func entry(id, at string, value models.Amount) models.LedgerEntry {
	return models.LedgerEntry{ID: id, UpdatedAt: at, Value: value, Type: models.DirectionIn}
}

func ids(entries []models.LedgerEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	sort.Strings(out)
	return out
}

func byID(entries []models.LedgerEntry) map[string]models.LedgerEntry {
	m := make(map[string]models.LedgerEntry, len(entries))
	for _, e := range entries {
		m[e.ID] = e
	}
	return m
}

func TestRecordsIdempotent(t *testing.T) {
	x := []models.LedgerEntry{
		entry("a", "2024-01-01T00:00:00.000Z", 100),
		entry("b", "2024-01-02T00:00:00.000Z", 200),
		entry("c", "", 300),
	}
	got := Records(x, x)
	assert.ElementsMatch(t, x, got)
}

func TestRecordsTimestampWins(t *testing.T) {
	tests := []struct {
		name      string
		existing  string
		incoming  string
		wantValue models.Amount
	}{
		{"incoming newer", "2024-01-01T00:00:00.000Z", "2024-01-02T00:00:00.000Z", 2},
		{"existing newer", "2024-01-02T00:00:00.000Z", "2024-01-01T00:00:00.000Z", 1},
		// Same-instant edits on two devices: the already-resolved value is
		// kept and the other edit is lost. This is the accepted LWW cost.
		{"equal keeps existing", "2024-01-01T00:00:00.000Z", "2024-01-01T00:00:00.000Z", 1},
		{"incoming without timestamp", "2024-01-01T00:00:00.000Z", "", 1},
		{"existing without timestamp", "", "2024-01-01T00:00:00.000Z", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Records(
				[]models.LedgerEntry{entry("tx", tt.existing, 1)},
				[]models.LedgerEntry{entry("tx", tt.incoming, 2)},
			)
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantValue, got[0].Value)
		})
	}
}

func TestRecordsUnion(t *testing.T) {
	a := []models.LedgerEntry{entry("a1", "2024-01-01T00:00:00.000Z", 1), entry("a2", "", 2)}
	b := []models.LedgerEntry{entry("b1", "2024-01-01T00:00:00.000Z", 3), entry("b2", "2023-01-01T00:00:00.000Z", 4)}

	got := Records(a, b)
	assert.Equal(t, []string{"a1", "a2", "b1", "b2"}, ids(got))

	// absent never means deleted
	got = Records(a, nil)
	assert.Equal(t, []string{"a1", "a2"}, ids(got))
}

func TestRecordsOrder(t *testing.T) {
	existing := []models.LedgerEntry{entry("z", "1", 0), entry("m", "1", 0)}
	incoming := []models.LedgerEntry{entry("b", "1", 0), entry("z", "2", 9), entry("a", "1", 0)}
	got := Records(existing, incoming)

	order := make([]string, len(got))
	for i, e := range got {
		order[i] = e.ID
	}
	assert.Equal(t, []string{"z", "m", "b", "a"}, order)
	assert.Equal(t, models.Amount(9), got[0].Value)
}

func TestRecordsDoesNotMutateInput(t *testing.T) {
	existing := []models.LedgerEntry{entry("tx", "2024-01-01T00:00:00.000Z", 1)}
	Records(existing, []models.LedgerEntry{entry("tx", "2024-02-01T00:00:00.000Z", 2)})
	assert.Equal(t, models.Amount(1), existing[0].Value)
}

func TestSoftDeleteTravelsThroughLWW(t *testing.T) {
	local := entry("tx", "2024-01-01T00:00:00.000Z", 1)
	remote := local
	remote.Deleted = true
	remote.UpdatedAt = "2024-01-03T00:00:00.000Z"

	got := byID(Records([]models.LedgerEntry{local}, []models.LedgerEntry{remote}))
	assert.True(t, got["tx"].Deleted)

	// an older undelete does not resurrect it
	older := local
	older.UpdatedAt = "2024-01-02T00:00:00.000Z"
	got = byID(Records([]models.LedgerEntry{remote}, []models.LedgerEntry{older}))
	assert.True(t, got["tx"].Deleted)
}

func TestRecordsRules(t *testing.T) {
	existing := []models.RecurrenceRule{{ID: "r1", Title: "Aluguel", UpdatedAt: "2024-01-01T00:00:00.000Z"}}
	incoming := []models.RecurrenceRule{{ID: "r1", Title: "Aluguel novo", UpdatedAt: "2024-01-05T00:00:00.000Z"}}
	got := Records(existing, incoming)
	require.Len(t, got, 1)
	assert.Equal(t, "Aluguel novo", got[0].Title)
}

func TestRecordsLarge(t *testing.T) {
	var existing, incoming []models.LedgerEntry
	for i := 0; i < 500; i++ {
		existing = append(existing, entry(fmt.Sprintf("tx%03d", i), "2024-01-01T00:00:00.000Z", 1))
		if i%2 == 0 {
			incoming = append(incoming, entry(fmt.Sprintf("tx%03d", i), "2024-01-02T00:00:00.000Z", 2))
		}
	}
	got := Records(existing, incoming)
	require.Len(t, got, 500)
	for i, e := range got {
		want := models.Amount(1)
		if i%2 == 0 {
			want = 2
		}
		assert.Equal(t, want, e.Value, e.ID)
	}
}

func TestCheckLoss(t *testing.T) {
	assert.NoError(t, CheckLoss("transacoes", 0, 0))
	assert.NoError(t, CheckLoss("transacoes", 3, 3))
	assert.NoError(t, CheckLoss("transacoes", 0, 2))

	err := CheckLoss("transacoes", 3, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPotentialDataLoss))
	assert.Contains(t, err.Error(), "transacoes")
}

func TestApplyConfig(t *testing.T) {
	dst := models.Config{
		Categories:         []string{"Geral"},
		Accounts:           []string{"Caixa"},
		InvestmentAccounts: []string{"Tesouro"},
		Clients:            []models.Client{{ID: "acme", Name: "Acme"}},
		Statuses:           models.DefaultStatuses,
	}

	// empty lists never clear the never-empty settings
	ApplyConfig(&dst, models.Config{Categories: []string{}, Accounts: []string{}, Statuses: []models.StatusLabel{}})
	assert.Equal(t, []string{"Geral"}, dst.Categories)
	assert.Equal(t, []string{"Caixa"}, dst.Accounts)
	assert.Len(t, dst.Statuses, 2)

	// absent clients and investments are left alone
	ApplyConfig(&dst, models.Config{})
	assert.Equal(t, []string{"Tesouro"}, dst.InvestmentAccounts)
	assert.Len(t, dst.Clients, 1)

	// present-but-empty clients and investments do replace
	ApplyConfig(&dst, models.Config{InvestmentAccounts: []string{}, Clients: []models.Client{}})
	assert.Empty(t, dst.InvestmentAccounts)
	assert.Empty(t, dst.Clients)

	ApplyConfig(&dst, models.Config{Categories: []string{"Vendas"}, Statuses: []models.StatusLabel{{ID: "x", Label: "X"}}})
	assert.Equal(t, []string{"Vendas"}, dst.Categories)
	assert.Equal(t, "x", dst.Statuses[0].ID)
}

func TestBundles(t *testing.T) {
	existing := models.Bundle{
		Entries: []models.LedgerEntry{entry("tx1", "2024-01-01T00:00:00.000Z", 1)},
		Config:  models.Config{Categories: []string{"Geral"}, LastSyncedAt: "2024-01-01T00:00:00.000Z"},
	}
	incoming := models.Bundle{
		Entries: []models.LedgerEntry{entry("tx2", "2024-01-02T00:00:00.000Z", 2)},
		Config:  models.Config{Categories: []string{"Vendas"}},
	}
	got := Bundles(existing, incoming)
	assert.Equal(t, []string{"tx1", "tx2"}, ids(got.Entries))
	assert.NotNil(t, got.Rules)
	assert.Equal(t, []string{"Vendas"}, got.Config.Categories)
	assert.Equal(t, "2024-01-01T00:00:00.000Z", got.Config.LastSyncedAt)
}
