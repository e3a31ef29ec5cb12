package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vertexads/finsync/internal/models"
	"github.com/vmihailenco/msgpack/v5"
)

// Config keys, one row each.
const (
	keyCategories   = "categorias"
	keyAccounts     = "contas"
	keyInvestments  = "contasInvestimento"
	keyClients      = "clientes"
	keyStatuses     = "statusLancamento"
	keyLastSyncedAt = "lastSyncedAt"

	slotPendingPush = "pending_push"
)

func loadConfig(ctx context.Context, q querier) (models.Config, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM config`)
	if err != nil {
		return models.Config{}, fmt.Errorf("query config: %w", err)
	}
	defer rows.Close()

	var cfg models.Config
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return models.Config{}, fmt.Errorf("scan config: %w", err)
		}
		var target any
		switch key {
		case keyCategories:
			target = &cfg.Categories
		case keyAccounts:
			target = &cfg.Accounts
		case keyInvestments:
			target = &cfg.InvestmentAccounts
		case keyClients:
			target = &cfg.Clients
		case keyStatuses:
			target = &cfg.Statuses
		case keyLastSyncedAt:
			target = &cfg.LastSyncedAt
		default:
			continue
		}
		if err := json.Unmarshal([]byte(value), target); err != nil {
			return models.Config{}, fmt.Errorf("decode config %s: %w", key, err)
		}
	}
	if err := rows.Err(); err != nil {
		return models.Config{}, err
	}
	return cfg.WithDefaults(), nil
}

func saveConfig(ctx context.Context, q querier, patch models.Config, at string) error {
	values := map[string]any{}
	if patch.Categories != nil {
		values[keyCategories] = patch.Categories
	}
	if patch.Accounts != nil {
		values[keyAccounts] = patch.Accounts
	}
	if patch.InvestmentAccounts != nil {
		values[keyInvestments] = patch.InvestmentAccounts
	}
	if patch.Clients != nil {
		values[keyClients] = patch.Clients
	}
	if patch.Statuses != nil {
		values[keyStatuses] = patch.Statuses
	}
	if patch.LastSyncedAt != "" {
		values[keyLastSyncedAt] = patch.LastSyncedAt
	}

	for key, v := range values {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode config %s: %w", key, err)
		}
		if _, err := q.ExecContext(ctx,
			`INSERT OR REPLACE INTO config (key, value, updated_at) VALUES (?, ?, ?)`,
			key, string(data), at,
		); err != nil {
			return fmt.Errorf("write config %s: %w", key, err)
		}
	}
	return nil
}

func loadPending(ctx context.Context, q querier) (*models.Bundle, error) {
	var data []byte
	err := q.QueryRowContext(ctx, `SELECT value FROM sync_slots WHERE name = ?`, slotPendingPush).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending push: %w", err)
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var b models.Bundle
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("decode pending push: %w", err)
	}
	return &b, nil
}

func savePending(ctx context.Context, q querier, b models.Bundle, at string) error {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(b); err != nil {
		return fmt.Errorf("encode pending push: %w", err)
	}
	_, err := q.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_slots (name, value, updated_at) VALUES (?, ?, ?)`,
		slotPendingPush, buf.Bytes(), at,
	)
	if err != nil {
		return fmt.Errorf("write pending push: %w", err)
	}
	return nil
}

func clearPending(ctx context.Context, q querier) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM sync_slots WHERE name = ?`, slotPendingPush); err != nil {
		return fmt.Errorf("clear pending push: %w", err)
	}
	return nil
}
