// Package merge implements last-writer-wins reconciliation of record
// collections. It is pure and shared by the client and the server.
package merge

import (
	"errors"
	"fmt"

	"github.com/vertexads/finsync/internal/models"
)

// ErrPotentialDataLoss is returned when applying a merge would leave a
// previously non-empty collection empty.
var ErrPotentialDataLoss = errors.New("sync aborted: potential data loss")

// Record is anything with a stable identity and an ISO-8601
// last-modified timestamp.
type Record interface {
	RecordID() string
	Modified() string
}

// Records combines existing and incoming by identity.
//
// An incoming record wins when its id is unknown, or when both sides carry
// a timestamp and the incoming one is strictly greater. Equal timestamps
// keep the existing record. Records absent from incoming are retained.
// The result lists existing records in their original order followed by
// new ids in the order they arrived.
func Records[T Record](existing, incoming []T) []T {
	out := make([]T, len(existing), len(existing)+len(incoming))
	copy(out, existing)

	index := make(map[string]int, len(existing)+len(incoming))
	for i, r := range out {
		index[r.RecordID()] = i
	}

	for _, in := range incoming {
		id := in.RecordID()
		i, ok := index[id]
		if !ok {
			index[id] = len(out)
			out = append(out, in)
			continue
		}
		if newer(in.Modified(), out[i].Modified()) {
			out[i] = in
		}
	}
	return out
}

// newer reports whether a strictly supersedes b. Empty timestamps never win.
func newer(a, b string) bool {
	return a != "" && b != "" && a > b
}

// CheckLoss trips the safety valve for one collection.
func CheckLoss(kind string, before, after int) error {
	if before > 0 && after == 0 {
		return fmt.Errorf("%w in %s (%d local records)", ErrPotentialDataLoss, kind, before)
	}
	return nil
}

// ApplyConfig overlays incoming onto dst. Category, account and status
// lists are only taken when non-empty; investment accounts and clients are
// taken whenever they are present.
func ApplyConfig(dst *models.Config, incoming models.Config) {
	if len(incoming.Categories) > 0 {
		dst.Categories = incoming.Categories
	}
	if len(incoming.Accounts) > 0 {
		dst.Accounts = incoming.Accounts
	}
	if incoming.InvestmentAccounts != nil {
		dst.InvestmentAccounts = incoming.InvestmentAccounts
	}
	if incoming.Clients != nil {
		dst.Clients = incoming.Clients
	}
	if len(incoming.Statuses) > 0 {
		dst.Statuses = incoming.Statuses
	}
}

// Bundles merges a pushed bundle into the previous snapshot. The result
// keeps existing's lastSyncedAt; the caller stamps a new one.
func Bundles(existing, incoming models.Bundle) models.Bundle {
	out := models.Bundle{
		Entries: Records(existing.Entries, incoming.Entries),
		Rules:   Records(existing.Rules, incoming.Rules),
		Config:  existing.Config,
	}
	ApplyConfig(&out.Config, incoming.Config)
	out.Normalize()
	return out
}
