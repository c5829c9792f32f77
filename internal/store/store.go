// Package store persists the sync snapshot.
package store

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/AngelCh415/crmsync/internal/models"
)

var (
	ErrNotFound = errors.New("snapshot not found")
	ErrInvalid  = errors.New("snapshot invalid")
)

// Store loads and saves the single snapshot of one client.
type Store interface {
	Load(ctx context.Context) (models.Snapshot, error)
	Save(ctx context.Context, s models.Snapshot) error
	Raw(ctx context.Context) ([]byte, error)
}

var (
	topKeys     = []string{"timestamp", "contacts", "deals", "pipelines", "metadata"}
	contactKeys = []string{
		"daily_new", "daily_by_source", "daily_by_lifecycle",
		"total", "source_distribution", "lifecycle_distribution", "customers", "conversion_rate",
	}
	dealKeys = []string{
		"daily_created", "daily_by_source", "daily_by_stage", "daily_amount", "daily_amount_by_stage",
		"total", "source_distribution", "pipeline_distribution", "stage_distribution",
		"won", "lost", "open", "win_rate", "total_amount", "won_amount", "average_deal_size",
	}
)

// Validate checks that raw holds every top-level and per-entity key a
// snapshot needs to be used as a merge base.
func Validate(raw []byte) error {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return errors.Wrap(ErrInvalid, err.Error())
	}
	if err := requireKeys("snapshot", top, topKeys); err != nil {
		return err
	}
	for entity, keys := range map[string][]string{models.EntityContacts: contactKeys, models.EntityDeals: dealKeys} {
		var section map[string]json.RawMessage
		if err := json.Unmarshal(top[entity], &section); err != nil {
			return errors.Wrapf(ErrInvalid, "%s: %v", entity, err)
		}
		if err := requireKeys(entity, section, keys); err != nil {
			return err
		}
	}
	return nil
}

func requireKeys(where string, m map[string]json.RawMessage, keys []string) error {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			return errors.Wrap(ErrInvalid, fmt.Sprintf("%s: missing %q", where, k))
		}
	}
	return nil
}

// Decode validates and decodes a persisted snapshot.
func Decode(raw []byte) (models.Snapshot, error) {
	var s models.Snapshot
	if err := Validate(raw); err != nil {
		return s, err
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, errors.Wrap(ErrInvalid, err.Error())
	}
	return s, nil
}

// Encode renders s with sorted map keys and two-space indentation.
func Encode(s models.Snapshot) ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "encode snapshot")
	}
	return append(b, '\n'), nil
}
