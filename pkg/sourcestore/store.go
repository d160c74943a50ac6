// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package sourcestore reads persisted source instance records and registers
// them on a source manager at startup.
package sourcestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/LeeDigitalWorks/blobsource/pkg/logger"
)

// Record is the part of a persisted source row the storage core needs. The
// config blob is opaque here and validated by the source type on register.
type Record struct {
	ID     int64           `json:"id"`
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config"`
}

// Store lists persisted source records.
type Store interface {
	List(ctx context.Context) ([]Record, error)
}

// Registrar is the subset of source.Manager that Load needs.
type Registrar interface {
	RegisterInstance(ctx context.Context, id int64, typeID string, config []byte) error
}

// Load registers every record of store on r. A record that fails to register
// is logged and skipped; the returned error joins all such failures. A
// failure to list is returned as is.
func Load(ctx context.Context, store Store, r Registrar) (int, error) {
	records, err := store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sources: %w", err)
	}

	log := logger.Ctx(ctx)
	var (
		errs   []error
		loaded int
	)
	for _, rec := range records {
		if err := r.RegisterInstance(ctx, rec.ID, rec.Type, rec.Config); err != nil {
			log.Warn().Err(err).Int64("instance_id", rec.ID).Str("type", rec.Type).Msg("skipping source instance")
			errs = append(errs, fmt.Errorf("source %d: %w", rec.ID, err))
			continue
		}
		loaded++
	}

	log.Info().Int("loaded", loaded).Int("skipped", len(errs)).Msg("source instances loaded")
	return loaded, errors.Join(errs...)
}
