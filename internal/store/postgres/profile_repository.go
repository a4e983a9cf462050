// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/profile"
)

const profileColumns = `id, display_name, email, role, created_at, updated_at`

// ProfileRepository implements profile.Repository
type ProfileRepository struct {
	db *DB
}

// NewProfileRepository creates a new profile repository
func NewProfileRepository(db *DB) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// Get retrieves a profile by principal ID
func (r *ProfileRepository) Get(ctx context.Context, id string) (*profile.Record, error) {
	rec, err := scanProfile(r.db.pool.QueryRow(ctx, `
		SELECT `+profileColumns+`
		FROM profiles
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, profile.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return rec, nil
}

// Upsert inserts rec unless a profile with the same ID exists, in which case
// the stored profile is returned unchanged.
func (r *ProfileRepository) Upsert(ctx context.Context, rec *profile.Record) (*profile.Record, bool, error) {
	stored, err := scanProfile(r.db.pool.QueryRow(ctx, `
		INSERT INTO profiles (id, display_name, email, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING `+profileColumns,
		rec.ID, rec.DisplayName, rec.Email, rec.Role.String(), rec.CreatedAt, rec.UpdatedAt,
	))
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to insert profile: %w", err)
	}

	// Another sign-in created it first.
	stored, err = r.Get(ctx, rec.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

// SetRole changes a principal's role. It is the out-of-band admin path.
func (r *ProfileRepository) SetRole(ctx context.Context, id string, role authz.Role) error {
	if !role.Valid() {
		return authz.ErrInvalidRole
	}
	tag, err := r.db.pool.Exec(ctx, `
		UPDATE profiles SET role = $2, updated_at = $3
		WHERE id = $1
	`, id, role.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return profile.ErrNotFound
	}
	return nil
}

func scanProfile(row pgx.Row) (*profile.Record, error) {
	var rec profile.Record
	var role string
	if err := row.Scan(&rec.ID, &rec.DisplayName, &rec.Email, &role, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	parsed, err := authz.ParseRole(role)
	if err != nil {
		return nil, err
	}
	rec.Role = parsed
	return &rec, nil
}
