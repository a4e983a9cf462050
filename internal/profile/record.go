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
package profile

import (
	"context"
	"errors"
	"time"

	"github.com/opentrusty/pressgate/internal/authz"
)

// Domain errors
var (
	ErrNotFound         = errors.New("profile not found")
	ErrStoreUnavailable = errors.New("profile store unavailable")
	ErrInvalidPrincipal = errors.New("invalid principal")
)

// Record is the stored profile of a principal. Exactly one exists per
// principal. Role is changed only by an out-of-band admin process.
type Record struct {
	ID          string
	DisplayName string
	Email       string
	Role        authz.Role
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository defines the interface for profile persistence
type Repository interface {
	// Get returns the record for id or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Upsert inserts rec if no record exists for rec.ID and returns the
	// stored record. created is false when another writer got there first;
	// the existing record is returned unchanged.
	Upsert(ctx context.Context, rec *Record) (stored *Record, created bool, err error)
}
