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
	"fmt"
	"log/slog"
	"time"

	"github.com/opentrusty/pressgate/internal/audit"
	"github.com/opentrusty/pressgate/internal/authn"
	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/observability/logger"
	"golang.org/x/sync/singleflight"
)

// Service resolves principals to profile records.
type Service struct {
	repo        Repository
	auditLogger audit.Logger
	timeout     time.Duration
	now         func() time.Time

	inflight singleflight.Group
}

// NewService creates a new profile service. Every store call is bounded by
// timeout; exceeding it yields ErrStoreUnavailable.
func NewService(repo Repository, auditLogger audit.Logger, timeout time.Duration) *Service {
	return &Service{
		repo:        repo,
		auditLogger: auditLogger,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Resolve returns the stored record for principalID. It never writes.
func (s *Service) Resolve(ctx context.Context, principalID string) (*Record, error) {
	if principalID == "" {
		return nil, ErrInvalidPrincipal
	}

	ctx, cancel := s.bound(ctx)
	defer cancel()

	rec, err := s.repo.Get(ctx, principalID)
	if err != nil {
		return nil, classify(ctx, err)
	}
	return rec, nil
}

// ResolveOrCreate returns the record for p, creating it with the default
// role on first sign-in. An existing record is returned unchanged; display
// attributes are not refreshed.
//
// Concurrent calls for the same principal in this process share one store
// round trip. Across processes the store's upsert guarantees a single record.
func (s *Service) ResolveOrCreate(ctx context.Context, p authn.Principal) (*Record, error) {
	if p.ID == "" {
		return nil, ErrInvalidPrincipal
	}

	ch := s.inflight.DoChan(p.ID, func() (any, error) {
		// The shared call must not be cut short by whichever caller started it.
		callCtx, cancel := s.bound(context.WithoutCancel(ctx))
		defer cancel()
		return s.resolveOrCreate(callCtx, p)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		rec := *res.Val.(*Record)
		return &rec, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
	}
}

func (s *Service) resolveOrCreate(ctx context.Context, p authn.Principal) (*Record, error) {
	rec, err := s.repo.Get(ctx, p.ID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, ErrNotFound) {
		err = classify(ctx, err)
		s.logFailure(ctx, p.ID, err)
		return nil, err
	}

	now := s.now().UTC()
	stored, created, err := s.repo.Upsert(ctx, &Record{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Email:       p.Email,
		Role:        authz.DefaultRole,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		err = classify(ctx, err)
		s.logFailure(ctx, p.ID, err)
		return nil, err
	}

	if created {
		s.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeProfileCreated,
			ActorID:  p.ID,
			Resource: "profile",
			Metadata: map[string]any{audit.AttrRole: stored.Role.String()},
		})
		slog.InfoContext(ctx, "profile_created", logger.PrincipalID(p.ID), logger.Role(stored.Role.String()))
	}
	return stored, nil
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) logFailure(ctx context.Context, principalID string, err error) {
	s.auditLogger.Log(ctx, audit.Event{
		Type:     audit.TypeProfileFailed,
		ActorID:  principalID,
		Resource: "profile",
		Metadata: map[string]any{audit.AttrReason: err.Error()},
	})
	slog.WarnContext(ctx, "profile_resolution_failed", logger.PrincipalID(principalID), logger.Error(err))
}

// classify maps repository errors onto the domain taxonomy. Anything that is
// not a definite answer from the store is ErrStoreUnavailable.
func classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStoreUnavailable):
		return err
	case ctx.Err() != nil:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, ctx.Err())
	default:
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}
