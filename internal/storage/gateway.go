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

// Package storage is the authoritative enforcement point. Every write is
// checked against the storage policy inside the store's write transaction,
// using the role and owner the store itself reads.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opentrusty/pressgate/internal/audit"
	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/content"
	"github.com/opentrusty/pressgate/internal/observability/logger"
	"github.com/opentrusty/pressgate/internal/observability/metrics"
	"github.com/opentrusty/pressgate/internal/observability/tracing"
	"github.com/opentrusty/pressgate/internal/policy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// Domain errors
var (
	// ErrPermissionDenied is terminal: retrying cannot change the outcome.
	ErrPermissionDenied = errors.New("permission denied by storage policy")
	// ErrStoreUnavailable is transient: the store could not answer.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// StoredState is what the store read for one check: the requester's profile
// and the target resource, as of the write transaction.
type StoredState struct {
	ProfileFound   bool
	Role           authz.Role
	ResourceExists bool
	OwnerID        string
}

// CheckFunc decides a write from stored state. A non-nil error aborts the write.
type CheckFunc func(StoredState) error

// Store is the transactional document store.
type Store interface {
	// ApplyIfPermitted reads the requester's profile and the target's stored
	// owner, calls check, and applies w only when check returns nil. Reads,
	// check and write happen in one transaction. The check's error is
	// returned unchanged.
	ApplyIfPermitted(ctx context.Context, requesterID string, w content.Write, check CheckFunc) error

	// ReadState reads the same state for a read-only check. An empty
	// requesterID skips the profile lookup.
	ReadState(ctx context.Context, requesterID string, ref content.Ref) (StoredState, error)
}

// Options tune the gateway.
type Options struct {
	PublicSiteConfig     bool
	RetryInitialInterval time.Duration
	RetryMaxElapsed      time.Duration
}

// Gateway checks and applies writes.
type Gateway struct {
	store       Store
	policy      *policy.Policy
	auditLogger audit.Logger
	opts        Options
	tracer      *tracing.Tracer
	decisions   *metrics.Decisions
}

// NewGateway creates a new storage gateway. tracer and decisions may be nil.
func NewGateway(
	store Store,
	pol *policy.Policy,
	auditLogger audit.Logger,
	opts Options,
	tracer *tracing.Tracer,
	decisions *metrics.Decisions,
) *Gateway {
	if tracer == nil {
		tracer = tracing.Noop()
	}
	if decisions == nil {
		decisions, _ = metrics.NewDecisions(metrics.Noop())
	}
	return &Gateway{
		store:       store,
		policy:      pol,
		auditLogger: auditLogger,
		opts:        opts,
		tracer:      tracer,
		decisions:   decisions,
	}
}

// outcome labels
const (
	outcomeAllowed     = "allowed"
	outcomeDenied      = "denied"
	outcomeUnavailable = "unavailable"
	outcomeNotFound    = "not_found"
	outcomeInvalid     = "invalid"
	outcomeConflict    = "conflict"
)

// verdict is filled in by the check while the store holds the transaction.
type verdict struct {
	checked bool
	rule    string
	allowed bool
	state   StoredState
}

// Apply checks and applies w on behalf of requesterID. requesterID is the
// verified principal id, or "" for an unauthenticated request.
func (g *Gateway) Apply(ctx context.Context, requesterID string, w content.Write) error {
	start := time.Now()
	action, _ := authz.ActionFor(w.Ref.Kind, w.Op)

	ctx, span := g.tracer.Start(ctx, "storage.Apply", tracing.DecisionAttributes(requesterID, action.String(), w.Ref.ID))
	defer span.End()

	if err := w.Validate(); err != nil {
		g.record(ctx, action, outcomeInvalid, start)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	var v verdict
	check := func(st StoredState) error {
		v = verdict{checked: true, state: st}
		env := g.env(requesterID, st)
		env.IncomingOwnerID = w.IncomingOwnerID()

		res, err := g.policy.Evaluate(w.Ref.Kind, w.Op, env)
		v.rule = res.Rule
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
		}
		v.allowed = res.Allowed
		if !res.Allowed {
			if !st.ResourceExists && w.Op != authz.OperationCreate && w.Ref.Kind.Owned() {
				return fmt.Errorf("%w: %s: %w", ErrPermissionDenied, res.Rule, content.ErrNotFound)
			}
			return fmt.Errorf("%w: %s", ErrPermissionDenied, res.Rule)
		}
		return nil
	}

	err := g.store.ApplyIfPermitted(ctx, requesterID, w, check)
	outcome, err := g.classify(err)

	span.SetAttributes(attribute.String("pressgate.outcome", outcome), attribute.String("pressgate.rule", v.rule))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	g.record(ctx, action, outcome, start)
	g.audit(ctx, requesterID, action, w, v, outcome, err)
	return err
}

// ApplyWithRetry is Apply retried with exponential backoff while the store
// is unavailable. Denials and validation errors are returned at once.
func (g *Gateway) ApplyWithRetry(ctx context.Context, requesterID string, w content.Write) error {
	attempts, err := g.retry(ctx, func() error {
		return g.Apply(ctx, requesterID, w)
	})
	if errors.Is(err, ErrStoreUnavailable) {
		action, _ := authz.ActionFor(w.Ref.Kind, w.Op)
		g.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeRetriesExhausted,
			ActorID:  requesterID,
			Resource: w.Ref.String(),
			Metadata: map[string]any{audit.AttrAction: action.String(), audit.AttrAttempts: attempts},
		})
	}
	return err
}

// CheckRead decides a read of ref from stored state.
func (g *Gateway) CheckRead(ctx context.Context, requesterID string, ref content.Ref) error {
	start := time.Now()
	action, _ := authz.ActionFor(ref.Kind, authz.OperationRead)

	ctx, span := g.tracer.Start(ctx, "storage.CheckRead", tracing.DecisionAttributes(requesterID, action.String(), ref.ID))
	defer span.End()

	st, err := g.store.ReadState(ctx, requesterID, ref)
	if err != nil {
		outcome, err := g.classify(err)
		span.SetStatus(codes.Error, err.Error())
		g.record(ctx, action, outcome, start)
		return err
	}

	res, err := g.policy.Evaluate(ref.Kind, authz.OperationRead, g.env(requesterID, st))
	if err == nil && !res.Allowed {
		err = fmt.Errorf("%w: %s", ErrPermissionDenied, res.Rule)
	} else if err != nil {
		err = fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}

	if err != nil {
		g.record(ctx, action, outcomeDenied, start)
		span.SetStatus(codes.Error, err.Error())
		g.auditLogger.Log(ctx, audit.Event{
			Type:     audit.TypeReadDenied,
			ActorID:  requesterID,
			Resource: ref.String(),
			Metadata: map[string]any{audit.AttrAction: action.String(), audit.AttrReason: res.Rule},
		})
		return err
	}
	g.record(ctx, action, outcomeAllowed, start)
	return nil
}

// env builds the policy environment. A requester without a stored profile
// or with an unrecognised stored role is treated as unauthenticated.
func (g *Gateway) env(requesterID string, st StoredState) policy.Env {
	env := policy.Env{
		UID:              requesterID,
		ResourceExists:   st.ResourceExists,
		OwnerID:          st.OwnerID,
		PublicSiteConfig: g.opts.PublicSiteConfig,
	}
	if requesterID != "" && st.ProfileFound && st.Role.Valid() {
		env.Authenticated = true
		env.Role = st.Role.String()
	}
	return env
}

// classify maps store errors onto the domain taxonomy. Anything that is not a
// decision or a definite answer about the data means the store is unavailable.
func (g *Gateway) classify(err error) (string, error) {
	switch {
	case err == nil:
		return outcomeAllowed, nil
	case errors.Is(err, ErrPermissionDenied):
		if errors.Is(err, content.ErrNotFound) {
			return outcomeNotFound, err
		}
		return outcomeDenied, err
	case errors.Is(err, content.ErrNotFound):
		return outcomeNotFound, err
	case errors.Is(err, content.ErrInvalidWrite):
		return outcomeInvalid, err
	case errors.Is(err, content.ErrConflict):
		return outcomeConflict, err
	case errors.Is(err, ErrStoreUnavailable):
		return outcomeUnavailable, err
	default:
		return outcomeUnavailable, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
}

func (g *Gateway) record(ctx context.Context, action authz.Action, outcome string, start time.Time) {
	attrs := metric.WithAttributes(
		attribute.String("action", action.String()),
		attribute.String("outcome", outcome),
	)
	g.decisions.Total.Add(ctx, 1, attrs)
	if outcome == outcomeUnavailable {
		g.decisions.Unavailable.Add(ctx, 1, attrs)
	}
	g.decisions.Latency.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
}

func (g *Gateway) audit(ctx context.Context, requesterID string, action authz.Action, w content.Write, v verdict, outcome string, err error) {
	meta := map[string]any{
		audit.AttrAction: action.String(),
		audit.AttrRole:   v.state.Role.String(),
	}
	if v.checked && w.Ref.Kind.Owned() && w.Op != authz.OperationCreate {
		meta[audit.AttrOwnership] = authz.OwnershipOf(requesterID, v.state.OwnerID).String()
	}
	attrs := []any{
		logger.PrincipalID(requesterID),
		logger.Action(action.String()),
		logger.Resource(string(w.Ref.Kind), w.Ref.ID),
	}

	switch outcome {
	case outcomeAllowed:
		g.auditLogger.Log(ctx, audit.Event{Type: audit.TypeWriteAllowed, ActorID: requesterID, Resource: w.Ref.String(), Metadata: meta})
		slog.InfoContext(ctx, "write_allowed", attrs...)

	case outcomeDenied, outcomeNotFound:
		meta[audit.AttrReason] = v.rule
		typ := audit.TypeWriteDenied
		if v.checked && w.Op == authz.OperationUpdate && w.IncomingOwnerID() != "" && w.IncomingOwnerID() != v.state.OwnerID {
			typ = audit.TypeOwnerChangeDenied
		}
		g.auditLogger.Log(ctx, audit.Event{Type: typ, ActorID: requesterID, Resource: w.Ref.String(), Metadata: meta})
		slog.WarnContext(ctx, "write_denied", append(attrs, logger.Reason(v.rule), logger.Error(err))...)

	case outcomeUnavailable:
		meta[audit.AttrReason] = err.Error()
		g.auditLogger.Log(ctx, audit.Event{Type: audit.TypeStoreUnavailable, ActorID: requesterID, Resource: w.Ref.String(), Metadata: meta})
		slog.ErrorContext(ctx, "write_store_unavailable", append(attrs, logger.Error(err))...)

	default:
		slog.InfoContext(ctx, "write_rejected", append(attrs, logger.Error(err))...)
	}
}
