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

// Package guard is the client-side enforcement point. It decides which
// affordances to render and pre-validates actions before they are sent to the
// storage tier. Its decisions are advisory: the storage policy is the
// authority.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opentrusty/pressgate/internal/authn"
	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/content"
	"github.com/opentrusty/pressgate/internal/observability/logger"
	"github.com/opentrusty/pressgate/internal/profile"
	"golang.org/x/sync/errgroup"
)

// ErrSessionEnded is returned by a precheck whose session was signed out or
// navigated away before both role and ownership were known.
var ErrSessionEnded = errors.New("session ended before the decision was made")

const degradedNotice = "Your profile could not be loaded, so you have subscriber access for now."

// ProfileResolver resolves a principal to its profile record.
type ProfileResolver interface {
	ResolveOrCreate(ctx context.Context, p authn.Principal) (*profile.Record, error)
}

// OwnerLookup returns the stored owner of a resource.
type OwnerLookup interface {
	Owner(ctx context.Context, ref content.Ref) (string, error)
}

// Guard holds the collaborators shared by every session.
type Guard struct {
	resolver ProfileResolver
	owners   OwnerLookup
	eval     *authz.Evaluator
}

// New creates a guard. A nil evaluator uses default options.
func New(resolver ProfileResolver, owners OwnerLookup, eval *authz.Evaluator) *Guard {
	if eval == nil {
		eval = authz.NewEvaluator(authz.Options{})
	}
	return &Guard{resolver: resolver, owners: owners, eval: eval}
}

// Affordances is the set of actions the UI may offer.
type Affordances struct {
	State     State
	Role      authz.Role
	Ownership authz.Ownership
	// Pending is true while the role or the ownership of the current
	// resource is still being fetched.
	Pending bool
	// Degraded is true when profile resolution failed and the session fell
	// back to the subscriber role.
	Degraded bool
	Allowed  map[authz.Action]bool
}

// Notice is a user-facing note about the session, or "".
func (a Affordances) Notice() string {
	if a.Degraded {
		return degradedNotice
	}
	return ""
}

// DeniedError is a precheck denial carrying its user-facing message.
type DeniedError struct {
	Decision authz.Decision
	Degraded bool
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("guard: %s denied (%s)", e.Decision.Action, e.Decision.Reason)
}

// Unwrap exposes authz.ErrUnauthenticated or authz.ErrAccessDenied.
func (e *DeniedError) Unwrap() error {
	return e.Decision.Err()
}

// Message is shown to the user instead of sending the request.
func (e *DeniedError) Message() string {
	msg := e.Decision.Message()
	if e.Degraded {
		msg += " " + degradedNotice
	}
	return msg
}

// subject is everything a decision depends on.
type subject struct {
	state     State
	principal string
	page      *content.Ref
	ownership authz.Ownership
	pending   bool
}

// role is the effective role for the state. Only an authorized session
// carries its stored role.
func (s subject) role(stored authz.Role) authz.Role {
	switch s.state {
	case StateAuthorized:
		return stored
	case StateResolutionFailed:
		return authz.RoleSubscriber
	default:
		return authz.RoleNone
	}
}

func (g *Guard) decide(sub subject, role authz.Role, action authz.Action) authz.Decision {
	ownership := authz.OwnershipUnknown
	if rule, ok := authz.RuleFor(action); ok && rule.PerResource && sub.page != nil {
		switch {
		case sub.page.Kind == rule.Resource:
			ownership = sub.ownership
		case sub.ownership.Known():
			// Rules on a page's child resources (comments on a post) are
			// decided without their owners, so only "any" cells grant them.
			ownership = authz.OwnershipNotOwner
		}
	}
	return g.eval.Decide(role, action, ownership)
}

func (g *Guard) affordances(sub subject, role authz.Role) Affordances {
	a := Affordances{
		State:     sub.state,
		Role:      role,
		Ownership: sub.ownership,
		Pending:   sub.state == StateResolvingProfile || sub.pending,
		Degraded:  sub.state == StateResolutionFailed,
		Allowed:   make(map[authz.Action]bool, len(authz.Actions())),
	}
	for _, action := range authz.Actions() {
		a.Allowed[action] = g.decide(sub, role, action).Allowed
	}
	return a
}

func deny(d authz.Decision, degraded bool) error {
	if d.Allowed {
		return nil
	}
	return &DeniedError{Decision: d, Degraded: degraded}
}

// joined is the outcome of resolving role and ownership together.
type joined struct {
	subject
	stored  authz.Role
	missing bool
}

// join resolves the principal's role and the resource owner concurrently and
// returns once both are known. Resolution failures degrade instead of failing;
// only cancellation of ctx is returned as an error.
func (g *Guard) join(ctx context.Context, p *authn.Principal, ref *content.Ref) (joined, error) {
	var (
		rec        *profile.Record
		resolveErr error
		owner      string
		ownerErr   error
	)

	if p != nil && p.ID == "" {
		p = nil
	}

	var eg errgroup.Group
	if p != nil {
		eg.Go(func() error {
			rec, resolveErr = g.resolver.ResolveOrCreate(ctx, *p)
			return nil
		})
	}
	if ref != nil && ref.Kind.Owned() {
		eg.Go(func() error {
			owner, ownerErr = g.owners.Owner(ctx, *ref)
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return joined{}, err
	}

	j := joined{subject: subject{state: StateUnauthenticated, page: ref, ownership: authz.OwnershipUnknown}}
	if p != nil {
		j.principal = p.ID
		if resolveErr != nil {
			j.state = StateResolutionFailed
			slog.WarnContext(ctx, "guard_degraded", logger.PrincipalID(p.ID), logger.Error(resolveErr))
		} else {
			j.state, j.stored = StateAuthorized, rec.Role
		}
	}
	if ref != nil && ref.Kind.Owned() {
		switch {
		case ownerErr == nil:
			j.ownership = authz.OwnershipOf(j.principal, owner)
		case errors.Is(ownerErr, content.ErrNotFound):
			j.missing = true
		default:
			slog.WarnContext(ctx, "guard_owner_lookup_failed", logger.Resource(string(ref.Kind), ref.ID), logger.Error(ownerErr))
		}
	}
	return j, nil
}

// Affordances resolves the caller's role and the owner of ref concurrently
// and returns the actions the UI may offer for it. p is nil for an
// unauthenticated caller, as is one with an empty id. A missing resource
// yields content.ErrNotFound.
func (g *Guard) Affordances(ctx context.Context, p *authn.Principal, ref content.Ref) (Affordances, error) {
	j, err := g.join(ctx, p, &ref)
	if err != nil {
		return Affordances{}, err
	}
	if j.missing {
		return Affordances{}, fmt.Errorf("%w: %s", content.ErrNotFound, ref)
	}
	return g.affordances(j.subject, j.role(j.stored)), nil
}

// Precheck decides action for the caller once role and ownership are both
// known. ref may be nil for actions that do not target a stored resource.
// A denial is returned as *DeniedError.
func (g *Guard) Precheck(ctx context.Context, p *authn.Principal, action authz.Action, ref *content.Ref) error {
	j, err := g.join(ctx, p, ref)
	if err != nil {
		return err
	}
	return deny(g.decide(j.subject, j.role(j.stored), action), j.state == StateResolutionFailed)
}
