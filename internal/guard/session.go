package guard

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/opentrusty/pressgate/internal/authn"
	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/content"
	"github.com/opentrusty/pressgate/internal/observability/logger"
	"github.com/opentrusty/pressgate/internal/profile"
)

// State is the profile resolution state of a session.
type State uint8

const (
	StateUnauthenticated State = iota
	StateResolvingProfile
	StateAuthorized
	StateResolutionFailed
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateResolvingProfile:
		return "resolving_profile"
	case StateAuthorized:
		return "authorized"
	case StateResolutionFailed:
		return "resolution_failed"
	default:
		return "unknown"
	}
}

// future is a value delivered once by a background fetch.
type future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *future[T] {
	return &future[T]{done: make(chan struct{})}
}

func (f *future[T]) resolve(v T, err error) {
	f.val, f.err = v, err
	close(f.done)
}

func (f *future[T]) ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

func (f *future[T]) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot is a consistent view of a session.
type Snapshot struct {
	State     State
	Principal authn.Principal
	// Role is the effective role: RoleNone until resolved, subscriber after
	// a failed resolution.
	Role      authz.Role
	Page      *content.Ref
	Ownership authz.Ownership
	Err       error
}

// Session tracks one signed-in client: its principal, the resolution of its
// role and the ownership of the resource it is looking at. Role and
// ownership are fetched concurrently; results that arrive after sign-out or
// navigation are discarded.
type Session struct {
	guard *Guard

	mu        sync.Mutex
	gen       uint64
	state     State
	principal authn.Principal
	record    *profile.Record
	err       error
	cancel    context.CancelFunc
	resolved  *future[*profile.Record]

	pageGen    uint64
	page       *content.Ref
	pageCancel context.CancelFunc
	owner      *future[string]

	updated chan struct{}
}

// NewSession starts an unauthenticated session.
func (g *Guard) NewSession() *Session {
	return &Session{guard: g, updated: make(chan struct{})}
}

// SignIn starts resolving p's profile. Until it completes the session
// renders as unauthenticated. Signing in again replaces the previous
// principal and discards its pending resolution. A principal without an id
// leaves the session unauthenticated.
func (s *Session) SignIn(ctx context.Context, p authn.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endLocked()
	if p.ID == "" {
		slog.WarnContext(ctx, "guard_sign_in_rejected", logger.Reason("empty principal id"))
		s.notifyLocked()
		return
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	res := newFuture[*profile.Record]()
	gen := s.gen
	s.state, s.principal = StateResolvingProfile, p
	s.cancel, s.resolved = cancel, res
	s.notifyLocked()

	go func() {
		rec, err := s.guard.resolver.ResolveOrCreate(rctx, p)
		s.settleProfile(rctx, gen, res, rec, err)
	}()
}

func (s *Session) settleProfile(ctx context.Context, gen uint64, res *future[*profile.Record], rec *profile.Record, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer res.resolve(rec, err)

	if gen != s.gen {
		return
	}
	if err != nil {
		s.state, s.err = StateResolutionFailed, err
		slog.WarnContext(ctx, "guard_degraded", logger.PrincipalID(s.principal.ID), logger.Error(err))
	} else {
		s.state, s.record = StateAuthorized, rec
	}
	s.notifyLocked()
}

// SignOut ends the session. In-flight results are discarded and waiting
// prechecks return ErrSessionEnded.
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endLocked()
	s.leavePageLocked()
	s.page = nil
	s.notifyLocked()
}

func (s *Session) endLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	s.state = StateUnauthenticated
	s.principal = authn.Principal{}
	s.record, s.err = nil, nil
	s.cancel, s.resolved = nil, nil
}

// Navigate moves the session to ref and starts fetching its owner. A nil
// ref is a page without a stored resource. The previous page's pending
// lookup is discarded.
func (s *Session) Navigate(ctx context.Context, ref *content.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leavePageLocked()
	s.page = ref
	if ref != nil && ref.Kind.Owned() {
		octx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		res := newFuture[string]()
		pageGen := s.pageGen
		target := *ref
		s.pageCancel, s.owner = cancel, res

		go func() {
			owner, err := s.guard.owners.Owner(octx, target)
			s.settleOwner(octx, pageGen, res, owner, err)
		}()
	}
	s.notifyLocked()
}

func (s *Session) settleOwner(ctx context.Context, pageGen uint64, res *future[string], owner string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer res.resolve(owner, err)

	if pageGen != s.pageGen {
		return
	}
	if err != nil && !errors.Is(err, content.ErrNotFound) {
		slog.WarnContext(ctx, "guard_owner_lookup_failed", logger.Resource(string(s.page.Kind), s.page.ID), logger.Error(err))
	}
	s.notifyLocked()
}

func (s *Session) leavePageLocked() {
	if s.pageCancel != nil {
		s.pageCancel()
	}
	s.pageGen++
	s.pageCancel, s.owner = nil, nil
}

// notifyLocked wakes everything waiting on Updated.
func (s *Session) notifyLocked() {
	close(s.updated)
	s.updated = make(chan struct{})
}

// Updated returns a channel that is closed on the next state change.
func (s *Session) Updated() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updated
}

func (s *Session) subjectLocked() (subject, authz.Role) {
	sub := subject{
		state:     s.state,
		principal: s.principal.ID,
		page:      s.page,
		ownership: authz.OwnershipUnknown,
	}
	if s.owner != nil {
		if s.owner.ready() {
			if s.owner.err == nil {
				sub.ownership = authz.OwnershipOf(s.principal.ID, s.owner.val)
			}
		} else {
			sub.pending = true
		}
	}

	stored := authz.RoleNone
	if s.record != nil {
		stored = s.record.Role
	}
	return sub, sub.role(stored)
}

// Snapshot returns the current state of the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, role := s.subjectLocked()
	return Snapshot{
		State:     s.state,
		Principal: s.principal,
		Role:      role,
		Page:      s.page,
		Ownership: sub.ownership,
		Err:       s.err,
	}
}

// Affordances returns what the UI may offer right now. It never blocks:
// while role or ownership is pending the least-privileged answer is given.
func (s *Session) Affordances() Affordances {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, role := s.subjectLocked()
	return s.guard.affordances(sub, role)
}

// Precheck waits until the role and, for per-resource actions, the owner of
// the current page are known, then decides action. A denial is returned as
// *DeniedError; ErrSessionEnded if the session moved on while waiting.
func (s *Session) Precheck(ctx context.Context, action authz.Action) error {
	s.mu.Lock()
	gen, pageGen := s.gen, s.pageGen
	resolved, owner := s.resolved, s.owner
	s.mu.Unlock()

	if resolved != nil {
		if err := resolved.wait(ctx); err != nil {
			return err
		}
	}
	if rule, ok := authz.RuleFor(action); ok && rule.PerResource && owner != nil {
		if err := owner.wait(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || pageGen != s.pageGen {
		return ErrSessionEnded
	}
	sub, role := s.subjectLocked()
	return deny(s.guard.decide(sub, role, action), s.state == StateResolutionFailed)
}
