package storage_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opentrusty/pressgate/internal/audit"
	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/content"
	"github.com/opentrusty/pressgate/internal/policy"
	"github.com/opentrusty/pressgate/internal/profile"
	"github.com/opentrusty/pressgate/internal/storage"
	"github.com/opentrusty/pressgate/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConnReset = errors.New("read tcp: connection reset by peer")

type fixture struct {
	store   *memory.Store
	gateway *storage.Gateway
	audit   *audit.Recorder
}

func newFixture(t *testing.T, opts storage.Options) *fixture {
	t.Helper()
	pol, err := policy.Load("")
	require.NoError(t, err)

	f := &fixture{store: memory.New(), audit: &audit.Recorder{}}
	if opts.RetryInitialInterval == 0 {
		opts.RetryInitialInterval = time.Millisecond
	}
	if opts.RetryMaxElapsed == 0 {
		opts.RetryMaxElapsed = 200 * time.Millisecond
	}
	f.gateway = storage.NewGateway(f.store, pol, f.audit, opts, nil, nil)
	return f
}

func (f *fixture) principal(t *testing.T, id string, role authz.Role) {
	t.Helper()
	_, _, err := f.store.Upsert(context.Background(), &profile.Record{ID: id, Role: authz.DefaultRole})
	require.NoError(t, err)
	require.NoError(t, f.store.SetRole(context.Background(), id, role))
}

// post creates a post as an admin-free seed, bypassing policy.
func (f *fixture) post(t *testing.T, id, owner string) {
	t.Helper()
	w := content.CreatePost(owner, "seed", "body")
	w.Ref.ID, w.Post.ID = id, id
	require.NoError(t, f.store.ApplyIfPermitted(context.Background(), owner, w, allowAll))
}

func (f *fixture) comment(t *testing.T, id, postID, owner string) {
	t.Helper()
	w := content.CreateComment(postID, owner, "seed")
	w.Ref.ID, w.Comment.ID = id, id
	require.NoError(t, f.store.ApplyIfPermitted(context.Background(), owner, w, allowAll))
}

func allowAll(storage.StoredState) error { return nil }

// TestPurpose: Validates that the storage tier reaches the rule table's decision for every tuple using only stored state.
// Scope: Integration Test (in-memory store)
// Security: Authoritative enforcement
// Expected: Apply/CheckRead allow exactly when the client evaluator allows, for every role, action and ownership.
// Test Case ID: STG-01
func TestGateway_MatchesRuleTable(t *testing.T) {
	roles := append([]authz.Role{authz.RoleNone}, authz.Roles()...)
	ownerships := []authz.Ownership{authz.OwnershipOwner, authz.OwnershipNotOwner, authz.OwnershipUnknown}

	for _, public := range []bool{false, true} {
		for _, action := range authz.Actions() {
			for _, role := range roles {
				for _, o := range ownerships {
					name := fmt.Sprintf("%s/%s/%s/public=%t", action, role, o, public)
					t.Run(name, func(t *testing.T) {
						f := newFixture(t, storage.Options{PublicSiteConfig: public})
						requester := ""
						if role != authz.RoleNone {
							requester = "u1"
							f.principal(t, requester, role)
						}
						owner := map[authz.Ownership]string{authz.OwnershipOwner: "u1", authz.OwnershipNotOwner: "u2"}[o]

						f.post(t, "p0", "u2")
						if owner != "" {
							f.post(t, "p1", owner)
							f.comment(t, "c1", "p0", owner)
						}

						var err error
						ctx := context.Background()
						switch action {
						case authz.ActionReadPost:
							err = f.gateway.CheckRead(ctx, requester, content.Ref{Kind: authz.ResourcePost, ID: "p1"})
						case authz.ActionReadSiteConfig:
							err = f.gateway.CheckRead(ctx, requester, content.Ref{Kind: authz.ResourceSiteConfig, ID: content.SiteConfigID})
						case authz.ActionCreatePost:
							err = f.gateway.Apply(ctx, requester, content.CreatePost(requester, "t", "b"))
						case authz.ActionEditPost:
							err = f.gateway.Apply(ctx, requester, content.UpdatePost("p1", "t2", "b2"))
						case authz.ActionDeletePost:
							err = f.gateway.Apply(ctx, requester, content.DeletePost("p1"))
						case authz.ActionCreateComment:
							err = f.gateway.Apply(ctx, requester, content.CreateComment("p0", requester, "hi"))
						case authz.ActionModerateComment:
							err = f.gateway.Apply(ctx, requester, content.DeleteComment("c1"))
						case authz.ActionWriteSiteConfig:
							err = f.gateway.Apply(ctx, requester, content.UpdateSiteConfig(content.SiteConfig{Title: "x"}))
						default:
							t.Fatalf("no storage scenario for %s", action)
						}

						want := authz.NewEvaluator(authz.Options{PublicSiteConfig: public}).Evaluate(role, action, o)
						if want {
							assert.NoError(t, err)
						} else {
							assert.ErrorIs(t, err, storage.ErrPermissionDenied)
							assert.NotErrorIs(t, err, storage.ErrStoreUnavailable)
						}
					})
				}
			}
		}
	}
}

// TestPurpose: Validates that owner ids are immutable and creation is bound to the requester.
// Scope: Unit Test
// Security: Ownership forgery prevention
// Expected: An update changing owner_id and a create on behalf of someone else are denied; the stored owner is untouched.
// Test Case ID: STG-02
func TestGateway_OwnershipBinding(t *testing.T) {
	f := newFixture(t, storage.Options{})
	ctx := context.Background()
	f.principal(t, "u1", authz.RoleAdmin)
	f.post(t, "p1", "u2")

	w := content.UpdatePost("p1", "hijack", "body")
	w.Post.OwnerID = "u1"
	err := f.gateway.Apply(ctx, "u1", w)
	assert.ErrorIs(t, err, storage.ErrPermissionDenied)
	assert.Contains(t, f.audit.Types(), audit.TypeOwnerChangeDenied)
	events := f.audit.Events()
	assert.Equal(t, authz.OwnershipNotOwner.String(), events[len(events)-1].Metadata[audit.AttrOwnership])

	owner, err := f.store.GetOwner(ctx, content.Ref{Kind: authz.ResourcePost, ID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, "u2", owner)

	err = f.gateway.Apply(ctx, "u1", content.CreatePost("u2", "ghost", "written"))
	assert.ErrorIs(t, err, storage.ErrPermissionDenied)

	// Restating the current owner is accepted.
	w = content.UpdatePost("p1", "edited", "body")
	w.Post.OwnerID = "u2"
	require.NoError(t, f.gateway.Apply(ctx, "u1", w))
	post, err := f.store.GetPost(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "edited", post.Title)
	assert.Equal(t, "u2", post.OwnerID)
}

// TestPurpose: Validates that the storage tier uses its own role lookup rather than any client belief.
// Scope: Unit Test
// Security: Stale or forged role claims
// Expected: A demoted principal is denied on the next write; a principal without a profile is unauthenticated.
// Test Case ID: STG-03
func TestGateway_UsesStoredRole(t *testing.T) {
	f := newFixture(t, storage.Options{})
	ctx := context.Background()
	f.principal(t, "u1", authz.RoleEditor)
	f.post(t, "p1", "u2")

	require.NoError(t, f.gateway.Apply(ctx, "u1", content.UpdatePost("p1", "ok", "b")))

	require.NoError(t, f.store.SetRole(ctx, "u1", authz.RoleSubscriber))
	assert.ErrorIs(t, f.gateway.Apply(ctx, "u1", content.UpdatePost("p1", "again", "b")), storage.ErrPermissionDenied)

	assert.ErrorIs(t, f.gateway.Apply(ctx, "ghost", content.CreateComment("p1", "ghost", "hi")), storage.ErrPermissionDenied)
}

// TestPurpose: Validates that missing resources deny and surface as not found.
// Scope: Unit Test
// Expected: Editing a missing post is a denial wrapping content.ErrNotFound; commenting on a missing post is content.ErrNotFound.
// Test Case ID: STG-04
func TestGateway_NotFound(t *testing.T) {
	f := newFixture(t, storage.Options{})
	ctx := context.Background()
	f.principal(t, "u1", authz.RoleAdmin)

	err := f.gateway.Apply(ctx, "u1", content.DeletePost("missing"))
	assert.ErrorIs(t, err, storage.ErrPermissionDenied)
	assert.ErrorIs(t, err, content.ErrNotFound)

	err = f.gateway.Apply(ctx, "u1", content.CreateComment("missing", "u1", "hi"))
	assert.ErrorIs(t, err, content.ErrNotFound)
	assert.NotErrorIs(t, err, storage.ErrPermissionDenied)
}

// TestPurpose: Validates that store failures are never reported as denials.
// Scope: Unit Test
// Security: Fail closed without conflating outages and policy
// Expected: A failing store yields ErrStoreUnavailable, the write is not applied and a store_unavailable audit event is emitted.
// Test Case ID: STG-05
func TestGateway_StoreUnavailable(t *testing.T) {
	f := newFixture(t, storage.Options{})
	ctx := context.Background()
	f.principal(t, "u1", authz.RoleAdmin)

	f.store.FailNext(1, errConnReset)
	w := content.CreatePost("u1", "t", "b")
	err := f.gateway.Apply(ctx, "u1", w)
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, storage.ErrPermissionDenied)
	assert.Contains(t, f.audit.Types(), audit.TypeStoreUnavailable)

	_, err = f.store.GetPost(ctx, w.Ref.ID)
	assert.ErrorIs(t, err, content.ErrNotFound)

	f.store.FailNext(1, errConnReset)
	err = f.gateway.CheckRead(ctx, "u1", content.Ref{Kind: authz.ResourceSiteConfig, ID: content.SiteConfigID})
	assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
}

// countingStore counts checked applies.
type countingStore struct {
	storage.Store
	calls atomic.Int32
}

func (c *countingStore) ApplyIfPermitted(ctx context.Context, requesterID string, w content.Write, check storage.CheckFunc) error {
	c.calls.Add(1)
	return c.Store.ApplyIfPermitted(ctx, requesterID, w, check)
}

// TestPurpose: Validates retry behaviour of authoritative writes.
// Scope: Unit Test
// Expected: Transient failures are retried until success; denials are returned after a single attempt; an exhausted budget yields ErrStoreUnavailable.
// Test Case ID: STG-06
func TestGateway_ApplyWithRetry(t *testing.T) {
	pol, err := policy.Load("")
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("transient", func(t *testing.T) {
		mem := memory.New()
		_, _, err := mem.Upsert(ctx, &profile.Record{ID: "u1", Role: authz.RoleAuthor})
		require.NoError(t, err)
		cs := &countingStore{Store: mem}
		g := storage.NewGateway(cs, pol, &audit.Recorder{}, storage.Options{RetryInitialInterval: time.Millisecond, RetryMaxElapsed: time.Second}, nil, nil)

		mem.FailNext(2, errConnReset)
		w := content.CreatePost("u1", "t", "b")
		require.NoError(t, g.ApplyWithRetry(ctx, "u1", w))
		assert.Equal(t, int32(3), cs.calls.Load())

		_, err = mem.GetPost(ctx, w.Ref.ID)
		assert.NoError(t, err)
	})

	t.Run("denial is terminal", func(t *testing.T) {
		mem := memory.New()
		_, _, err := mem.Upsert(ctx, &profile.Record{ID: "u1", Role: authz.RoleSubscriber})
		require.NoError(t, err)
		cs := &countingStore{Store: mem}
		g := storage.NewGateway(cs, pol, &audit.Recorder{}, storage.Options{RetryInitialInterval: time.Millisecond, RetryMaxElapsed: time.Second}, nil, nil)

		err = g.ApplyWithRetry(ctx, "u1", content.CreatePost("u1", "t", "b"))
		assert.ErrorIs(t, err, storage.ErrPermissionDenied)
		assert.Equal(t, int32(1), cs.calls.Load())
	})

	t.Run("budget exhausted", func(t *testing.T) {
		mem := memory.New()
		rec := &audit.Recorder{}
		g := storage.NewGateway(mem, pol, rec, storage.Options{RetryInitialInterval: time.Millisecond, RetryMaxElapsed: 30 * time.Millisecond}, nil, nil)

		mem.FailNext(10000, errConnReset)
		err := g.ApplyWithRetry(ctx, "u1", content.CreatePost("u1", "t", "b"))
		assert.ErrorIs(t, err, storage.ErrStoreUnavailable)

		events := rec.Events()
		require.NotEmpty(t, events)
		last := events[len(events)-1]
		assert.Equal(t, audit.TypeRetriesExhausted, last.Type)
		assert.Greater(t, last.Metadata[audit.AttrAttempts], 1)
	})

	t.Run("cancelled", func(t *testing.T) {
		mem := memory.New()
		g := storage.NewGateway(mem, pol, &audit.Recorder{}, storage.Options{RetryInitialInterval: 50 * time.Millisecond, RetryMaxElapsed: time.Minute}, nil, nil)

		mem.FailNext(10000, errConnReset)
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		err := g.ApplyWithRetry(cctx, "u1", content.CreatePost("u1", "t", "b"))
		assert.ErrorIs(t, err, storage.ErrStoreUnavailable)
	})
}

// TestPurpose: Validates invalid writes are rejected before touching the store.
// Scope: Unit Test
// Expected: content.ErrInvalidWrite is returned and the store is not called.
// Test Case ID: STG-07
func TestGateway_InvalidWrite(t *testing.T) {
	pol, err := policy.Load("")
	require.NoError(t, err)
	cs := &countingStore{Store: memory.New()}
	g := storage.NewGateway(cs, pol, &audit.Recorder{}, storage.Options{}, nil, nil)

	err = g.Apply(context.Background(), "u1", content.Write{Op: authz.OperationUpdate, Ref: content.Ref{Kind: authz.ResourceComment, ID: "c1"}})
	assert.ErrorIs(t, err, content.ErrInvalidWrite)
	assert.Zero(t, cs.calls.Load())
}
