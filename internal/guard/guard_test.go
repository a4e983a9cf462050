package guard_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opentrusty/pressgate/internal/authn"
	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/content"
	"github.com/opentrusty/pressgate/internal/guard"
	"github.com/opentrusty/pressgate/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) ResolveOrCreate(ctx context.Context, p authn.Principal) (*profile.Record, error) {
	args := m.Called(ctx, p)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*profile.Record), args.Error(1)
}

type mockOwners struct {
	mock.Mock
}

func (m *mockOwners) Owner(ctx context.Context, ref content.Ref) (string, error) {
	args := m.Called(ctx, ref)
	return args.String(0), args.Error(1)
}

var (
	alice = authn.Principal{ID: "alice", DisplayName: "Alice"}
	bob   = authn.Principal{ID: "bob", DisplayName: "Bob"}
	carol = authn.Principal{ID: "carol", DisplayName: "Carol"}

	postRef = content.Ref{Kind: authz.ResourcePost, ID: "p1"}
)

func record(p authn.Principal, role authz.Role) *profile.Record {
	return &profile.Record{ID: p.ID, DisplayName: p.DisplayName, Role: role}
}

// block returns a Run hook that holds the mocked call until release is closed.
func block(release <-chan struct{}) func(mock.Arguments) {
	return func(mock.Arguments) { <-release }
}

func waitState(t *testing.T, s *guard.Session, want guard.State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().State == want }, time.Second, time.Millisecond)
}

// TestPurpose: Validates the session state machine from sign-in to an authorized role.
// Scope: Unit Test
// Security: Least-privileged rendering while the role is unknown
// Expected: A resolving session renders as unauthenticated; once resolved the stored role applies.
// Test Case ID: GRD-01
func TestSession_SignIn(t *testing.T) {
	resolver := new(mockResolver)
	release := make(chan struct{})
	resolver.On("ResolveOrCreate", mock.Anything, alice).Run(block(release)).Return(record(alice, authz.RoleAuthor), nil)

	s := guard.New(resolver, new(mockOwners), nil).NewSession()
	assert.Equal(t, guard.StateUnauthenticated, s.Snapshot().State)

	s.SignIn(context.Background(), alice)
	snap := s.Snapshot()
	assert.Equal(t, guard.StateResolvingProfile, snap.State)
	assert.Equal(t, authz.RoleNone, snap.Role)

	aff := s.Affordances()
	assert.True(t, aff.Pending)
	assert.True(t, aff.Allowed[authz.ActionReadPost])
	assert.False(t, aff.Allowed[authz.ActionCreatePost])
	assert.False(t, aff.Allowed[authz.ActionCreateComment])

	updated := s.Updated()
	close(release)
	select {
	case <-updated:
	case <-time.After(time.Second):
		t.Fatal("session did not signal the resolved role")
	}
	waitState(t, s, guard.StateAuthorized)

	aff = s.Affordances()
	assert.False(t, aff.Pending)
	assert.Equal(t, authz.RoleAuthor, aff.Role)
	assert.True(t, aff.Allowed[authz.ActionCreatePost])
	assert.False(t, aff.Allowed[authz.ActionModerateComment])
}

// TestPurpose: Validates that a failed profile resolution degrades to subscriber and never reuses a previous session's role.
// Scope: Unit Test
// Security: Fail-closed degradation
// Expected: After an admin signs out, a failing resolution for the next principal yields subscriber affordances and a notice.
// Test Case ID: GRD-02
func TestSession_ResolutionFailureDegrades(t *testing.T) {
	resolver := new(mockResolver)
	resolver.On("ResolveOrCreate", mock.Anything, alice).Return(record(alice, authz.RoleAdmin), nil)
	resolver.On("ResolveOrCreate", mock.Anything, bob).Return(nil, profile.ErrStoreUnavailable)

	s := guard.New(resolver, new(mockOwners), nil).NewSession()
	s.SignIn(context.Background(), alice)
	waitState(t, s, guard.StateAuthorized)
	require.True(t, s.Affordances().Allowed[authz.ActionWriteSiteConfig])

	s.SignOut()
	assert.Equal(t, authz.RoleNone, s.Snapshot().Role)

	s.SignIn(context.Background(), bob)
	waitState(t, s, guard.StateResolutionFailed)

	snap := s.Snapshot()
	assert.Equal(t, authz.RoleSubscriber, snap.Role)
	assert.ErrorIs(t, snap.Err, profile.ErrStoreUnavailable)

	aff := s.Affordances()
	assert.True(t, aff.Degraded)
	assert.NotEmpty(t, aff.Notice())
	assert.False(t, aff.Allowed[authz.ActionWriteSiteConfig])
	assert.False(t, aff.Allowed[authz.ActionCreatePost])
	assert.True(t, aff.Allowed[authz.ActionCreateComment])

	err := s.Precheck(context.Background(), authz.ActionWriteSiteConfig)
	var denied *guard.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Contains(t, denied.Message(), "subscriber access")
	assert.ErrorIs(t, err, authz.ErrAccessDenied)
}

// TestPurpose: Validates that role and ownership are joined regardless of which resolves first.
// Scope: Unit Test
// Security: No edit or delete affordances before ownership is known
// Expected: Edit is offered to an owning contributor only after both the role and the owner are known.
// Test Case ID: GRD-03
func TestSession_JoinsRoleAndOwnership(t *testing.T) {
	tests := []struct {
		name       string
		ownerFirst bool
	}{
		{"role first", false},
		{"owner first", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roleRelease := make(chan struct{})
			ownerRelease := make(chan struct{})

			resolver := new(mockResolver)
			resolver.On("ResolveOrCreate", mock.Anything, alice).Run(block(roleRelease)).Return(record(alice, authz.RoleContributor), nil)
			owners := new(mockOwners)
			owners.On("Owner", mock.Anything, postRef).Run(block(ownerRelease)).Return("alice", nil)

			s := guard.New(resolver, owners, nil).NewSession()
			s.SignIn(context.Background(), alice)
			s.Navigate(context.Background(), &postRef)

			first, second := roleRelease, ownerRelease
			if tt.ownerFirst {
				first, second = ownerRelease, roleRelease
			}

			close(first)
			if tt.ownerFirst {
				require.Eventually(t, func() bool { return s.Snapshot().Ownership == authz.OwnershipOwner }, time.Second, time.Millisecond)
			} else {
				waitState(t, s, guard.StateAuthorized)
			}
			aff := s.Affordances()
			assert.True(t, aff.Pending)
			assert.False(t, aff.Allowed[authz.ActionEditPost])
			assert.False(t, aff.Allowed[authz.ActionDeletePost])

			close(second)
			require.Eventually(t, func() bool { return !s.Affordances().Pending }, time.Second, time.Millisecond)
			aff = s.Affordances()
			assert.True(t, aff.Allowed[authz.ActionEditPost])
			assert.True(t, aff.Allowed[authz.ActionDeletePost])
			assert.False(t, aff.Allowed[authz.ActionCreatePost])
		})
	}
}

// TestPurpose: Validates that a precheck waits for both futures before deciding.
// Scope: Unit Test
// Security: No final decision before role and ownership resolve
// Expected: Precheck blocks while ownership is pending, then denies a foreign post with a user-facing message.
// Test Case ID: GRD-04
func TestSession_PrecheckWaits(t *testing.T) {
	ownerRelease := make(chan struct{})

	resolver := new(mockResolver)
	resolver.On("ResolveOrCreate", mock.Anything, alice).Return(record(alice, authz.RoleAuthor), nil)
	owners := new(mockOwners)
	owners.On("Owner", mock.Anything, postRef).Run(block(ownerRelease)).Return("bob", nil)

	s := guard.New(resolver, owners, nil).NewSession()
	s.SignIn(context.Background(), alice)
	s.Navigate(context.Background(), &postRef)

	result := make(chan error, 1)
	go func() { result <- s.Precheck(context.Background(), authz.ActionEditPost) }()

	select {
	case err := <-result:
		t.Fatalf("precheck decided before ownership was known: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(ownerRelease)
	var err error
	select {
	case err = <-result:
	case <-time.After(time.Second):
		t.Fatal("precheck did not complete")
	}

	var denied *guard.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, authz.ReasonNotOwner, denied.Decision.Reason)
	assert.Equal(t, "You can only edit this post if you wrote it.", denied.Message())

	assert.NoError(t, s.Precheck(context.Background(), authz.ActionCreatePost))
	assert.NoError(t, s.Precheck(context.Background(), authz.ActionReadPost))
}

// TestPurpose: Validates that results arriving after sign-out are discarded.
// Scope: Unit Test
// Security: No stale role leaks into a later session
// Expected: A slow admin resolution that completes after sign-out and re-sign-in does not affect the new session.
// Test Case ID: GRD-05
func TestSession_DiscardsStaleResults(t *testing.T) {
	aliceRelease := make(chan struct{})

	resolver := new(mockResolver)
	resolver.On("ResolveOrCreate", mock.Anything, alice).Run(block(aliceRelease)).Return(record(alice, authz.RoleAdmin), nil)
	resolver.On("ResolveOrCreate", mock.Anything, bob).Return(record(bob, authz.RoleSubscriber), nil)

	s := guard.New(resolver, new(mockOwners), nil).NewSession()
	s.SignIn(context.Background(), alice)

	pending := make(chan error, 1)
	go func() { pending <- s.Precheck(context.Background(), authz.ActionWriteSiteConfig) }()
	// Let the precheck start waiting on alice's resolution.
	time.Sleep(20 * time.Millisecond)

	s.SignOut()
	s.SignIn(context.Background(), bob)
	waitState(t, s, guard.StateAuthorized)

	close(aliceRelease)
	select {
	case err := <-pending:
		assert.ErrorIs(t, err, guard.ErrSessionEnded)
	case <-time.After(time.Second):
		t.Fatal("pending precheck was not released")
	}

	// Give the stale resolution time to land before checking it was ignored.
	time.Sleep(10 * time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, bob, snap.Principal)
	assert.Equal(t, authz.RoleSubscriber, snap.Role)
	assert.False(t, s.Affordances().Allowed[authz.ActionWriteSiteConfig])
}

// TestPurpose: Validates that navigating away discards the previous page's ownership.
// Scope: Unit Test
// Security: Ownership is bound to the resource being acted on
// Expected: A late owner result for the previous post never applies to the new one.
// Test Case ID: GRD-06
func TestSession_NavigateDiscardsOwner(t *testing.T) {
	oldRelease := make(chan struct{})
	otherRef := content.Ref{Kind: authz.ResourcePost, ID: "p2"}

	resolver := new(mockResolver)
	resolver.On("ResolveOrCreate", mock.Anything, alice).Return(record(alice, authz.RoleContributor), nil)
	owners := new(mockOwners)
	owners.On("Owner", mock.Anything, postRef).Run(block(oldRelease)).Return("alice", nil)
	owners.On("Owner", mock.Anything, otherRef).Return("bob", nil)

	s := guard.New(resolver, owners, nil).NewSession()
	s.SignIn(context.Background(), alice)
	waitState(t, s, guard.StateAuthorized)

	s.Navigate(context.Background(), &postRef)
	s.Navigate(context.Background(), &otherRef)
	require.Eventually(t, func() bool { return !s.Affordances().Pending }, time.Second, time.Millisecond)

	close(oldRelease)
	time.Sleep(10 * time.Millisecond)

	snap := s.Snapshot()
	assert.Equal(t, &otherRef, snap.Page)
	assert.Equal(t, authz.OwnershipNotOwner, snap.Ownership)
	assert.False(t, s.Affordances().Allowed[authz.ActionEditPost])

	s.Navigate(context.Background(), nil)
	assert.False(t, s.Affordances().Pending)
	assert.Equal(t, authz.OwnershipUnknown, s.Snapshot().Ownership)
}

// TestPurpose: Validates that an unauthenticated session only gets public affordances.
// Scope: Unit Test
// Security: Unauthenticated principals may only read
// Expected: ReadPost is allowed; commenting is denied with a sign-in message.
// Test Case ID: GRD-07
func TestSession_Unauthenticated(t *testing.T) {
	owners := new(mockOwners)
	owners.On("Owner", mock.Anything, postRef).Return("bob", nil)

	s := guard.New(new(mockResolver), owners, nil).NewSession()
	s.Navigate(context.Background(), &postRef)

	require.NoError(t, s.Precheck(context.Background(), authz.ActionReadPost))

	err := s.Precheck(context.Background(), authz.ActionCreateComment)
	assert.ErrorIs(t, err, authz.ErrUnauthenticated)
	var denied *guard.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "Sign in to comment.", denied.Message())
}

// TestPurpose: Validates the synchronous guard used by request handlers.
// Scope: Unit Test
// Security: Advisory decisions match the rule table
// Expected: Role and owner are joined; missing resources are NotFound; resolver failures degrade to subscriber.
// Test Case ID: GRD-08
func TestGuard_Affordances(t *testing.T) {
	ctx := context.Background()
	missingRef := content.Ref{Kind: authz.ResourcePost, ID: "gone"}

	resolver := new(mockResolver)
	resolver.On("ResolveOrCreate", mock.Anything, alice).Return(record(alice, authz.RoleContributor), nil)
	resolver.On("ResolveOrCreate", mock.Anything, bob).Return(nil, profile.ErrStoreUnavailable)
	resolver.On("ResolveOrCreate", mock.Anything, carol).Return(record(carol, authz.RoleEditor), nil)
	owners := new(mockOwners)
	owners.On("Owner", mock.Anything, postRef).Return("alice", nil)
	owners.On("Owner", mock.Anything, missingRef).Return("", content.ErrNotFound)

	g := guard.New(resolver, owners, authz.NewEvaluator(authz.Options{}))

	aff, err := g.Affordances(ctx, &alice, postRef)
	require.NoError(t, err)
	assert.Equal(t, guard.StateAuthorized, aff.State)
	assert.Equal(t, authz.OwnershipOwner, aff.Ownership)
	assert.True(t, aff.Allowed[authz.ActionEditPost])
	assert.False(t, aff.Allowed[authz.ActionCreatePost])
	assert.False(t, aff.Allowed[authz.ActionModerateComment])

	aff, err = g.Affordances(ctx, &carol, postRef)
	require.NoError(t, err)
	assert.True(t, aff.Allowed[authz.ActionModerateComment])
	assert.True(t, aff.Allowed[authz.ActionEditPost])
	assert.NoError(t, g.Precheck(ctx, &carol, authz.ActionModerateComment, &postRef))

	aff, err = g.Affordances(ctx, &bob, postRef)
	require.NoError(t, err)
	assert.True(t, aff.Degraded)
	assert.Equal(t, authz.RoleSubscriber, aff.Role)
	assert.False(t, aff.Allowed[authz.ActionEditPost])

	aff, err = g.Affordances(ctx, nil, postRef)
	require.NoError(t, err)
	assert.Equal(t, guard.StateUnauthenticated, aff.State)
	assert.Equal(t, authz.OwnershipNotOwner, aff.Ownership)
	assert.False(t, aff.Allowed[authz.ActionCreateComment])

	_, err = g.Affordances(ctx, &alice, missingRef)
	assert.ErrorIs(t, err, content.ErrNotFound)

	err = g.Precheck(ctx, &alice, authz.ActionDeletePost, &missingRef)
	var denied *guard.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, authz.ReasonOwnerUnknown, denied.Decision.Reason)

	assert.NoError(t, g.Precheck(ctx, &alice, authz.ActionCreateComment, nil))
}

// TestPurpose: Validates that a cancelled context aborts the synchronous join.
// Scope: Unit Test
// Expected: The context error is returned instead of a decision.
// Test Case ID: GRD-09
func TestGuard_Cancelled(t *testing.T) {
	resolver := new(mockResolver)
	resolver.On("ResolveOrCreate", mock.Anything, alice).Return(nil, context.Canceled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := guard.New(resolver, new(mockOwners), nil).Precheck(ctx, &alice, authz.ActionCreatePost, nil)
	assert.True(t, errors.Is(err, context.Canceled))
}

// TestPurpose: Validates that comment moderation is offered on a post page once the post is known.
// Scope: Unit Test
// Security: Comment ownership is never assumed; only roles that moderate any comment get the control
// Expected: editor is offered moderate_comment, author is not, and nobody is offered it while the post is loading.
// Test Case ID: GRD-10
func TestSession_ModerationOnPostPage(t *testing.T) {
	tests := []struct {
		name string
		role authz.Role
		want bool
	}{
		{"editor moderates any comment", authz.RoleEditor, true},
		{"admin moderates any comment", authz.RoleAdmin, true},
		{"author cannot moderate", authz.RoleAuthor, false},
		{"subscriber cannot moderate", authz.RoleSubscriber, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := new(mockResolver)
			resolver.On("ResolveOrCreate", mock.Anything, carol).Return(record(carol, tt.role), nil)
			owners := new(mockOwners)
			release := make(chan struct{})
			owners.On("Owner", mock.Anything, postRef).Run(block(release)).Return("carol", nil)

			s := guard.New(resolver, owners, nil).NewSession()
			s.SignIn(context.Background(), carol)
			waitState(t, s, guard.StateAuthorized)

			ref := postRef
			s.Navigate(context.Background(), &ref)
			assert.False(t, s.Affordances().Allowed[authz.ActionModerateComment])

			close(release)
			require.Eventually(t, func() bool { return s.Snapshot().Ownership.Known() }, time.Second, time.Millisecond)
			assert.Equal(t, tt.want, s.Affordances().Allowed[authz.ActionModerateComment])
		})
	}
}

// TestPurpose: Validates that a principal without an id is not signed in.
// Scope: Unit Test
// Security: An unidentified caller never gets subscriber rights
// Expected: The session stays unauthenticated and the resolver is never called.
// Test Case ID: GRD-11
func TestSession_SignInWithoutID(t *testing.T) {
	resolver := new(mockResolver)
	g := guard.New(resolver, new(mockOwners), nil)

	s := g.NewSession()
	s.SignIn(context.Background(), authn.Principal{DisplayName: "Nobody"})

	assert.Equal(t, guard.StateUnauthenticated, s.Snapshot().State)
	aff := s.Affordances()
	assert.False(t, aff.Pending)
	assert.False(t, aff.Allowed[authz.ActionCreateComment])

	err := g.Precheck(context.Background(), &authn.Principal{}, authz.ActionCreateComment, nil)
	var denied *guard.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, authz.ReasonUnauthenticated, denied.Decision.Reason)

	resolver.AssertNotCalled(t, "ResolveOrCreate", mock.Anything, mock.Anything)
}
