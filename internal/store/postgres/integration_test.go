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

//go:build integration
// +build integration

package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/opentrusty/pressgate/internal/audit"
	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/config"
	"github.com/opentrusty/pressgate/internal/content"
	"github.com/opentrusty/pressgate/internal/policy"
	"github.com/opentrusty/pressgate/internal/profile"
	"github.com/opentrusty/pressgate/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	cfg := config.DatabaseConfig{
		Host:            envOr("DB_HOST", "localhost"),
		Port:            envOr("DB_PORT", "5432"),
		User:            envOr("DB_USER", "pressgate"),
		Password:        envOr("DB_PASSWORD", "pressgate_dev_password"),
		Database:        envOr("DB_NAME", "pressgate"),
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	}

	db, err := New(ctx, cfg)
	if err != nil {
		t.Skipf("Skipping integration test: failed to connect to database: %v", err)
	}
	t.Cleanup(db.Close)

	require.NoError(t, db.Migrate(ctx))
	_, err = db.pool.Exec(ctx, `TRUNCATE comments, posts, site_config, profiles`)
	require.NoError(t, err)
	return db
}

// TestPurpose: Validates that concurrent first sign-ins create exactly one profile record.
// Scope: Database Integration Test
// Security: Single profile per principal
// Expected: Every concurrent upsert returns the same record and exactly one reports created.
// Test Case ID: PG-01
func TestProfileRepository_ConcurrentUpsert(t *testing.T) {
	db := openTestDB(t)
	repo := NewProfileRepository(db)
	ctx := context.Background()
	now := time.Now().UTC()

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, ok, err := repo.Upsert(ctx, &profile.Record{ID: "p1", Role: authz.RoleSubscriber, CreatedAt: now, UpdatedAt: now})
			assert.NoError(t, err)
			assert.Equal(t, "p1", rec.ID)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)

	require.NoError(t, repo.SetRole(ctx, "p1", authz.RoleEditor))
	rec, err := repo.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, authz.RoleEditor, rec.Role)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, profile.ErrNotFound)
}

// TestPurpose: Validates the gateway against the postgres store using stored role and owner.
// Scope: Database Integration Test
// Security: Authoritative enforcement, ownership immutability
// Expected: Owners edit their posts, others are denied, owner_id never changes, deletes cascade.
// Test Case ID: PG-02
func TestContentRepository_Gateway(t *testing.T) {
	db := openTestDB(t)
	profiles := NewProfileRepository(db)
	repo := NewContentRepository(db)
	ctx := context.Background()

	pol, err := policy.Load("")
	require.NoError(t, err)
	gw := storage.NewGateway(repo, pol, &audit.Recorder{}, storage.Options{}, nil, nil)

	now := time.Now().UTC()
	for id, role := range map[string]authz.Role{"author-1": authz.RoleAuthor, "contrib-1": authz.RoleContributor, "editor-1": authz.RoleEditor} {
		_, _, err := profiles.Upsert(ctx, &profile.Record{ID: id, Role: authz.RoleSubscriber, CreatedAt: now, UpdatedAt: now})
		require.NoError(t, err)
		require.NoError(t, profiles.SetRole(ctx, id, role))
	}

	w := content.CreatePost("author-1", "Hello", "World")
	require.NoError(t, gw.Apply(ctx, "author-1", w))

	err = gw.Apply(ctx, "contrib-1", content.CreatePost("contrib-1", "Nope", ""))
	assert.ErrorIs(t, err, storage.ErrPermissionDenied)

	err = gw.Apply(ctx, "contrib-1", content.UpdatePost(w.Ref.ID, "Hijack", ""))
	assert.ErrorIs(t, err, storage.ErrPermissionDenied)

	require.NoError(t, gw.Apply(ctx, "author-1", content.UpdatePost(w.Ref.ID, "Hello again", "World")))
	post, err := repo.GetPost(ctx, w.Ref.ID)
	require.NoError(t, err)
	assert.Equal(t, "Hello again", post.Title)
	assert.Equal(t, "author-1", post.OwnerID)

	c := content.CreateComment(w.Ref.ID, "contrib-1", "nice")
	require.NoError(t, gw.Apply(ctx, "contrib-1", c))
	owner, err := repo.GetOwner(ctx, c.Ref)
	require.NoError(t, err)
	assert.Equal(t, "contrib-1", owner)

	orphan := content.CreateComment("no-such-post", "contrib-1", "hello?")
	assert.ErrorIs(t, gw.Apply(ctx, "contrib-1", orphan), content.ErrNotFound)

	require.NoError(t, gw.Apply(ctx, "editor-1", content.DeletePost(w.Ref.ID)))
	comments, err := repo.ListComments(ctx, w.Ref.ID)
	require.NoError(t, err)
	assert.Empty(t, comments)

	err = gw.Apply(ctx, "author-1", content.UpdatePost(w.Ref.ID, "gone", ""))
	assert.ErrorIs(t, err, content.ErrNotFound)
}

// TestPurpose: Validates that the schema itself rejects owner changes.
// Scope: Database Integration Test
// Security: Ownership immutability
// Expected: A direct UPDATE of owner_id fails.
// Test Case ID: PG-03
func TestSchema_OwnerImmutable(t *testing.T) {
	db := openTestDB(t)
	repo := NewContentRepository(db)
	ctx := context.Background()

	w := content.CreatePost("u1", "t", "b")
	require.NoError(t, repo.ApplyIfPermitted(ctx, "u1", w, func(storage.StoredState) error { return nil }))

	_, err := db.pool.Exec(ctx, `UPDATE posts SET owner_id = 'u2' WHERE id = $1`, w.Ref.ID)
	require.Error(t, err)

	owner, err := repo.GetOwner(ctx, w.Ref)
	require.NoError(t, err)
	assert.Equal(t, "u1", owner)
}

// TestPurpose: Validates that a check denial aborts the transaction without writing.
// Scope: Database Integration Test
// Expected: The check's error is returned unchanged and the site config is not written.
// Test Case ID: PG-04
func TestContentRepository_CheckAborts(t *testing.T) {
	db := openTestDB(t)
	repo := NewContentRepository(db)
	ctx := context.Background()
	errNo := errors.New("no")

	err := repo.ApplyIfPermitted(ctx, "u1", content.UpdateSiteConfig(content.SiteConfig{Title: "x"}), func(st storage.StoredState) error {
		assert.False(t, st.ProfileFound)
		assert.False(t, st.ResourceExists)
		return errNo
	})
	assert.ErrorIs(t, err, errNo)

	cfg, err := repo.GetSiteConfig(ctx)
	require.NoError(t, err)
	assert.Empty(t, cfg.Title)
}
