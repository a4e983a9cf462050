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
	"github.com/opentrusty/pressgate/internal/content"
	"github.com/opentrusty/pressgate/internal/storage"
)

// ContentRepository implements content.Repository and storage.Store.
type ContentRepository struct {
	db  *DB
	now func() time.Time
}

// NewContentRepository creates a new content repository
func NewContentRepository(db *DB) *ContentRepository {
	return &ContentRepository{db: db, now: time.Now}
}

// GetOwner returns the stored owner of ref.
func (r *ContentRepository) GetOwner(ctx context.Context, ref content.Ref) (string, error) {
	owner, ok, err := selectOwner(ctx, r.db.pool, ref, false)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", content.ErrNotFound
	}
	return owner, nil
}

// GetPost retrieves a post by ID
func (r *ContentRepository) GetPost(ctx context.Context, id string) (*content.Post, error) {
	var p content.Post
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, owner_id, title, body, created_at, updated_at
		FROM posts
		WHERE id = $1
	`, id).Scan(&p.ID, &p.OwnerID, &p.Title, &p.Body, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, content.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get post: %w", err)
	}
	return &p, nil
}

// GetComment retrieves a comment by ID
func (r *ContentRepository) GetComment(ctx context.Context, id string) (*content.Comment, error) {
	var c content.Comment
	err := r.db.pool.QueryRow(ctx, `
		SELECT id, post_id, owner_id, body, created_at
		FROM comments
		WHERE id = $1
	`, id).Scan(&c.ID, &c.PostID, &c.OwnerID, &c.Body, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, content.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get comment: %w", err)
	}
	return &c, nil
}

// ListComments returns the comments of a post ordered by creation.
func (r *ContentRepository) ListComments(ctx context.Context, postID string) ([]*content.Comment, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, post_id, owner_id, body, created_at
		FROM comments
		WHERE post_id = $1
		ORDER BY created_at, id
	`, postID)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []*content.Comment
	for rows.Next() {
		var c content.Comment
		if err := rows.Scan(&c.ID, &c.PostID, &c.OwnerID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return comments, nil
}

// GetSiteConfig returns the site configuration, or an empty one if it was
// never written.
func (r *ContentRepository) GetSiteConfig(ctx context.Context) (*content.SiteConfig, error) {
	var cfg content.SiteConfig
	err := r.db.pool.QueryRow(ctx, `
		SELECT title, tagline, updated_by, updated_at
		FROM site_config
		WHERE id = $1
	`, content.SiteConfigID).Scan(&cfg.Title, &cfg.Tagline, &cfg.UpdatedBy, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &content.SiteConfig{}, nil
		}
		return nil, fmt.Errorf("failed to get site config: %w", err)
	}
	return &cfg, nil
}

// ReadState implements storage.Store.
func (r *ContentRepository) ReadState(ctx context.Context, requesterID string, ref content.Ref) (storage.StoredState, error) {
	return readState(ctx, r.db.pool, requesterID, ref, false)
}

// ApplyIfPermitted implements storage.Store. The requester's profile row is
// share-locked and the target row is locked for update, so a role change or
// a concurrent write cannot slip between the check and the write.
func (r *ContentRepository) ApplyIfPermitted(ctx context.Context, requesterID string, w content.Write, check storage.CheckFunc) error {
	return pgx.BeginFunc(ctx, r.db.pool, func(tx pgx.Tx) error {
		st, err := readState(ctx, tx, requesterID, w.Ref, true)
		if err != nil {
			return err
		}
		if err := check(st); err != nil {
			return err
		}
		return r.apply(ctx, tx, requesterID, w)
	})
}

func readState(ctx context.Context, q querier, requesterID string, ref content.Ref, lock bool) (storage.StoredState, error) {
	var st storage.StoredState

	if requesterID != "" {
		query := `SELECT role FROM profiles WHERE id = $1`
		if lock {
			query += ` FOR SHARE`
		}
		var role string
		err := q.QueryRow(ctx, query, requesterID).Scan(&role)
		switch {
		case err == nil:
			st.ProfileFound = true
			// An unparseable role leaves RoleNone, which the policy treats as unauthenticated.
			st.Role, _ = authz.ParseRole(role)
		case !errors.Is(err, pgx.ErrNoRows):
			return st, fmt.Errorf("failed to read profile: %w", err)
		}
	}

	owner, ok, err := selectOwner(ctx, q, ref, lock)
	if err != nil {
		return st, err
	}
	st.OwnerID, st.ResourceExists = owner, ok
	return st, nil
}

func selectOwner(ctx context.Context, q querier, ref content.Ref, lock bool) (string, bool, error) {
	var query string
	switch ref.Kind {
	case authz.ResourcePost:
		query = `SELECT owner_id FROM posts WHERE id = $1`
	case authz.ResourceComment:
		query = `SELECT owner_id FROM comments WHERE id = $1`
	case authz.ResourceSiteConfig:
		query = `SELECT '' FROM site_config WHERE id = $1`
	default:
		return "", false, fmt.Errorf("%w: unknown resource %q", content.ErrInvalidWrite, ref.Kind)
	}
	if lock {
		query += ` FOR UPDATE`
	}

	var owner string
	err := q.QueryRow(ctx, query, ref.ID).Scan(&owner)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read owner: %w", err)
	}
	return owner, true, nil
}

func (r *ContentRepository) apply(ctx context.Context, tx pgx.Tx, requesterID string, w content.Write) error {
	now := r.now().UTC()

	var (
		sql  string
		args []any
		what string
	)
	switch {
	case w.Ref.Kind == authz.ResourcePost && w.Op == authz.OperationCreate:
		what = "insert post"
		sql = `INSERT INTO posts (id, owner_id, title, body, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $5)`
		args = []any{w.Ref.ID, w.Post.OwnerID, w.Post.Title, w.Post.Body, now}
	case w.Ref.Kind == authz.ResourcePost && w.Op == authz.OperationUpdate:
		// owner_id is never written after creation.
		what = "update post"
		sql = `UPDATE posts SET title = $2, body = $3, updated_at = $4 WHERE id = $1`
		args = []any{w.Ref.ID, w.Post.Title, w.Post.Body, now}
	case w.Ref.Kind == authz.ResourcePost && w.Op == authz.OperationDelete:
		what = "delete post"
		sql = `DELETE FROM posts WHERE id = $1`
		args = []any{w.Ref.ID}
	case w.Ref.Kind == authz.ResourceComment && w.Op == authz.OperationCreate:
		what = "insert comment"
		sql = `INSERT INTO comments (id, post_id, owner_id, body, created_at) VALUES ($1, $2, $3, $4, $5)`
		args = []any{w.Ref.ID, w.Comment.PostID, w.Comment.OwnerID, w.Comment.Body, now}
	case w.Ref.Kind == authz.ResourceComment && w.Op == authz.OperationDelete:
		what = "delete comment"
		sql = `DELETE FROM comments WHERE id = $1`
		args = []any{w.Ref.ID}
	case w.Ref.Kind == authz.ResourceSiteConfig && w.Op == authz.OperationUpdate:
		what = "write site config"
		sql = `
			INSERT INTO site_config (id, title, tagline, updated_by, updated_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE
			SET title = EXCLUDED.title, tagline = EXCLUDED.tagline,
				updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`
		args = []any{content.SiteConfigID, w.SiteConfig.Title, w.SiteConfig.Tagline, requesterID, now}
	default:
		return fmt.Errorf("%w: %s on %s", content.ErrInvalidWrite, w.Op, w.Ref.Kind)
	}

	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return content.ErrNotFound
	}
	return nil
}
