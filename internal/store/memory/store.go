// Package memory is an in-process document store implementing the same
// ports as the postgres store. It backs DB_DRIVER=memory and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/content"
	"github.com/opentrusty/pressgate/internal/profile"
	"github.com/opentrusty/pressgate/internal/storage"
)

// Store holds every document behind one lock; a checked apply runs entirely
// under the write lock, which gives it the same isolation as a transaction.
type Store struct {
	mu         sync.RWMutex
	profiles   map[string]profile.Record
	posts      map[string]content.Post
	comments   map[string]content.Comment
	siteConfig *content.SiteConfig

	faults []error
	now    func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		profiles: make(map[string]profile.Record),
		posts:    make(map[string]content.Post),
		comments: make(map[string]content.Comment),
		now:      time.Now,
	}
}

// FailNext makes the next n store calls fail with err.
func (s *Store) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.faults = append(s.faults, err)
	}
}

// fault pops the next injected failure. Callers hold the lock.
func (s *Store) fault() error {
	if len(s.faults) == 0 {
		return nil
	}
	err := s.faults[0]
	s.faults = s.faults[1:]
	return err
}

// faultRead pops a failure for a read-locked call.
func (s *Store) faultRead() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault()
}

// Get implements profile.Repository.
func (s *Store) Get(ctx context.Context, id string) (*profile.Record, error) {
	if err := s.faultRead(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.profiles[id]
	if !ok {
		return nil, profile.ErrNotFound
	}
	return &rec, nil
}

// Upsert implements profile.Repository. The first write wins.
func (s *Store) Upsert(ctx context.Context, rec *profile.Record) (*profile.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(); err != nil {
		return nil, false, err
	}

	if existing, ok := s.profiles[rec.ID]; ok {
		return &existing, false, nil
	}
	stored := *rec
	s.profiles[rec.ID] = stored
	return &stored, true, nil
}

// SetRole changes a principal's role. It is the out-of-band admin path.
func (s *Store) SetRole(ctx context.Context, id string, role authz.Role) error {
	if !role.Valid() {
		return authz.ErrInvalidRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(); err != nil {
		return err
	}

	rec, ok := s.profiles[id]
	if !ok {
		return profile.ErrNotFound
	}
	rec.Role = role
	rec.UpdatedAt = s.now().UTC()
	s.profiles[id] = rec
	return nil
}

// GetOwner implements content.Repository.
func (s *Store) GetOwner(ctx context.Context, ref content.Ref) (string, error) {
	if err := s.faultRead(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	owner, ok := s.ownerLocked(ref)
	if !ok {
		return "", content.ErrNotFound
	}
	return owner, nil
}

// GetPost implements content.Repository.
func (s *Store) GetPost(ctx context.Context, id string) (*content.Post, error) {
	if err := s.faultRead(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.posts[id]
	if !ok {
		return nil, content.ErrNotFound
	}
	return &p, nil
}

// GetComment implements content.Repository.
func (s *Store) GetComment(ctx context.Context, id string) (*content.Comment, error) {
	if err := s.faultRead(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.comments[id]
	if !ok {
		return nil, content.ErrNotFound
	}
	return &c, nil
}

// ListComments implements content.Repository. Comments are ordered by creation.
func (s *Store) ListComments(ctx context.Context, postID string) ([]*content.Comment, error) {
	if err := s.faultRead(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*content.Comment
	for _, c := range s.comments {
		if c.PostID == postID {
			c := c
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// GetSiteConfig implements content.Repository.
func (s *Store) GetSiteConfig(ctx context.Context) (*content.SiteConfig, error) {
	if err := s.faultRead(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.siteConfig == nil {
		return &content.SiteConfig{}, nil
	}
	cfg := *s.siteConfig
	return &cfg, nil
}

// ReadState implements storage.Store.
func (s *Store) ReadState(ctx context.Context, requesterID string, ref content.Ref) (storage.StoredState, error) {
	if err := s.faultRead(); err != nil {
		return storage.StoredState{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked(requesterID, ref), nil
}

// ApplyIfPermitted implements storage.Store.
func (s *Store) ApplyIfPermitted(ctx context.Context, requesterID string, w content.Write, check storage.CheckFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fault(); err != nil {
		return err
	}

	if err := check(s.stateLocked(requesterID, w.Ref)); err != nil {
		return err
	}
	return s.applyLocked(requesterID, w)
}

func (s *Store) stateLocked(requesterID string, ref content.Ref) storage.StoredState {
	var st storage.StoredState
	if requesterID != "" {
		if rec, ok := s.profiles[requesterID]; ok {
			st.ProfileFound = true
			st.Role = rec.Role
		}
	}
	if ref.Kind == authz.ResourceSiteConfig {
		st.ResourceExists = s.siteConfig != nil
		return st
	}
	st.OwnerID, st.ResourceExists = s.ownerLocked(ref)
	return st
}

func (s *Store) ownerLocked(ref content.Ref) (string, bool) {
	switch ref.Kind {
	case authz.ResourcePost:
		p, ok := s.posts[ref.ID]
		return p.OwnerID, ok
	case authz.ResourceComment:
		c, ok := s.comments[ref.ID]
		return c.OwnerID, ok
	default:
		return "", false
	}
}

func (s *Store) applyLocked(requesterID string, w content.Write) error {
	now := s.now().UTC()

	switch w.Ref.Kind {
	case authz.ResourcePost:
		switch w.Op {
		case authz.OperationCreate:
			if _, ok := s.posts[w.Ref.ID]; ok {
				return content.ErrConflict
			}
			p := *w.Post
			p.ID, p.CreatedAt, p.UpdatedAt = w.Ref.ID, now, now
			s.posts[p.ID] = p
		case authz.OperationUpdate:
			p, ok := s.posts[w.Ref.ID]
			if !ok {
				return content.ErrNotFound
			}
			// owner_id is never written after creation.
			p.Title, p.Body, p.UpdatedAt = w.Post.Title, w.Post.Body, now
			s.posts[p.ID] = p
		case authz.OperationDelete:
			if _, ok := s.posts[w.Ref.ID]; !ok {
				return content.ErrNotFound
			}
			delete(s.posts, w.Ref.ID)
			for id, c := range s.comments {
				if c.PostID == w.Ref.ID {
					delete(s.comments, id)
				}
			}
		default:
			return content.ErrInvalidWrite
		}

	case authz.ResourceComment:
		switch w.Op {
		case authz.OperationCreate:
			if _, ok := s.posts[w.Comment.PostID]; !ok {
				return content.ErrNotFound
			}
			if _, ok := s.comments[w.Ref.ID]; ok {
				return content.ErrConflict
			}
			c := *w.Comment
			c.ID, c.CreatedAt = w.Ref.ID, now
			s.comments[c.ID] = c
		case authz.OperationDelete:
			if _, ok := s.comments[w.Ref.ID]; !ok {
				return content.ErrNotFound
			}
			delete(s.comments, w.Ref.ID)
		default:
			return content.ErrInvalidWrite
		}

	case authz.ResourceSiteConfig:
		if w.Op != authz.OperationUpdate {
			return content.ErrInvalidWrite
		}
		cfg := *w.SiteConfig
		cfg.UpdatedBy, cfg.UpdatedAt = requesterID, now
		s.siteConfig = &cfg

	default:
		return content.ErrInvalidWrite
	}
	return nil
}
