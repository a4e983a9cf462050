package content

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opentrusty/pressgate/internal/authz"
)

// Domain errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidWrite = errors.New("invalid write")
	ErrConflict     = errors.New("resource already exists")
)

// SiteConfigID is the id of the singleton site configuration.
const SiteConfigID = "site"

// Post is an article. OwnerID is set on creation and never changes.
type Post struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Comment belongs to a post. OwnerID is set on creation and never changes.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	OwnerID   string    `json:"owner_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// SiteConfig is the owner-less singleton site configuration.
type SiteConfig struct {
	Title     string    `json:"title"`
	Tagline   string    `json:"tagline"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ref identifies a stored resource.
type Ref struct {
	Kind authz.Resource
	ID   string
}

func (r Ref) String() string {
	return string(r.Kind) + "/" + r.ID
}

// NewID returns a time-ordered resource id.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Write is a single mutation submitted to the storage tier. Exactly one
// payload matching Ref.Kind is set, except for deletes which carry none.
type Write struct {
	Op  authz.Operation
	Ref Ref

	Post       *Post
	Comment    *Comment
	SiteConfig *SiteConfig
}

// IncomingOwnerID is the owner id the write claims. Empty for deletes and
// for updates that leave the owner untouched.
func (w Write) IncomingOwnerID() string {
	switch {
	case w.Post != nil:
		return w.Post.OwnerID
	case w.Comment != nil:
		return w.Comment.OwnerID
	default:
		return ""
	}
}

// Validate checks the shape of the write. It says nothing about permission.
func (w Write) Validate() error {
	if w.Ref.ID == "" {
		return fmt.Errorf("%w: missing resource id", ErrInvalidWrite)
	}
	if _, ok := authz.ActionFor(w.Ref.Kind, w.Op); !ok || w.Op == authz.OperationRead {
		return fmt.Errorf("%w: %s is not a writable operation on %s", ErrInvalidWrite, w.Op, w.Ref.Kind)
	}

	if w.Op == authz.OperationDelete {
		if w.Post != nil || w.Comment != nil || w.SiteConfig != nil {
			return fmt.Errorf("%w: delete carries no payload", ErrInvalidWrite)
		}
		return nil
	}

	switch w.Ref.Kind {
	case authz.ResourcePost:
		if w.Post == nil || w.Comment != nil || w.SiteConfig != nil {
			return fmt.Errorf("%w: post payload required", ErrInvalidWrite)
		}
		if strings.TrimSpace(w.Post.Title) == "" {
			return fmt.Errorf("%w: post title is required", ErrInvalidWrite)
		}
	case authz.ResourceComment:
		if w.Comment == nil || w.Post != nil || w.SiteConfig != nil {
			return fmt.Errorf("%w: comment payload required", ErrInvalidWrite)
		}
		if w.Comment.PostID == "" || strings.TrimSpace(w.Comment.Body) == "" {
			return fmt.Errorf("%w: comment needs a post and a body", ErrInvalidWrite)
		}
	case authz.ResourceSiteConfig:
		if w.SiteConfig == nil || w.Post != nil || w.Comment != nil {
			return fmt.Errorf("%w: site config payload required", ErrInvalidWrite)
		}
		if w.Ref.ID != SiteConfigID {
			return fmt.Errorf("%w: site config id must be %q", ErrInvalidWrite, SiteConfigID)
		}
	}
	return nil
}

// CreatePost builds the write for a new post owned by ownerID.
func CreatePost(ownerID, title, body string) Write {
	id := NewID()
	return Write{
		Op:   authz.OperationCreate,
		Ref:  Ref{Kind: authz.ResourcePost, ID: id},
		Post: &Post{ID: id, OwnerID: ownerID, Title: title, Body: body},
	}
}

// UpdatePost builds the write replacing title and body of post id.
func UpdatePost(id, title, body string) Write {
	return Write{
		Op:   authz.OperationUpdate,
		Ref:  Ref{Kind: authz.ResourcePost, ID: id},
		Post: &Post{ID: id, Title: title, Body: body},
	}
}

// DeletePost builds the write removing post id.
func DeletePost(id string) Write {
	return Write{Op: authz.OperationDelete, Ref: Ref{Kind: authz.ResourcePost, ID: id}}
}

// CreateComment builds the write for a new comment on postID.
func CreateComment(postID, ownerID, body string) Write {
	id := NewID()
	return Write{
		Op:      authz.OperationCreate,
		Ref:     Ref{Kind: authz.ResourceComment, ID: id},
		Comment: &Comment{ID: id, PostID: postID, OwnerID: ownerID, Body: body},
	}
}

// DeleteComment builds the moderation write removing comment id.
func DeleteComment(id string) Write {
	return Write{Op: authz.OperationDelete, Ref: Ref{Kind: authz.ResourceComment, ID: id}}
}

// UpdateSiteConfig builds the write replacing the site configuration.
func UpdateSiteConfig(cfg SiteConfig) Write {
	return Write{
		Op:         authz.OperationUpdate,
		Ref:        Ref{Kind: authz.ResourceSiteConfig, ID: SiteConfigID},
		SiteConfig: &cfg,
	}
}

// Repository defines the read side of the document store.
type Repository interface {
	// GetOwner returns the stored owner of an owned resource, or ErrNotFound.
	GetOwner(ctx context.Context, ref Ref) (string, error)

	GetPost(ctx context.Context, id string) (*Post, error)
	GetComment(ctx context.Context, id string) (*Comment, error)
	ListComments(ctx context.Context, postID string) ([]*Comment, error)

	// GetSiteConfig returns the site configuration; a zero value when unset.
	GetSiteConfig(ctx context.Context) (*SiteConfig, error)
}
