package content

import (
	"context"
	"fmt"
)

// PostView is a post with its comments.
type PostView struct {
	Post     *Post      `json:"post"`
	Comments []*Comment `json:"comments"`
}

// Service provides content reads. Writes go through the storage gateway.
type Service struct {
	repo Repository
}

// NewService creates a new content service
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// GetPost returns a post with its comments.
func (s *Service) GetPost(ctx context.Context, id string) (*PostView, error) {
	post, err := s.repo.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	comments, err := s.repo.ListComments(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	if comments == nil {
		comments = []*Comment{}
	}
	return &PostView{Post: post, Comments: comments}, nil
}

// Owner returns the stored owner of ref.
func (s *Service) Owner(ctx context.Context, ref Ref) (string, error) {
	return s.repo.GetOwner(ctx, ref)
}

// SiteConfig returns the site configuration.
func (s *Service) SiteConfig(ctx context.Context) (*SiteConfig, error) {
	return s.repo.GetSiteConfig(ctx)
}

// Comment returns a single comment.
func (s *Service) Comment(ctx context.Context, id string) (*Comment, error) {
	return s.repo.GetComment(ctx, id)
}
