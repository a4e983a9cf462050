package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opentrusty/pressgate/internal/authn"
	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/content"
	"github.com/opentrusty/pressgate/internal/observability/logger"
)

type postRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type commentRequest struct {
	Body string `json:"body"`
}

type siteConfigRequest struct {
	Title   string `json:"title"`
	Tagline string `json:"tagline"`
}

type profileResponse struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Email       string    `json:"email"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

type affordancesResponse struct {
	State     string          `json:"state"`
	Role      string          `json:"role"`
	Ownership string          `json:"ownership"`
	Pending   bool            `json:"pending"`
	Degraded  bool            `json:"degraded"`
	Notice    string          `json:"notice,omitempty"`
	Actions   map[string]bool `json:"actions"`
}

// GetMe returns the caller's profile, creating it on first sign-in.
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	rec := GetProfile(r.Context())
	if rec == nil {
		p, _ := GetPrincipal(r.Context())
		var err error
		if rec, err = h.profiles.ResolveOrCreate(r.Context(), p); err != nil {
			respondDomainError(w, r, 0, err)
			return
		}
	}

	respondJSON(w, http.StatusOK, profileResponse{
		ID:          rec.ID,
		DisplayName: rec.DisplayName,
		Email:       rec.Email,
		Role:        rec.Role.String(),
		CreatedAt:   rec.CreatedAt,
	})
}

// GetPost returns a post with its comments.
func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "postID")
	ref := content.Ref{Kind: authz.ResourcePost, ID: id}
	if err := h.gateway.CheckRead(r.Context(), GetPrincipalID(r.Context()), ref); err != nil {
		respondDomainError(w, r, authz.ActionReadPost, err)
		return
	}

	view, err := h.content.GetPost(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, authz.ActionReadPost, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// CreatePost creates a post owned by the caller.
func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	write := content.CreatePost(GetPrincipalID(r.Context()), req.Title, req.Body)
	if !h.apply(w, r, authz.ActionCreatePost, write) {
		return
	}
	h.respondPost(w, r, http.StatusCreated, write.Ref.ID, write.Post)
}

// UpdatePost replaces a post's title and body. The owner never changes.
func (h *Handler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	var req postRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	write := content.UpdatePost(chi.URLParam(r, "postID"), req.Title, req.Body)
	if !h.apply(w, r, authz.ActionEditPost, write) {
		return
	}
	h.respondPost(w, r, http.StatusOK, write.Ref.ID, write.Post)
}

// DeletePost deletes a post and its comments.
func (h *Handler) DeletePost(w http.ResponseWriter, r *http.Request) {
	if h.apply(w, r, authz.ActionDeletePost, content.DeletePost(chi.URLParam(r, "postID"))) {
		w.WriteHeader(http.StatusNoContent)
	}
}

// CreateComment adds a comment owned by the caller to a post.
func (h *Handler) CreateComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	write := content.CreateComment(chi.URLParam(r, "postID"), GetPrincipalID(r.Context()), req.Body)
	if !h.apply(w, r, authz.ActionCreateComment, write) {
		return
	}

	comment, err := h.content.Comment(r.Context(), write.Ref.ID)
	if err != nil {
		slog.WarnContext(r.Context(), "read_back_failed", logger.Resource(string(write.Ref.Kind), write.Ref.ID), logger.Error(err))
		comment = write.Comment
	}
	respondJSON(w, http.StatusCreated, comment)
}

// DeleteComment removes a comment.
func (h *Handler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	if h.apply(w, r, authz.ActionModerateComment, content.DeleteComment(chi.URLParam(r, "commentID"))) {
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetSiteConfig returns the site configuration.
func (h *Handler) GetSiteConfig(w http.ResponseWriter, r *http.Request) {
	ref := content.Ref{Kind: authz.ResourceSiteConfig, ID: content.SiteConfigID}
	if err := h.gateway.CheckRead(r.Context(), GetPrincipalID(r.Context()), ref); err != nil {
		respondDomainError(w, r, authz.ActionReadSiteConfig, err)
		return
	}

	cfg, err := h.content.SiteConfig(r.Context())
	if err != nil {
		respondDomainError(w, r, authz.ActionReadSiteConfig, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// UpdateSiteConfig replaces the site configuration.
func (h *Handler) UpdateSiteConfig(w http.ResponseWriter, r *http.Request) {
	var req siteConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	write := content.UpdateSiteConfig(content.SiteConfig{Title: req.Title, Tagline: req.Tagline})
	if !h.apply(w, r, authz.ActionWriteSiteConfig, write) {
		return
	}

	cfg, err := h.content.SiteConfig(r.Context())
	if err != nil {
		respondDomainError(w, r, authz.ActionReadSiteConfig, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

// GetAffordances returns the actions a client may offer the caller on a
// post. It is advisory; writes are still decided by the storage tier.
func (h *Handler) GetAffordances(w http.ResponseWriter, r *http.Request) {
	var principal *authn.Principal
	if p, ok := GetPrincipal(r.Context()); ok {
		principal = &p
	}

	ref := content.Ref{Kind: authz.ResourcePost, ID: chi.URLParam(r, "postID")}
	aff, err := h.guard.Affordances(r.Context(), principal, ref)
	if err != nil {
		respondDomainError(w, r, authz.ActionReadPost, err)
		return
	}

	resp := affordancesResponse{
		State:     aff.State.String(),
		Role:      aff.Role.String(),
		Ownership: aff.Ownership.String(),
		Pending:   aff.Pending,
		Degraded:  aff.Degraded,
		Notice:    aff.Notice(),
		Actions:   make(map[string]bool, len(aff.Allowed)),
	}
	for action, allowed := range aff.Allowed {
		resp.Actions[action.String()] = allowed
	}
	respondJSON(w, http.StatusOK, resp)
}

// apply sends write through the storage gateway and answers the request on
// failure. It reports whether the write was applied.
func (h *Handler) apply(w http.ResponseWriter, r *http.Request, action authz.Action, write content.Write) bool {
	if err := h.gateway.ApplyWithRetry(r.Context(), GetPrincipalID(r.Context()), write); err != nil {
		respondDomainError(w, r, action, err)
		return false
	}
	return true
}

func (h *Handler) respondPost(w http.ResponseWriter, r *http.Request, status int, id string, fallback *content.Post) {
	post, err := h.readPost(r.Context(), id)
	if err != nil {
		slog.WarnContext(r.Context(), "read_back_failed", logger.Resource(string(authz.ResourcePost), id), logger.Error(err))
		post = fallback
	}
	respondJSON(w, status, post)
}

func (h *Handler) readPost(ctx context.Context, id string) (*content.Post, error) {
	view, err := h.content.GetPost(ctx, id)
	if err != nil {
		return nil, err
	}
	return view.Post, nil
}
