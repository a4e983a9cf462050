package authz

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	ErrAccessDenied    = errors.New("access denied")
	ErrUnauthenticated = errors.New("authentication required")
	ErrInvalidRole     = errors.New("invalid role")
	ErrInvalidAction   = errors.New("invalid action")
)

// Resource names the kind of document an action targets.
type Resource string

const (
	ResourcePost       Resource = "post"
	ResourceComment    Resource = "comment"
	ResourceSiteConfig Resource = "site_config"
)

// Owned reports whether documents of this kind carry an immutable owner.
// SiteConfig is an owner-less singleton.
func (r Resource) Owned() bool {
	return r == ResourcePost || r == ResourceComment
}

// Operation is the storage-level verb an action maps to.
type Operation string

const (
	OperationRead   Operation = "read"
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// Ownership is the tri-state fact "is the acting principal the resource's owner".
// The zero value is OwnershipUnknown: absence of proof is never ownership.
type Ownership uint8

const (
	OwnershipUnknown Ownership = iota
	OwnershipOwner
	OwnershipNotOwner
)

// OwnershipOf compares a principal against a stored owner id.
// An empty owner id (resource missing or owner undeterminable) yields OwnershipUnknown.
func OwnershipOf(principalID, ownerID string) Ownership {
	if ownerID == "" {
		return OwnershipUnknown
	}
	if principalID != "" && principalID == ownerID {
		return OwnershipOwner
	}
	return OwnershipNotOwner
}

// Known reports whether ownership has been established either way.
func (o Ownership) Known() bool {
	return o == OwnershipOwner || o == OwnershipNotOwner
}

func (o Ownership) String() string {
	switch o {
	case OwnershipOwner:
		return "owner"
	case OwnershipNotOwner:
		return "not_owner"
	default:
		return "unknown"
	}
}

// Decision is the outcome of a single evaluation.
// Decisions are derived per request and never stored.
type Decision struct {
	Action  Action
	Allowed bool
	Reason  string
}

// Err returns nil for an allowed decision and a wrapped sentinel otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason == ReasonUnauthenticated {
		return fmt.Errorf("%w: %s", ErrUnauthenticated, d.Action)
	}
	return fmt.Errorf("%w: %s (%s)", ErrAccessDenied, d.Action, d.Reason)
}

// Message is the user-facing explanation of a denial, or "" when allowed.
func (d Decision) Message() string {
	if d.Allowed {
		return ""
	}
	phrase := "do that"
	if r, ok := RuleFor(d.Action); ok {
		phrase = r.Phrase
	}
	switch d.Reason {
	case ReasonUnauthenticated:
		return fmt.Sprintf("Sign in to %s.", phrase)
	case ReasonNotOwner:
		return fmt.Sprintf("You can only %s if you wrote it.", phrase)
	case ReasonOwnerUnknown:
		return fmt.Sprintf("You cannot %s right now: the content could not be found or is still loading.", phrase)
	default:
		return fmt.Sprintf("Your role does not allow you to %s.", phrase)
	}
}

// Decision reasons
const (
	ReasonPublic          = "public"
	ReasonGrantAny        = "role_grants_any"
	ReasonGrantOwn        = "role_grants_own"
	ReasonUnauthenticated = "unauthenticated"
	ReasonRoleDenied      = "role_denied"
	ReasonNotOwner        = "not_owner"
	ReasonOwnerUnknown    = "owner_unknown"
	ReasonUnknownAction   = "unknown_action"
	ReasonInvalidRole     = "invalid_role"
)
