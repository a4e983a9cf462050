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

package authz

import "fmt"

// Action is a permission-checked operation. Zero is not a valid action.
type Action uint8

const (
	ActionReadPost Action = iota + 1
	ActionCreatePost
	ActionEditPost
	ActionDeletePost
	ActionCreateComment
	ActionModerateComment
	ActionReadSiteConfig
	ActionWriteSiteConfig

	actionCount
)

// Grant is one cell of the rule table.
type Grant uint8

const (
	// Deny refuses the action.
	Deny Grant = iota
	// Own allows the action only on resources the principal owns.
	Own
	// Any allows the action on every resource.
	Any
)

func (g Grant) String() string {
	switch g {
	case Own:
		return "own"
	case Any:
		return "any"
	default:
		return "deny"
	}
}

// Visibility controls what an unauthenticated principal may do.
type Visibility uint8

const (
	// Private actions require an authenticated principal.
	Private Visibility = iota
	// Public actions are allowed to everyone.
	Public
	// PublicIfConfigured actions are public only when the deployment opts in
	// (reading the site configuration).
	PublicIfConfigured
)

// Rule is one row of the rule table.
type Rule struct {
	Action     Action
	Name       string
	Resource   Resource
	Operation  Operation
	Visibility Visibility

	// Phrase completes "You cannot ..." in user-facing messages.
	Phrase string

	// PerResource rules take ownership into account: "any" OR ("own" AND owner).
	PerResource bool

	grants [roleCount]Grant
}

// Grant returns the cell for role r.
func (r Rule) Grant(role Role) Grant {
	if !role.Valid() {
		return Deny
	}
	return r.grants[role]
}

// RolesWith returns the roles whose cell equals g, in table column order.
func (r Rule) RolesWith(g Grant) []Role {
	var roles []Role
	for _, role := range Roles() {
		if r.grants[role] == g {
			roles = append(roles, role)
		}
	}
	return roles
}

// cells builds a row. Every role is a positional parameter so a row that
// omits a role does not compile.
func cells(admin, editor, author, contributor, subscriber Grant) [roleCount]Grant {
	return [roleCount]Grant{
		RoleAdmin:       admin,
		RoleEditor:      editor,
		RoleAuthor:      author,
		RoleContributor: contributor,
		RoleSubscriber:  subscriber,
	}
}

// rules is the single source of truth for both enforcement points.
// The storage policy (internal/policy/storage_rules.yaml) is generated from it.
var rules = [actionCount]Rule{
	ActionReadPost: {
		Action: ActionReadPost, Name: "read_post",
		Phrase: "read this post",
		Resource: ResourcePost, Operation: OperationRead,
		Visibility: Public,
		grants:     cells(Any, Any, Any, Any, Any),
	},
	ActionCreatePost: {
		Action: ActionCreatePost, Name: "create_post",
		Phrase: "create posts",
		Resource: ResourcePost, Operation: OperationCreate,
		grants: cells(Any, Any, Any, Deny, Deny),
	},
	ActionEditPost: {
		Action: ActionEditPost, Name: "edit_post",
		Phrase: "edit this post",
		Resource: ResourcePost, Operation: OperationUpdate,
		PerResource: true,
		grants:      cells(Any, Any, Own, Own, Deny),
	},
	ActionDeletePost: {
		Action: ActionDeletePost, Name: "delete_post",
		Phrase: "delete this post",
		Resource: ResourcePost, Operation: OperationDelete,
		PerResource: true,
		grants:      cells(Any, Any, Own, Own, Deny),
	},
	ActionCreateComment: {
		Action: ActionCreateComment, Name: "create_comment",
		Phrase: "comment",
		Resource: ResourceComment, Operation: OperationCreate,
		grants: cells(Any, Any, Any, Any, Any),
	},
	ActionModerateComment: {
		Action: ActionModerateComment, Name: "moderate_comment",
		Phrase: "delete this comment",
		Resource: ResourceComment, Operation: OperationDelete,
		PerResource: true,
		grants:      cells(Any, Any, Deny, Deny, Deny),
	},
	ActionReadSiteConfig: {
		Action: ActionReadSiteConfig, Name: "read_site_config",
		Phrase: "view the site settings",
		Resource: ResourceSiteConfig, Operation: OperationRead,
		Visibility: PublicIfConfigured,
		grants:     cells(Any, Any, Any, Any, Any),
	},
	ActionWriteSiteConfig: {
		Action: ActionWriteSiteConfig, Name: "write_site_config",
		Phrase: "change the site settings",
		Resource: ResourceSiteConfig, Operation: OperationUpdate,
		grants: cells(Any, Deny, Deny, Deny, Deny),
	},
}

func init() {
	if err := validateRules(&rules); err != nil {
		panic(err)
	}
}

// validateRules catches a missing row (zero Rule) and cells that make no
// sense for the row's kind.
func validateRules(table *[actionCount]Rule) error {
	seen := make(map[string]bool)
	for a := ActionReadPost; a < actionCount; a++ {
		r := table[a]
		if r.Action != a {
			return fmt.Errorf("authz: rule table has no row for action %d", a)
		}
		if r.Name == "" || r.Phrase == "" || r.Resource == "" || r.Operation == "" {
			return fmt.Errorf("authz: rule %d is incomplete", a)
		}
		if seen[r.Name] {
			return fmt.Errorf("authz: duplicate rule name %q", r.Name)
		}
		seen[r.Name] = true
		if r.PerResource && !r.Resource.Owned() {
			return fmt.Errorf("authz: rule %q is per-resource on owner-less %s", r.Name, r.Resource)
		}
		for _, role := range Roles() {
			if !r.PerResource && r.grants[role] == Own {
				return fmt.Errorf("authz: rule %q grants own to %s without per-resource scope", r.Name, role)
			}
		}
	}
	return nil
}

// Rules returns a copy of the rule table in action order.
func Rules() []Rule {
	out := make([]Rule, 0, actionCount-1)
	for a := ActionReadPost; a < actionCount; a++ {
		out = append(out, rules[a])
	}
	return out
}

// Actions returns every action in table order.
func Actions() []Action {
	out := make([]Action, 0, actionCount-1)
	for a := ActionReadPost; a < actionCount; a++ {
		out = append(out, a)
	}
	return out
}

// RuleFor returns the row for action a.
func RuleFor(a Action) (Rule, bool) {
	if a < ActionReadPost || a >= actionCount {
		return Rule{}, false
	}
	return rules[a], true
}

// ActionFor maps a storage operation on a resource kind to its action.
func ActionFor(resource Resource, op Operation) (Action, bool) {
	for a := ActionReadPost; a < actionCount; a++ {
		if rules[a].Resource == resource && rules[a].Operation == op {
			return a, true
		}
	}
	return 0, false
}

// String returns the rule name of the action.
func (a Action) String() string {
	if r, ok := RuleFor(a); ok {
		return r.Name
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// ParseAction maps a rule name to its action.
func ParseAction(name string) (Action, error) {
	for a := ActionReadPost; a < actionCount; a++ {
		if rules[a].Name == name {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidAction, name)
}
