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

// -----------------------------------------------------------------------------
// Role Model
// The closed set of privilege tiers. Privilege is defined per action in the
// rule table (rules.go); there is deliberately no ordering between roles.
// Adding a role requires a new column in every row of the rule table.
// -----------------------------------------------------------------------------

// Role is one of the five privilege tiers.
// The zero value, RoleNone, stands for a principal without a role
// (unauthenticated) and is granted only public actions.
type Role uint8

const (
	// RoleNone is the unauthenticated principal.
	RoleNone Role = iota

	// RoleAdmin may do everything, including writing the site configuration.
	RoleAdmin

	// RoleEditor manages every post and moderates comments.
	RoleEditor

	// RoleAuthor creates posts and manages its own.
	RoleAuthor

	// RoleContributor manages its own posts but cannot create new ones.
	RoleContributor

	// RoleSubscriber reads and comments.
	RoleSubscriber

	roleCount
)

// Canonical role names as stored in profile records.
const (
	RoleNameAdmin       = "admin"
	RoleNameEditor      = "editor"
	RoleNameAuthor      = "author"
	RoleNameContributor = "contributor"
	RoleNameSubscriber  = "subscriber"
)

var roleNames = [roleCount]string{
	RoleNone:        "",
	RoleAdmin:       RoleNameAdmin,
	RoleEditor:      RoleNameEditor,
	RoleAuthor:      RoleNameAuthor,
	RoleContributor: RoleNameContributor,
	RoleSubscriber:  RoleNameSubscriber,
}

// DefaultRole is assigned to a profile created on first sign-in.
const DefaultRole = RoleSubscriber

// Roles returns the closed role set in table column order.
func Roles() []Role {
	return []Role{RoleAdmin, RoleEditor, RoleAuthor, RoleContributor, RoleSubscriber}
}

// String returns the stored name of the role, or "" for RoleNone.
func (r Role) String() string {
	if r >= roleCount {
		return fmt.Sprintf("role(%d)", uint8(r))
	}
	return roleNames[r]
}

// Valid reports whether r is one of the five assignable roles.
func (r Role) Valid() bool {
	return r > RoleNone && r < roleCount
}

// ParseRole maps a stored role name to a Role.
func ParseRole(name string) (Role, error) {
	for r := RoleAdmin; r < roleCount; r++ {
		if roleNames[r] == name {
			return r, nil
		}
	}
	return RoleNone, fmt.Errorf("%w: %q", ErrInvalidRole, name)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*r = RoleNone
		return nil
	}
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
