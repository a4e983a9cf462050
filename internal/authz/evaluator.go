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

// Options tune the deployment-dependent parts of the rule table.
type Options struct {
	// PublicSiteConfig lets unauthenticated principals read the site configuration.
	PublicSiteConfig bool
}

// Evaluator decides actions against the rule table.
// It holds no per-principal state and is safe for concurrent use.
type Evaluator struct {
	opts Options
}

// NewEvaluator creates a new evaluator
func NewEvaluator(opts Options) *Evaluator {
	return &Evaluator{opts: opts}
}

var defaultEvaluator = NewEvaluator(Options{})

// Evaluate decides an action with default options.
func Evaluate(role Role, action Action, ownership Ownership) bool {
	return defaultEvaluator.Evaluate(role, action, ownership)
}

// Evaluate reports whether role may perform action.
// ownership is only consulted for per-resource actions.
func (e *Evaluator) Evaluate(role Role, action Action, ownership Ownership) bool {
	return e.Decide(role, action, ownership).Allowed
}

// Decide evaluates an action and explains the outcome.
//
// For per-resource actions the "any" cell is checked first; if it denies, the
// "own" cell is checked together with ownership. Unknown ownership never
// satisfies either: an action on a resource whose owner cannot be determined
// is denied.
func (e *Evaluator) Decide(role Role, action Action, ownership Ownership) Decision {
	d := Decision{Action: action}

	rule, ok := RuleFor(action)
	if !ok {
		d.Reason = ReasonUnknownAction
		return d
	}

	if role == RoleNone {
		switch {
		case rule.Visibility == Public:
			d.Allowed, d.Reason = true, ReasonPublic
		case rule.Visibility == PublicIfConfigured && e.opts.PublicSiteConfig:
			d.Allowed, d.Reason = true, ReasonPublic
		default:
			d.Reason = ReasonUnauthenticated
		}
		return d
	}

	if !role.Valid() {
		d.Reason = ReasonInvalidRole
		return d
	}

	grant := rule.grants[role]

	if !rule.PerResource {
		if grant == Any {
			d.Allowed, d.Reason = true, ReasonGrantAny
		} else {
			d.Reason = ReasonRoleDenied
		}
		return d
	}

	if !ownership.Known() {
		d.Reason = ReasonOwnerUnknown
		return d
	}

	switch {
	case grant == Any:
		d.Allowed, d.Reason = true, ReasonGrantAny
	case grant == Own && ownership == OwnershipOwner:
		d.Allowed, d.Reason = true, ReasonGrantOwn
	case grant == Own:
		d.Reason = ReasonNotOwner
	default:
		d.Reason = ReasonRoleDenied
	}
	return d
}
