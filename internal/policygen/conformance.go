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

package policygen

import (
	"errors"
	"fmt"

	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/policy"
)

// Principal ids used to stage ownership in conformance checks.
const (
	conformanceUID   = "principal-1"
	conformanceOther = "principal-2"
)

// Mismatch is one tuple on which the two evaluators disagree.
type Mismatch struct {
	Role             authz.Role
	Action           authz.Action
	Ownership        authz.Ownership
	PublicSiteConfig bool
	Client           bool
	Storage          bool
	Err              error
}

func (m Mismatch) String() string {
	role := m.Role.String()
	if role == "" {
		role = "unauthenticated"
	}
	s := fmt.Sprintf("%s/%s/%s public_site_config=%t: client=%t storage=%t",
		m.Action, role, m.Ownership, m.PublicSiteConfig, m.Client, m.Storage)
	if m.Err != nil {
		s += " (" + m.Err.Error() + ")"
	}
	return s
}

// Compare evaluates every (role, action, ownership) tuple, for both values of
// the public site config flag, with the rule table and with p.
func Compare(p *policy.Policy) []Mismatch {
	roles := append([]authz.Role{authz.RoleNone}, authz.Roles()...)
	ownerships := []authz.Ownership{authz.OwnershipOwner, authz.OwnershipNotOwner, authz.OwnershipUnknown}

	var out []Mismatch
	for _, public := range []bool{false, true} {
		eval := authz.NewEvaluator(authz.Options{PublicSiteConfig: public})
		for _, rule := range authz.Rules() {
			for _, role := range roles {
				for _, o := range ownerships {
					client := eval.Evaluate(role, rule.Action, o)
					res, err := p.Evaluate(rule.Resource, rule.Operation, TupleEnv(rule, role, o, public))
					if err != nil || client != res.Allowed {
						out = append(out, Mismatch{
							Role: role, Action: rule.Action, Ownership: o, PublicSiteConfig: public,
							Client: client, Storage: res.Allowed, Err: err,
						})
					}
				}
			}
		}
	}
	return out
}

// Check returns ErrPolicyMismatch listing every disagreement, or nil.
func Check(p *policy.Policy) error {
	mismatches := Compare(p)
	if len(mismatches) == 0 {
		return nil
	}
	errs := make([]error, 0, len(mismatches)+1)
	errs = append(errs, policy.ErrPolicyMismatch)
	for _, m := range mismatches {
		errs = append(errs, errors.New(m.String()))
	}
	return errors.Join(errs...)
}

// TupleEnv stages the storage view of a tuple: the requester is
// conformanceUID, an owned resource belongs to it or to someone else, and an
// unknown owner means the resource cannot be found. Writes that create claim
// the requester as owner; updates leave the owner untouched.
func TupleEnv(rule authz.Rule, role authz.Role, o authz.Ownership, publicSiteConfig bool) policy.Env {
	env := policy.Env{
		Authenticated:    role != authz.RoleNone,
		Role:             role.String(),
		PublicSiteConfig: publicSiteConfig,
	}
	if env.Authenticated {
		env.UID = conformanceUID
	}

	switch o {
	case authz.OwnershipOwner:
		env.ResourceExists, env.OwnerID = true, conformanceUID
	case authz.OwnershipNotOwner:
		env.ResourceExists, env.OwnerID = true, conformanceOther
	}

	if rule.Operation == authz.OperationCreate {
		env.IncomingOwnerID = env.UID
	}
	return env
}
