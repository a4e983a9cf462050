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

// Package policygen renders the storage policy document from the rule table
// so the two enforcement points cannot drift apart.
package policygen

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/opentrusty/pressgate/internal/authz"
	"github.com/opentrusty/pressgate/internal/policy"
)

// Header is written above the generated YAML.
const Header = "# Code generated by cmd/policygen from internal/authz/rules.go. DO NOT EDIT.\n"

// Render builds the policy document for the current rule table.
func Render() *policy.Document {
	doc := &policy.Document{
		Version:   policy.DocumentVersion,
		Variables: policy.Variables(),
	}
	for _, r := range authz.Rules() {
		doc.Rules = append(doc.Rules, policy.RuleSpec{
			Name:      r.Name,
			Resource:  string(r.Resource),
			Operation: string(r.Operation),
			Allow:     Expression(r),
		})
	}
	return doc
}

// Marshal renders the document as YAML with the generated-code header.
func Marshal() ([]byte, error) {
	body, err := Render().Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString(Header)
	buf.Write(body)
	return buf.Bytes(), nil
}

// Expression is the allow expression for one rule.
func Expression(r authz.Rule) string {
	if r.Visibility == authz.Public {
		return "true"
	}

	cond := condition(r)
	if r.Resource.Owned() {
		switch r.Operation {
		case authz.OperationCreate:
			cond += " && " + policy.VarIncomingOwnerID + " == " + policy.VarUID
		case authz.OperationUpdate:
			cond += " && " + policy.VarIncomingOwnerID + ` in ["", ` + policy.VarOwnerID + "]"
		}
	}

	if r.Visibility == authz.PublicIfConfigured {
		return policy.VarPublicSiteConfig + " || (" + policy.VarAuthenticated + " && " + cond + ")"
	}
	return policy.VarAuthenticated + " && " + cond
}

func condition(r authz.Rule) string {
	anyRoles := r.RolesWith(authz.Any)
	if !r.PerResource {
		if len(anyRoles) == 0 {
			return "false"
		}
		return roleIn(anyRoles)
	}

	var parts []string
	if len(anyRoles) > 0 {
		parts = append(parts, roleIn(anyRoles))
	}
	if own := r.RolesWith(authz.Own); len(own) > 0 {
		parts = append(parts, "("+roleIn(own)+" && "+policy.VarOwnerID+" == "+policy.VarUID+")")
	}

	var grant string
	switch len(parts) {
	case 0:
		grant = "false"
	case 1:
		grant = parts[0]
	default:
		grant = "(" + strings.Join(parts, " || ") + ")"
	}

	return policy.VarResourceExists + " && " + policy.VarOwnerID + ` != "" && ` + grant
}

func roleIn(roles []authz.Role) string {
	quoted := make([]string, len(roles))
	for i, r := range roles {
		quoted[i] = fmt.Sprintf("%q", r.String())
	}
	return policy.VarRole + " in [" + strings.Join(quoted, ", ") + "]"
}
