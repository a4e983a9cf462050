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
// Package policy evaluates the declarative storage policy. The storage tier
// runs it against state it reads itself; nothing in a request is trusted.
package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/opentrusty/pressgate/internal/authz"
)

// Domain errors
var (
	ErrInvalidPolicy  = errors.New("invalid policy document")
	ErrUnknownRule    = errors.New("no policy rule for operation")
	ErrPolicyMismatch = errors.New("storage policy disagrees with rule table")
)

//go:embed storage_rules.yaml
var embedded []byte

// Embedded returns the policy document compiled into the binary.
func Embedded() []byte {
	return append([]byte(nil), embedded...)
}

// Env is the state an allow expression sees. It is built by the storage
// tier from its own lookups.
type Env struct {
	Authenticated    bool
	UID              string
	Role             string
	ResourceExists   bool
	OwnerID          string
	IncomingOwnerID  string
	PublicSiteConfig bool
}

// Vars returns the expression variables.
func (e Env) Vars() map[string]any {
	return map[string]any{
		VarAuthenticated:    e.Authenticated,
		VarUID:              e.UID,
		VarRole:             e.Role,
		VarResourceExists:   e.ResourceExists,
		VarOwnerID:          e.OwnerID,
		VarIncomingOwnerID:  e.IncomingOwnerID,
		VarPublicSiteConfig: e.PublicSiteConfig,
	}
}

type ruleKey struct {
	resource  authz.Resource
	operation authz.Operation
}

type compiledRule struct {
	spec    RuleSpec
	program *vm.Program
}

// Policy is a compiled policy document. It is immutable and safe for
// concurrent use.
type Policy struct {
	doc   Document
	rules map[ruleKey]*compiledRule
}

// Result is the outcome of one policy evaluation.
type Result struct {
	Rule    string
	Allowed bool
}

// New compiles doc.
func New(doc *Document) (*Policy, error) {
	if doc.Version != DocumentVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidPolicy, doc.Version)
	}

	p := &Policy{doc: *doc, rules: make(map[ruleKey]*compiledRule, len(doc.Rules))}
	names := make(map[string]bool, len(doc.Rules))
	env := Env{}.Vars()

	for _, spec := range doc.Rules {
		if spec.Name == "" || spec.Allow == "" {
			return nil, fmt.Errorf("%w: rule %q is incomplete", ErrInvalidPolicy, spec.Name)
		}
		if names[spec.Name] {
			return nil, fmt.Errorf("%w: duplicate rule %q", ErrInvalidPolicy, spec.Name)
		}
		names[spec.Name] = true

		key := ruleKey{resource: authz.Resource(spec.Resource), operation: authz.Operation(spec.Operation)}
		if _, dup := p.rules[key]; dup {
			return nil, fmt.Errorf("%w: two rules for %s/%s", ErrInvalidPolicy, spec.Resource, spec.Operation)
		}

		program, err := expr.Compile(spec.Allow, expr.Env(env), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("%w: rule %q: %w", ErrInvalidPolicy, spec.Name, err)
		}
		p.rules[key] = &compiledRule{spec: spec, program: program}
	}

	return p, nil
}

// Parse decodes and compiles a YAML policy document.
func Parse(data []byte) (*Policy, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return New(doc)
}

// Load compiles the document at path, or the embedded document when path
// is empty.
func Load(path string) (*Policy, error) {
	if path == "" {
		return Parse(embedded)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return Parse(data)
}

// Document returns the source document.
func (p *Policy) Document() Document {
	doc := p.doc
	doc.Rules = append([]RuleSpec(nil), p.doc.Rules...)
	return doc
}

// Evaluate runs the rule guarding op on resource. An operation without a
// rule is denied with ErrUnknownRule.
func (p *Policy) Evaluate(resource authz.Resource, op authz.Operation, env Env) (Result, error) {
	rule, ok := p.rules[ruleKey{resource: resource, operation: op}]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s/%s", ErrUnknownRule, resource, op)
	}

	out, err := expr.Run(rule.program, env.Vars())
	if err != nil {
		return Result{Rule: rule.spec.Name}, fmt.Errorf("policy rule %q: %w", rule.spec.Name, err)
	}
	allowed, ok := out.(bool)
	if !ok {
		return Result{Rule: rule.spec.Name}, fmt.Errorf("policy rule %q returned %T", rule.spec.Name, out)
	}
	return Result{Rule: rule.spec.Name, Allowed: allowed}, nil
}
