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
package policy

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// DocumentVersion is the only policy document version understood here.
const DocumentVersion = 1

// Variable names available to allow expressions.
const (
	VarAuthenticated    = "authenticated"
	VarUID              = "uid"
	VarRole             = "role"
	VarResourceExists   = "resource_exists"
	VarOwnerID          = "owner_id"
	VarIncomingOwnerID  = "incoming_owner_id"
	VarPublicSiteConfig = "public_site_config"
)

// Variables lists the expression variables in document order.
func Variables() []string {
	return []string{
		VarAuthenticated,
		VarUID,
		VarRole,
		VarResourceExists,
		VarOwnerID,
		VarIncomingOwnerID,
		VarPublicSiteConfig,
	}
}

// Document is the declarative storage policy.
type Document struct {
	Version   int        `yaml:"version"`
	Variables []string   `yaml:"variables"`
	Rules     []RuleSpec `yaml:"rules"`
}

// RuleSpec is one rule: the allow expression guarding an operation on a
// resource kind.
type RuleSpec struct {
	Name      string `yaml:"name"`
	Resource  string `yaml:"resource"`
	Operation string `yaml:"operation"`
	Allow     string `yaml:"allow"`
}

// ParseDocument decodes a YAML policy document.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	return &doc, nil
}

// Marshal encodes the document as YAML.
func (d *Document) Marshal() ([]byte, error) {
	return yaml.Marshal(d)
}
