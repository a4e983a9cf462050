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

package http

import (
	"context"

	"github.com/opentrusty/pressgate/internal/authn"
	"github.com/opentrusty/pressgate/internal/profile"
)

type contextKey string

const (
	principalKey contextKey = "principal"
	profileKey   contextKey = "profile"
)

// GetPrincipal retrieves the verified principal from context.
func GetPrincipal(ctx context.Context) (authn.Principal, bool) {
	p, ok := ctx.Value(principalKey).(authn.Principal)
	return p, ok
}

// GetPrincipalID retrieves the verified principal ID from context, or "".
func GetPrincipalID(ctx context.Context) string {
	p, _ := GetPrincipal(ctx)
	return p.ID
}

// GetProfile retrieves the profile resolved for the request, if any.
func GetProfile(ctx context.Context) *profile.Record {
	rec, _ := ctx.Value(profileKey).(*profile.Record)
	return rec
}

func withPrincipal(ctx context.Context, p authn.Principal, rec *profile.Record) context.Context {
	ctx = context.WithValue(ctx, principalKey, p)
	if rec != nil {
		ctx = context.WithValue(ctx, profileKey, rec)
	}
	return ctx
}
