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

package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/opentrusty/pressgate/internal/observability/logger"
)

// retry runs op until it succeeds, fails with anything other than
// ErrStoreUnavailable, or the retry budget runs out. It returns the number of
// attempts made.
func (g *Gateway) retry(ctx context.Context, op func() error) (int, error) {
	b := backoff.NewExponentialBackOff()
	if g.opts.RetryInitialInterval > 0 {
		b.InitialInterval = g.opts.RetryInitialInterval
	}
	if g.opts.RetryMaxElapsed > 0 {
		b.MaxElapsedTime = g.opts.RetryMaxElapsed
	}

	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			err := op()
			if err != nil && !errors.Is(err, ErrStoreUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(b, ctx),
		func(err error, wait time.Duration) {
			g.decisions.Retries.Add(ctx, 1)
			slog.WarnContext(ctx, "apply_retry", logger.Attempt(attempt), logger.Error(err), slog.Duration("wait", wait))
		},
	)

	// Cancelled while waiting between attempts.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if !errors.Is(err, ErrStoreUnavailable) {
			return attempt, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}
	return attempt, err
}
