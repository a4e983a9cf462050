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

// Command policygen writes the storage policy document generated from the
// rule table.
//
//	go run ./cmd/policygen                # rewrite internal/policy/storage_rules.yaml
//	go run ./cmd/policygen -check         # exit 1 if the embedded policy is stale
//	go run ./cmd/policygen -out -         # print to stdout
package main

import (
	"bytes"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/opentrusty/pressgate/internal/observability/logger"
	"github.com/opentrusty/pressgate/internal/policy"
	"github.com/opentrusty/pressgate/internal/policygen"
)

func main() {
	out := flag.String("out", "internal/policy/storage_rules.yaml", "output path, or - for stdout")
	check := flag.Bool("check", false, "verify the output file is up to date instead of writing it")
	flag.Parse()

	logger.InitLogger(logger.Config{Level: "info", Format: "text", ServiceName: "policygen", Output: os.Stderr})

	if err := run(*out, *check); err != nil {
		slog.Error("policygen_failed", logger.Error(err))
		os.Exit(1)
	}
}

func run(out string, check bool) error {
	data, err := policygen.Marshal()
	if err != nil {
		return err
	}

	p, err := policy.Parse(data)
	if err != nil {
		return fmt.Errorf("generated policy does not compile: %w", err)
	}
	if err := policygen.Check(p); err != nil {
		return err
	}

	if out == "-" {
		_, err := os.Stdout.Write(data)
		return err
	}

	if check {
		current, err := os.ReadFile(out)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", out, err)
		}
		if !bytes.Equal(current, data) {
			return fmt.Errorf("%s is stale: run go run ./cmd/policygen", out)
		}
		slog.Info("policy_up_to_date", logger.Path(out))
		return nil
	}

	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}
	slog.Info("policy_written", logger.Path(out), slog.Int("rules", len(p.Document().Rules)))
	return nil
}
