// Copyright 2025 Edgeo SCADA
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

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// connectWithRetry calls connect until it succeeds, ctx is done or
// maxElapsed has passed. Attempts are spaced by exponential backoff.
func connectWithRetry(ctx context.Context, name string, maxElapsed time.Duration, logger *slog.Logger, connect func() error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 15 * time.Second
	expBackoff.Reset()

	start := time.Now()
	for attempt := 1; ; attempt++ {
		err := connect()
		if err == nil {
			return nil
		}
		if maxElapsed <= 0 || time.Since(start) >= maxElapsed {
			return fmt.Errorf("connect %s after %d attempts: %w", name, attempt, err)
		}

		delay := expBackoff.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("connect %s: %w", name, err)
		}
		logger.Warn("hub transport connect failed, retrying",
			"transport", name,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
