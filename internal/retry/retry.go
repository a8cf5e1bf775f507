// Copyright 2024 The Peeko Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package retry implements the exponential backoff policy used by the HTTP
// transport (spec §4.B): base 250ms, factor 2, cap 4s, at most 3 retries.
//
// Grounded on the retry shape exercised by the teacher's
// pkg/v1/remote/transport/retry_test.go (retry on 5xx/connection reset, not
// on 4xx) — the teacher's own retry.go was retrieved test-only, so this
// reproduces its contract rather than its source.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures backoff timing.
type Policy struct {
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	MaxRetries int
}

// Default matches spec §4.B / §5.
var Default = Policy{
	Base:       250 * time.Millisecond,
	Factor:     2,
	Cap:        4 * time.Second,
	MaxRetries: 3,
}

// Classifier decides whether a non-nil error from one attempt is worth
// retrying (vs. a permanent failure like a 4xx).
type Classifier func(err error) bool

// Do calls fn up to policy.MaxRetries+1 times, sleeping with exponential
// backoff between attempts whose error retryable reports as transient. fn
// returning a nil error means success. Do returns nil on success, or the
// last error once attempts are exhausted or retryable returns false.
func Do(ctx context.Context, policy Policy, retryable Classifier, fn func() error) error {
	delay := policy.Base
	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == policy.MaxRetries || !retryable(err) {
			return lastErr
		}
		jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2+1)))
		if jittered > policy.Cap {
			jittered = policy.Cap
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered):
		}
		delay *= time.Duration(policy.Factor)
		if delay > policy.Cap {
			delay = policy.Cap
		}
	}
	return lastErr
}
