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

// Package transport implements the authenticated, retrying HTTP fetch of
// spec §4.B: follow up to 10 redirects, retry idempotent GETs on connection
// reset / 5xx with exponential backoff, stream response bodies.
//
// Grounded on the teacher's pkg/v1/remote/transport/ping.go (CheckError
// pattern, scheme fallback) and pkg/v1/remote/transport/resumable.go (retry
// on reset mid-stream); the teacher's own transport.go/retry.go were
// retrieved test-only, so the retry contract is reproduced from
// pkg/v1/remote/transport/retry_test.go's behavior rather than copied.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cloverzero/peeko/internal/ocierr"
	"github.com/cloverzero/peeko/internal/retry"
)

const maxRedirects = 10

// Transport performs authenticated HTTPS GETs with retry and redirect
// following, as described in spec §4.B.
type Transport struct {
	Client *http.Client
	Policy retry.Policy
}

// New builds a Transport with the default retry policy and a client whose
// own redirect following is capped at maxRedirects by CheckRedirect.
func New(rt http.RoundTripper) *Transport {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Transport{
		Client: &http.Client{
			Transport: rt,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("transport: stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		Policy: retry.Default,
	}
}

// Response is the result of a Fetch: status, headers, and a streamed body the
// caller must Close.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Fetch performs a GET against url with the given headers and Accept values,
// retrying on a transport failure (such as a connection reset) or a 5xx per
// spec §4.B. The returned Response's
// Body is streamed and must be closed by the caller. A 4xx/401 response is
// returned as-is (not retried) so callers can inspect it (e.g. for auth
// challenges or ManifestNotFound).
func (t *Transport) Fetch(ctx context.Context, url string, headers map[string]string, accept []string) (*Response, error) {
	var resp *Response
	err := retry.Do(ctx, t.Policy, isRetryable, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		for _, a := range accept {
			req.Header.Add("Accept", a)
		}

		r, err := t.Client.Do(req)
		if err != nil {
			return ocierr.New(ocierr.NetworkError, url, err)
		}
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			resp = nil
			return ocierr.New(ocierr.NetworkError, url, fmt.Errorf("server returned %s", r.Status))
		}
		resp = &Response{StatusCode: r.StatusCode, Header: r.Header, Body: r.Body}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// isRetryable retries 5xx responses and transport failures, but not an error
// the round tripper already classified (e.g. AuthRejected after a 401).
func isRetryable(err error) bool {
	var classified *ocierr.Error
	if errors.As(errors.Unwrap(err), &classified) {
		return false
	}
	return err != nil
}
