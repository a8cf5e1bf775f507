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

package registry

import (
	"net/http"
	"sync"

	"github.com/cloverzero/peeko/internal/ocierr"
	"github.com/cloverzero/peeko/pkg/auth"
)

// authRoundTripper attaches a cached bearer token and, on a 401 carrying a
// Bearer challenge, exchanges it once and retries (spec §4.C: "a second 401
// fails with AuthRejected"). A single instance is shared across the
// concurrent goroutines downloadLayers spawns, so the cached token is
// guarded by mu rather than read/written bare (spec §5: no shared mutable
// state crosses a suspension point without a guarding mutex).
type authRoundTripper struct {
	inner      http.RoundTripper
	negotiator *auth.Negotiator
	scope      string

	mu    sync.Mutex
	token string
}

func (a *authRoundTripper) cachedToken() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.token
}

func (a *authRoundTripper) setToken(tok string) {
	a.mu.Lock()
	a.token = tok
	a.mu.Unlock()
}

func (a *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	first := req.Clone(req.Context())
	if tok := a.cachedToken(); tok != "" {
		first.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := a.inner.RoundTrip(first)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	ch, ok := auth.ParseChallenge(resp)
	resp.Body.Close()
	if !ok {
		return nil, ocierr.New(ocierr.AuthRejected, req.URL.String(), nil)
	}
	if ch.Scope == "" {
		ch.Scope = a.scope
	}

	tok, err := a.negotiator.Token(req.Context(), ch)
	if err != nil {
		return nil, err
	}
	a.setToken(tok)

	second := req.Clone(req.Context())
	second.Header.Set("Authorization", "Bearer "+tok)
	resp2, err := a.inner.RoundTrip(second)
	if err != nil {
		return nil, err
	}
	if resp2.StatusCode == http.StatusUnauthorized {
		resp2.Body.Close()
		return nil, ocierr.New(ocierr.AuthRejected, req.URL.String(), nil)
	}
	return resp2, nil
}
