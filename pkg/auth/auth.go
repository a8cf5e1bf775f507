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

// Package auth negotiates Docker registry bearer-token auth (spec §4.C): on
// a 401 with a WWW-Authenticate: Bearer challenge, exchange it for a token
// at the advertised realm and cache it per (realm, service, scope) for the
// process lifetime.
//
// Grounded on the teacher's v1/remote/transport/bearer.go
// (bearerTransport.refresh: GET realm?service=...&scope=..., unmarshal
// {token|access_token}) and pkg/v1/remote/transport/ping.go's use of
// docker/distribution's WWW-Authenticate challenge parser.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	challenge "github.com/docker/distribution/registry/client/auth/challenge"

	"github.com/cloverzero/peeko/internal/ocierr"
)

// tokenResponse matches either of the registry's historical field names for
// the bearer token.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

func (t tokenResponse) value() string {
	if t.Token != "" {
		return t.Token
	}
	return t.AccessToken
}

type cacheKey struct {
	realm, service, scope string
}

// Negotiator caches bearer tokens per (realm, service, scope) for the
// process lifetime (spec §4.C, §5 shared token cache), guarded by a mutex
// around insert/lookup as spec §5 requires.
type Negotiator struct {
	client *http.Client

	mu     sync.Mutex
	tokens map[cacheKey]string
}

// New constructs a Negotiator using client for the token exchange request.
func New(client *http.Client) *Negotiator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Negotiator{client: client, tokens: make(map[cacheKey]string)}
}

// Challenge is the parsed WWW-Authenticate: Bearer realm/service/scope.
type Challenge struct {
	Realm   string
	Service string
	Scope   string
}

// ParseChallenge extracts a Bearer challenge from a 401 response, or returns
// ok=false if the response didn't carry one.
func ParseChallenge(resp *http.Response) (Challenge, bool) {
	for _, c := range challenge.ResponseChallenges(resp) {
		if c.Scheme != "bearer" {
			continue
		}
		return Challenge{
			Realm:   c.Parameters["realm"],
			Service: c.Parameters["service"],
			Scope:   c.Parameters["scope"],
		}, true
	}
	return Challenge{}, false
}

// Token returns a bearer token for ch, using the process-wide cache when
// available and otherwise performing the token exchange described in spec
// §4.C.
func (n *Negotiator) Token(ctx context.Context, ch Challenge) (string, error) {
	key := cacheKey{ch.Realm, ch.Service, ch.Scope}

	n.mu.Lock()
	if tok, ok := n.tokens[key]; ok {
		n.mu.Unlock()
		return tok, nil
	}
	n.mu.Unlock()

	u, err := url.Parse(ch.Realm)
	if err != nil {
		return "", ocierr.New(ocierr.AuthRejected, ch.Realm, err)
	}
	q := u.Query()
	if ch.Service != "" {
		q.Set("service", ch.Service)
	}
	if ch.Scope != "" {
		q.Set("scope", ch.Scope)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", ocierr.New(ocierr.AuthRejected, ch.Realm, err)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return "", ocierr.New(ocierr.AuthRejected, ch.Realm, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ocierr.New(ocierr.AuthRejected, ch.Realm, fmt.Errorf("token endpoint returned %s", resp.Status))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", ocierr.New(ocierr.AuthRejected, ch.Realm, err)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", ocierr.New(ocierr.AuthRejected, ch.Realm, err)
	}
	tok := tr.value()
	if tok == "" {
		return "", ocierr.New(ocierr.AuthRejected, ch.Realm, fmt.Errorf("token endpoint returned no token"))
	}

	n.mu.Lock()
	n.tokens[key] = tok
	n.mu.Unlock()
	return tok, nil
}

// Scope builds the "repository:{repo}:pull" scope spec §6 requires.
func Scope(repository string) string {
	return fmt.Sprintf("repository:%s:pull", repository)
}
