package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand/v2"
	"net/http"
	"time"
)

const (
	// StatusTransportError marks a request that never got an HTTP response.
	StatusTransportError = http.StatusUnauthorized
	// StatusUnexpectedBody marks a 2xx response whose body is not JSON.
	StatusUnexpectedBody = http.StatusTeapot

	retryBudget     = 4
	postBlockBudget = 7

	minBackoff = 20 * time.Second
	maxBackoff = 40 * time.Second
)

// TokenStore is the shared cache behind the fetcher. Entries may be changed
// by other scans at any time.
type TokenStore interface {
	Token(ctx context.Context) (string, error)
	SetToken(ctx context.Context, token string) error
	ClearToken(ctx context.Context) error
	Retries(ctx context.Context, url string) (int, error)
	IncrRetries(ctx context.Context, url string) (int, error)
	ResetRetries(ctx context.Context, url string) error
}

// TokenSource produces a fresh token when the cache holds none.
type TokenSource interface {
	FetchToken(ctx context.Context) (string, error)
}

type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type ContextSleeper struct{}

func (ContextSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// AttemptState is carried between attempts and between pages of one scan.
type AttemptState struct {
	Identity    *Identity
	Retries     int
	PriorStatus int
}

// Result is the terminal outcome of Fetch. Body is set only for status 200.
type Result struct {
	Status int
	Body   json.RawMessage
}

func (r Result) OK() bool {
	return r.Status == http.StatusOK
}

type Engine struct {
	store      TokenStore
	identities []*Identity
	source     TokenSource
	sleeper    Sleeper
	intN       func(n int) int
}

func NewEngine(store TokenStore, identities []*Identity) (*Engine, error) {
	if len(identities) == 0 {
		return nil, fmt.Errorf("fetcher: at least one identity is required")
	}
	return &Engine{
		store:      store,
		identities: identities,
		sleeper:    ContextSleeper{},
		intN:       rand.IntN,
	}, nil
}

func (e *Engine) SetTokenSource(source TokenSource) {
	e.source = source
}

func (e *Engine) SetSleeper(sleeper Sleeper) {
	e.sleeper = sleeper
}

// Fetch requests urlTemplate until it reaches a terminal outcome. Blocks and
// stale tokens are retried internally; callers only see the final status.
func (e *Engine) Fetch(ctx context.Context, urlTemplate string, wait time.Duration, state AttemptState) (Result, AttemptState) {
	if state.Identity == nil {
		state.Identity = e.randomIdentity()
	}
	if state.Retries == 0 {
		if n, err := e.store.Retries(ctx, urlTemplate); err == nil {
			state.Retries = n
		}
	}

	for {
		if wait > 0 {
			if err := e.sleeper.Sleep(ctx, wait); err != nil {
				log.Printf("Fetch of %s interrupted: %v", urlTemplate, err)
				return e.finish(ctx, urlTemplate, Result{Status: StatusTransportError}, state)
			}
		}

		status, body, err := e.attempt(ctx, urlTemplate, state.Identity)
		if err != nil {
			log.Printf("Request via %s failed: %v", state.Identity.Name, err)
			return e.finish(ctx, urlTemplate, Result{Status: StatusTransportError}, state)
		}

		switch {
		case status >= 200 && status < 300:
			if !json.Valid(body) {
				log.Printf("Unexpected non-JSON body (%d bytes) from %s", len(body), urlTemplate)
				return e.finish(ctx, urlTemplate, Result{Status: StatusUnexpectedBody}, state)
			}
			return e.finish(ctx, urlTemplate, Result{Status: http.StatusOK, Body: body}, state)

		case status == http.StatusForbidden && state.Retries < retryBudget:
			if err := e.store.ClearToken(ctx); err != nil {
				log.Printf("Error clearing token: %v", err)
			}
			previous := state.Identity.Name
			state.Identity = e.randomIdentity()
			log.Printf("Blocked (403) via %s, switching to %s (retry %d)", previous, state.Identity.Name, state.Retries+1)

		case status == http.StatusNotFound && (state.Retries < retryBudget ||
			(state.PriorStatus == http.StatusForbidden && state.Retries < postBlockBudget)):
			if token := ExtractToken(body); token != "" {
				if err := e.store.SetToken(ctx, token); err != nil {
					log.Printf("Error storing token: %v", err)
				}
				log.Printf("Stale token (404), refreshed token (retry %d)", state.Retries+1)
			} else {
				log.Printf("Stale token (404), no token found in body (retry %d)", state.Retries+1)
			}

		default:
			log.Printf("Giving up on %s with status %d after %d retries", urlTemplate, status, state.Retries)
			return e.finish(ctx, urlTemplate, Result{Status: status}, state)
		}

		state.PriorStatus = status
		state.Retries = e.bumpRetries(ctx, urlTemplate, state.Retries)
		wait = e.backoff()
	}
}

func (e *Engine) attempt(ctx context.Context, urlTemplate string, identity *Identity) (int, []byte, error) {
	token, err := e.currentToken(ctx)
	if err != nil {
		log.Printf("Error reading token: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ApplyToken(urlTemplate, token), nil)
	if err != nil {
		return 0, nil, err
	}
	return identity.Do(req)
}

func (e *Engine) currentToken(ctx context.Context) (string, error) {
	token, err := e.store.Token(ctx)
	if err != nil || token != "" || e.source == nil {
		return token, err
	}

	token, err = e.source.FetchToken(ctx)
	if err != nil {
		return "", fmt.Errorf("bootstrap token: %w", err)
	}
	if err := e.store.SetToken(ctx, token); err != nil {
		log.Printf("Error storing bootstrapped token: %v", err)
	}
	return token, nil
}

func (e *Engine) finish(ctx context.Context, url string, result Result, state AttemptState) (Result, AttemptState) {
	if err := e.store.ResetRetries(ctx, url); err != nil {
		log.Printf("Error resetting retries for %s: %v", url, err)
	}
	return result, state
}

func (e *Engine) bumpRetries(ctx context.Context, url string, current int) int {
	n, err := e.store.IncrRetries(ctx, url)
	if err != nil {
		log.Printf("Error counting retry for %s: %v", url, err)
		return current + 1
	}
	return n
}

func (e *Engine) randomIdentity() *Identity {
	return e.identities[e.intN(len(e.identities))]
}

func (e *Engine) backoff() time.Duration {
	span := int(maxBackoff-minBackoff) / int(time.Second)
	return minBackoff + time.Duration(e.intN(span+1))*time.Second
}
