package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	testTemplate = "https://www.test.io/_next/data/{api_key}/pl/wyniki/sprzedaz/dzialka.json?limit=36"
	manifestHTML = `<html><head><script src="/_next/static/chunks/main.js"></script>` +
		`<script src="/_next/static/fresh-token/_buildManifest.js" defer></script></head></html>`
)

type response struct {
	status int
	body   string
	err    error
}

// script serves responses in order to whichever identity asks next.
type script struct {
	mu        sync.Mutex
	responses []response
	urls      []string
	hits      map[string]int
}

func (s *script) next(name string, req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.urls = append(s.urls, req.URL.String())
	s.hits[name]++
	if len(s.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode: r.status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(r.body)),
	}, nil
}

type scriptedDoer struct {
	name   string
	script *script
}

func (d *scriptedDoer) Do(req *http.Request) (*http.Response, error) {
	return d.script.next(d.name, req)
}

type fakeStore struct {
	token   string
	retries map[string]int
	clears  int
	sets    []string
	resets  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{retries: map[string]int{}}
}

func (f *fakeStore) Token(context.Context) (string, error) { return f.token, nil }

func (f *fakeStore) SetToken(_ context.Context, token string) error {
	f.token = token
	f.sets = append(f.sets, token)
	return nil
}

func (f *fakeStore) ClearToken(context.Context) error {
	f.token = ""
	f.clears++
	return nil
}

func (f *fakeStore) Retries(_ context.Context, url string) (int, error) { return f.retries[url], nil }

func (f *fakeStore) IncrRetries(_ context.Context, url string) (int, error) {
	f.retries[url]++
	return f.retries[url], nil
}

func (f *fakeStore) ResetRetries(_ context.Context, url string) error {
	delete(f.retries, url)
	f.resets++
	return nil
}

type recordingSleeper struct {
	waits []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return nil
}

type staticSource string

func (s staticSource) FetchToken(context.Context) (string, error) { return string(s), nil }

func sequence(values ...int) func(int) int {
	i := 0
	return func(n int) int {
		if i >= len(values) {
			return 0
		}
		v := values[i]
		i++
		return v % n
	}
}

func setupEngine(t *testing.T, responses ...response) (*Engine, *fakeStore, *script, *recordingSleeper) {
	t.Helper()

	s := &script{responses: responses, hits: map[string]int{}}
	var identities []*Identity
	for _, name := range []string{"a", "b", "c"} {
		identities = append(identities, &Identity{
			Name:    name,
			Headers: map[string]string{"User-Agent": name},
			Client:  &scriptedDoer{name: name, script: s},
		})
	}

	store := newFakeStore()
	engine, err := NewEngine(store, identities)
	if err != nil {
		t.Fatal(err)
	}
	sleeper := &recordingSleeper{}
	engine.SetSleeper(sleeper)
	engine.intN = sequence()
	return engine, store, s, sleeper
}

func TestFetchRotatesIdentityOnBlock(t *testing.T) {
	engine, store, s, sleeper := setupEngine(t,
		response{status: 403},
		response{status: 403},
		response{status: 200, body: `{"pageProps":{}}`},
	)
	// identity b, backoff 20s, identity c, backoff 40s
	engine.intN = sequence(1, 0, 2, 20)

	result, state := engine.Fetch(context.Background(), testTemplate, 0, AttemptState{Identity: engine.identities[0]})

	if result.Status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", result.Status)
	}
	if string(result.Body) != `{"pageProps":{}}` {
		t.Errorf("Unexpected body %s", result.Body)
	}
	for _, name := range []string{"a", "b", "c"} {
		if s.hits[name] != 1 {
			t.Errorf("Identity %s used %d times, expected 1", name, s.hits[name])
		}
	}
	if state.Identity.Name != "c" {
		t.Errorf("Expected final identity c, got %s", state.Identity.Name)
	}
	if store.clears != 2 {
		t.Errorf("Expected token cleared twice, got %d", store.clears)
	}
	if len(sleeper.waits) != 2 || sleeper.waits[0] != 20*time.Second || sleeper.waits[1] != 40*time.Second {
		t.Errorf("Unexpected backoff waits %v", sleeper.waits)
	}
	if store.retries[testTemplate] != 0 || store.resets != 1 {
		t.Errorf("Retry counter should be reset once, counter=%d resets=%d", store.retries[testTemplate], store.resets)
	}
}

func TestFetchStaleTokenExhaustsBudget(t *testing.T) {
	var responses []response
	for i := 0; i < 5; i++ {
		responses = append(responses, response{status: 404, body: manifestHTML})
	}
	engine, store, s, sleeper := setupEngine(t, responses...)

	result, _ := engine.Fetch(context.Background(), testTemplate, 0, AttemptState{})

	if result.Status != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", result.Status)
	}
	if len(s.urls) != 5 {
		t.Errorf("Expected 5 requests, got %d", len(s.urls))
	}
	if len(store.sets) != 4 || store.token != "fresh-token" {
		t.Errorf("Expected 4 token refreshes, got %v", store.sets)
	}
	if len(sleeper.waits) != 4 {
		t.Errorf("Expected 4 backoffs, got %d", len(sleeper.waits))
	}
	for _, wait := range sleeper.waits {
		if wait < minBackoff || wait > maxBackoff {
			t.Errorf("Backoff %v out of range", wait)
		}
	}
	if !strings.Contains(s.urls[4], "/fresh-token/") {
		t.Errorf("Refreshed token should be used, got %s", s.urls[4])
	}
	if store.retries[testTemplate] != 0 {
		t.Error("Retry counter should be reset after exhaustion")
	}
}

func TestFetchExtendedBudgetAfterBlock(t *testing.T) {
	engine, _, s, _ := setupEngine(t,
		response{status: 403},
		response{status: 403},
		response{status: 403},
		response{status: 403},
		response{status: 404, body: manifestHTML},
		response{status: 404, body: manifestHTML},
	)

	result, _ := engine.Fetch(context.Background(), testTemplate, 0, AttemptState{})

	if result.Status != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", result.Status)
	}
	if len(s.urls) != 6 {
		t.Errorf("Expected 6 requests, got %d", len(s.urls))
	}
}

func TestFetchBlockBudget(t *testing.T) {
	var responses []response
	for i := 0; i < 6; i++ {
		responses = append(responses, response{status: 403})
	}
	engine, _, s, _ := setupEngine(t, responses...)

	result, _ := engine.Fetch(context.Background(), testTemplate, 0, AttemptState{})

	if result.Status != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", result.Status)
	}
	if len(s.urls) != 5 {
		t.Errorf("Expected 5 requests, got %d", len(s.urls))
	}
}

func TestFetchUsesStoredRetryCount(t *testing.T) {
	engine, store, s, _ := setupEngine(t, response{status: 403}, response{status: 200, body: `{}`})
	store.retries[testTemplate] = retryBudget

	result, _ := engine.Fetch(context.Background(), testTemplate, 0, AttemptState{})

	if result.Status != http.StatusForbidden {
		t.Fatalf("Expected 403 with budget spent, got %d", result.Status)
	}
	if len(s.urls) != 1 {
		t.Errorf("Expected a single request, got %d", len(s.urls))
	}
}

func TestFetchTerminalStatuses(t *testing.T) {
	tests := []struct {
		name string
		resp response
		want int
	}{
		{"non-json success", response{status: 200, body: "<html></html>"}, StatusUnexpectedBody},
		{"transport error", response{err: errors.New("connection reset")}, StatusTransportError},
		{"server error", response{status: 500, body: "oops"}, 500},
		{"created with json", response{status: 201, body: `[]`}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, store, s, sleeper := setupEngine(t, tt.resp)

			result, _ := engine.Fetch(context.Background(), testTemplate, 0, AttemptState{})
			if result.Status != tt.want {
				t.Errorf("Wanted %d, got %d", tt.want, result.Status)
			}
			if tt.want != http.StatusOK && result.Body != nil {
				t.Error("Body should only be set on success")
			}
			if len(s.urls) != 1 || len(sleeper.waits) != 0 {
				t.Errorf("Expected one request and no backoff, got %d/%d", len(s.urls), len(sleeper.waits))
			}
			if store.resets != 1 {
				t.Errorf("Expected retry reset on terminal outcome, got %d", store.resets)
			}
		})
	}
}

func TestFetchWaitsBeforeFirstAttempt(t *testing.T) {
	engine, _, _, sleeper := setupEngine(t, response{status: 200, body: `{}`})

	engine.Fetch(context.Background(), testTemplate, 15*time.Second, AttemptState{})

	if len(sleeper.waits) != 1 || sleeper.waits[0] != 15*time.Second {
		t.Errorf("Expected initial wait of 15s, got %v", sleeper.waits)
	}
}

func TestFetchSubstitutesToken(t *testing.T) {
	engine, store, s, _ := setupEngine(t, response{status: 200, body: `{}`}, response{status: 200, body: `{}`})

	store.token = "cached"
	engine.Fetch(context.Background(), testTemplate, 0, AttemptState{})
	if !strings.Contains(s.urls[0], "/_next/data/cached/") {
		t.Errorf("Cached token not applied: %s", s.urls[0])
	}

	store.token = ""
	engine.SetTokenSource(staticSource("scouted"))
	engine.Fetch(context.Background(), testTemplate, 0, AttemptState{})
	if !strings.Contains(s.urls[1], "/_next/data/scouted/") {
		t.Errorf("Scouted token not applied: %s", s.urls[1])
	}
	if store.token != "scouted" {
		t.Errorf("Scouted token should be cached, got %q", store.token)
	}
}

func TestFetchSendsIdentityHeaders(t *testing.T) {
	var got http.Header
	identity := &Identity{
		Name:    "solo",
		Headers: map[string]string{"User-Agent": "solo-agent", "Accept-Language": "pl-PL"},
		Client: doerFunc(func(req *http.Request) (*http.Response, error) {
			got = req.Header
			return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(bytes.NewReader([]byte(`{}`)))}, nil
		}),
	}
	engine, err := NewEngine(newFakeStore(), []*Identity{identity})
	if err != nil {
		t.Fatal(err)
	}

	engine.Fetch(context.Background(), testTemplate, 0, AttemptState{})

	if got.Get("User-Agent") != "solo-agent" || got.Get("Accept-Language") != "pl-PL" {
		t.Errorf("Identity headers not sent: %v", got)
	}
}

func TestNewEngineRequiresIdentity(t *testing.T) {
	if _, err := NewEngine(newFakeStore(), nil); err == nil {
		t.Error("Expected error without identities")
	}
}

type doerFunc func(req *http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) { return f(req) }
