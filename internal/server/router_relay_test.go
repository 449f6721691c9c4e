package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/InRunning/click-translate/internal/auth"
	"github.com/InRunning/click-translate/internal/relay"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newRelayForwarder(t *testing.T, upstreamURL string, defaultStream bool, cache *relay.ResponseCache) *relay.Forwarder {
	t.Helper()
	forwarder, err := relay.NewForwarder(relay.ForwarderConfig{
		Relay: relay.Config{
			URL:           upstreamURL,
			APIKey:        "server-key",
			Model:         "DeepSeek-V3",
			DefaultStream: defaultStream,
		},
		Cache:   cache,
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build forwarder: %v", err)
	}
	return forwarder
}

func TestChatCompletionsBufferedPassThrough(t *testing.T) {
	var received map[string]any
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer server-key" {
			t.Errorf("unexpected upstream authorization %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"hola"}}]}`)
	}))
	defer upstream.Close()

	router, collectors := newTestRouter(t, Dependencies{
		LoginService: &stubLoginService{},
		Relay:        newRelayForwarder(t, upstream.URL, false, nil),
	})

	recorder := performJSON(router, http.MethodPost, "/api/v1/relay/chat/completions",
		`{"apiKey":"leaked","temperature":0.3,"messages":[{"role":"user","content":"hello"}]}`)

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	if recorder.Body.String() != `{"choices":[{"message":{"content":"hola"}}]}` {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
	if _, ok := received["apiKey"]; ok {
		t.Fatalf("client credential reached upstream")
	}
	if received["model"] != "DeepSeek-V3" || received["temperature"] != 0.3 || received["stream"] != false {
		t.Fatalf("unexpected upstream body %#v", received)
	}
	if got := testutil.ToFloat64(collectors.RelayRequestsTotal.WithLabelValues(relayRouteChat, "success")); got != 1 {
		t.Fatalf("expected relay success metric, got %v", got)
	}
}

func TestChatCompletionsPassesUpstreamErrorVerbatim(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error_code":"APIG.0101","error_msg":"bad key"}`)
	}))
	defer upstream.Close()

	router, _ := newTestRouter(t, Dependencies{
		LoginService: &stubLoginService{},
		Relay:        newRelayForwarder(t, upstream.URL, true, nil),
	})

	recorder := performJSON(router, http.MethodPost, "/api/v1/relay/chat/completions", `{"messages":[]}`)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	if recorder.Body.String() != `{"error_code":"APIG.0101","error_msg":"bad key"}` {
		t.Fatalf("unexpected body %s", recorder.Body.String())
	}
}

func TestChatCompletionsReportsUnreachableUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	upstreamURL := upstream.URL
	upstream.Close()

	router, _ := newTestRouter(t, Dependencies{
		LoginService: &stubLoginService{},
		Relay:        newRelayForwarder(t, upstreamURL, false, nil),
	})

	recorder := performJSON(router, http.MethodPost, "/api/v1/relay/chat/completions", `{"messages":[]}`)

	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if body["error"] != "upstream_unreachable" || body["detail"] == "" {
		t.Fatalf("unexpected error body %#v", body)
	}
}

func TestChatCompletionsRejectsNonObjectBody(t *testing.T) {
	router, _ := newTestRouter(t, Dependencies{LoginService: &stubLoginService{}})

	for _, payload := range []string{`[1,2]`, `null`, `not json`, `{"a":1} garbage`, `{"a":1}{"b":2}`} {
		recorder := performJSON(router, http.MethodPost, "/api/v1/relay/chat/completions", payload)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %q, got %d", payload, recorder.Code)
		}
	}
}

func TestChatCompletionsAcceptsTrailingWhitespace(t *testing.T) {
	router, _ := newTestRouter(t, Dependencies{LoginService: &stubLoginService{}})

	recorder := performJSON(router, http.MethodPost, "/api/v1/relay/chat/completions", "{\"messages\":[]}\n  \n")

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestRelayLogsAuthenticatedCaller(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	upstreamURL := upstream.URL
	upstream.Close()

	issuedAt := time.Now().UTC()
	signer := auth.NewTokenSigner(auth.TokenSignerConfig{SigningSecret: "relay-secret"})
	token, err := signer.Sign(auth.Claims{
		Subject:   "4242",
		TokenType: auth.TokenTypeAccess,
		LoginType: "guest",
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	router, _ := newTestRouter(t, Dependencies{
		LoginService:     &stubLoginService{},
		Relay:            newRelayForwarder(t, upstreamURL, false, nil),
		TokenValidator:   signer,
		RequireRelayAuth: true,
		Logger:           zap.New(core),
	})

	request := httptest.NewRequest(http.MethodPost, "/api/v1/relay/prompt", strings.NewReader(`{"prompt":"hi"}`))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set(requestIDHeader, "req-relay")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusBadGateway {
		t.Fatalf("unexpected status %d", recorder.Code)
	}
	entries := logs.FilterMessage("relay upstream unreachable").All()
	if len(entries) != 1 {
		t.Fatalf("expected one unreachable log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["user_id"] != "4242" || fields["request_id"] != "req-relay" {
		t.Fatalf("expected caller and request ids in log context, got %v", fields)
	}
}

func TestPromptRequiresPrompt(t *testing.T) {
	router, _ := newTestRouter(t, Dependencies{
		LoginService: &stubLoginService{},
		Relay:        newRelayForwarder(t, "http://127.0.0.1:1/unused", false, nil),
	})

	recorder := performJSON(router, http.MethodPost, "/api/v1/relay/prompt", `{"system":"be brief"}`)

	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestChatCompletionsServesCachedResponse(t *testing.T) {
	calls := 0
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"cmpl"}`)
	}))
	defer upstream.Close()

	cache, err := relay.NewResponseCache(4)
	if err != nil {
		t.Fatalf("failed to build cache: %v", err)
	}
	router, collectors := newTestRouter(t, Dependencies{
		LoginService: &stubLoginService{},
		Relay:        newRelayForwarder(t, upstream.URL, false, cache),
	})

	first := performJSON(router, http.MethodPost, "/api/v1/relay/prompt", `{"prompt":"hello"}`)
	second := performJSON(router, http.MethodPost, "/api/v1/relay/prompt", `{"prompt":"hello"}`)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("unexpected statuses %d %d", first.Code, second.Code)
	}
	if calls != 1 {
		t.Fatalf("expected one upstream call, got %d", calls)
	}
	if second.Header().Get(relayCacheHeader) != "hit" || first.Header().Get(relayCacheHeader) != "" {
		t.Fatalf("expected only the second response to be marked as cached")
	}
	if got := testutil.ToFloat64(collectors.RelayCacheHitsTotal); got != 1 {
		t.Fatalf("expected one cache hit, got %v", got)
	}
}

func TestChatCompletionsStreamsChunksAsTheyArrive(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"n\":1}\n\n")
		flusher.Flush()
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer upstream.Close()

	router, collectors := newTestRouter(t, Dependencies{
		LoginService: &stubLoginService{},
		Relay:        newRelayForwarder(t, upstream.URL, true, nil),
	})
	server := httptest.NewServer(router)
	defer server.Close()

	response, err := http.Post(server.URL+"/api/v1/relay/chat/completions", "application/json", strings.NewReader(`{"messages":[]}`))
	if err != nil {
		t.Fatalf("relay request failed: %v", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
	if response.Header.Get("Content-Type") != "text/event-stream" || response.Header.Get("Cache-Control") != "no-cache" {
		t.Fatalf("unexpected stream headers %v", response.Header)
	}

	reader := bufio.NewReader(response.Body)
	first, err := reader.ReadString('\n')
	if err != nil || first != "data: {\"n\":1}\n" {
		t.Fatalf("expected first event before upstream finished, got %q (%v)", first, err)
	}
	close(release)

	rest, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("failed to read rest of stream: %v", err)
	}
	if string(rest) != "\ndata: [DONE]\n\n" {
		t.Fatalf("unexpected stream tail %q", rest)
	}

	deadline := time.Now().Add(time.Second)
	for testutil.ToFloat64(collectors.RelayRequestsTotal.WithLabelValues(relayRouteChat, "stream_success")) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected stream success metric")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRelayRequiresTokenWhenEnabled(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	issuedAt := time.Now().UTC()
	signer := auth.NewTokenSigner(auth.TokenSignerConfig{SigningSecret: "relay-secret"})
	token, err := signer.Sign(auth.Claims{
		Subject:   "77",
		TokenType: auth.TokenTypeAccess,
		LoginType: "guest",
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	router, _ := newTestRouter(t, Dependencies{
		LoginService:     &stubLoginService{},
		Relay:            newRelayForwarder(t, upstream.URL, false, nil),
		TokenValidator:   signer,
		RequireRelayAuth: true,
	})

	anonymous := performJSON(router, http.MethodPost, "/api/v1/relay/prompt", `{"prompt":"hi"}`)
	if anonymous.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", anonymous.Code)
	}

	request := httptest.NewRequest(http.MethodPost, "/api/v1/relay/prompt", strings.NewReader(`{"prompt":"hi"}`))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

type stubForwarder struct{}

func (stubForwarder) Forward(context.Context, map[string]any) (*relay.Result, error) {
	return &relay.Result{Status: http.StatusOK, ContentType: "application/json", Body: []byte(`{}`)}, nil
}

func (stubForwarder) ForwardPrompt(context.Context, map[string]any) (*relay.Result, error) {
	return &relay.Result{Status: http.StatusOK, ContentType: "application/json", Body: []byte(`{}`)}, nil
}
