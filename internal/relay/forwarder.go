package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// UpstreamTimeout bounds every upstream exchange regardless of streaming.
	UpstreamTimeout = 60 * time.Second

	// DefaultMaxBodyBytes caps a buffered upstream response.
	DefaultMaxBodyBytes = 16 << 20

	streamChunkSize      = 32 * 1024
)

// Config carries the server-side defaults and credential for upstream calls.
type Config struct {
	URL           string
	APIKey        string
	Model         string
	Temperature   float64
	DefaultStream bool
}

// UpstreamClient issues HTTP requests; *http.Client satisfies it.
type UpstreamClient interface {
	Do(request *http.Request) (*http.Response, error)
}

// ForwarderConfig describes the dependencies of a Forwarder.
type ForwarderConfig struct {
	Relay  Config
	Client UpstreamClient
	// Cache, when set, serves repeated buffered requests without an upstream call.
	Cache   *ResponseCache
	Timeout time.Duration
	// MaxBodyBytes bounds buffered responses; larger bodies fail instead of being cut.
	MaxBodyBytes int64
	Logger       *zap.Logger
}

// Forwarder relays chat-completion requests to the configured upstream.
type Forwarder struct {
	config  Config
	client  UpstreamClient
	cache        *ResponseCache
	timeout      time.Duration
	maxBodyBytes int64
	logger       *zap.Logger
}

// Result is a successful upstream response. Exactly one of Body and Stream is set.
type Result struct {
	Status      int
	ContentType string
	Body        []byte
	Stream      *Stream
	Cached      bool
}

// NewForwarder constructs a Forwarder.
func NewForwarder(cfg ForwarderConfig) (*Forwarder, error) {
	if strings.TrimSpace(cfg.Relay.URL) == "" {
		return nil, fmt.Errorf("relay: upstream url required")
	}
	client := cfg.Client
	if client == nil {
		client = NewUpstreamHTTPClient()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = UpstreamTimeout
	}
	maxBodyBytes := cfg.MaxBodyBytes
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forwarder{
		config:       cfg.Relay,
		client:       client,
		cache:        cfg.Cache,
		timeout:      timeout,
		maxBodyBytes: maxBodyBytes,
		logger:       logger,
	}, nil
}

// NewUpstreamHTTPClient returns a pooled client without an overall deadline;
// the Forwarder enforces its own timeout so long streams are not cut off.
func NewUpstreamHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Forward sends clientBody upstream after merging defaults and stripping credentials.
// Errors are *UnreachableError, *UpstreamError, or request-construction failures.
func (f *Forwarder) Forward(ctx context.Context, clientBody map[string]any) (*Result, error) {
	upstreamBody, stream := BuildUpstreamBody(clientBody, f.config)
	payload, err := json.Marshal(upstreamBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	if !stream && f.cache != nil {
		if cached, ok := f.cache.Get(payload); ok {
			f.logger.Debug("relay cache hit", zap.Int("status", cached.Status))
			return cached, nil
		}
	}

	upstreamCtx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(f.timeout, func() {
		cancel(errUpstreamTimeout)
	})
	release := func() {
		timer.Stop()
		cancel(context.Canceled)
	}

	request, err := http.NewRequestWithContext(upstreamCtx, http.MethodPost, f.config.URL, bytes.NewReader(payload))
	if err != nil {
		release()
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	if f.config.APIKey != "" {
		request.Header.Set("Authorization", "Bearer "+f.config.APIKey)
	}

	started := time.Now()
	response, err := f.client.Do(request)
	if err != nil {
		err = f.upstreamFailure(upstreamCtx, err)
		release()
		f.logger.Warn("relay upstream unreachable", zap.Bool("stream", stream), zap.Error(err))
		return nil, &UnreachableError{Err: err}
	}

	contentType := response.Header.Get("Content-Type")
	if !stream || response.StatusCode >= http.StatusBadRequest {
		defer release()
		defer response.Body.Close()
		body, err := io.ReadAll(io.LimitReader(response.Body, f.maxBodyBytes+1))
		if err == nil && int64(len(body)) > f.maxBodyBytes {
			err = fmt.Errorf("%w: exceeds %d bytes", errResponseTooLarge, f.maxBodyBytes)
		}
		if err != nil {
			err = f.upstreamFailure(upstreamCtx, err)
			f.logger.Warn("relay upstream body read failed", zap.Int("status", response.StatusCode), zap.Error(err))
			return nil, &UnreachableError{Err: err}
		}
		f.logger.Info("relay upstream responded",
			zap.Int("status", response.StatusCode),
			zap.Bool("stream", stream),
			zap.Duration("duration", time.Since(started)),
		)
		if response.StatusCode >= http.StatusBadRequest {
			return nil, &UpstreamError{Status: response.StatusCode, ContentType: contentType, Body: body}
		}
		result := &Result{Status: response.StatusCode, ContentType: contentType, Body: body}
		if f.cache != nil {
			f.cache.Put(payload, result)
		}
		return result, nil
	}

	// Headers arrived; from here the timeout bounds the wait for each chunk.
	timer.Stop()
	f.logger.Info("relay upstream stream opened",
		zap.Int("status", response.StatusCode),
		zap.Duration("duration", time.Since(started)),
	)
	return &Result{
		Status:      response.StatusCode,
		ContentType: contentType,
		Stream:      newStream(upstreamCtx, response.Body, timer, f.timeout, cancel),
	}, nil
}

// ForwardPrompt expands a prompt request into a chat body and forwards it.
func (f *Forwarder) ForwardPrompt(ctx context.Context, input map[string]any) (*Result, error) {
	body, err := BuildPromptBody(input)
	if err != nil {
		return nil, err
	}
	return f.Forward(ctx, body)
}

func (f *Forwarder) upstreamFailure(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); errors.Is(cause, errUpstreamTimeout) {
		return fmt.Errorf("%w after %s: %v", errUpstreamTimeout, f.timeout, err)
	}
	return err
}
