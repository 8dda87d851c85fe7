package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/relay-agent/runtime/internal/conv"
)

// HTTPRuntime is component G, ActionExecutionClient: it implements Runtime
// by serializing each Action to JSON and POSTing it to a sandboxed HTTP
// server running inside the isolation boundary (spec.md §4.G).
type HTTPRuntime struct {
	baseURL      string
	sessionKey   string
	httpClient   *http.Client
	log          zerolog.Logger
	maxAliveTries int
	maxAliveWait  time.Duration

	props Properties
}

// HTTPRuntimeConfig configures an HTTPRuntime.
type HTTPRuntimeConfig struct {
	BaseURL       string
	SessionAPIKey string
	Timeout       time.Duration
}

func init() {
	Register("http", func(cfg map[string]any) (Runtime, error) {
		baseURL, _ := cfg["base_url"].(string)
		if baseURL == "" {
			return nil, fmt.Errorf(`runtime "http": missing required "base_url" config key`)
		}
		sessionKey, _ := cfg["session_api_key"].(string)
		return NewHTTPRuntime(HTTPRuntimeConfig{BaseURL: baseURL, SessionAPIKey: sessionKey}, zerolog.Nop()), nil
	})
}

// NewHTTPRuntime constructs an HTTPRuntime. Use Connect to perform the
// /alive readiness handshake before issuing actions.
func NewHTTPRuntime(cfg HTTPRuntimeConfig, log zerolog.Logger) *HTTPRuntime {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &HTTPRuntime{
		baseURL:       cfg.BaseURL,
		sessionKey:    cfg.SessionAPIKey,
		httpClient:    &http.Client{Timeout: timeout},
		log:           log,
		maxAliveTries: 10,
		maxAliveWait:  10 * time.Second,
	}
}

// Connect polls /alive with exponential backoff, retrying up to 10 times
// after the first attempt, capped at 10s between tries (spec.md §4.G "port discovery, /alive
// readiness polling with exponential backoff"), the same
// cenkalti/backoff-driven retry shape internal/session/loop.go uses for LLM
// call retries.
func (r *HTTPRuntime) Connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = r.maxAliveWait
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.3
	bounded := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxAliveTries)), ctx)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/alive", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%w: /alive returned %d", ErrUnavailable, resp.StatusCode)
		}
		return nil
	}

	if err := backoff.Retry(op, bounded); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.props.Initialized = true
	return nil
}

// actionEnvelope is the wire shape POSTed to /execute_action: the action's
// own type tag plus its fields flattened alongside, mirroring the Event
// envelope's action:<type> discriminator (spec.md §6 "Event JSON schema").
type actionEnvelope struct {
	Type   string      `json:"action"`
	Params conv.Action `json:"-"`
}

func (e actionEnvelope) MarshalJSON() ([]byte, error) {
	fields, err := json.Marshal(e.Params)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(fields, &m); err != nil {
		return nil, err
	}
	typeJSON, err := json.Marshal(e.Type)
	if err != nil {
		return nil, err
	}
	m["action"] = typeJSON
	return json.Marshal(m)
}

func (r *HTTPRuntime) RunAction(ctx context.Context, action conv.Action) (conv.Observation, error) {
	body, err := json.Marshal(actionEnvelope{Type: action.Variant(), Params: action})
	if err != nil {
		return nil, fmt.Errorf("runtime http: encode action: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/execute_action", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.sessionKey != "" {
		req.Header.Set("X-Session-API-Key", r.sessionKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return &conv.ErrorObservation{Content: fmt.Sprintf("runtime http: request failed: %v", err)}, nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("runtime http: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &conv.ErrorObservation{Content: fmt.Sprintf("runtime http: sandbox returned %d: %s", resp.StatusCode, string(respBody))}, nil
	}

	var event conv.Event
	if err := json.Unmarshal(respBody, &event); err != nil {
		return nil, fmt.Errorf("runtime http: decode observation: %w", err)
	}
	obs, ok := event.IsObservation()
	if !ok {
		return nil, fmt.Errorf("runtime http: sandbox response was not an observation")
	}
	return obs, nil
}

func (r *HTTPRuntime) GetMCPConfig(extra []MCPServerConfig) MCPConfig {
	return MCPConfig{Servers: extra}
}

func (r *HTTPRuntime) CopyTo(ctx context.Context, dest string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.baseURL+"/fs"+dest, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if r.sessionKey != "" {
		req.Header.Set("X-Session-API-Key", r.sessionKey)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("runtime http: copy_to failed with status %d", resp.StatusCode)
	}
	return nil
}

func (r *HTTPRuntime) CopyFrom(ctx context.Context, src string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/fs"+src, nil)
	if err != nil {
		return nil, err
	}
	if r.sessionKey != "" {
		req.Header.Set("X-Session-API-Key", r.sessionKey)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runtime http: copy_from failed with status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (r *HTTPRuntime) Close() error {
	r.httpClient.CloseIdleConnections()
	return nil
}

func (r *HTTPRuntime) Properties() Properties {
	return r.props
}
