// Package llmclient holds the HTTP completion clients for the two local
// inference servers: a large model for generation and a small one for
// classification and judging, streaming over Server-Sent Events.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	backoff "gopkg.in/cenkalti/backoff.v1"

	"cognitron/internal/config"
	"cognitron/internal/logging"
)

// Error is a structured client failure; callers treat it as a soft
// failure and fail open.
type Error struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("llmclient: %s: http %d: %s", e.Op, e.Status, e.Message)
	}
	return fmt.Sprintf("llmclient: %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Client is a completion client bound to one inference-server profile.
type Client struct {
	name       string
	profile    config.ModelProfile
	httpClient *http.Client

	// mu serialises calls for the small model only (see New); nil
	// for the large-model client.
	mu *sync.Mutex
}

// New builds a completion client for a named profile. Pass a non-nil
// shared mutex for the small-model client so it acquires the process-wide
// mutex on every call; pass nil for the large-model client.
func New(name string, profile config.ModelProfile, shared *sync.Mutex) *Client {
	return &Client{
		name:    name,
		profile: profile,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
		mu: shared,
	}
}

// Result is the non-streaming generate() outcome.
type Result struct {
	Response string
	Err      *Error
}

type completionRequest struct {
	Prompt      string   `json:"prompt"`
	Stream      bool     `json:"stream"`
	NPredict    int      `json:"n_predict,omitempty"`
	Temperature float64  `json:"temperature,omitempty"`
	TopP        float64  `json:"top_p,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	CachePrompt bool     `json:"cache_prompt,omitempty"`
}

type completionChunk struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// lock acquires the shared mutex if this client is the small-model
// client; it is a no-op for the large-model client.
func (c *Client) lock() func() {
	if c.mu == nil {
		return func() {}
	}
	c.mu.Lock()
	return c.mu.Unlock
}

func (c *Client) buildRequest(prompt string, stream bool) completionRequest {
	g := c.profile.Generation
	return completionRequest{
		Prompt:      prompt,
		Stream:      stream,
		NPredict:    g.MaxTokens,
		Temperature: g.Temperature,
		TopP:        g.TopP,
		Stop:        g.StopTokens,
		CachePrompt: g.CachePrompt,
	}
}

// trimStop cuts s at the first occurrence of any configured stop token,
// dropping the token and everything after it.
func (c *Client) trimStop(s string) string {
	for _, tok := range c.profile.Generation.StopTokens {
		if tok == "" {
			continue
		}
		if idx := strings.Index(s, tok); idx >= 0 {
			s = s[:idx]
		}
	}
	return s
}

// Generate performs a non-streaming completion. On any 4xx/5xx response
// or network failure it returns a structured *Error; callers fail open.
func (c *Client) Generate(ctx context.Context, prompt string) Result {
	unlock := c.lock()
	defer unlock()

	timer := logging.StartTimer(logging.CategoryLLM, "Generate:"+c.name)
	defer timer.Stop()

	body, err := json.Marshal(c.buildRequest(prompt, false))
	if err != nil {
		return Result{Err: &Error{Op: "generate", Message: err.Error(), Err: err}}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.profile.ServerURL+"/completion", bytes.NewReader(body))
	if err != nil {
		return Result{Err: &Error{Op: "generate", Message: err.Error(), Err: err}}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logging.LLMWarn("%s: network failure: %v", c.name, err)
		return Result{Err: &Error{Op: "generate", Message: err.Error(), Err: err}}
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		logging.LLMWarn("%s: http %d", c.name, resp.StatusCode)
		return Result{Err: &Error{Op: "generate", Status: resp.StatusCode, Message: string(data)}}
	}

	var chunk completionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return Result{Err: &Error{Op: "generate", Message: "decode: " + err.Error(), Err: err}}
	}
	return Result{Response: c.trimStop(chunk.Content)}
}

// Stream performs a streaming completion, invoking onToken for every
// content fragment until the server emits [DONE], closes the stream, or a
// configured stop token is observed locally (belt-and-braces guard on top
// of whatever stop-handling the server itself does). onToken's error
// return aborts the stream early (e.g. the caller wants to stop after
// detecting a tool-call preamble).
func (c *Client) Stream(ctx context.Context, prompt string, onToken func(string) error) error {
	unlock := c.lock()
	defer unlock()

	timer := logging.StartTimer(logging.CategoryLLM, "Stream:"+c.name)
	defer timer.Stop()

	body, err := json.Marshal(c.buildRequest(prompt, true))
	if err != nil {
		return &Error{Op: "stream", Message: err.Error(), Err: err}
	}

	// The SSE client issues GET requests; the completion endpoint wants a
	// POST with a JSON body, so a request-rewriting transport injects it.
	sseClient := sse.NewClient(c.profile.ServerURL + "/completion")
	sseClient.Connection = &http.Client{
		Timeout:   c.httpClient.Timeout,
		Transport: &postBodyTransport{body: body},
	}
	// No reconnect: a completion stream is one-shot; a failed connect is
	// a soft error for the caller, not something to retry into a second
	// generation.
	sseClient.ReconnectStrategy = &backoff.StopBackOff{}
	sseClient.OnDisconnect(func(*sse.Client) {
		logging.LLMDebug("%s: SSE stream disconnected", c.name)
	})

	var accumulated strings.Builder
	var streamErr error
	done := false
	err = sseClient.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		if done {
			return
		}
		payload := strings.TrimSpace(string(msg.Data))
		if payload == "" {
			return
		}
		if payload == "[DONE]" {
			done = true
			return
		}
		var chunk completionChunk
		if jerr := json.Unmarshal([]byte(payload), &chunk); jerr != nil {
			logging.LLMDebug("%s: skipping malformed SSE payload: %v", c.name, jerr)
			return
		}
		accumulated.WriteString(chunk.Content)
		if terr := onToken(chunk.Content); terr != nil {
			streamErr = terr
			done = true
			return
		}
		for _, tok := range c.profile.Generation.StopTokens {
			if tok != "" && strings.Contains(accumulated.String(), tok) {
				done = true
				return
			}
		}
		if chunk.Stop {
			done = true
		}
	})
	if streamErr != nil {
		return streamErr
	}
	if err != nil {
		logging.LLMWarn("%s: stream network failure: %v", c.name, err)
		return &Error{Op: "stream", Message: err.Error(), Err: err}
	}
	return nil
}

// postBodyTransport turns the SSE client's GET into the POST the
// completion endpoint expects, attaching the JSON request body.
type postBodyTransport struct {
	body []byte
}

func (t *postBodyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Method = http.MethodPost
	clone.Body = io.NopCloser(bytes.NewReader(t.body))
	clone.ContentLength = int64(len(t.body))
	clone.Header.Set("Content-Type", "application/json")
	return http.DefaultTransport.RoundTrip(clone)
}

// Pair bundles the large (generation) and small (classification/judge)
// clients the orchestrator, judge and consolidator share.
type Pair struct {
	Large *Client
	Small *Client

	smallMu sync.Mutex
}

// NewPair builds both clients from LLM config, wiring the process-wide
// mutex into the small-model client only.
func NewPair(cfg config.LLMConfig) (*Pair, error) {
	large, ok := cfg.Models["large"]
	if !ok {
		return nil, fmt.Errorf("llmclient: missing %q model profile", "large")
	}
	small, ok := cfg.Models["small"]
	if !ok {
		return nil, fmt.Errorf("llmclient: missing %q model profile", "small")
	}
	p := &Pair{}
	p.Large = New("large", large, nil)
	p.Small = New("small", small, &p.smallMu)
	return p, nil
}
