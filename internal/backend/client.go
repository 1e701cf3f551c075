// Package backend is the HTTP client for the analytics backend: direct questions,
// pending result polling, transcript history, voice sessions and dashboard pins.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lukasbauer/insightchat/internal/failure"
)

const maxErrorBody = 4096

// staleReasons are the structured reasons meaning the transcript is gone.
var staleReasons = map[string]bool{
	"transcript_not_found":   true,
	"transcript_deleted":     true,
	"conversation_not_found": true,
	"stale_transcript":       true,
}

// Config holds backend connection settings.
type Config struct {
	BaseURL    string
	Token      string // bearer token, issued outside this client
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the analytics backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a backend client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 5 * time.Second,
			},
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
	}
}

// SubmitQuestion sends a question on the direct route.
func (c *Client) SubmitQuestion(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	var resp QueryResponse
	if err := c.do(ctx, "submit question", http.MethodPost, "/api/chat/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PendingResults returns the latest pending bundle for transcriptID, or nil
// when nothing is pending.
func (c *Client) PendingResults(ctx context.Context, transcriptID string) (*Bundle, error) {
	path := "/api/chat/pending-results"
	if transcriptID != "" {
		path += "?transcriptId=" + url.QueryEscape(transcriptID)
	}
	var b Bundle
	found, err := c.doOptional(ctx, "poll pending results", http.MethodGet, path, nil, &b)
	if err != nil || !found {
		return nil, err
	}
	return &b, nil
}

// ListTranscripts returns the user's transcript history.
func (c *Client) ListTranscripts(ctx context.Context) ([]Transcript, error) {
	var raw json.RawMessage
	if err := c.do(ctx, "list transcripts", http.MethodGet, "/api/transcripts", nil, &raw); err != nil {
		return nil, err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	if raw[0] == '[' {
		var list []Transcript
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, failure.New(failure.KindServerError, "list transcripts", fmt.Errorf("decode: %w", err))
		}
		return list, nil
	}
	var wrapped listResponse
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, failure.New(failure.KindServerError, "list transcripts", fmt.Errorf("decode: %w", err))
	}
	return wrapped.Transcripts, nil
}

// GetTranscript returns a transcript with its messages.
func (c *Client) GetTranscript(ctx context.Context, id string) (*TranscriptDetail, error) {
	var d TranscriptDetail
	if err := c.do(ctx, "get transcript", http.MethodGet, "/api/transcripts/"+url.PathEscape(id), nil, &d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = id
	}
	return &d, nil
}

// RenameTranscript patches the transcript title.
func (c *Client) RenameTranscript(ctx context.Context, id, title string) (*Transcript, error) {
	var t Transcript
	body := map[string]string{"title": title}
	found, err := c.doOptional(ctx, "patch transcript", http.MethodPatch, "/api/transcripts/"+url.PathEscape(id), body, &t)
	if err != nil {
		return nil, err
	}
	if !found || t.ID == "" {
		t = Transcript{ID: id, Title: title}
	}
	return &t, nil
}

// DeleteTranscript deletes a transcript. Deleting a missing transcript succeeds.
func (c *Client) DeleteTranscript(ctx context.Context, id string) error {
	err := c.do(ctx, "delete transcript", http.MethodDelete, "/api/transcripts/"+url.PathEscape(id), nil, nil)
	if failure.Is(err, failure.KindNotFound) || failure.Is(err, failure.KindStaleTranscript) {
		return nil
	}
	return err
}

// CreateVoiceSession bootstraps a realtime voice session.
func (c *Client) CreateVoiceSession(ctx context.Context, req VoiceSessionRequest) (*VoiceSessionInfo, error) {
	var info VoiceSessionInfo
	if err := c.do(ctx, "create voice session", http.MethodPost, "/api/voice/sessions", req, &info); err != nil {
		return nil, err
	}
	if info.SessionID == "" {
		return nil, failure.New(failure.KindSessionBootstrapFailed, "create voice session", errors.New("response has no session id"))
	}
	return &info, nil
}

// IssueVoiceToken (re)authorizes a transport join for sessionID.
func (c *Client) IssueVoiceToken(ctx context.Context, sessionID string) (string, error) {
	var resp tokenResponse
	if err := c.do(ctx, "issue voice token", http.MethodPost, "/api/voice/sessions/"+url.PathEscape(sessionID)+"/token", nil, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", failure.New(failure.KindSessionBootstrapFailed, "issue voice token", errors.New("empty token"))
	}
	return resp.Token, nil
}

// EndVoiceSession tears a session down. A missing session counts as ended.
func (c *Client) EndVoiceSession(ctx context.Context, sessionID string) error {
	err := c.do(ctx, "end voice session", http.MethodDelete, "/api/voice/sessions/"+url.PathEscape(sessionID), nil, nil)
	if failure.Is(err, failure.KindNotFound) {
		return nil
	}
	return err
}

// VoiceQuery asks a question through a connected session. The answer arrives
// on the realtime channel.
func (c *Client) VoiceQuery(ctx context.Context, sessionID string, q VoiceQuery) error {
	return c.do(ctx, "voice session query", http.MethodPost, "/api/voice/sessions/"+url.PathEscape(sessionID)+"/query", q, nil)
}

// IngestVoiceTurn persists one voice transcript turn.
func (c *Client) IngestVoiceTurn(ctx context.Context, sessionID string, turn VoiceTurn) error {
	return c.do(ctx, "ingest voice transcript", http.MethodPost, "/api/voice/sessions/"+url.PathEscape(sessionID)+"/transcripts", turn, nil)
}

// PinGraph pins a graph to the dashboard and returns its persisted id.
func (c *Client) PinGraph(ctx context.Context, req PinRequest) (string, error) {
	var resp pinResponse
	if err := c.do(ctx, "pin graph", http.MethodPost, "/api/dashboard/graphs", req, &resp); err != nil {
		return "", err
	}
	if resp.GraphID == "" {
		return "", failure.New(failure.KindServerError, "pin graph", errors.New("response has no graph id"))
	}
	return resp.GraphID, nil
}

// UnpinGraph removes a pinned graph. Unpinning a missing graph succeeds.
func (c *Client) UnpinGraph(ctx context.Context, graphID string) error {
	err := c.do(ctx, "unpin graph", http.MethodDelete, "/api/dashboard/graphs/"+url.PathEscape(graphID), nil, nil)
	if failure.Is(err, failure.KindNotFound) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	_, err := c.doOptional(ctx, op, method, path, body, out)
	return err
}

// doOptional performs a request and decodes the response into out. It reports
// found=false for 204 or an empty body.
func (c *Client) doOptional(ctx context.Context, op, method, path string, body, out any) (bool, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return false, failure.New(failure.KindBadRequest, op, fmt.Errorf("marshal request: %w", err))
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, failure.New(failure.KindBadRequest, op, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, failure.New(failure.KindNetwork, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, decodeError(op, resp)
	}
	if resp.StatusCode == http.StatusNoContent || out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode != http.StatusNoContent, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, failure.New(failure.KindNetwork, op, fmt.Errorf("read response: %w", err))
	}
	if len(bytes.TrimSpace(data)) == 0 || string(bytes.TrimSpace(data)) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, failure.New(failure.KindServerError, op, fmt.Errorf("decode response: %w", err))
	}
	return true, nil
}

func decodeError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var p errorPayload
	_ = json.Unmarshal(data, &p)
	text := p.text()
	reason := p.reason()

	fe := &failure.Error{
		Op:     op,
		Status: resp.StatusCode,
		Reason: reason,
		Err:    fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data))),
	}

	switch {
	case staleReasons[strings.ToLower(reason)]:
		fe.Kind = failure.KindStaleTranscript
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		fe.Kind = failure.KindUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		fe.Kind = failure.KindNotFound
	case resp.StatusCode >= 500:
		fe.Kind = failure.KindServerError
		fe.Message = text
	default:
		fe.Kind = failure.KindBadRequest
		fe.Message = text
	}
	if fe.Message == "" {
		fe.Message = failure.UserMessage(&failure.Error{Kind: fe.Kind})
	}
	return fe
}
