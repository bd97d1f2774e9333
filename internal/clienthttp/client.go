// Package clienthttp talks to the rendezvous server's plain HTTP endpoints.
package clienthttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xSeung/MultiThread-FileTransferr/pkg/protocol"
)

// SessionResponse represents the response from POST /session.
type SessionResponse struct {
	SessionID string
	JoinCode  string
	ExpiresAt time.Time // zero when the session never expires
}

// BaseURL normalizes a server address to an http(s) base without a trailing slash.
func BaseURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "http://"), strings.HasPrefix(u, "https://"):
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	default:
		u = "http://" + u
	}
	return u
}

// CreateSession creates a new session by calling POST /session on the server.
// Uses a 5 second timeout for the HTTP request.
func CreateSession(ctx context.Context, serverURL string) (SessionResponse, error) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, BaseURL(serverURL)+"/session", nil)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return SessionResponse{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return SessionResponse{}, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw protocol.CreateSessionResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return SessionResponse{}, fmt.Errorf("parse response: %w", err)
	}
	if raw.SessionID == "" || raw.JoinCode == "" {
		return SessionResponse{}, fmt.Errorf("parse response: missing session_id or join_code")
	}

	out := SessionResponse{SessionID: raw.SessionID, JoinCode: raw.JoinCode}
	if raw.ExpiresAt != "" {
		out.ExpiresAt, err = time.Parse(time.RFC3339, raw.ExpiresAt)
		if err != nil {
			return SessionResponse{}, fmt.Errorf("parse expires_at: %w", err)
		}
	}
	return out, nil
}
