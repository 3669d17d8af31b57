package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/Cloud-V/Backend-sub002/internal/types"
)

type streamMessage struct {
	Type    string          `json:"type"`
	Kind    types.JobKind   `json:"kind,omitempty"`
	Stage   string          `json:"stage,omitempty"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// streamJob runs a job over the WebSocket endpoint, printing stage events
// as they arrive, and returns the final result.
func streamJob(ctx context.Context, w io.Writer, baseURL, user string, kind types.JobKind, repoID string, req any, verbose bool) (*JobResponse, error) {
	wsURL, err := convertToWebSocketURL(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to convert URL: %w", err)
	}

	header := http.Header{}
	if user != "" {
		header.Set("X-User-ID", user)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL+"/api/v1/connect", header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	defer conn.Close()

	if verbose {
		fmt.Fprintf(w, "Connected to WebSocket: %s\n", wsURL+"/api/v1/connect")
	}

	request, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	initMsg := types.WebSocketMessage{Type: "init", Kind: kind, RepoID: repoID, Request: request}
	if err := conn.WriteJSON(initMsg); err != nil {
		return nil, fmt.Errorf("failed to send init request: %w", err)
	}

	// The server closes the connection after the last message.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	bold := color.New(color.Bold)
	red := color.New(color.FgRed)

	for {
		var msg streamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("connection closed before the job finished: %w", err)
		}

		switch msg.Type {
		case "stage":
			bold.Fprintf(w, "== %s ==\n", strings.Title(msg.Stage))
			if msg.Error != "" {
				red.Fprintf(w, "    %s\n", msg.Error)
			}

		case "result":
			var resp JobResponse
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				return nil, fmt.Errorf("failed to decode result: %w", err)
			}
			return &resp, nil

		case "error":
			return nil, fmt.Errorf("job error: %s", msg.Error)

		default:
			if verbose {
				fmt.Fprintf(w, "Unknown message type: %s\n", msg.Type)
			}
		}
	}
}

func convertToWebSocketURL(httpURL string) (string, error) {
	u, err := url.Parse(httpURL)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported URL scheme: %s", u.Scheme)
	}

	return u.String(), nil
}
