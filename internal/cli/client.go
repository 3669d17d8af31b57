// Package cli implements the cloudv command line client.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Cloud-V/Backend-sub002/internal/diagnostics"
	"github.com/Cloud-V/Backend-sub002/internal/types"
)

// UserEnv supplies --user when the flag is not given.
const UserEnv = "CLOUDV_USER"

// JobResponse is the engine's answer to a job request.
type JobResponse struct {
	JobID       string                  `json:"job_id"`
	Kind        types.JobKind           `json:"kind"`
	Toolchain   string                  `json:"toolchain,omitempty"`
	Diagnostics diagnostics.Diagnostics `json:"diagnostics"`
	Stdout      string                  `json:"stdout,omitempty"`
	Artifacts   []Artifact              `json:"artifacts,omitempty"`
	Report      string                  `json:"report,omitempty"`
	Token       *types.TokenStatus      `json:"token,omitempty"`
}

// Artifact is an output file written back to the repository.
type Artifact struct {
	Name  string `json:"name"`
	Entry string `json:"entry"`
	Size  int    `json:"size"`
}

// Client talks to the engine's HTTP API.
type Client struct {
	baseURL string
	user    string
	http    *http.Client
}

// NewClient creates a client for baseURL acting as user.
func NewClient(baseURL, user string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		user:    user,
		http:    &http.Client{Timeout: timeout},
	}
}

func clientFor(cmd *cobra.Command, timeout time.Duration) *Client {
	baseURL, _ := cmd.Flags().GetString("url")
	return NewClient(baseURL, userFor(cmd), timeout)
}

func userFor(cmd *cobra.Command) string {
	user, _ := cmd.Flags().GetString("user")
	if user == "" {
		user = os.Getenv(UserEnv)
	}
	return user
}

// Do sends a request with an optional JSON body and decodes a JSON answer
// into out. Answers outside 2xx become errors carrying the server message.
func (c *Client) Do(method, path string, body, out any) error {
	raw, err := c.DoRaw(method, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// DoRaw is Do without decoding.
func (c *Client) DoRaw(method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set("X-User-ID", c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr types.ErrorResponse
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(raw))
	}
	return raw, nil
}

func repoPath(repoID, route string) string {
	return "/api/v1/repos/" + url.PathEscape(repoID) + "/" + route
}
