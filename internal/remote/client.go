// Package remote is the HTTP client for the project store API. The
// restore coordinator uses it as the fallback source on a local history
// miss; the sync agents use it as their upstream.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/chisel-dev/chisel/internal/chat"
	"github.com/chisel-dev/chisel/internal/project"
	"github.com/chisel-dev/chisel/internal/restore"
)

// Sentinel errors for remote store calls. Check with errors.Is().
var (
	ErrUnauthorized = errors.New("remote store rejected credentials")
	ErrNotFound     = errors.New("project not found on remote store")
)

const defaultTimeout = 30 * time.Second

// Client talks to the project store API. Restore and list calls carry no
// client-side deadline beyond the transport timeout; a slow restore is
// better than a failed one.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a project store client. token is sent as a bearer
// credential on every request.
func NewClient(baseURL, token string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type projectEnvelope struct {
	Project  *project.Project  `json:"project"`
	Existed  bool              `json:"existed"`
	Projects []project.Project `json:"projects"`
}

type loadEnvelope struct {
	Project   *project.Project     `json:"project"`
	Messages  []chat.Message       `json:"messages"`
	Files     chat.FileMap         `json:"files"`
	Workbench *chat.WorkbenchState `json:"workbench"`
}

// LoadProject fetches a full project by id or url id. Returns (nil, nil)
// when the project does not exist or belongs to someone else, per the
// restore coordinator's contract.
func (c *Client) LoadProject(ctx context.Context, ref string) (*restore.RemoteProject, error) {
	var env loadEnvelope
	err := c.do(ctx, http.MethodGet, "/api/projects/"+ref+"/load", nil, &env)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if env.Project == nil {
		return nil, fmt.Errorf("malformed load response for %q", ref)
	}
	return &restore.RemoteProject{
		ID:          env.Project.ID.String(),
		URLID:       env.Project.URLID,
		Description: env.Project.Description,
		Messages:    env.Messages,
		Files:       env.Files,
		Workbench:   env.Workbench,
	}, nil
}

// EnsureProject creates the project record for urlID if it does not
// exist, touching it otherwise. Reports whether it already existed.
func (c *Client) EnsureProject(ctx context.Context, urlID, description string) (*project.Project, bool, error) {
	body := map[string]string{"urlId": urlID, "description": description, "intent": "touch"}
	var env projectEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/projects", body, &env); err != nil {
		return nil, false, err
	}
	if env.Project == nil {
		return nil, false, errors.New("malformed project response")
	}
	return env.Project, env.Existed, nil
}

// UpdateDescription renames a project.
func (c *Client) UpdateDescription(ctx context.Context, projectID, description string) error {
	body := map[string]string{"projectId": projectID, "description": description, "intent": "update"}
	return c.do(ctx, http.MethodPost, "/api/projects", body, nil)
}

// DeleteProject removes a project and all its rows.
func (c *Client) DeleteProject(ctx context.Context, projectID string) error {
	body := map[string]string{"projectId": projectID, "intent": "delete"}
	return c.do(ctx, http.MethodPost, "/api/projects", body, nil)
}

// ListProjects returns the caller's projects, most recently opened first.
func (c *Client) ListProjects(ctx context.Context) ([]project.Project, error) {
	var env projectEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/projects", nil, &env); err != nil {
		return nil, err
	}
	return env.Projects, nil
}

// SaveMessages replaces the project's transcript. The server prunes rows
// absent from the list, which is how a rewind propagates remotely.
func (c *Client) SaveMessages(ctx context.Context, projectID string, messages []chat.Message, description string) error {
	body := map[string]any{"messages": messages}
	if description != "" {
		body["description"] = description
	}
	return c.do(ctx, http.MethodPost, "/api/projects/"+projectID+"/messages", body, nil)
}

// SaveFiles upserts the project's file contents. Folder entries are
// dropped server-side.
func (c *Client) SaveFiles(ctx context.Context, projectID string, files chat.FileMap) error {
	return c.do(ctx, http.MethodPost, "/api/projects/"+projectID+"/files", map[string]any{"files": files}, nil)
}

// SaveWorkbench replaces the project's workbench state.
func (c *Client) SaveWorkbench(ctx context.Context, projectID string, wb *chat.WorkbenchState) error {
	return c.do(ctx, http.MethodPost, "/api/projects/"+projectID+"/workbench", map[string]any{"workbench": wb}, nil)
}

// SaveProfile upserts the caller's user profile.
func (c *Client) SaveProfile(ctx context.Context, p project.Profile) (*project.Profile, error) {
	var env struct {
		Profile *project.Profile `json:"profile"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/user-profile", p, &env); err != nil {
		return nil, err
	}
	return env.Profile, nil
}

// do issues one JSON request. out may be nil when the response body is
// irrelevant.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s: %s", method, path, serverError(resp.Body, resp.Status))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// serverError extracts the API's error message, falling back to the HTTP
// status line.
func serverError(body io.Reader, status string) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return status
}
