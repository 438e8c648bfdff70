package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chicogong/gpu-gateway/pkg/logger"
	"github.com/chicogong/gpu-gateway/pkg/models"
	"go.uber.org/zap"
)

// maxErrorBody caps how much of an error reply is kept
const maxErrorBody = 4 << 10

// SurfConfig configures the SURF Research Cloud client
type SurfConfig struct {
	BaseURL   string
	AuthToken string
	CSRFToken string
	Timeout   time.Duration
}

// SurfClient talks to the SURF Research Cloud workspace API
type SurfClient struct {
	baseURL   string
	authToken string
	csrfToken string
	http      *http.Client
	logger    *logger.Logger
}

// NewSurfClient creates a SURF workspace client
func NewSurfClient(cfg SurfConfig, log *logger.Logger) *SurfClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SurfClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authToken: cfg.AuthToken,
		csrfToken: cfg.CSRFToken,
		http:      &http.Client{Timeout: timeout},
		logger:    log,
	}
}

type surfWorkspace struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	ResourceMeta struct {
		IP         string `json:"ip"`
		FlavorName string `json:"flavor_name"`
	} `json:"resource_meta"`
}

type surfWorkspaceList struct {
	Count   int             `json:"count"`
	Results []surfWorkspace `json:"results"`
}

// ListWorkspaces lists compute workspaces whose name matches nameFilter
func (c *SurfClient) ListWorkspaces(ctx context.Context, nameFilter string) ([]models.Workspace, error) {
	q := url.Values{}
	q.Set("application_type", "Compute")
	q.Set("deleted", "false")
	q.Set("name", nameFilter)

	var list surfWorkspaceList
	if err := c.do(ctx, http.MethodGet, "/workspace/workspaces/?"+q.Encode(), nil, &list); err != nil {
		return nil, err
	}

	workspaces := make([]models.Workspace, 0, len(list.Results))
	for _, ws := range list.Results {
		workspaces = append(workspaces, models.Workspace{
			ID:     ws.ID,
			Name:   ws.Name,
			IP:     ws.ResourceMeta.IP,
			Status: parseStatus(ws.Status),
			Flavor: ws.ResourceMeta.FlavorName,
		})
	}

	c.logger.Debug("Listed workspaces",
		zap.String("filter", nameFilter),
		zap.Int("count", len(workspaces)),
	)
	return workspaces, nil
}

// Resume asks the cloud to resume a paused workspace
func (c *SurfClient) Resume(ctx context.Context, id string) error {
	return c.action(ctx, id, "resume")
}

// Pause asks the cloud to pause a running workspace
func (c *SurfClient) Pause(ctx context.Context, id string) error {
	return c.action(ctx, id, "pause")
}

func (c *SurfClient) action(ctx context.Context, id, action string) error {
	path := fmt.Sprintf("/workspace/workspaces/%s/actions/%s/", url.PathEscape(id), action)
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, path, map[string]any{}, &resp); err != nil {
		return err
	}

	c.logger.Info("Workspace action initiated",
		zap.String("workspace_id", id),
		zap.String("action", action),
		zap.String("action_id", resp.ID),
	)
	return nil
}

func (c *SurfClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json;Compute")
	req.Header.Set("Authorization", c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.csrfToken != "" {
		req.Header.Set("X-CSRFTOKEN", c.csrfToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cloud api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func parseStatus(s string) models.WorkspaceStatus {
	switch st := models.WorkspaceStatus(strings.ToLower(s)); st {
	case models.WorkspaceStatusRunning,
		models.WorkspaceStatusPaused,
		models.WorkspaceStatusResuming,
		models.WorkspaceStatusPausing,
		models.WorkspaceStatusUpdating:
		return st
	default:
		return models.WorkspaceStatusUnknown
	}
}
