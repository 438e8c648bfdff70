package cloud

import (
	"context"
	"fmt"

	"github.com/chicogong/gpu-gateway/pkg/models"
)

// Client is the narrow view of the cloud workspace API the gateway needs.
// Implementations must not touch node state; callers own that.
type Client interface {
	ListWorkspaces(ctx context.Context, nameFilter string) ([]models.Workspace, error)
	Resume(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
}

// APIError is a non-200 reply from the cloud API
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud api %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the call may help
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
