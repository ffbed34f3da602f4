// Package provision defines the contract to the cloud provisioning API
// that allocates remote game-server deployments. The coordinator never
// owns a session's ground truth; it is always re-fetched from the
// provider through this interface.
package provision

import (
	"context"
	"errors"
	"fmt"
)

// Status enumerates the provider-reported session states.
type Status string

const (
	StatusRequested Status = "Requested"
	StatusDeploying Status = "Deploying"
	StatusReady     Status = "Ready"
	StatusError     Status = "Error"
)

// PortMapping is one exposed port of a deployment.
type PortMapping struct {
	Internal int `json:"internal"`
	External int `json:"external"`
}

// Deployment describes the game server backing a ready session.
type Deployment struct {
	PublicIP string                 `json:"public_ip"`
	Ports    map[string]PortMapping `json:"ports"`
}

// Session mirrors the provider's view of one session.
type Session struct {
	SessionID  string      `json:"session_id"`
	Status     Status      `json:"status"`
	Ready      bool        `json:"ready"`
	Elapsed    int         `json:"elapsed"`
	Deployment *Deployment `json:"deployment,omitempty"`
}

// CreateSessionRequest asks the provider for a session near the given
// client IPs.
type CreateSessionRequest struct {
	AppName    string   `json:"app_name"`
	IPList     []string `json:"ip_list"`
	WebhookURL string   `json:"webhook_url,omitempty"`
}

// Application is the provider's record of a registered game.
type Application struct {
	Name        string `json:"name"`
	IsActive    bool   `json:"is_active"`
	LastUpdated string `json:"last_updated"`
}

// AppVersion is one deployable version of an application.
type AppVersion struct {
	Name     string `json:"name"`
	IsActive bool   `json:"is_active"`
}

// Client is the provisioning API surface the coordinator depends on.
// Create is never idempotent (each call provisions a new remote
// session); Delete is (404 and 410 mean the work is already done).
type Client interface {
	CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error)
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
	GetApplication(ctx context.Context, appName string) (*Application, error)
	GetAppVersion(ctx context.Context, appName, version string) (*AppVersion, error)
}

// APIError is a structured provider error carrying the HTTP-like
// status the provider responded with.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provision: status %d: %s", e.Status, e.Message)
}

// Gone reports whether the error means the target no longer exists:
// 404 (not found) or 410 (instance already terminated). Deletion
// treats these as success.
func (e *APIError) Gone() bool {
	return e.Status == 404 || e.Status == 410
}

// AsAPIError unwraps err into an *APIError if one is present.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
