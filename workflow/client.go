package workflow

import "context"

// Client drives process instances on the workflow engine. Every call is a
// single attempt; failures surface as *UpstreamEngineError.
type Client interface {
	// CreateInstance starts a process under a caller-chosen process id.
	CreateInstance(ctx context.Context, req CreateInstanceRequest) error

	// ExecuteCommand fires a command on a process as an identity.
	ExecuteCommand(ctx context.Context, req ExecuteCommandRequest) error

	// GetInstanceInfo returns the current snapshot of a process.
	GetInstanceInfo(ctx context.Context, processID string) (*ProcessInstance, error)

	// GetAvailableCommands lists the commands identityID may execute now.
	GetAvailableCommands(ctx context.Context, processID, identityID string) ([]Command, error)

	// WriteLog appends a message to the process log kept by the engine.
	WriteLog(ctx context.Context, processID, message string) error
}

// CreateInstanceRequest starts a process.
type CreateInstanceRequest struct {
	ProcessID  string         `json:"-"`
	SchemeCode string         `json:"schemeCode"`
	IdentityID string         `json:"identityId"`
	Parameters map[string]any `json:"parameters"`
}

// ExecuteCommandRequest fires a command.
type ExecuteCommandRequest struct {
	ProcessID  string         `json:"processId"`
	Command    string         `json:"command"`
	IdentityID string         `json:"identityId"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// Command is an executable command as reported by the engine.
type Command struct {
	CommandName          string   `json:"commandName"`
	LocalizedName        string   `json:"localizedName"`
	ValidForActivityName string   `json:"validForActivityName,omitempty"`
	ValidForStateName    string   `json:"validForStateName,omitempty"`
	Classifier           string   `json:"classifier,omitempty"`
	Identities           []string `json:"identities,omitempty"`
}

// Commands issued by the leave approval scheme.
const (
	CommandManagerApprove = "ManagerApprove"
	CommandManagerReject  = "ManagerReject"
	CommandHRApprove      = "HRApprove"
	CommandHRReject       = "HRReject"
	CommandCancel         = "Cancel"
)
