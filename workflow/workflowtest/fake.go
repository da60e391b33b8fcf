// Package workflowtest provides an in-memory workflow engine for tests.
package workflowtest

import (
	"context"
	"sync"

	"github.com/warp/leave-sync/workflow"
)

// Engine is a recording fake of workflow.Client. Created processes start in
// InitialState; executed commands move them to the state in Transitions,
// when one is configured.
type Engine struct {
	mu sync.Mutex

	InitialState string
	Transitions  map[string]string // command -> resulting state

	// Errors returned by the next calls of each operation, when set.
	CreateErr   error
	CommandErr  error
	InstanceErr error
	LogErr      error

	Commands map[string][]workflow.Command // identity -> available commands

	Created  []workflow.CreateInstanceRequest
	Executed []workflow.ExecuteCommandRequest
	Logs     map[string][]string

	instances map[string]*workflow.ProcessInstance
}

var _ workflow.Client = (*Engine)(nil)

// NewEngine creates an engine whose processes start in "LeaveRequestCreated".
func NewEngine() *Engine {
	return &Engine{
		InitialState: "LeaveRequestCreated",
		Transitions:  map[string]string{},
		Commands:     map[string][]workflow.Command{},
		Logs:         map[string][]string{},
		instances:    map[string]*workflow.ProcessInstance{},
	}
}

func (e *Engine) CreateInstance(_ context.Context, req workflow.CreateInstanceRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Created = append(e.Created, req)
	if e.CreateErr != nil {
		return e.CreateErr
	}
	params := workflow.Params{}
	for k, v := range req.Parameters {
		params[k] = v
	}
	e.instances[req.ProcessID] = &workflow.ProcessInstance{
		ID:         req.ProcessID,
		SchemeCode: req.SchemeCode,
		StateName:  e.InitialState,
		Parameters: params,
	}
	return nil
}

func (e *Engine) ExecuteCommand(_ context.Context, req workflow.ExecuteCommandRequest) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Executed = append(e.Executed, req)
	if e.CommandErr != nil {
		return e.CommandErr
	}
	if pi, ok := e.instances[req.ProcessID]; ok {
		if next, ok := e.Transitions[req.Command]; ok {
			pi.PreviousState = pi.StateName
			pi.StateName = next
		}
	}
	return nil
}

func (e *Engine) GetInstanceInfo(_ context.Context, processID string) (*workflow.ProcessInstance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.InstanceErr != nil {
		return nil, e.InstanceErr
	}
	pi, ok := e.instances[processID]
	if !ok {
		return nil, &workflow.UpstreamEngineError{Op: "instance", ProcessID: processID, StatusCode: 404}
	}
	cp := *pi
	return &cp, nil
}

func (e *Engine) GetAvailableCommands(_ context.Context, processID, identityID string) ([]workflow.Command, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.instances[processID]; !ok {
		return nil, &workflow.UpstreamEngineError{Op: "availablecommands", ProcessID: processID, StatusCode: 404}
	}
	return append([]workflow.Command(nil), e.Commands[identityID]...), nil
}

func (e *Engine) WriteLog(_ context.Context, processID, message string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LogErr != nil {
		return e.LogErr
	}
	e.Logs[processID] = append(e.Logs[processID], message)
	return nil
}

// SetState moves a process to state, as if the engine advanced it.
func (e *Engine) SetState(processID, state string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pi, ok := e.instances[processID]; ok {
		pi.PreviousState = pi.StateName
		pi.StateName = state
	}
}

// Instance returns the stored snapshot of a process, or nil.
func (e *Engine) Instance(processID string) *workflow.ProcessInstance {
	e.mu.Lock()
	defer e.mu.Unlock()
	pi, ok := e.instances[processID]
	if !ok {
		return nil
	}
	cp := *pi
	return &cp
}

// ExecutedCommands returns the names of executed commands in order.
func (e *Engine) ExecutedCommands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.Executed))
	for _, c := range e.Executed {
		out = append(out, c.Command)
	}
	return out
}
