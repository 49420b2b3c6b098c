package api

import (
	"fmt"
	"time"
)

// AgentStatus is the status an agent reports on every session update
type AgentStatus int32

const (
	AgentStatusOk AgentStatus = iota
	AgentStatusUnhealthy
	AgentStatusStopping
)

func (s AgentStatus) String() string {
	switch s {
	case AgentStatusOk:
		return "Ok"
	case AgentStatusUnhealthy:
		return "Unhealthy"
	case AgentStatusStopping:
		return "Stopping"
	default:
		return fmt.Sprintf("AgentStatus(%d)", int32(s))
	}
}

// LeaseState is the lifecycle state of a lease.
// Legal transitions are Pending -> Active -> {Completed, Cancelled}.
type LeaseState int32

const (
	LeaseStatePending LeaseState = iota
	LeaseStateActive
	LeaseStateCompleted
	LeaseStateCancelled
)

func (s LeaseState) String() string {
	switch s {
	case LeaseStatePending:
		return "Pending"
	case LeaseStateActive:
		return "Active"
	case LeaseStateCompleted:
		return "Completed"
	case LeaseStateCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("LeaseState(%d)", int32(s))
	}
}

// Terminal reports whether the state is Completed or Cancelled
func (s LeaseState) Terminal() bool {
	return s == LeaseStateCompleted || s == LeaseStateCancelled
}

// CanTransition reports whether moving from s to next is a legal lease transition
func (s LeaseState) CanTransition(next LeaseState) bool {
	switch s {
	case LeaseStatePending:
		return next == LeaseStateActive
	case LeaseStateActive:
		return next.Terminal()
	default:
		return false
	}
}

// LeaseOutcome is set when a lease reaches a terminal state
type LeaseOutcome int32

const (
	LeaseOutcomeUnspecified LeaseOutcome = iota
	LeaseOutcomeSuccess
	LeaseOutcomeFailed
	LeaseOutcomeCancelled
)

func (o LeaseOutcome) String() string {
	switch o {
	case LeaseOutcomeUnspecified:
		return "Unspecified"
	case LeaseOutcomeSuccess:
		return "Success"
	case LeaseOutcomeFailed:
		return "Failed"
	case LeaseOutcomeCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("LeaseOutcome(%d)", int32(o))
	}
}

// Lease is a unit of work assigned to this agent by the coordinator
type Lease struct {
	ID      string       `cbor:"id" json:"id"`
	Name    string       `cbor:"name,omitempty" json:"name,omitempty"`
	State   LeaseState   `cbor:"state" json:"state"`
	Outcome LeaseOutcome `cbor:"outcome,omitempty" json:"outcome,omitempty"`
	Payload Payload      `cbor:"payload" json:"payload"`
	Output  []byte       `cbor:"output,omitempty" json:"output,omitempty"`
}

// Clone returns a deep copy of the lease
func (l *Lease) Clone() *Lease {
	c := *l
	c.Payload.Body = append([]byte(nil), l.Payload.Body...)
	if l.Output != nil {
		c.Output = append([]byte(nil), l.Output...)
	}
	return &c
}

// LeaseResult is the value produced by running a lease. Cancellation is a
// regular outcome here, not an error.
type LeaseResult struct {
	Outcome LeaseOutcome
	Output  []byte
}

var (
	LeaseSucceeded = LeaseResult{Outcome: LeaseOutcomeSuccess}
	LeaseFailed    = LeaseResult{Outcome: LeaseOutcomeFailed}
	LeaseCancelled = LeaseResult{Outcome: LeaseOutcomeCancelled}
)

// Device describes one device attached to the agent
type Device struct {
	Handle     string   `cbor:"handle" json:"handle" yaml:"handle"`
	Properties []string `cbor:"properties,omitempty" json:"properties,omitempty" yaml:"properties,omitempty"`
}

// Capabilities is the snapshot of machine properties reported to the coordinator
type Capabilities struct {
	Properties []string `cbor:"properties,omitempty" json:"properties,omitempty" yaml:"properties,omitempty"`
	Devices    []Device `cbor:"devices,omitempty" json:"devices,omitempty" yaml:"devices,omitempty"`
}

// Session is the authenticated registration of this agent with the coordinator
type Session struct {
	AgentID      string
	SessionID    string
	Token        string
	Capabilities *Capabilities
	// ExpiresAt is zero when the token carries no expiry
	ExpiresAt time.Time
}

// CreateSessionRequest registers the agent
type CreateSessionRequest struct {
	Name         string        `cbor:"name"`
	Status       AgentStatus   `cbor:"status"`
	Version      string        `cbor:"version,omitempty"`
	Capabilities *Capabilities `cbor:"capabilities,omitempty"`
}

// CreateSessionResponse carries the new session identity
type CreateSessionResponse struct {
	AgentID   string `cbor:"agent_id"`
	SessionID string `cbor:"session_id"`
	Token     string `cbor:"token"`
}

// UpdateSessionRequest reports the full local lease list and status
type UpdateSessionRequest struct {
	AgentID      string        `cbor:"agent_id"`
	SessionID    string        `cbor:"session_id"`
	Status       AgentStatus   `cbor:"status"`
	Leases       []*Lease      `cbor:"leases,omitempty"`
	Capabilities *Capabilities `cbor:"capabilities,omitempty"`
}

// UpdateSessionResponse is the coordinator's authoritative lease list
type UpdateSessionResponse struct {
	Leases []*Lease `cbor:"leases,omitempty"`
}

// BeginBatchRequest starts executing a batch
type BeginBatchRequest struct {
	JobID   string `cbor:"job_id"`
	BatchID string `cbor:"batch_id"`
	LeaseID string `cbor:"lease_id"`
}

// BeginBatchResponse describes the batch environment
type BeginBatchResponse struct {
	AgentType   string   `cbor:"agent_type,omitempty"`
	LogID       string   `cbor:"log_id,omitempty"`
	Change      int64    `cbor:"change,omitempty"`
	Environment []string `cbor:"environment,omitempty"`
}

// FinishBatchRequest marks a batch as finished
type FinishBatchRequest struct {
	JobID   string `cbor:"job_id"`
	BatchID string `cbor:"batch_id"`
	LeaseID string `cbor:"lease_id"`
}

// BeginStepState is the result of asking for the next step
type BeginStepState int32

const (
	BeginStepWaiting BeginStepState = iota
	BeginStepReady
	BeginStepComplete
)

func (s BeginStepState) String() string {
	switch s {
	case BeginStepWaiting:
		return "Waiting"
	case BeginStepReady:
		return "Ready"
	case BeginStepComplete:
		return "Complete"
	default:
		return fmt.Sprintf("BeginStepState(%d)", int32(s))
	}
}

// BeginStepRequest asks for the next step of a batch
type BeginStepRequest struct {
	JobID   string `cbor:"job_id"`
	BatchID string `cbor:"batch_id"`
	LeaseID string `cbor:"lease_id"`
}

// BeginStepResponse describes the next step, if any
type BeginStepResponse struct {
	State     BeginStepState `cbor:"state"`
	StepID    string         `cbor:"step_id,omitempty"`
	Name      string         `cbor:"name,omitempty"`
	LogID     string         `cbor:"log_id,omitempty"`
	Arguments []string       `cbor:"arguments,omitempty"`
	// Warnings controls whether warnings in the step log degrade the outcome
	Warnings bool `cbor:"warnings,omitempty"`
}

// GetStepRequest polls the state of a running step
type GetStepRequest struct {
	JobID   string `cbor:"job_id"`
	BatchID string `cbor:"batch_id"`
	StepID  string `cbor:"step_id"`
}

// GetStepResponse reports out-of-band step state
type GetStepResponse struct {
	AbortRequested bool `cbor:"abort_requested"`
}

// StepState is the final state reported for a step
type StepState int32

const (
	StepStateUnspecified StepState = iota
	StepStateCompleted
	StepStateAborted
)

func (s StepState) String() string {
	switch s {
	case StepStateCompleted:
		return "Completed"
	case StepStateAborted:
		return "Aborted"
	default:
		return "Unspecified"
	}
}

// StepOutcome is ordered from worst to best so that the minimum of two
// outcomes is the worse one.
type StepOutcome int32

const (
	StepOutcomeFailure StepOutcome = iota
	StepOutcomeWarnings
	StepOutcomeSuccess
)

func (o StepOutcome) String() string {
	switch o {
	case StepOutcomeFailure:
		return "Failure"
	case StepOutcomeWarnings:
		return "Warnings"
	case StepOutcomeSuccess:
		return "Success"
	default:
		return fmt.Sprintf("StepOutcome(%d)", int32(o))
	}
}

// WorseOutcome returns the worse of two step outcomes
func WorseOutcome(a, b StepOutcome) StepOutcome {
	if a < b {
		return a
	}
	return b
}

// UpdateStepRequest reports the outcome of a step
type UpdateStepRequest struct {
	JobID   string      `cbor:"job_id"`
	BatchID string      `cbor:"batch_id"`
	StepID  string      `cbor:"step_id"`
	State   StepState   `cbor:"state"`
	Outcome StepOutcome `cbor:"outcome"`
}

// DownloadSoftwareRequest asks for an agent software package
type DownloadSoftwareRequest struct {
	Version string `cbor:"version"`
}

// DownloadSoftwareResponse is one chunk of the software package
type DownloadSoftwareResponse struct {
	Data []byte `cbor:"data"`
}

// Workspace describes a workspace the agent should keep synced
type Workspace struct {
	Identifier  string   `cbor:"identifier"`
	Stream      string   `cbor:"stream,omitempty"`
	View        []string `cbor:"view,omitempty"`
	Incremental bool     `cbor:"incremental,omitempty"`
}

// UpdateAgentWorkspacesRequest reports the workspaces that were conformed
type UpdateAgentWorkspacesRequest struct {
	AgentID    string       `cbor:"agent_id"`
	Workspaces []*Workspace `cbor:"workspaces,omitempty"`
}

// UpdateAgentWorkspacesResponse tells the agent whether to conform again
type UpdateAgentWorkspacesResponse struct {
	Retry             bool         `cbor:"retry"`
	PendingWorkspaces []*Workspace `cbor:"pending_workspaces,omitempty"`
}

// Empty is used for RPCs with no response body
type Empty struct{}
