package api

import (
	"errors"
	"fmt"
)

// Payload type tags understood by this agent
const (
	TypeComputeTask    = "buildfarm.ComputeTask"
	TypeConformTask    = "buildfarm.ConformTask"
	TypeExecuteJobTask = "buildfarm.ExecuteJobTask"
	TypeUpgradeTask    = "buildfarm.UpgradeTask"
	TypeShutdownTask   = "buildfarm.ShutdownTask"
	TypeRestartTask    = "buildfarm.RestartTask"
)

// Older coordinators tag upgrade payloads without the package prefix
var upgradeTypeAliases = map[string]bool{
	"UpgradeTask":       true,
	"agent.UpgradeTask": true,
}

// ErrUnknownPayload is returned when a lease payload carries a type tag this
// agent does not understand. It indicates a protocol mismatch and is never retried.
var ErrUnknownPayload = errors.New("unknown lease payload type")

// Payload is the wire form of a lease task: a type tag plus a CBOR body
type Payload struct {
	Type string `cbor:"type" json:"type"`
	Body []byte `cbor:"body,omitempty" json:"-"`
}

// Task is the closed set of work a lease can carry. Only types in this
// package implement it.
type Task interface {
	taskType() string
}

// ComputeTask runs a remote compute action
type ComputeTask struct {
	Action    []byte            `cbor:"action"`
	InputHash string            `cbor:"input_hash,omitempty"`
	Env       map[string]string `cbor:"env,omitempty"`
}

// ConformTask brings the machine's workspaces into the expected state
type ConformTask struct {
	LogID      string       `cbor:"log_id,omitempty"`
	Workspaces []*Workspace `cbor:"workspaces,omitempty"`
}

// ExecuteJobTask runs one batch of a job
type ExecuteJobTask struct {
	JobID   string `cbor:"job_id"`
	JobName string `cbor:"job_name,omitempty"`
	BatchID string `cbor:"batch_id"`
	LogID   string `cbor:"log_id,omitempty"`
}

// UpgradeTask replaces the running agent software
type UpgradeTask struct {
	SoftwareID string `cbor:"software_id"`
	LogID      string `cbor:"log_id,omitempty"`
	// Digest is the hex blake3 hash of the decompressed package, if known
	Digest string `cbor:"digest,omitempty"`
	// Compression is "" or "zstd"
	Compression string `cbor:"compression,omitempty"`
}

// ShutdownTask asks the agent to stop once idle
type ShutdownTask struct {
	LogID string `cbor:"log_id,omitempty"`
}

// RestartTask asks the agent to restart once idle
type RestartTask struct {
	LogID string `cbor:"log_id,omitempty"`
}

func (*ComputeTask) taskType() string    { return TypeComputeTask }
func (*ConformTask) taskType() string    { return TypeConformTask }
func (*ExecuteJobTask) taskType() string { return TypeExecuteJobTask }
func (*UpgradeTask) taskType() string    { return TypeUpgradeTask }
func (*ShutdownTask) taskType() string   { return TypeShutdownTask }
func (*RestartTask) taskType() string    { return TypeRestartTask }

// TaskKind returns a short label for a task, used in logs and metrics
func TaskKind(t Task) string {
	switch t.(type) {
	case *ComputeTask:
		return "compute"
	case *ConformTask:
		return "conform"
	case *ExecuteJobTask:
		return "job"
	case *UpgradeTask:
		return "upgrade"
	case *ShutdownTask:
		return "shutdown"
	case *RestartTask:
		return "restart"
	default:
		return "unknown"
	}
}

// NewPayload encodes a task into its wire form
func NewPayload(t Task) (Payload, error) {
	body, err := Marshal(t)
	if err != nil {
		return Payload{}, fmt.Errorf("failed to encode %s: %w", t.taskType(), err)
	}
	return Payload{Type: t.taskType(), Body: body}, nil
}

// MustPayload is NewPayload for static values; it panics on error
func MustPayload(t Task) Payload {
	p, err := NewPayload(t)
	if err != nil {
		panic(err)
	}
	return p
}

// Decode unpacks the payload into its concrete task type
func (p Payload) Decode() (Task, error) {
	var t Task
	switch {
	case p.Type == TypeComputeTask:
		t = &ComputeTask{}
	case p.Type == TypeConformTask:
		t = &ConformTask{}
	case p.Type == TypeExecuteJobTask:
		t = &ExecuteJobTask{}
	case p.Type == TypeUpgradeTask || upgradeTypeAliases[p.Type]:
		t = &UpgradeTask{}
	case p.Type == TypeShutdownTask:
		t = &ShutdownTask{}
	case p.Type == TypeRestartTask:
		t = &RestartTask{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPayload, p.Type)
	}

	if len(p.Body) > 0 {
		if err := Unmarshal(p.Body, t); err != nil {
			return nil, fmt.Errorf("%w: %s body: %v", ErrMalformedResponse, p.Type, err)
		}
	}
	return t, nil
}
