package api

import "fmt"

// ComputeOutcome is the result code of a compute task
type ComputeOutcome int32

const (
	ComputeOutcomeSuccess ComputeOutcome = iota
	ComputeOutcomeBlobNotFound
	ComputeOutcomeException
)

func (o ComputeOutcome) String() string {
	switch o {
	case ComputeOutcomeSuccess:
		return "Success"
	case ComputeOutcomeBlobNotFound:
		return "BlobNotFound"
	case ComputeOutcomeException:
		return "Exception"
	default:
		return fmt.Sprintf("ComputeOutcome(%d)", int32(o))
	}
}

// ComputeResult is carried CBOR-encoded in the output of a compute lease
type ComputeResult struct {
	Outcome ComputeOutcome `cbor:"outcome"`
	Detail  string         `cbor:"detail,omitempty"`
	Output  []byte         `cbor:"output,omitempty"`
}
