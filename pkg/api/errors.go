package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrMalformedResponse is returned when the coordinator sends something that
// cannot be decoded or violates the protocol
var ErrMalformedResponse = errors.New("malformed coordinator response")

// IsCancellation reports whether err was caused by a cancelled context or a
// cancelled RPC
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.Canceled {
		return true
	}
	return false
}

// IsUnavailable reports whether err is a gRPC Unavailable status
func IsUnavailable(err error) bool {
	return status.Code(err) == codes.Unavailable
}
