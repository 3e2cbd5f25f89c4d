package errors

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GRPCStatus converts a SentinelError to a gRPC status. HTTP codes map to:
//   - 400 -> InvalidArgument
//   - 404 -> NotFound
//   - 413, 429 -> ResourceExhausted
//   - 503 -> Unavailable
//   - default -> Internal
func GRPCStatus(err *SentinelError) *status.Status {
	return status.New(httpToGRPCCode(err.Code), err.Message+" (hint: "+err.Hint+")")
}

func httpToGRPCCode(httpCode int) codes.Code {
	switch httpCode {
	case 400:
		return codes.InvalidArgument
	case 404:
		return codes.NotFound
	case 413, 429:
		return codes.ResourceExhausted
	case 503:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
