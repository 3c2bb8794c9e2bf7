package server

import (
	"SettleLedger/internal/core"
	"SettleLedger/internal/ingestion"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/merkle"
	"SettleLedger/internal/query"
	"SettleLedger/internal/settlement"
	"SettleLedger/internal/state"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var invalidArgument = []error{
	settlement.ErrInvalidOption,
	settlement.ErrOutcomeMissing,
	settlement.ErrNotClosed,
	settlement.ErrWithdrawn,
	settlement.ErrInvalidAction,
	settlement.ErrActorRequired,
	settlement.ErrReasonRequired,
	settlement.ErrCorrectionOption,
	settlement.ErrInvalidEntry,
	ledger.ErrInvalidTransaction,
	merkle.ErrInvalidAddress,
	query.ErrUnknownCurrency,
	core.ErrEmptyKey,
	ingestion.ErrMalformed,
	ingestion.ErrUnknownProvider,
}

var notFound = []error{
	settlement.ErrPredictionNotFound,
	settlement.ErrRecordNotFound,
	settlement.ErrJobNotFound,
	settlement.ErrDisputeNotFound,
	settlement.ErrCorrectionNotFound,
	merkle.ErrLeafNotFound,
	ledger.ErrNotFound,
}

var conflict = []error{
	settlement.ErrOutcomeMismatch,
	settlement.ErrJobRunning,
	settlement.ErrRetryRequired,
	settlement.ErrRetryNotAllowed,
	settlement.ErrNoMerkleRoot,
	settlement.ErrDisputeClosed,
	settlement.ErrCorrectionApplied,
	state.ErrInvalidTransition,
	core.ErrInProgress,
}

// toStatus maps a service error onto a gRPC status. Unknown errors become
// Internal with a generic message.
func toStatus(err error) *status.Status {
	if st, ok := status.FromError(err); ok {
		return st
	}
	switch {
	case isAny(err, invalidArgument):
		return status.New(codes.InvalidArgument, err.Error())
	case isAny(err, notFound):
		return status.New(codes.NotFound, err.Error())
	case isAny(err, conflict):
		return status.New(codes.Aborted, err.Error())
	case errors.Is(err, core.ErrKeyReuse):
		return status.New(codes.FailedPrecondition, core.ErrKeyReuse.Error())
	case errors.Is(err, settlement.ErrRelayerFailed):
		return status.New(codes.Unavailable, settlement.ErrRelayerFailed.Error())
	default:
		return status.New(codes.Internal, "internal error")
	}
}

// httpStatus is runtime.HTTPStatusFromCode except FailedPrecondition, which
// is only produced for idempotency key reuse.
func httpStatus(c codes.Code) int {
	if c == codes.FailedPrecondition {
		return http.StatusUnprocessableEntity
	}
	return runtime.HTTPStatusFromCode(c)
}

func isAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

func badRequest(msg string) error {
	return status.Error(codes.InvalidArgument, msg)
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
