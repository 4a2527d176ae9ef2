package server

import (
	"CDPLedger/internal/cdperr"
	"CDPLedger/internal/core"
	"CDPLedger/internal/ingestion"
	"CDPLedger/internal/query"
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// KindTrailer carries cdperr.KindOf of a rejected command or query.
const KindTrailer = "cdp-error-kind"

var kindCodes = map[cdperr.Kind]codes.Code{
	cdperr.KindPositionNotFound:       codes.NotFound,
	cdperr.KindPositionExists:         codes.AlreadyExists,
	cdperr.KindUnauthorized:           codes.PermissionDenied,
	cdperr.KindInvalidAmount:          codes.InvalidArgument,
	cdperr.KindInvalidList:            codes.InvalidArgument,
	cdperr.KindAssetMismatch:          codes.InvalidArgument,
	cdperr.KindDecimalUnderflow:       codes.InvalidArgument,
	cdperr.KindInvalidOrdering:        codes.FailedPrecondition,
	cdperr.KindStalePrice:             codes.FailedPrecondition,
	cdperr.KindNotLiquidatable:        codes.FailedPrecondition,
	cdperr.KindCollateralBelowMinimum: codes.FailedPrecondition,
	cdperr.KindLoanBelowMinimum:       codes.FailedPrecondition,
	cdperr.KindUndercollateralized:    codes.FailedPrecondition,
	cdperr.KindInsufficientBalance:    codes.FailedPrecondition,
	cdperr.KindInsufficientCollateral: codes.FailedPrecondition,
	cdperr.KindInsufficientRedeemable: codes.FailedPrecondition,
	cdperr.KindTimestampRegression:    codes.FailedPrecondition,
}

// codeOf maps an error from the ingest, query or admin paths to a gRPC code.
func codeOf(err error) codes.Code {
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	if code, ok := kindCodes[cdperr.KindOf(err)]; ok {
		return code
	}
	switch {
	case errors.Is(err, ingestion.ErrMalformedCommand), errors.Is(err, errBadRequest):
		return codes.InvalidArgument
	case errors.Is(err, query.ErrUnavailable), errors.Is(err, core.ErrSequencerStopped):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

// toStatus converts err to a status error and attaches its kind as a
// trailer when it is a ledger rejection.
func toStatus(ctx context.Context, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if cdperr.IsDomain(err) {
		grpc.SetTrailer(ctx, metadata.Pairs(KindTrailer, string(cdperr.KindOf(err))))
	}
	return status.Error(codeOf(err), err.Error())
}

var errBadRequest = errors.New("bad request")
