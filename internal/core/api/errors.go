package api

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/segmentkeeper/internal/types"
)

// Error mapping:
//   validation            INVALID_ARGUMENT with one BadRequest violation per node path
//   bad request fields    INVALID_ARGUMENT
//   lifecycle             FAILED_PRECONDITION
//   audience not found    NOT_FOUND
//   unsupported predicate UNIMPLEMENTED
//   evaluation            UNAVAILABLE, or DEADLINE_EXCEEDED/CANCELED for context errors
// Auth errors are mapped in the auth package interceptor.

// errInvalidRequest marks malformed request documents.
var errInvalidRequest = errors.New("invalid request")

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errInvalidRequest, fmt.Sprintf(format, args...))
}

// toStatus converts a domain error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	var verrs types.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return validationStatus(verrs)
	case errors.Is(err, errInvalidRequest),
		errors.Is(err, types.ErrNameRequired),
		errors.Is(err, types.ErrInvalidAudienceType):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, types.ErrLifecycle),
		errors.Is(err, types.ErrInvalidTimezone):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, types.ErrAudienceNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, types.ErrUnsupportedPredicate):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, types.ErrEvaluation):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func validationStatus(verrs types.ValidationErrors) error {
	st := status.New(codes.InvalidArgument, verrs.Error())
	br := &errdetails.BadRequest{}
	for _, ve := range verrs {
		br.FieldViolations = append(br.FieldViolations, &errdetails.BadRequest_FieldViolation{
			Field:       ve.Path,
			Description: ve.Rule + ": " + ve.Message,
		})
	}
	detailed, err := st.WithDetails(br)
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}
