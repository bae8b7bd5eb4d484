package control

import (
	"context"
	"errors"
	"net/http"

	"github.com/beegramm/beegram/internal/backend"
	"github.com/beegramm/beegram/internal/call"
	"github.com/beegramm/beegram/internal/chat"
	"github.com/beegramm/beegram/internal/core"
	"github.com/beegramm/beegram/internal/router"
	"github.com/beegramm/beegram/internal/rtc"
	"github.com/beegramm/beegram/internal/transport"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps client errors to gRPC status codes. nil stays nil.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return grpcstatus.FromContextError(err).Err()
	}

	var tooLong *router.ContentTooLongError
	var apiErr *backend.Error
	switch {
	case errors.As(err, &tooLong),
		errors.Is(err, router.ErrEmptyContent),
		errors.Is(err, router.ErrMissingFile),
		errors.Is(err, router.ErrInvalidType),
		errors.Is(err, router.ErrEmptyReaction):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, router.ErrUnknownMessage),
		errors.Is(err, chat.ErrUnknownChat):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, router.ErrNoActiveChat),
		errors.Is(err, router.ErrNotPrivateChat),
		errors.Is(err, call.ErrNoActiveChat),
		errors.Is(err, call.ErrNoPeer),
		errors.Is(err, call.ErrNoIncomingCall),
		errors.Is(err, call.ErrNoCall),
		errors.Is(err, rtc.ErrNoMicrophone):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, call.ErrCallInProgress):
		return grpcstatus.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, core.ErrNotStarted):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.As(err, &apiErr):
		return grpcstatus.Error(backendCode(apiErr.Status), err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

func backendCode(httpStatus int) codes.Code {
	switch httpStatus {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusOK:
		// success:false inside a 200.
		return codes.FailedPrecondition
	}
	if httpStatus >= 500 {
		return codes.Unavailable
	}
	return codes.Unknown
}
