package rpc_handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/vulpemventures/connector/internal/core/application"
	"github.com/vulpemventures/connector/internal/core/ports"
)

const (
	CodeBackendUnavailable int64 = -32000
	CodeBackendRejected    int64 = -32001
)

// toRpcError maps an application error to a JSON-RPC error object and to the
// HTTP status code to use when served over plain HTTP.
func toRpcError(err error) (*jsonrpc2.Error, int) {
	var badRequestErr *application.BadRequestError
	var schemaErr *application.InternalSchemaError
	var rejectedErr *ports.BackendRejectedError

	switch {
	case errors.Is(err, application.ErrMethodNotFound):
		return &jsonrpc2.Error{
			Code: jsonrpc2.CodeMethodNotFound, Message: err.Error(),
		}, http.StatusNotFound
	case errors.As(err, &badRequestErr):
		return &jsonrpc2.Error{
			Code: jsonrpc2.CodeInvalidParams, Message: err.Error(),
		}, http.StatusBadRequest
	case errors.As(err, &schemaErr):
		return &jsonrpc2.Error{
			Code: jsonrpc2.CodeInternalError, Message: err.Error(),
		}, http.StatusInternalServerError
	case errors.As(err, &rejectedErr):
		rpcErr := &jsonrpc2.Error{Code: CodeBackendRejected, Message: rejectedErr.Message}
		rpcErr.SetError(map[string]int64{"backendCode": rejectedErr.Code})
		return rpcErr, http.StatusBadGateway
	case errors.Is(err, ports.ErrBackendUnavailable),
		errors.Is(err, application.ErrMalformedBackendReply):
		return &jsonrpc2.Error{
			Code: CodeBackendUnavailable, Message: err.Error(),
		}, http.StatusServiceUnavailable
	default:
		return &jsonrpc2.Error{
			Code: jsonrpc2.CodeInternalError, Message: err.Error(),
		}, http.StatusInternalServerError
	}
}

func parseError(msg string) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeParseError, Message: msg}
}

func invalidRequest(msg string) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidRequest, Message: msg}
}

func rawParams(params *json.RawMessage) json.RawMessage {
	if params == nil {
		return nil
	}
	return *params
}
