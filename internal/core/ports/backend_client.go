package ports

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrBackendUnavailable is returned when the chain daemon or the indexer
	// cannot be reached or does not answer in time.
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// BackendRejectedError is the error returned when the backend answers with a
// JSON-RPC error object, like a transaction rejected as double spend.
type BackendRejectedError struct {
	Code    int64
	Message string
}

func (e *BackendRejectedError) Error() string {
	return fmt.Sprintf("backend rejected request: %s (code %d)", e.Message, e.Code)
}

// BackendClient is the abstraction for any kind of JSON-RPC client talking
// to either the chain daemon or the address indexer.
type BackendClient interface {
	// Call invokes the given method and returns the raw result. The call is
	// retried once in case of transient failure, therefore it must be used
	// only for methods without side effects.
	Call(
		ctx context.Context, method string, params ...interface{},
	) (json.RawMessage, error)
	// CallOnce is like Call but never retries.
	CallOnce(
		ctx context.Context, method string, params ...interface{},
	) (json.RawMessage, error)
}
