package rpc_handler

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"
	"github.com/vulpemventures/connector/internal/core/application"
)

const maxRequestSize = 1 << 20

type httpHandler struct {
	methodSvc *application.MethodService

	log func(format string, a ...interface{})
}

// NewHTTPHandler returns the handler serving the canonical methods as
// JSON-RPC 2.0 over plain HTTP. Subscription methods are not available since
// they require a persistent connection.
func NewHTTPHandler(methodSvc *application.MethodService) http.Handler {
	logFn := func(format string, a ...interface{}) {
		format = fmt.Sprintf("http handler: %s", format)
		log.Debugf(format, a...)
	}
	return &httpHandler{methodSvc, logFn}
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		writeResponse(w, http.StatusBadRequest, &jsonrpc2.Response{
			Error: parseError(err.Error()),
		})
		return
	}

	req := &jsonrpc2.Request{}
	if err := json.Unmarshal(body, req); err != nil {
		writeResponse(w, http.StatusBadRequest, &jsonrpc2.Response{
			Error: parseError(err.Error()),
		})
		return
	}
	if len(req.Method) <= 0 {
		writeResponse(w, http.StatusBadRequest, &jsonrpc2.Response{
			ID: req.ID, Error: invalidRequest("missing method"),
		})
		return
	}

	h.log("received %s request", req.Method)

	result, err := h.methodSvc.Call(r.Context(), req.Method, rawParams(req.Params))
	if err != nil {
		rpcErr, status := toRpcError(err)
		writeResponse(w, status, &jsonrpc2.Response{ID: req.ID, Error: rpcErr})
		return
	}

	buf, err := json.Marshal(result)
	if err != nil {
		rpcErr, status := toRpcError(err)
		writeResponse(w, status, &jsonrpc2.Response{ID: req.ID, Error: rpcErr})
		return
	}
	rawResult := json.RawMessage(buf)
	writeResponse(w, http.StatusOK, &jsonrpc2.Response{
		ID: req.ID, Result: &rawResult,
	})
}

func writeResponse(w http.ResponseWriter, status int, resp *jsonrpc2.Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithError(err).Warn("http handler: failed to write response")
	}
}
