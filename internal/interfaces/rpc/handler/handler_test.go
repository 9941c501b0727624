package rpc_handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/connector/internal/core/application"
	"github.com/vulpemventures/connector/internal/core/domain"
	"github.com/vulpemventures/connector/internal/core/ports"
	"github.com/vulpemventures/connector/internal/infrastructure/schema"
	"github.com/vulpemventures/connector/internal/infrastructure/storage/db/inmemory"
	rpc_handler "github.com/vulpemventures/connector/internal/interfaces/rpc/handler"
)

const addr = "bchtest:qr5n6c3adqkdk7jqm5dvzn8vm9ngepvfkslw3rqz6u"

type rpcReply struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpc2.Error `json:"error"`
}

func TestHTTPHandler(t *testing.T) {
	chain := newFakeChain(100)
	chain.setFailure("getaddressbalance", fmt.Errorf(
		"%w: connection refused", ports.ErrBackendUnavailable,
	))
	methodSvc := newMethodService(t, chain)
	handler := rpc_handler.NewHTTPHandler(methodSvc)

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedCode   int64
		expectedResult string
	}{
		{
			name:           "success",
			body:           `{"jsonrpc":"2.0","id":1,"method":"getHeight","params":{}}`,
			expectedStatus: http.StatusOK,
			expectedResult: fmt.Sprintf(
				`{"latestBlockIndex":"100","latestBlockHash":"%s"}`, blockHash(100),
			),
		},
		{
			name:           "missing params",
			body:           `{"jsonrpc":"2.0","id":1,"method":"getHeight"}`,
			expectedStatus: http.StatusOK,
			expectedResult: fmt.Sprintf(
				`{"latestBlockIndex":"100","latestBlockHash":"%s"}`, blockHash(100),
			),
		},
		{
			name:           "unknown method",
			body:           `{"jsonrpc":"2.0","id":1,"method":"getBalance","params":{}}`,
			expectedStatus: http.StatusNotFound,
			expectedCode:   jsonrpc2.CodeMethodNotFound,
		},
		{
			name:           "subscription over http",
			body:           `{"jsonrpc":"2.0","id":1,"method":"subscribeToNewBlocks","params":{}}`,
			expectedStatus: http.StatusNotFound,
			expectedCode:   jsonrpc2.CodeMethodNotFound,
		},
		{
			name:           "invalid params",
			body:           `{"jsonrpc":"2.0","id":1,"method":"getAddressBalance","params":{}}`,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   jsonrpc2.CodeInvalidParams,
		},
		{
			name:           "backend unavailable",
			body:           fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"getAddressBalance","params":{"address":"%s"}}`, addr),
			expectedStatus: http.StatusServiceUnavailable,
			expectedCode:   rpc_handler.CodeBackendUnavailable,
		},
		{
			name:           "malformed body",
			body:           `{"jsonrpc":"2.0","id":1,"method":`,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   jsonrpc2.CodeParseError,
		},
		{
			name:           "missing method",
			body:           `{"jsonrpc":"2.0","id":1,"params":{}}`,
			expectedStatus: http.StatusBadRequest,
			expectedCode:   jsonrpc2.CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(
				http.MethodPost, "/", bytes.NewBufferString(tt.body),
			)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			require.Equal(t, tt.expectedStatus, rec.Code)

			var reply rpcReply
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))

			if tt.expectedCode != 0 {
				require.NotNil(t, reply.Error)
				require.Equal(t, tt.expectedCode, reply.Error.Code)
				require.NotEmpty(t, reply.Error.Message)
				return
			}
			require.Nil(t, reply.Error)
			require.Equal(t, uint64(1), reply.ID)
			require.JSONEq(t, tt.expectedResult, string(reply.Result))
		})
	}
}

func TestBackendRejected(t *testing.T) {
	chain := newFakeChain(100)
	chain.setFailure("getblockcount", &ports.BackendRejectedError{
		Code: -28, Message: "Loading block index...",
	})
	handler := rpc_handler.NewHTTPHandler(newMethodService(t, chain))

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(
		`{"jsonrpc":"2.0","id":7,"method":"getHeight","params":{}}`,
	))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)

	var reply rpcReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	require.NotNil(t, reply.Error)
	require.Equal(t, rpc_handler.CodeBackendRejected, reply.Error.Code)
	require.Equal(t, "Loading block index...", reply.Error.Message)
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	rpc_handler.NewHealthHandler("v0.1.0").ServeHTTP(
		rec, httptest.NewRequest(http.MethodGet, "/health", nil),
	)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","version":"v0.1.0"}`, rec.Body.String())
}

func TestWSHandler(t *testing.T) {
	chain := newFakeChain(100)
	methodSvc := newMethodService(t, chain)
	notificationSvc := application.NewNotificationService(
		methodSvc, inmemory.NewTipRepository(),
	)
	handler := rpc_handler.NewWSHandler(methodSvc, notificationSvc, 0)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	signal := ports.Signal{Type: ports.PollSignal, Source: "test"}
	ctx := context.Background()

	// The current tip becomes the reference one.
	require.NoError(t, notificationSvc.Start())
	t.Cleanup(notificationSvc.Stop)

	client := dialWSClient(t, server)

	t.Run("canonical method", func(t *testing.T) {
		result := client.call(t, application.MethodGetHeight, map[string]interface{}{})
		require.Equal(t, "100", result["latestBlockIndex"])
	})

	t.Run("invalid params", func(t *testing.T) {
		var result interface{}
		err := client.conn.Call(
			ctx, application.MethodSubscribeToAddressBalance,
			map[string]interface{}{}, &result,
		)
		require.Error(t, err)

		rpcErr, ok := err.(*jsonrpc2.Error)
		require.True(t, ok)
		require.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)
	})

	t.Run("subscriptions", func(t *testing.T) {
		result := client.call(t, application.MethodSubscribeToNewBlocks, map[string]interface{}{})
		require.Equal(t, true, result["subscribed"])
		result = client.call(t, application.MethodSubscribeToNewBlocks, map[string]interface{}{})
		require.Equal(t, false, result["subscribed"])

		params := map[string]interface{}{"address": addr}
		result = client.call(t, application.MethodSubscribeToAddressBalance, params)
		require.Equal(t, true, result["subscribed"])
		require.Len(t, notificationSvc.BalanceSubscribers(addr), 1)

		balance, ok := notificationSvc.LastKnownBalance(addr)
		require.True(t, ok)
		require.Equal(t, domain.Balance{}, balance)
	})

	t.Run("notifications", func(t *testing.T) {
		chain.setHeight(101)
		chain.setBalance(addr, domain.Balance{Unconfirmed: 100000})
		notificationSvc.ProcessSignal(ctx, signal)

		received := make(map[string]json.RawMessage)
		for i := 0; i < 2; i++ {
			select {
			case req := <-client.chNotifications:
				require.NotNil(t, req.Params)
				received[req.Method] = *req.Params
			case <-time.After(2 * time.Second):
				t.Fatal("timeout waiting for notification")
			}
		}

		require.JSONEq(t, `{"event":"newBlock"}`, string(received["newBlock"]))
		require.JSONEq(t, fmt.Sprintf(
			`{"event":"balanceChanged","address":"%s","balance":{"confirmed":0,"unconfirmed":100000}}`,
			addr,
		), string(received["balanceChanged"]))
	})

	t.Run("unsubscriptions", func(t *testing.T) {
		params := map[string]interface{}{"address": addr}
		result := client.call(t, application.MethodUnsubscribeFromAddressBalance, params)
		require.Equal(t, true, result["unsubscribed"])
		result = client.call(t, application.MethodUnsubscribeFromAddressBalance, params)
		require.Equal(t, false, result["unsubscribed"])

		_, ok := notificationSvc.LastKnownBalance(addr)
		require.False(t, ok)

		result = client.call(t, application.MethodUnsubscribeFromNewBlocks, map[string]interface{}{})
		require.Equal(t, true, result["unsubscribed"])
	})

	t.Run("rapid subscribe and unsubscribe", func(t *testing.T) {
		other := dialWSClient(t, server)

		addresses := make([]string, 0, 100)
		waiters := make([]jsonrpc2.Waiter, 0, 200)
		for i := 0; i < 100; i++ {
			address := fmt.Sprintf("%s%03d", addr, i)
			addresses = append(addresses, address)
			params := map[string]interface{}{"address": address}

			// Both requests are written before any reply is read.
			w, err := other.conn.DispatchCall(
				ctx, application.MethodSubscribeToAddressBalance, params,
			)
			require.NoError(t, err)
			waiters = append(waiters, w)
			w, err = other.conn.DispatchCall(
				ctx, application.MethodUnsubscribeFromAddressBalance, params,
			)
			require.NoError(t, err)
			waiters = append(waiters, w)
		}

		for i, w := range waiters {
			var result map[string]interface{}
			require.NoError(t, w.Wait(ctx, &result))
			if i%2 == 0 {
				require.Equal(t, true, result["subscribed"])
				continue
			}
			require.Equal(t, true, result["unsubscribed"])
		}

		for _, address := range addresses {
			require.Empty(t, notificationSvc.BalanceSubscribers(address))
			_, ok := notificationSvc.LastKnownBalance(address)
			require.False(t, ok)
		}
	})

	t.Run("connection closed", func(t *testing.T) {
		other := dialWSClient(t, server)
		params := map[string]interface{}{"address": addr}
		result := other.call(t, application.MethodSubscribeToAddressBalance, params)
		require.Equal(t, true, result["subscribed"])

		other.conn.Close()

		require.Eventually(t, func() bool {
			return len(notificationSvc.BalanceSubscribers(addr)) == 0
		}, 2*time.Second, 10*time.Millisecond)
		_, ok := notificationSvc.LastKnownBalance(addr)
		require.False(t, ok)
	})

	t.Run("close all", func(t *testing.T) {
		other := dialWSClient(t, server)
		other.call(t, application.MethodSubscribeToNewBlocks, map[string]interface{}{})

		handler.CloseAll()

		select {
		case <-other.conn.DisconnectNotify():
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for the connection to close")
		}
	})
}

func newMethodService(
	t *testing.T, chain ports.BackendClient,
) *application.MethodService {
	registry, err := schema.NewRegistry()
	require.NoError(t, err)
	return application.NewMethodService(chain, chain, registry, 4)
}
