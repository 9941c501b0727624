package rpc_handler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/stretchr/testify/require"
	"github.com/vulpemventures/connector/internal/core/domain"
)

// fakeChain is a stateful ports.BackendClient playing both the role of the
// daemon and of the indexer.
type fakeChain struct {
	lock     sync.Mutex
	height   int64
	balances map[string]domain.Balance
	failures map[string]error
}

func newFakeChain(height int64) *fakeChain {
	return &fakeChain{
		height:   height,
		balances: make(map[string]domain.Balance),
		failures: make(map[string]error),
	}
}

func (f *fakeChain) Call(
	_ context.Context, method string, params ...interface{},
) (json.RawMessage, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err, ok := f.failures[method]; ok {
		return nil, err
	}

	switch method {
	case "getblockcount":
		return json.Marshal(f.height)
	case "getblockhash":
		return json.Marshal(blockHash(params[0].(int64)))
	case "getaddressbalance":
		balance := f.balances[params[0].(string)]
		return json.Marshal(map[string]string{
			"confirmed":   domain.FromSmallestUnit(balance.Confirmed).String(),
			"unconfirmed": domain.FromSmallestUnit(balance.Unconfirmed).String(),
		})
	default:
		return nil, fmt.Errorf("unexpected method %s", method)
	}
}

func (f *fakeChain) CallOnce(
	ctx context.Context, method string, params ...interface{},
) (json.RawMessage, error) {
	return f.Call(ctx, method, params...)
}

func (f *fakeChain) setHeight(height int64) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.height = height
}

func (f *fakeChain) setBalance(address string, balance domain.Balance) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.balances[address] = balance
}

func (f *fakeChain) setFailure(method string, err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if err == nil {
		delete(f.failures, method)
		return
	}
	f.failures[method] = err
}

func blockHash(height int64) string {
	return fmt.Sprintf("%064x", height)
}

// wsClient is a JSON-RPC client over WebSocket collecting the notifications
// pushed by the server.
type wsClient struct {
	conn            *jsonrpc2.Conn
	chNotifications chan *jsonrpc2.Request
}

func dialWSClient(t *testing.T, server *httptest.Server) *wsClient {
	url := "ws" + strings.TrimPrefix(server.URL, "http")
	wsConn, _, err := websocket.DefaultDialer.Dial(url, http.Header{})
	require.NoError(t, err)

	client := &wsClient{chNotifications: make(chan *jsonrpc2.Request, 16)}
	client.conn = jsonrpc2.NewConn(
		context.Background(), jsonrpc2ws.NewObjectStream(wsConn), client,
	)
	t.Cleanup(func() { client.conn.Close() })
	return client
}

func (c *wsClient) Handle(
	_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request,
) {
	if req.Notif {
		c.chNotifications <- req
	}
}

func (c *wsClient) call(
	t *testing.T, method string, params interface{},
) map[string]interface{} {
	var result map[string]interface{}
	err := c.conn.Call(context.Background(), method, params, &result)
	require.NoError(t, err)
	return result
}
