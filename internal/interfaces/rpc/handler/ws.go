package rpc_handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
	"github.com/vulpemventures/connector/internal/core/application"
	"github.com/vulpemventures/connector/internal/core/domain"
	"github.com/vulpemventures/connector/internal/core/ports"
)

const DefaultQueueSize = 64

type subscribeReply struct {
	Subscribed bool `json:"subscribed"`
}

type unsubscribeReply struct {
	Unsubscribed bool `json:"unsubscribed"`
}

// WSHandler serves JSON-RPC 2.0 over WebSocket. Along with the canonical
// methods, every connection can subscribe to balance changes and new blocks
// and receives the related notifications as JSON-RPC notifications.
type WSHandler struct {
	methodSvc       *application.MethodService
	notificationSvc *application.NotificationService
	queueSize       int
	upgrader        websocket.Upgrader

	lock        *sync.Mutex
	connections map[string]*connection

	log func(format string, a ...interface{})
}

func NewWSHandler(
	methodSvc *application.MethodService,
	notificationSvc *application.NotificationService, queueSize int,
) *WSHandler {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	logFn := func(format string, a ...interface{}) {
		format = fmt.Sprintf("ws handler: %s", format)
		log.Debugf(format, a...)
	}
	return &WSHandler{
		methodSvc:       methodSvc,
		notificationSvc: notificationSvc,
		queueSize:       queueSize,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		lock:        &sync.Mutex{},
		connections: make(map[string]*connection),
		log:         logFn,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("ws handler: failed to upgrade connection")
		return
	}

	conn := newConnection(uuid.Must(uuid.NewV7()).String(), h.queueSize)
	h.addConnection(conn)
	h.notificationSvc.RegisterConnection(conn)
	h.log("opened connection %s", conn.id)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := jsonrpc2.HandlerWithError(h.handle(conn))
	rpcConn := jsonrpc2.NewConn(
		ctx, jsonrpc2ws.NewObjectStream(wsConn),
		requestHandler{ordered: handler, async: jsonrpc2.AsyncHandler(handler)},
	)
	conn.start(ctx, rpcConn)

	<-rpcConn.DisconnectNotify()

	h.notificationSvc.OnConnectionClosed(conn.id)
	conn.Close()
	h.removeConnection(conn.id)
	h.log("closed connection %s", conn.id)
}

// CloseAll closes every open connection.
func (h *WSHandler) CloseAll() {
	h.lock.Lock()
	conns := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		conns = append(conns, conn)
	}
	h.lock.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
}

func (h *WSHandler) handle(conn *connection) func(
	context.Context, *jsonrpc2.Conn, *jsonrpc2.Request,
) (interface{}, error) {
	return func(
		ctx context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request,
	) (interface{}, error) {
		params := rawParams(req.Params)

		switch req.Method {
		case application.MethodSubscribeToAddressBalance:
			p, err := h.addressParams(req.Method, params)
			if err != nil {
				return nil, err
			}
			ok := h.notificationSvc.SubscribeToAddressBalance(ctx, conn.id, p.Address)
			return subscribeReply{ok}, nil
		case application.MethodUnsubscribeFromAddressBalance:
			p, err := h.addressParams(req.Method, params)
			if err != nil {
				return nil, err
			}
			ok := h.notificationSvc.UnsubscribeFromAddressBalance(conn.id, p.Address)
			return unsubscribeReply{ok}, nil
		case application.MethodSubscribeToNewBlocks:
			if err := h.methodSvc.ValidateParams(req.Method, params); err != nil {
				rpcErr, _ := toRpcError(err)
				return nil, rpcErr
			}
			return subscribeReply{h.notificationSvc.SubscribeToNewBlocks(conn.id)}, nil
		case application.MethodUnsubscribeFromNewBlocks:
			if err := h.methodSvc.ValidateParams(req.Method, params); err != nil {
				rpcErr, _ := toRpcError(err)
				return nil, rpcErr
			}
			return unsubscribeReply{h.notificationSvc.UnsubscribeFromNewBlocks(conn.id)}, nil
		default:
			result, err := h.methodSvc.Call(ctx, req.Method, params)
			if err != nil {
				rpcErr, _ := toRpcError(err)
				return nil, rpcErr
			}
			return result, nil
		}
	}
}

// requestHandler serves subscription requests from the read loop of the
// connection, so they are applied in the same order the client sent them.
// Any other method runs in its own goroutine.
type requestHandler struct {
	ordered jsonrpc2.Handler
	async   jsonrpc2.Handler
}

func (h requestHandler) Handle(
	ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request,
) {
	if isSubscriptionMethod(req.Method) {
		h.ordered.Handle(ctx, conn, req)
		return
	}
	h.async.Handle(ctx, conn, req)
}

func isSubscriptionMethod(method string) bool {
	switch method {
	case application.MethodSubscribeToAddressBalance,
		application.MethodUnsubscribeFromAddressBalance,
		application.MethodSubscribeToNewBlocks,
		application.MethodUnsubscribeFromNewBlocks:
		return true
	default:
		return false
	}
}

func (h *WSHandler) addressParams(
	method string, params json.RawMessage,
) (*application.AddressParams, error) {
	if err := h.methodSvc.ValidateParams(method, params); err != nil {
		rpcErr, _ := toRpcError(err)
		return nil, rpcErr
	}
	p := &application.AddressParams{}
	if err := json.Unmarshal(params, p); err != nil {
		return nil, &jsonrpc2.Error{
			Code: jsonrpc2.CodeInvalidParams, Message: err.Error(),
		}
	}
	return p, nil
}

func (h *WSHandler) addConnection(conn *connection) {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.connections[conn.id] = conn
}

func (h *WSHandler) removeConnection(id string) {
	h.lock.Lock()
	defer h.lock.Unlock()
	delete(h.connections, id)
}

// connection is the ports.Notifier of a WebSocket client. Notifications are
// buffered in a bounded queue and written by a dedicated goroutine, so that
// a slow client never blocks the notification service.
type connection struct {
	id              string
	chNotifications chan domain.Notification
	chQuit          chan struct{}

	lock    *sync.Mutex
	rpcConn *jsonrpc2.Conn
	closed  bool
}

var _ ports.Notifier = (*connection)(nil)

func newConnection(id string, queueSize int) *connection {
	return &connection{
		id:              id,
		chNotifications: make(chan domain.Notification, queueSize),
		chQuit:          make(chan struct{}),
		lock:            &sync.Mutex{},
	}
}

func (c *connection) ID() string {
	return c.id
}

func (c *connection) Notify(notification domain.Notification) bool {
	select {
	case <-c.chQuit:
		return false
	default:
	}

	select {
	case c.chNotifications <- notification:
		return true
	default:
		return false
	}
}

func (c *connection) Close() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.chQuit)
	if c.rpcConn != nil {
		c.rpcConn.Close()
	}
}

func (c *connection) start(ctx context.Context, rpcConn *jsonrpc2.Conn) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.rpcConn = rpcConn
	if c.closed {
		rpcConn.Close()
		return
	}
	go c.write(ctx)
}

func (c *connection) write(ctx context.Context) {
	for {
		select {
		case <-c.chQuit:
			return
		case notification := <-c.chNotifications:
			if err := c.rpcConn.Notify(
				ctx, string(notification.Event), notification,
			); err != nil {
				log.WithError(err).Warnf(
					"ws handler: failed to notify connection %s", c.id,
				)
				c.Close()
				return
			}
		}
	}
}
