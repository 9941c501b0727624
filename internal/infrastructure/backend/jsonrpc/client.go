package jsonrpc

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"
	"github.com/vulpemventures/connector/internal/core/ports"
)

const (
	jsonRpcVersion = "1.0"

	defaultTimeout    = 30 * time.Second
	defaultRetryDelay = 500 * time.Millisecond
	maxRetries        = 1
)

var (
	ErrMissingAddr = errors.New("missing backend rpc address")
)

type Config struct {
	// Name identifies the backend in logs, ie. daemon or indexer.
	Name string
	// Addr is the url of the JSON-RPC server, optionally including the
	// basic auth credentials.
	Addr       string
	Timeout    time.Duration
	RetryDelay time.Duration
}

func (c Config) validate() error {
	if len(c.Addr) <= 0 {
		return ErrMissingAddr
	}
	return nil
}

type rpcRequest struct {
	JsonRpc string        `json:"jsonrpc"`
	Id      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Id     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

type rpcError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// client is a JSON-RPC 1.0 client over HTTP(s) for both bitcoind-like
// daemons and address indexers.
type client struct {
	cfg        Config
	serverAddr string
	user       string
	password   string
	httpClient *http.Client
	nextId     uint64

	log  func(format string, a ...interface{})
	warn func(err error, format string, a ...interface{})
}

func NewClient(cfg Config) (ports.BackendClient, error) {
	return newClient(cfg)
}

func newClient(cfg Config) (*client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if len(cfg.Name) <= 0 {
		cfg.Name = "backend"
	}

	u, err := url.Parse(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid %s rpc address: %w", cfg.Name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf(
			"invalid %s rpc address: unsupported scheme %q", cfg.Name, u.Scheme,
		)
	}

	var user, password string
	if u.User != nil {
		user = u.User.Username()
		password, _ = u.User.Password()
		u.User = nil
	}
	if u.Path == "" {
		u.Path = "/"
	}

	httpClient := &http.Client{}
	if u.Scheme == "https" {
		// #nosec
		httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	name := cfg.Name
	logFn := func(format string, a ...interface{}) {
		format = fmt.Sprintf("%s rpc client: %s", name, format)
		log.Debugf(format, a...)
	}
	warnFn := func(err error, format string, a ...interface{}) {
		format = fmt.Sprintf("%s rpc client: %s", name, format)
		log.WithError(err).Warnf(format, a...)
	}

	return &client{
		cfg:        cfg,
		serverAddr: u.String(),
		user:       user,
		password:   password,
		httpClient: httpClient,
		log:        logFn,
		warn:       warnFn,
	}, nil
}

func (c *client) Call(
	ctx context.Context, method string, params ...interface{},
) (json.RawMessage, error) {
	var result json.RawMessage
	op := func() error {
		res, err := c.call(ctx, method, params)
		if err != nil {
			// Only transient failures are worth a retry.
			if !errors.Is(err, ports.ErrBackendUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.warn(err, "%s failed, retrying in %s", method, next)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(c.cfg.RetryDelay), maxRetries,
		), ctx,
	)
	if err := backoff.RetryNotify(op, bo, notify); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *client) CallOnce(
	ctx context.Context, method string, params ...interface{},
) (json.RawMessage, error) {
	return c.call(ctx, method, params)
}

func (c *client) call(
	ctx context.Context, method string, params []interface{},
) (json.RawMessage, error) {
	if params == nil {
		params = make([]interface{}, 0)
	}
	id := atomic.AddUint64(&c.nextId, 1)
	payload, err := json.Marshal(rpcRequest{jsonRpcVersion, id, method, params})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.serverAddr, bytes.NewReader(payload),
	)
	if err != nil {
		return nil, err
	}
	req.Header.Add("Content-Type", "application/json;charset=utf-8")
	req.Header.Add("Accept", "application/json")
	if len(c.user) > 0 || len(c.password) > 0 {
		req.SetBasicAuth(c.user, c.password)
	}

	c.log("calling %s (id %d)", method, id)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, unavailable(method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, unavailable(method, err)
	}

	// Daemons answer with a non 200 status code also for errors at the rpc
	// level, hence the body is parsed before looking at the status code.
	var rr rpcResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, unavailable(
				method, fmt.Errorf("unexpected status %s", resp.Status),
			)
		}
		return nil, unavailable(
			method, fmt.Errorf("failed to parse response: %w", err),
		)
	}
	if rpcErr := parseRpcError(rr.Error); rpcErr != nil {
		return nil, rpcErr
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unavailable(
			method, fmt.Errorf("unexpected status %s", resp.Status),
		)
	}
	return rr.Result, nil
}

func parseRpcError(raw json.RawMessage) error {
	trimmed := strings.TrimSpace(string(raw))
	if len(trimmed) <= 0 || trimmed == "null" {
		return nil
	}

	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return &ports.BackendRejectedError{Message: msg}
	}
	var rpcErr rpcError
	if err := json.Unmarshal(raw, &rpcErr); err != nil || len(rpcErr.Message) <= 0 {
		return &ports.BackendRejectedError{Message: trimmed}
	}
	return &ports.BackendRejectedError{
		Code: rpcErr.Code, Message: rpcErr.Message,
	}
}

func unavailable(method string, err error) error {
	return fmt.Errorf("%w: %s: %s", ports.ErrBackendUnavailable, method, err)
}
