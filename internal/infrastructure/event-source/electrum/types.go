package electrum_source

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/wire"
	"github.com/vulpemventures/connector/internal/core/domain"
)

const (
	methodHeadersSubscribe = "blockchain.headers.subscribe"
	methodPing             = "server.ping"
)

type request struct {
	Id     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type response struct {
	Id     uint64          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

func (r response) error() error {
	raw := strings.TrimSpace(string(r.Error))
	if len(raw) <= 0 || raw == "null" {
		return nil
	}

	var msg string
	if err := json.Unmarshal(r.Error, &msg); err == nil {
		return errors.New(msg)
	}
	var err responseErr
	if e := json.Unmarshal(r.Error, &err); e != nil || len(err.Message) <= 0 {
		return errors.New(raw)
	}
	return err
}

type responseErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e responseErr) Error() string {
	return fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
}

// headerInfo is the payload of both the reply to and the notifications of
// a headers subscription.
type headerInfo struct {
	Hex    string `json:"hex"`
	Height int64  `json:"height"`
}

func (i headerInfo) tip() (*domain.BlockTip, error) {
	buf, err := hex.DecodeString(i.Hex)
	if err != nil {
		return nil, fmt.Errorf("invalid header hex: %w", err)
	}
	header := &wire.BlockHeader{}
	if err := header.Deserialize(bytes.NewReader(buf)); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	hash := header.BlockHash()
	return &domain.BlockTip{Height: i.Height, Hash: hash.String()}, nil
}

// parseHeaderNotification extracts the header from the params of a
// notification, ie. [{"hex": ..., "height": ...}].
func parseHeaderNotification(params json.RawMessage) (*headerInfo, error) {
	var headers []headerInfo
	if err := json.Unmarshal(params, &headers); err != nil {
		return nil, err
	}
	if len(headers) <= 0 {
		return nil, fmt.Errorf("missing header in notification")
	}
	return &headers[len(headers)-1], nil
}
