package application

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/vulpemventures/connector/internal/core/domain"
	"github.com/vulpemventures/connector/internal/core/ports"
	"golang.org/x/sync/errgroup"
)

// Backend methods.
const (
	indexerGetHistory     = "getaddresshistory"
	indexerGetBalance     = "getaddressbalance"
	indexerGetUnspent     = "getaddressunspent"
	indexerGetTransaction = "gettransaction"
	daemonGetBlock        = "getblock"
	daemonGetBlockHash    = "getblockhash"
	daemonGetBlockCount   = "getblockcount"
	daemonEstimateFee     = "estimatesmartfee"
	daemonDecodeTx        = "decoderawtransaction"
	daemonSendTx          = "sendrawtransaction"

	blockVerbosity        = 2
	defaultMaxConcurrency = 8
)

type methodHandler func(
	ctx context.Context, params json.RawMessage,
) (interface{}, error)

// MethodService serves the canonical methods. Every call validates its
// params against the request schema before reaching any backend, reshapes
// the backend replies and validates the result against the response schema.
type MethodService struct {
	daemon         ports.BackendClient
	indexer        ports.BackendClient
	schemas        ports.SchemaValidator
	maxConcurrency int
	handlers       map[string]methodHandler

	log  func(format string, a ...interface{})
	warn func(err error, format string, a ...interface{})
}

func NewMethodService(
	daemon, indexer ports.BackendClient, schemas ports.SchemaValidator,
	maxConcurrency int,
) *MethodService {
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	logFn := func(format string, a ...interface{}) {
		format = fmt.Sprintf("method service: %s", format)
		log.Debugf(format, a...)
	}
	warnFn := func(err error, format string, a ...interface{}) {
		format = fmt.Sprintf("method service: %s", format)
		log.WithError(err).Warnf(format, a...)
	}

	svc := &MethodService{
		daemon:         daemon,
		indexer:        indexer,
		schemas:        schemas,
		maxConcurrency: maxConcurrency,
		log:            logFn,
		warn:           warnFn,
	}
	svc.handlers = map[string]methodHandler{
		MethodGetAddressHistory:            svc.handleAddressHistory,
		MethodGetAddressesHistory:          svc.handleAddressesHistory,
		MethodGetAddressBalance:            svc.handleAddressBalance,
		MethodGetAddressesBalance:          svc.handleAddressesBalance,
		MethodGetAddressUnspent:            svc.handleAddressUnspent,
		MethodGetAddressesUnspent:          svc.handleAddressesUnspent,
		MethodGetBlockByHash:               svc.handleBlockByHash,
		MethodGetBlockByNumber:             svc.handleBlockByNumber,
		MethodGetFeePerByte:                svc.handleFeePerByte,
		MethodGetHeight:                    svc.handleHeight,
		MethodGetTransactionHex:            svc.handleTransactionHex,
		MethodGetTransaction:               svc.handleTransaction,
		MethodGetTransactions:              svc.handleTransactions,
		MethodGetAddressTransactionCount:   svc.handleTransactionCount,
		MethodGetAddressesTransactionCount: svc.handleTransactionCounts,
		MethodBroadcastTransaction:         svc.handleBroadcast,
	}
	return svc
}

// Methods returns the sorted list of supported canonical methods.
func (s *MethodService) Methods() []string {
	methods := make([]string, 0, len(s.handlers))
	for method := range s.handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return methods
}

// Call executes the given canonical method with the given JSON params.
func (s *MethodService) Call(
	ctx context.Context, method string, params json.RawMessage,
) (interface{}, error) {
	handler, ok := s.handlers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMethodNotFound, method)
	}

	result, err := s.call(ctx, method, params, handler)
	methodCalls.WithLabelValues(method, outcomeOf(err)).Inc()
	return result, err
}

// ValidateParams validates the given params against the request schema of
// the given method, canonical or subscription one.
func (s *MethodService) ValidateParams(
	method string, params json.RawMessage,
) error {
	if err := s.schemas.ValidateRequest(method, normalizeParams(params)); err != nil {
		return &BadRequestError{method, err.Error()}
	}
	return nil
}

// GetAddressBalance returns the balance of the given address in the
// smallest unit.
func (s *MethodService) GetAddressBalance(
	ctx context.Context, address string,
) (*domain.Balance, error) {
	result, err := s.callWithParams(
		ctx, MethodGetAddressBalance, AddressParams{address},
	)
	if err != nil {
		return nil, err
	}
	return result.(*domain.Balance), nil
}

// GetChainTip returns the current best block of the chain.
func (s *MethodService) GetChainTip(ctx context.Context) (*domain.BlockTip, error) {
	result, err := s.callWithParams(ctx, MethodGetHeight, struct{}{})
	if err != nil {
		return nil, err
	}
	info := result.(*ChainHeight)
	height, err := strconv.ParseInt(info.LatestBlockIndex, 10, 64)
	if err != nil {
		return nil, malformedReply(daemonGetBlockCount, err)
	}
	return &domain.BlockTip{Height: height, Hash: info.LatestBlockHash}, nil
}

func (s *MethodService) callWithParams(
	ctx context.Context, method string, params interface{},
) (interface{}, error) {
	buf, err := json.Marshal(params)
	if err != nil {
		return nil, badRequest(method, "%s", err)
	}
	return s.Call(ctx, method, buf)
}

func (s *MethodService) call(
	ctx context.Context, method string, params json.RawMessage,
	handler methodHandler,
) (interface{}, error) {
	params = normalizeParams(params)
	if err := s.ValidateParams(method, params); err != nil {
		return nil, err
	}

	result, err := handler(ctx, params)
	if err != nil {
		s.log("%s failed: %s", method, err)
		return nil, err
	}

	if err := s.schemas.ValidateResponse(method, result); err != nil {
		s.warn(err, "%s produced an invalid result", method)
		return nil, &InternalSchemaError{method, err.Error()}
	}
	return result, nil
}

func (s *MethodService) handleAddressHistory(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p AddressParams
	if err := decodeParams(MethodGetAddressHistory, params, &p); err != nil {
		return nil, err
	}
	history, err := s.addressHistory(ctx, p.Address)
	if err != nil {
		return nil, err
	}
	return &AddressHistory{txHashes(history)}, nil
}

func (s *MethodService) handleAddressesHistory(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p AddressesParams
	if err := decodeParams(MethodGetAddressesHistory, params, &p); err != nil {
		return nil, err
	}

	result := make([]AddressHistoryInfo, len(p.Addresses))
	if err := s.forEach(ctx, len(p.Addresses), func(ctx context.Context, i int) error {
		history, err := s.addressHistory(ctx, p.Addresses[i])
		if err != nil {
			return err
		}
		result[i] = AddressHistoryInfo{p.Addresses[i], txHashes(history)}
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *MethodService) handleAddressBalance(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p AddressParams
	if err := decodeParams(MethodGetAddressBalance, params, &p); err != nil {
		return nil, err
	}
	return s.addressBalance(ctx, p.Address)
}

func (s *MethodService) handleAddressesBalance(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p AddressesParams
	if err := decodeParams(MethodGetAddressesBalance, params, &p); err != nil {
		return nil, err
	}

	result := make([]domain.AddressBalance, len(p.Addresses))
	if err := s.forEach(ctx, len(p.Addresses), func(ctx context.Context, i int) error {
		balance, err := s.addressBalance(ctx, p.Addresses[i])
		if err != nil {
			return err
		}
		result[i] = domain.AddressBalance{Address: p.Addresses[i], Balance: *balance}
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *MethodService) handleAddressUnspent(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p AddressParams
	if err := decodeParams(MethodGetAddressUnspent, params, &p); err != nil {
		return nil, err
	}
	return s.addressUnspent(ctx, p.Address)
}

func (s *MethodService) handleAddressesUnspent(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p AddressesParams
	if err := decodeParams(MethodGetAddressesUnspent, params, &p); err != nil {
		return nil, err
	}

	result := make([]AddressUnspentInfo, len(p.Addresses))
	if err := s.forEach(ctx, len(p.Addresses), func(ctx context.Context, i int) error {
		utxos, err := s.addressUnspent(ctx, p.Addresses[i])
		if err != nil {
			return err
		}
		result[i] = AddressUnspentInfo{p.Addresses[i], utxos}
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *MethodService) handleBlockByHash(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p BlockHashParams
	if err := decodeParams(MethodGetBlockByHash, params, &p); err != nil {
		return nil, err
	}
	return s.block(ctx, p.BlockHash)
}

func (s *MethodService) handleBlockByNumber(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p BlockNumberParams
	if err := decodeParams(MethodGetBlockByNumber, params, &p); err != nil {
		return nil, err
	}
	height, err := parseInteger(p.BlockNumber)
	if err != nil {
		return nil, badRequest(
			MethodGetBlockByNumber, "invalid block number %q", p.BlockNumber,
		)
	}

	hash, err := s.blockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	return s.block(ctx, hash)
}

func (s *MethodService) handleFeePerByte(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p FeeParams
	if err := decodeParams(MethodGetFeePerByte, params, &p); err != nil {
		return nil, err
	}
	confirmations, err := parseInteger(p.Confirmations)
	if err != nil {
		return nil, badRequest(
			MethodGetFeePerByte, "invalid confirmations %q", p.Confirmations,
		)
	}

	raw, err := s.daemon.Call(ctx, daemonEstimateFee, confirmations)
	if err != nil {
		return nil, err
	}
	var reply feeReply
	if err := decodeReply(raw, &reply); err != nil {
		return nil, malformedReply(daemonEstimateFee, err)
	}
	if len(reply.FeeRate) <= 0 {
		msg := "fee estimation not available"
		if len(reply.Errors) > 0 {
			msg = strings.Join(reply.Errors, ", ")
		}
		return nil, &ports.BackendRejectedError{Message: msg}
	}
	feeRate, err := domain.ParseAmount(reply.FeeRate)
	if err != nil {
		return nil, malformedReply(daemonEstimateFee, err)
	}
	return &FeeInfo{domain.FeePerByte(feeRate)}, nil
}

func (s *MethodService) handleHeight(
	ctx context.Context, _ json.RawMessage,
) (interface{}, error) {
	raw, err := s.daemon.Call(ctx, daemonGetBlockCount)
	if err != nil {
		return nil, err
	}
	var height int64
	if err := decodeReply(raw, &height); err != nil {
		return nil, malformedReply(daemonGetBlockCount, err)
	}
	hash, err := s.blockHash(ctx, height)
	if err != nil {
		return nil, err
	}
	return &ChainHeight{strconv.FormatInt(height, 10), hash}, nil
}

func (s *MethodService) handleTransactionHex(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p TxHashParams
	if err := decodeParams(MethodGetTransactionHex, params, &p); err != nil {
		return nil, err
	}
	txHex, err := s.rawTransaction(ctx, p.TxHash)
	if err != nil {
		return nil, err
	}
	return &RawTransaction{txHex}, nil
}

func (s *MethodService) handleTransaction(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p TxHashParams
	if err := decodeParams(MethodGetTransaction, params, &p); err != nil {
		return nil, err
	}
	return s.decodedTransaction(ctx, p.TxHash)
}

func (s *MethodService) handleTransactions(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p TxHashesParams
	if err := decodeParams(MethodGetTransactions, params, &p); err != nil {
		return nil, err
	}

	txs := make([]DecodedTransaction, len(p.TxHashes))
	if err := s.forEach(ctx, len(p.TxHashes), func(ctx context.Context, i int) error {
		tx, err := s.decodedTransaction(ctx, p.TxHashes[i])
		if err != nil {
			return err
		}
		txs[i] = tx
		return nil
	}); err != nil {
		return nil, err
	}
	return &DecodedTransactions{txs}, nil
}

func (s *MethodService) handleTransactionCount(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p TransactionCountParams
	if err := decodeParams(MethodGetAddressTransactionCount, params, &p); err != nil {
		return nil, err
	}
	return s.transactionCount(ctx, p.Address, p.Pending)
}

func (s *MethodService) handleTransactionCounts(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p TransactionCountsParams
	if err := decodeParams(MethodGetAddressesTransactionCount, params, &p); err != nil {
		return nil, err
	}

	result := make([]TransactionCount, len(p.Addresses))
	if err := s.forEach(ctx, len(p.Addresses), func(ctx context.Context, i int) error {
		count, err := s.transactionCount(
			ctx, p.Addresses[i].Address, p.Addresses[i].Pending,
		)
		if err != nil {
			return err
		}
		result[i] = *count
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *MethodService) handleBroadcast(
	ctx context.Context, params json.RawMessage,
) (interface{}, error) {
	var p RawTransactionParams
	if err := decodeParams(MethodBroadcastTransaction, params, &p); err != nil {
		return nil, err
	}
	raw, err := s.daemon.CallOnce(ctx, daemonSendTx, p.RawTransaction)
	if err != nil {
		return nil, err
	}
	s.log("broadcasted transaction %s", rawString(raw))
	return &BroadcastResult{}, nil
}

func (s *MethodService) addressHistory(
	ctx context.Context, address string,
) ([]historyItem, error) {
	raw, err := s.indexer.Call(ctx, indexerGetHistory, address)
	if err != nil {
		return nil, err
	}
	var history []historyItem
	if err := decodeReply(raw, &history); err != nil {
		return nil, malformedReply(indexerGetHistory, err)
	}
	return history, nil
}

func (s *MethodService) addressBalance(
	ctx context.Context, address string,
) (*domain.Balance, error) {
	raw, err := s.indexer.Call(ctx, indexerGetBalance, address)
	if err != nil {
		return nil, err
	}
	var reply balanceReply
	if err := decodeReply(raw, &reply); err != nil {
		return nil, malformedReply(indexerGetBalance, err)
	}

	// Zero amounts might be omitted by the indexer.
	balance := &domain.Balance{}
	if len(reply.Confirmed) > 0 {
		confirmed, err := domain.ParseAmount(reply.Confirmed)
		if err != nil {
			return nil, malformedReply(indexerGetBalance, err)
		}
		balance.Confirmed = domain.ToSmallestUnit(confirmed)
	}
	if len(reply.Unconfirmed) > 0 {
		unconfirmed, err := domain.ParseAmount(reply.Unconfirmed)
		if err != nil {
			return nil, malformedReply(indexerGetBalance, err)
		}
		balance.Unconfirmed = domain.ToSmallestUnit(unconfirmed)
	}
	return balance, nil
}

func (s *MethodService) addressUnspent(
	ctx context.Context, address string,
) ([]Utxo, error) {
	raw, err := s.indexer.Call(ctx, indexerGetUnspent, address)
	if err != nil {
		return nil, err
	}
	var unspents []unspentItem
	if err := decodeReply(raw, &unspents); err != nil {
		return nil, malformedReply(indexerGetUnspent, err)
	}

	utxos := make([]Utxo, 0, len(unspents))
	for _, u := range unspents {
		utxos = append(utxos, Utxo{
			TxHash: u.TxHash,
			Vout:   strconv.FormatInt(u.TxPos, 10),
			Status: UtxoStatus{
				Confirmed:   u.Height != 0,
				BlockHeight: strconv.FormatInt(u.Height, 10),
			},
			Value: rawString(u.Value),
		})
	}
	return utxos, nil
}

func (s *MethodService) blockHash(
	ctx context.Context, height int64,
) (string, error) {
	raw, err := s.daemon.Call(ctx, daemonGetBlockHash, height)
	if err != nil {
		return "", err
	}
	var hash string
	if err := decodeReply(raw, &hash); err != nil {
		return "", malformedReply(daemonGetBlockHash, err)
	}
	return hash, nil
}

func (s *MethodService) block(ctx context.Context, hash string) (Block, error) {
	raw, err := s.daemon.Call(ctx, daemonGetBlock, hash, blockVerbosity)
	if err != nil {
		return nil, err
	}
	var block Block
	if err := decodeReply(raw, &block); err != nil {
		return nil, malformedReply(daemonGetBlock, err)
	}
	if block == nil {
		return nil, malformedReply(daemonGetBlock, fmt.Errorf("empty block"))
	}
	return block, nil
}

func (s *MethodService) rawTransaction(
	ctx context.Context, txHash string,
) (string, error) {
	raw, err := s.indexer.Call(ctx, indexerGetTransaction, txHash)
	if err != nil {
		return "", err
	}

	// Depending on the version, the indexer returns either the bare hex or
	// an object containing it.
	var txHex string
	if err := json.Unmarshal(raw, &txHex); err == nil && len(txHex) > 0 {
		return txHex, nil
	}
	var reply rawTxReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return "", malformedReply(indexerGetTransaction, err)
	}
	if len(reply.Hex) <= 0 {
		return "", malformedReply(
			indexerGetTransaction, fmt.Errorf("missing transaction hex"),
		)
	}
	return reply.Hex, nil
}

func (s *MethodService) decodedTransaction(
	ctx context.Context, txHash string,
) (DecodedTransaction, error) {
	txHex, err := s.rawTransaction(ctx, txHash)
	if err != nil {
		return nil, err
	}
	raw, err := s.daemon.Call(ctx, daemonDecodeTx, txHex)
	if err != nil {
		return nil, err
	}
	var tx DecodedTransaction
	if err := decodeReply(raw, &tx); err != nil {
		return nil, malformedReply(daemonDecodeTx, err)
	}
	if tx == nil {
		return nil, malformedReply(daemonDecodeTx, fmt.Errorf("empty transaction"))
	}
	return tx, nil
}

func (s *MethodService) transactionCount(
	ctx context.Context, address string, pending bool,
) (*TransactionCount, error) {
	history, err := s.addressHistory(ctx, address)
	if err != nil {
		return nil, err
	}
	pendingCount, confirmedCount := partitionHistory(history)
	count := confirmedCount
	if pending {
		count = pendingCount
	}
	return &TransactionCount{address, strconv.Itoa(count)}, nil
}

// forEach runs fn for every index in [0, n) with bounded concurrency and
// returns the first error encountered.
func (s *MethodService) forEach(
	ctx context.Context, n int, fn func(ctx context.Context, i int) error,
) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrency)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return fn(gctx, i)
		})
	}
	return g.Wait()
}

func txHashes(history []historyItem) []string {
	hashes := make([]string, 0, len(history))
	for _, h := range history {
		hashes = append(hashes, h.TxHash)
	}
	return hashes
}

// partitionHistory counts mempool (height 0) and confirmed entries.
func partitionHistory(history []historyItem) (pending, confirmed int) {
	for _, h := range history {
		if h.Height == 0 {
			pending++
			continue
		}
		confirmed++
	}
	return
}

func normalizeParams(params json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) <= 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return trimmed
}

func decodeParams(method string, params json.RawMessage, v interface{}) error {
	if err := decodeReply(params, v); err != nil {
		return badRequest(method, "%s", err)
	}
	return nil
}

func decodeReply(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func parseInteger(n json.Number) (int64, error) {
	return strconv.ParseInt(n.String(), 10, 64)
}

func rawString(raw json.RawMessage) string {
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return strings.TrimSpace(string(raw))
}
