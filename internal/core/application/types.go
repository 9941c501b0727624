package application

import "encoding/json"

// Canonical methods.
const (
	MethodGetAddressHistory            = "getAddressHistory"
	MethodGetAddressesHistory          = "getAddressesHistory"
	MethodGetAddressBalance            = "getAddressBalance"
	MethodGetAddressesBalance          = "getAddressesBalance"
	MethodGetAddressUnspent            = "getAddressUnspent"
	MethodGetAddressesUnspent          = "getAddressesUnspent"
	MethodGetBlockByHash               = "getBlockByHash"
	MethodGetBlockByNumber             = "getBlockByNumber"
	MethodGetFeePerByte                = "getFeePerByte"
	MethodGetHeight                    = "getHeight"
	MethodGetTransactionHex            = "getTransactionHex"
	MethodGetTransaction               = "getTransaction"
	MethodGetTransactions              = "getTransactions"
	MethodGetAddressTransactionCount   = "getAddressTransactionCount"
	MethodGetAddressesTransactionCount = "getAddressesTransactionCount"
	MethodBroadcastTransaction         = "broadcastTransaction"
)

// Subscription methods, served only over persistent connections.
const (
	MethodSubscribeToAddressBalance     = "subscribeToAddressBalance"
	MethodUnsubscribeFromAddressBalance = "unsubscribeFromAddressBalance"
	MethodSubscribeToNewBlocks          = "subscribeToNewBlocks"
	MethodUnsubscribeFromNewBlocks      = "unsubscribeFromNewBlocks"
)

type AddressParams struct {
	Address string `json:"address"`
}

type AddressesParams struct {
	Addresses []string `json:"addresses"`
}

type BlockHashParams struct {
	BlockHash string `json:"blockHash"`
}

type BlockNumberParams struct {
	BlockNumber json.Number `json:"blockNumber"`
}

type FeeParams struct {
	Confirmations json.Number `json:"confirmations"`
}

type TxHashParams struct {
	TxHash string `json:"txHash"`
}

type TxHashesParams struct {
	TxHashes []string `json:"txHashes"`
}

type TransactionCountParams struct {
	Address string `json:"address"`
	Pending bool   `json:"pending"`
}

type TransactionCountsParams struct {
	Addresses []TransactionCountParams `json:"addresses"`
}

type RawTransactionParams struct {
	RawTransaction string `json:"rawTransaction"`
}

type AddressHistory struct {
	TxHashes []string `json:"txHashes"`
}

type AddressHistoryInfo struct {
	Address  string   `json:"address"`
	TxHashes []string `json:"txHashes"`
}

type UtxoStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight string `json:"blockHeight"`
}

type Utxo struct {
	TxHash string     `json:"txHash"`
	Vout   string     `json:"vout"`
	Status UtxoStatus `json:"status"`
	Value  string     `json:"value"`
}

type AddressUnspentInfo struct {
	Address string `json:"address"`
	Outputs []Utxo `json:"outputs"`
}

// Block and DecodedTransaction are passed through as returned by the daemon.
type Block map[string]interface{}

type DecodedTransaction map[string]interface{}

type DecodedTransactions struct {
	Transactions []DecodedTransaction `json:"transactions"`
}

type FeeInfo struct {
	FeePerByte int64 `json:"feePerByte"`
}

type ChainHeight struct {
	LatestBlockIndex string `json:"latestBlockIndex"`
	LatestBlockHash  string `json:"latestBlockHash"`
}

type RawTransaction struct {
	RawTransaction string `json:"rawTransaction"`
}

type TransactionCount struct {
	Address          string `json:"address"`
	TransactionCount string `json:"transactionCount"`
}

type BroadcastResult struct{}

// Backend replies.
type historyItem struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}

type unspentItem struct {
	TxHash string          `json:"tx_hash"`
	TxPos  int64           `json:"tx_pos"`
	Height int64           `json:"height"`
	Value  json.RawMessage `json:"value"`
}

type balanceReply struct {
	Confirmed   json.RawMessage `json:"confirmed"`
	Unconfirmed json.RawMessage `json:"unconfirmed"`
}

type feeReply struct {
	FeeRate json.RawMessage `json:"feerate"`
	Errors  []string        `json:"errors"`
}

type rawTxReply struct {
	Hex string `json:"hex"`
}
