package source

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goccy/go-json"
)

// JSON-RPC 2.0 envelopes used on the node websocket.

// Request is an outgoing JSON-RPC call.
type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// Message is any incoming frame: a call response (ID set) or a
// subscription notification (Method "eth_subscription").
type Message struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      *uint64             `json:"id,omitempty"`
	Method  string              `json:"method,omitempty"`
	Params  *SubscriptionParams `json:"params,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *RPCError           `json:"error,omitempty"`
}

// SubscriptionParams carries one notification payload.
type SubscriptionParams struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return e.Message }

// LogFilter is the eth_subscribe "logs" filter for one pool.
type LogFilter struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
}

// WireLog is a log as the node serialises it.
type WireLog struct {
	Address     common.Address `json:"address"`
	Topics      []common.Hash  `json:"topics"`
	Data        hexutil.Bytes  `json:"data"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
	TxHash      common.Hash    `json:"transactionHash"`
	TxIndex     hexutil.Uint   `json:"transactionIndex"`
	BlockHash   common.Hash    `json:"blockHash"`
	Index       hexutil.Uint   `json:"logIndex"`
	Removed     bool           `json:"removed"`
}

// ToLog converts to the go-ethereum log type.
func (w WireLog) ToLog() types.Log {
	return types.Log{
		Address:     w.Address,
		Topics:      w.Topics,
		Data:        w.Data,
		BlockNumber: uint64(w.BlockNumber),
		TxHash:      w.TxHash,
		TxIndex:     uint(w.TxIndex),
		BlockHash:   w.BlockHash,
		Index:       uint(w.Index),
		Removed:     w.Removed,
	}
}

// FromLog converts a go-ethereum log to its wire form.
func FromLog(lg types.Log) WireLog {
	return WireLog{
		Address:     lg.Address,
		Topics:      lg.Topics,
		Data:        lg.Data,
		BlockNumber: hexutil.Uint64(lg.BlockNumber),
		TxHash:      lg.TxHash,
		TxIndex:     hexutil.Uint(lg.TxIndex),
		BlockHash:   lg.BlockHash,
		Index:       hexutil.Uint(lg.Index),
		Removed:     lg.Removed,
	}
}
