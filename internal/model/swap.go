package model

import (
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// SwapEvent is a decoded pair Swap log. Amounts are exact uint256 values.
// A SwapEvent is never mutated after decode.
type SwapEvent struct {
	TxHash      common.Hash    `json:"transactionHash"`
	LogIndex    uint           `json:"logIndex"`
	BlockNumber uint64         `json:"blockNumber"`
	Pool        common.Address `json:"pairAddress"`
	Sender      common.Address `json:"sender"`
	Recipient   common.Address `json:"recipient"`
	Amount0In   *big.Int       `json:"amount0In"`
	Amount1In   *big.Int       `json:"amount1In"`
	Amount0Out  *big.Int       `json:"amount0Out"`
	Amount1Out  *big.Int       `json:"amount1Out"`
	Timestamp   time.Time      `json:"timestamp"`
	Processed   bool           `json:"processed"` // a price point was derived
}

// ID returns the unique identity "txHash-logIndex".
func (e *SwapEvent) ID() string {
	return EventID(e.TxHash, e.LogIndex)
}

// EventID formats a log identity the same way for dedup and SwapEvent.ID.
func EventID(tx common.Hash, logIndex uint) string {
	return tx.Hex() + "-" + strconv.FormatUint(uint64(logIndex), 10)
}
