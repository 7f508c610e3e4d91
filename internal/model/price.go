package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/goccy/go-json"
)

// PriceSource marks how a price was derived.
type PriceSource string

const (
	// SourceOnChain prices come from fully decoded, decimal-normalized swaps.
	SourceOnChain PriceSource = "onchain"
	// SourceFallback prices are best-effort ratios derived without token metadata.
	SourceFallback PriceSource = "fallback"
)

// Side is the direction of a swap from token0's point of view.
type Side string

const (
	SideBuy  Side = "buy"  // token0 bought with token1
	SideSell Side = "sell" // token0 sold for token1
)

// PricePoint is a derived price observation for one pair.
// Price is token0 denominated in token1; InversePrice is its reciprocal.
type PricePoint struct {
	Pair         string         `json:"pair"`
	Pool         common.Address `json:"pool"`
	Price        float64        `json:"price"`
	InversePrice float64        `json:"inversePrice"`
	Volume       float64        `json:"volume"` // token0 units
	Timestamp    time.Time      `json:"timestamp"`
	TxHash       common.Hash    `json:"txHash"`
	Side         Side           `json:"side"`
	Source       PriceSource    `json:"source"`
	// Seq is the live-stream sequence number, assigned when the pipeline
	// accepts the point. Zero before that.
	Seq uint64 `json:"seq,omitempty"`
}

// JSON returns the JSON-encoded price point.
func (p *PricePoint) JSON() []byte {
	b, _ := json.Marshal(p)
	return b
}

// Trade is a recent-trade record served by the trades query.
type Trade struct {
	Pair      string      `json:"pair"`
	Price     float64     `json:"price"`
	Volume    float64     `json:"volume"`
	Side      Side        `json:"side"`
	TxHash    common.Hash `json:"txHash"`
	Timestamp time.Time   `json:"timestamp"`
	Source    PriceSource `json:"source"`
}

// TradeFromPrice converts a price point to its trade record.
func TradeFromPrice(p PricePoint) Trade {
	return Trade{
		Pair:      p.Pair,
		Price:     p.Price,
		Volume:    p.Volume,
		Side:      p.Side,
		TxHash:    p.TxHash,
		Timestamp: p.Timestamp,
		Source:    p.Source,
	}
}

// Summary is a rolling 24h view over hourly bars.
type Summary struct {
	Pair          string    `json:"pair"`
	LastPrice     float64   `json:"lastPrice"`
	Change        float64   `json:"change24h"`
	ChangePercent float64   `json:"changePercent24h"`
	High          float64   `json:"high24h"`
	Low           float64   `json:"low24h"`
	Volume        float64   `json:"volume24h"`
	Bars          int       `json:"bars"`
	UpdatedAt     time.Time `json:"updatedAt"`
}
