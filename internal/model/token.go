package model

import "github.com/ethereum/go-ethereum/common"

// TokenInfo is ERC-20 metadata, resolved once per address.
type TokenInfo struct {
	Address  common.Address `json:"address"`
	Symbol   string         `json:"symbol"`
	Decimals uint8          `json:"decimals"`
	Name     string         `json:"name"`
}

// PairInfo describes a pool and its two tokens.
type PairInfo struct {
	Address common.Address `json:"address"`
	Token0  TokenInfo      `json:"token0"`
	Token1  TokenInfo      `json:"token1"`
	Label   string         `json:"label"` // "symbol0/symbol1"
}

// PairLabel builds the display label used as the candle pair key.
func PairLabel(t0, t1 TokenInfo) string {
	return t0.Symbol + "/" + t1.Symbol
}
