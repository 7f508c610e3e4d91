package decoder

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// SwapTopic is keccak256("Swap(address,uint256,uint256,uint256,uint256,address)").
var SwapTopic = common.HexToHash("0xd78ad95fa46c994b6551d0da85fc275fe613ce37657fb8d5e3d130840159d822")

const pairABIJSON = `[
  {"anonymous":false,"name":"Swap","type":"event","inputs":[
    {"indexed":true,"name":"sender","type":"address"},
    {"indexed":false,"name":"amount0In","type":"uint256"},
    {"indexed":false,"name":"amount1In","type":"uint256"},
    {"indexed":false,"name":"amount0Out","type":"uint256"},
    {"indexed":false,"name":"amount1Out","type":"uint256"},
    {"indexed":true,"name":"to","type":"address"}]},
  {"name":"token0","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"name":"token1","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]}
]`

const erc20ABIJSON = `[
  {"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"name":"decimals","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// Some early tokens (MKR, SAI) return bytes32 from symbol() and name().
const erc20Bytes32ABIJSON = `[
  {"name":"symbol","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
  {"name":"name","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]}
]`

var (
	PairABI         = mustParseABI(pairABIJSON)
	ERC20ABI        = mustParseABI(erc20ABIJSON)
	erc20Bytes32ABI = mustParseABI(erc20Bytes32ABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic("decoder: bad abi: " + err.Error())
	}
	return parsed
}
