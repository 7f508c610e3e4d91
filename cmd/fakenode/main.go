// Command fakenode is a staging node for local runs. It serves eth_subscribe
// over websocket plus the eth_call/eth_getBlockByNumber methods the decoder
// needs, and mines a block with one Swap per configured pair every tick.
//
// Point candled at it with:
//
//	DEXOHLC_NODE_WS_URL=ws://localhost:8546
//	DEXOHLC_NODE_RPC_URL=http://localhost:8546
//	DEXOHLC_POOLS=0x00000000000000000000000000000000000b0001,0x00000000000000000000000000000000000b0002
package main

import (
	"context"
	"errors"
	"flag"
	"math/big"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dexohlc/internal/chain/decoder"
	"dexohlc/internal/chain/nodesim"
	"dexohlc/internal/logger"
)

type token struct {
	addr     common.Address
	symbol   string
	name     string
	decimals uint8
}

// market is one simulated pool with a random-walk price of token0 in token1.
type market struct {
	pool   common.Address
	token0 token
	token1 token
	price  float64
}

var (
	wbnb = token{common.HexToAddress("0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c"), "WBNB", "Wrapped BNB", 18}
	usdt = token{common.HexToAddress("0x55d398326f99059fF775485246999027B3197955"), "USDT", "Tether USD", 18}
	cake = token{common.HexToAddress("0x0E09FaBB73Bd3Ade0a17ECC321fD13a19e81cE82"), "CAKE", "PancakeSwap Token", 18}
)

func defaultMarkets() []*market {
	return []*market{
		{pool: common.HexToAddress("0x00000000000000000000000000000000000b0001"), token0: wbnb, token1: usdt, price: 300},
		{pool: common.HexToAddress("0x00000000000000000000000000000000000b0002"), token0: cake, token1: wbnb, price: 0.01},
	}
}

func main() {
	addr := flag.String("addr", ":8546", "listen address")
	interval := flag.Duration("interval", time.Second, "block interval")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	log := logger.New(os.Stdout, "fakenode", *level)
	node := nodesim.New(log)

	markets := defaultMarkets()
	for _, m := range markets {
		for _, t := range []token{m.token0, m.token1} {
			if err := node.AddToken(t.addr, t.symbol, t.name, t.decimals); err != nil {
				log.Fatal().Err(err).Str("token", t.symbol).Msg("register token")
			}
		}
		if err := node.AddPair(m.pool, m.token0.addr, m.token1.addr); err != nil {
			log.Fatal().Err(err).Str("pool", m.pool.Hex()).Msg("register pair")
		}
		log.Info().Str("pool", m.pool.Hex()).Str("pair", m.token0.symbol+"/"+m.token1.symbol).Msg("pair registered")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := &http.Server{Addr: *addr, Handler: node}
	go func() {
		log.Info().Str("addr", *addr).Msg("fake node listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	go run(ctx, node, markets, *interval, log)

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
	log.Info().Interface("stats", node.Stats()).Msg("fake node stopped")
}

func run(ctx context.Context, node *nodesim.Server, markets []*market, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	trader := common.HexToAddress("0x10ED43C718714eb63d5aA57B78B54704E256024E")

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			block := node.MineBlock(now)
			for i, m := range markets {
				m.price = walk(rng, m.price)
				qty := 0.1 + rng.Float64()*10
				sell := rng.Intn(2) == 0

				in0, in1, out0, out1 := amounts(m, qty, sell)
				lg, err := decoder.EncodeSwapLog(m.pool, trader, trader, in0, in1, out0, out1)
				if err != nil {
					log.Error().Err(err).Msg("encode swap")
					continue
				}
				lg.BlockNumber = block
				lg.TxHash = crypto.Keccak256Hash(big.NewInt(int64(block)).Bytes(), m.pool.Bytes())
				lg.Index = uint(i)
				n := node.Publish(lg)
				log.Debug().Uint64("block", block).Str("pool", m.pool.Hex()).Float64("price", m.price).Int("deliveries", n).Msg("swap")
			}
		}
	}
}

// walk moves price by up to ±0.5%.
func walk(rng *rand.Rand, price float64) float64 {
	return price * (1 + (rng.Float64()-0.5)/100)
}

// amounts builds raw Swap amounts for qty of token0 at m.price. A sell puts
// token0 in and takes token1 out; a buy is the reverse.
func amounts(m *market, qty float64, sell bool) (in0, in1, out0, out1 *big.Int) {
	zero := new(big.Int)
	base := decimal.NewFromFloat(qty)
	quote := base.Mul(decimal.NewFromFloat(m.price))
	amt0 := base.Shift(int32(m.token0.decimals)).BigInt()
	amt1 := quote.Shift(int32(m.token1.decimals)).BigInt()
	if sell {
		return amt0, zero, zero, amt1
	}
	return zero, amt1, amt0, zero
}
