// Package decoder turns raw pair Swap logs into SwapEvents and PricePoints.
//
// Pair and token metadata is read from the chain once per address and cached
// for the life of the process. Concurrent cold lookups for the same address
// share a single in-flight call.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"dexohlc/internal/model"
)

// ChainReader is the subset of ethclient.Client the decoder needs.
type ChainReader interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Config controls optional decoder behaviour.
type Config struct {
	// FallbackPricing emits a raw-ratio price labelled by pool address when
	// pair metadata cannot be resolved. Off by default.
	FallbackPricing bool
	// BlockTimeCacheSize bounds the block timestamp cache (default 1024).
	BlockTimeCacheSize int
}

// Decoder decodes Swap logs. Safe for concurrent use.
type Decoder struct {
	reader ChainReader
	cfg    Config
	log    zerolog.Logger
	group  singleflight.Group
	now    func() time.Time

	mu         sync.RWMutex
	pairs      map[common.Address]model.PairInfo
	tokens     map[common.Address]model.TokenInfo
	blockTimes map[uint64]time.Time
	blockOrder []uint64

	// OnTimestampFallback is called when a block header cannot be read and
	// the receive time is used instead.
	OnTimestampFallback func(block uint64, err error)
	// OnFallbackPrice is called for every fallback-derived price.
	OnFallbackPrice func(pool common.Address)
}

// New creates a decoder reading metadata through reader.
func New(reader ChainReader, cfg Config, log zerolog.Logger) *Decoder {
	if cfg.BlockTimeCacheSize <= 0 {
		cfg.BlockTimeCacheSize = 1024
	}
	return &Decoder{
		reader:     reader,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		pairs:      make(map[common.Address]model.PairInfo),
		tokens:     make(map[common.Address]model.TokenInfo),
		blockTimes: make(map[uint64]time.Time),
	}
}

// Decode turns lg into a SwapEvent and, when derivable, a PricePoint.
//
// Returns ErrNotApplicable for non-Swap logs, *DecodeError for malformed
// Swap logs and *MetadataError when pair metadata cannot be resolved and
// fallback pricing is off. A degenerate swap (nothing in, or a zero
// denominator) yields a SwapEvent with a nil PricePoint and no error.
// SwapEvent.Processed reports whether a price was derived.
func (d *Decoder) Decode(ctx context.Context, lg types.Log) (*model.SwapEvent, *model.PricePoint, error) {
	ev, err := DecodeSwap(lg)
	if err != nil {
		return nil, nil, err
	}
	ev.Timestamp = d.blockTime(ctx, lg.BlockNumber)

	pair, err := d.Pair(ctx, lg.Address)
	if err != nil {
		if !d.cfg.FallbackPricing {
			return nil, nil, err
		}
		d.log.Warn().Err(err).Str("pool", lg.Address.Hex()).Msg("pair metadata unavailable, using fallback price")
		pp := FallbackPrice(ev)
		if pp != nil && d.OnFallbackPrice != nil {
			d.OnFallbackPrice(lg.Address)
		}
		ev.Processed = pp != nil
		return ev, pp, nil
	}
	pp := DerivePrice(ev, pair)
	ev.Processed = pp != nil
	return ev, pp, nil
}

// DecodeSwap decodes the exact amounts and addresses of a Swap log.
// The timestamp is left zero.
func DecodeSwap(lg types.Log) (*model.SwapEvent, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != SwapTopic {
		return nil, ErrNotApplicable
	}
	if len(lg.Topics) < 3 {
		return nil, &DecodeError{TxHash: lg.TxHash, LogIndex: lg.Index,
			Err: fmt.Errorf("expected 3 topics, got %d", len(lg.Topics))}
	}
	values, err := PairABI.Unpack("Swap", lg.Data)
	if err != nil {
		return nil, &DecodeError{TxHash: lg.TxHash, LogIndex: lg.Index, Err: err}
	}
	amounts := make([]*big.Int, 4)
	for i := range amounts {
		v, ok := values[i].(*big.Int)
		if !ok {
			return nil, &DecodeError{TxHash: lg.TxHash, LogIndex: lg.Index,
				Err: fmt.Errorf("amount %d has type %T", i, values[i])}
		}
		amounts[i] = v
	}
	return &model.SwapEvent{
		TxHash:      lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		Pool:        lg.Address,
		Sender:      common.BytesToAddress(lg.Topics[1].Bytes()),
		Recipient:   common.BytesToAddress(lg.Topics[2].Bytes()),
		Amount0In:   amounts[0],
		Amount1In:   amounts[1],
		Amount0Out:  amounts[2],
		Amount1Out:  amounts[3],
	}, nil
}

// EncodeSwapLog builds a Swap log with the given amounts. Used by the
// staging node and tests.
func EncodeSwapLog(pool, sender, to common.Address, amount0In, amount1In, amount0Out, amount1Out *big.Int) (types.Log, error) {
	data, err := PairABI.Events["Swap"].Inputs.NonIndexed().Pack(amount0In, amount1In, amount0Out, amount1Out)
	if err != nil {
		return types.Log{}, err
	}
	return types.Log{
		Address: pool,
		Topics: []common.Hash{
			SwapTopic,
			common.BytesToHash(sender.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: data,
	}, nil
}

// Pair resolves token0/token1 metadata for pool.
func (d *Decoder) Pair(ctx context.Context, pool common.Address) (model.PairInfo, error) {
	if p, ok := d.cachedPair(pool); ok {
		return p, nil
	}
	v, err, _ := d.group.Do("pair:"+pool.Hex(), func() (interface{}, error) {
		if p, ok := d.cachedPair(pool); ok {
			return p, nil
		}
		addr0, err := d.callAddress(ctx, pool, "token0")
		if err != nil {
			return nil, err
		}
		addr1, err := d.callAddress(ctx, pool, "token1")
		if err != nil {
			return nil, err
		}
		t0, err := d.Token(ctx, addr0)
		if err != nil {
			return nil, err
		}
		t1, err := d.Token(ctx, addr1)
		if err != nil {
			return nil, err
		}
		p := model.PairInfo{Address: pool, Token0: t0, Token1: t1, Label: model.PairLabel(t0, t1)}

		d.mu.Lock()
		d.pairs[pool] = p
		d.mu.Unlock()
		d.log.Info().Str("pool", pool.Hex()).Str("pair", p.Label).Msg("pair metadata resolved")
		return p, nil
	})
	if err != nil {
		return model.PairInfo{}, err
	}
	return v.(model.PairInfo), nil
}

// Token resolves ERC-20 metadata. symbol and decimals are required; name is
// best effort and left empty when the call fails.
func (d *Decoder) Token(ctx context.Context, token common.Address) (model.TokenInfo, error) {
	d.mu.RLock()
	t, ok := d.tokens[token]
	d.mu.RUnlock()
	if ok {
		return t, nil
	}
	v, err, _ := d.group.Do("token:"+token.Hex(), func() (interface{}, error) {
		d.mu.RLock()
		t, ok := d.tokens[token]
		d.mu.RUnlock()
		if ok {
			return t, nil
		}

		decOut, err := d.call(ctx, ERC20ABI, token, "decimals")
		if err != nil {
			return nil, err
		}
		decimals, ok := decOut[0].(uint8)
		if !ok {
			return nil, &MetadataError{Address: token, Method: "decimals", Err: fmt.Errorf("unexpected type %T", decOut[0])}
		}
		symbol, err := d.callString(ctx, token, "symbol")
		if err != nil {
			return nil, err
		}
		name, err := d.callString(ctx, token, "name")
		if err != nil {
			d.log.Debug().Err(err).Str("token", token.Hex()).Msg("token name unavailable")
			name = ""
		}

		info := model.TokenInfo{Address: token, Symbol: symbol, Decimals: decimals, Name: name}
		d.mu.Lock()
		d.tokens[token] = info
		d.mu.Unlock()
		return info, nil
	})
	if err != nil {
		return model.TokenInfo{}, err
	}
	return v.(model.TokenInfo), nil
}

// CacheSizes returns the number of cached pairs and tokens.
func (d *Decoder) CacheSizes() (pairs, tokens int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pairs), len(d.tokens)
}

func (d *Decoder) cachedPair(pool common.Address) (model.PairInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.pairs[pool]
	return p, ok
}

func (d *Decoder) call(ctx context.Context, contract abi.ABI, to common.Address, method string) ([]interface{}, error) {
	input, err := contract.Pack(method)
	if err != nil {
		return nil, &MetadataError{Address: to, Method: method, Err: err}
	}
	out, err := d.reader.CallContract(ctx, ethereum.CallMsg{To: &to, Data: input}, nil)
	if err != nil {
		return nil, &MetadataError{Address: to, Method: method, Err: err}
	}
	if len(out) == 0 {
		return nil, &MetadataError{Address: to, Method: method, Err: errors.New("empty return data")}
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return nil, &MetadataError{Address: to, Method: method, Err: err}
	}
	if len(values) == 0 {
		return nil, &MetadataError{Address: to, Method: method, Err: errors.New("no return values")}
	}
	return values, nil
}

func (d *Decoder) callAddress(ctx context.Context, to common.Address, method string) (common.Address, error) {
	out, err := d.call(ctx, PairABI, to, method)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, &MetadataError{Address: to, Method: method, Err: fmt.Errorf("unexpected type %T", out[0])}
	}
	return addr, nil
}

func (d *Decoder) callString(ctx context.Context, to common.Address, method string) (string, error) {
	out, err := d.call(ctx, ERC20ABI, to, method)
	if err == nil {
		if s, ok := out[0].(string); ok {
			return s, nil
		}
	}
	out, err32 := d.call(ctx, erc20Bytes32ABI, to, method)
	if err32 != nil {
		if err != nil {
			return "", err
		}
		return "", err32
	}
	raw, ok := out[0].([32]byte)
	if !ok {
		return "", &MetadataError{Address: to, Method: method, Err: fmt.Errorf("unexpected type %T", out[0])}
	}
	return strings.TrimRight(string(raw[:]), "\x00"), nil
}

// blockTime returns the block's timestamp, falling back to the receive time
// when the header cannot be read. Fallbacks are not cached.
func (d *Decoder) blockTime(ctx context.Context, number uint64) time.Time {
	d.mu.RLock()
	ts, ok := d.blockTimes[number]
	d.mu.RUnlock()
	if ok {
		return ts
	}

	v, err, _ := d.group.Do(fmt.Sprintf("block:%d", number), func() (interface{}, error) {
		h, err := d.reader.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		if err != nil {
			return nil, err
		}
		if h == nil {
			return nil, errors.New("nil header")
		}
		t := time.Unix(int64(h.Time), 0).UTC()

		d.mu.Lock()
		if _, exists := d.blockTimes[number]; !exists {
			d.blockTimes[number] = t
			d.blockOrder = append(d.blockOrder, number)
			if len(d.blockOrder) > d.cfg.BlockTimeCacheSize {
				delete(d.blockTimes, d.blockOrder[0])
				d.blockOrder = d.blockOrder[1:]
			}
		}
		d.mu.Unlock()
		return t, nil
	})
	if err != nil {
		now := d.now().UTC()
		d.log.Warn().Err(err).Uint64("block", number).Msg("block header unavailable, using receive time")
		if d.OnTimestampFallback != nil {
			d.OnTimestampFallback(number, err)
		}
		return now
	}
	return v.(time.Time)
}
