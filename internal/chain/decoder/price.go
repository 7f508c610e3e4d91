package decoder

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"

	"dexohlc/internal/model"
)

// fallbackDecimals is assumed for both tokens when metadata is unknown.
const fallbackDecimals = 18

// divPrecision is the fractional digits kept by price division. It covers
// ratios between 18-decimal tokens down to 1e-30 with full float64 precision.
const divPrecision = 48

// DerivePrice computes token0's price in token1 from a decoded swap.
//
// amount0In > 0: token0 was sold, price = amount1Out / amount0In.
// amount1In > 0: token0 was bought, price = amount1In / amount0Out.
// Volume is the token0 side of the trade. Returns nil for degenerate swaps.
func DerivePrice(ev *model.SwapEvent, pair model.PairInfo) *model.PricePoint {
	pp := derive(ev, int32(pair.Token0.Decimals), int32(pair.Token1.Decimals))
	if pp == nil {
		return nil
	}
	pp.Pair = pair.Label
	pp.Source = model.SourceOnChain
	return pp
}

// FallbackPrice derives a best-effort price assuming 18 decimals on both
// sides. The pair is labelled by pool address and the point is marked
// SourceFallback.
func FallbackPrice(ev *model.SwapEvent) *model.PricePoint {
	pp := derive(ev, fallbackDecimals, fallbackDecimals)
	if pp == nil {
		return nil
	}
	pp.Pair = ev.Pool.Hex()
	pp.Source = model.SourceFallback
	return pp
}

func derive(ev *model.SwapEvent, dec0, dec1 int32) *model.PricePoint {
	a0in := normalize(ev.Amount0In, dec0)
	a1in := normalize(ev.Amount1In, dec1)
	a0out := normalize(ev.Amount0Out, dec0)
	a1out := normalize(ev.Amount1Out, dec1)

	// price = quote / base, token0 is always the base.
	var (
		quote, base decimal.Decimal
		side        model.Side
	)
	switch {
	case a0in.IsPositive():
		quote, base, side = a1out, a0in, model.SideSell
	case a1in.IsPositive():
		quote, base, side = a1in, a0out, model.SideBuy
	default:
		return nil
	}
	if !quote.IsPositive() || !base.IsPositive() {
		return nil
	}

	p, _ := quote.DivRound(base, divPrecision).Float64()
	inv, _ := base.DivRound(quote, divPrecision).Float64()
	if p <= 0 || inv <= 0 || math.IsInf(p, 0) || math.IsInf(inv, 0) || math.IsNaN(p) {
		return nil
	}
	v, _ := base.Float64()

	return &model.PricePoint{
		Pool:         ev.Pool,
		Price:        p,
		InversePrice: inv,
		Volume:       v,
		Timestamp:    ev.Timestamp,
		TxHash:       ev.TxHash,
		Side:         side,
	}
}

func normalize(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}
