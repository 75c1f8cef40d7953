package domain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	venue "github.com/wyfcoding/deficonverter/internal/venue/domain"
)

type stubAdapter struct {
	key       string
	cost      decimal.Decimal
	amountOut decimal.Decimal
	liquidity decimal.Decimal
	quoteErr  error
}

func (a *stubAdapter) Key() string                         { return a.key }
func (a *stubAdapter) SupportsPair(_ venue.AssetPair) bool { return true }

func (a *stubAdapter) QuoteBorrow(_ context.Context, _ venue.AssetPair, _ decimal.Decimal, _ time.Duration) (venue.VenueQuote, error) {
	if a.quoteErr != nil {
		return venue.VenueQuote{}, a.quoteErr
	}
	return venue.VenueQuote{CostRatio: a.cost, AmountOut: a.amountOut, Liquidity: a.liquidity}, nil
}

func (a *stubAdapter) Borrow(_ context.Context, _ string, _ venue.AssetPair, _, amountOut decimal.Decimal, _ string) (decimal.Decimal, error) {
	return amountOut, nil
}

func (a *stubAdapter) Repay(_ context.Context, _ string, _ decimal.Decimal, _ string, _ bool) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (a *stubAdapter) Status(_ context.Context, _ string) (venue.VenueStatus, error) {
	return venue.VenueStatus{}, nil
}

type stubSwap struct {
	out decimal.Decimal
	err error
}

func (s *stubSwap) Quote(_ context.Context, _, _ string, _ decimal.Decimal) (decimal.Decimal, error) {
	return s.out, s.err
}

func (s *stubSwap) Swap(_ context.Context, _ string, _ decimal.Decimal, _, _ string) (decimal.Decimal, error) {
	return s.out, nil
}

type stubOracle struct {
	prices map[string]decimal.Decimal
}

func (o *stubOracle) Price(_ context.Context, asset string) (decimal.Decimal, error) {
	return o.prices[asset], nil
}

func unitOracle() *stubOracle {
	return &stubOracle{prices: map[string]decimal.Decimal{
		"ETH":  decimal.NewFromInt(1),
		"USDC": decimal.NewFromInt(1),
	}}
}

var testPair = venue.AssetPair{Collateral: "ETH", Borrow: "USDC"}

func newEngine(t *testing.T, swap venue.SwapProvider, oracle venue.PriceOracle, adapters ...venue.VenueAdapter) *SelectorEngine {
	t.Helper()
	registry := venue.NewAdapterRegistry()
	for _, a := range adapters {
		require.NoError(t, registry.Register(a))
	}
	return NewSelectorEngine(registry, swap, oracle)
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestSelectRejectsZeroInputs(t *testing.T) {
	engine := newEngine(t, &stubSwap{}, unitOracle())

	_, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.Zero,
		Horizon:          time.Hour,
	})
	assert.ErrorIs(t, err, ErrZeroAmount)

	_, err = engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(10),
		Horizon:          0,
	})
	assert.ErrorIs(t, err, ErrZeroHorizon)
}

func TestSelectPicksLowestCostVenue(t *testing.T) {
	cheap := &stubAdapter{key: "aave", cost: dec("0.01"), amountOut: dec("90"), liquidity: dec("1000")}
	pricey := &stubAdapter{key: "compound", cost: dec("0.05"), amountOut: dec("95"), liquidity: dec("1000")}
	// 兑换损耗 10%
	swap := &stubSwap{out: dec("90")}

	engine := newEngine(t, swap, unitOracle(), pricey, cheap)

	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(100),
		Horizon:          time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, RouteVenue, plan.Legs[0].Kind)
	assert.Equal(t, "aave", plan.Legs[0].VenueKey)
	assert.True(t, plan.Legs[0].AmountOut.Equal(dec("90")))
}

func TestSelectTieBreaksByRegistrationOrder(t *testing.T) {
	first := &stubAdapter{key: "first", cost: dec("0.02"), amountOut: dec("90"), liquidity: dec("1000")}
	second := &stubAdapter{key: "second", cost: dec("0.02"), amountOut: dec("95"), liquidity: dec("1000")}

	engine := newEngine(t, &stubSwap{}, unitOracle(), first, second)

	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(100),
		Horizon:          time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, "first", plan.Legs[0].VenueKey)
}

func TestSelectPrefersSwapWhenCheaper(t *testing.T) {
	adapter := &stubAdapter{key: "aave", cost: dec("0.08"), amountOut: dec("90"), liquidity: dec("1000")}
	// 兑换损耗仅 2%
	swap := &stubSwap{out: dec("98")}

	engine := newEngine(t, swap, unitOracle(), adapter)

	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(100),
		Horizon:          time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, RouteSwap, plan.Legs[0].Kind)
	assert.True(t, plan.Legs[0].AmountOut.Equal(dec("98")))
}

func TestSelectZeroCostVenueBeatsSwap(t *testing.T) {
	free := &stubAdapter{key: "subsidized", cost: decimal.Zero, amountOut: dec("90"), liquidity: dec("1000")}
	// 兑换表面成本为负（溢价），零成本足额场所仍然优先
	swap := &stubSwap{out: dec("105")}

	engine := newEngine(t, swap, unitOracle(), free)

	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(100),
		Horizon:          time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, RouteVenue, plan.Legs[0].Kind)
	assert.Equal(t, "subsidized", plan.Legs[0].VenueKey)
}

func TestSelectZeroCostVenueWithoutLiquidityDoesNotOverride(t *testing.T) {
	dry := &stubAdapter{key: "dry", cost: decimal.Zero, amountOut: dec("90"), liquidity: dec("10")}
	swap := &stubSwap{out: dec("98")}

	engine := newEngine(t, swap, unitOracle(), dry)

	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(100),
		Horizon:          time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	// 流动性不足的零成本场所不触发绝对优先，兑换更便宜
	assert.Equal(t, RouteSwap, plan.Legs[0].Kind)
}

func TestSelectUnderLiquidVenueLosesToSwap(t *testing.T) {
	// 流动性覆盖不了报价产出的场所不参选，即使名义成本更低
	shallow := &stubAdapter{key: "shallow", cost: dec("0.01"), amountOut: dec("90"), liquidity: dec("50")}
	swap := &stubSwap{out: dec("95")}

	engine := newEngine(t, swap, unitOracle(), shallow)

	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(100),
		Horizon:          time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, RouteSwap, plan.Legs[0].Kind)
}

func TestSelectUnderLiquidVenueYieldsToDeeperVenue(t *testing.T) {
	shallow := &stubAdapter{key: "shallow", cost: dec("0.01"), amountOut: dec("90"), liquidity: dec("50")}
	deep := &stubAdapter{key: "deep", cost: dec("0.03"), amountOut: dec("88"), liquidity: dec("1000")}

	engine := newEngine(t, &stubSwap{}, unitOracle(), shallow, deep)

	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(100),
		Horizon:          time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, "deep", plan.Legs[0].VenueKey)
}

func TestSelectNoRouteReturnsEmptyPlan(t *testing.T) {
	broken := &stubAdapter{key: "down", quoteErr: errors.New("venue unavailable")}
	swap := &stubSwap{out: decimal.Zero}

	engine := newEngine(t, swap, unitOracle(), broken)

	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(100),
		Horizon:          time.Hour,
	})
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestSelectExactOutputScalesInput(t *testing.T) {
	adapter := &stubAdapter{key: "aave", cost: dec("0.01"), amountOut: dec("80"), liquidity: dec("1000")}

	engine := newEngine(t, &stubSwap{}, unitOracle(), adapter)

	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(100),
		Horizon:          time.Hour,
		Policy:           SplitExactOutput,
		TargetOutput:     dec("40"),
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	// 100 抵押产出 80，目标 40 只需一半抵押
	assert.True(t, plan.Legs[0].CollateralIn.Equal(dec("50")), "got %s", plan.Legs[0].CollateralIn)
	assert.True(t, plan.Legs[0].AmountOut.Equal(dec("40")))
}

func TestSelectExactOutputRoundsInputUp(t *testing.T) {
	// 100 抵押产出 30，目标 10 需要 100/3 抵押，除不尽时投入向上取整
	adapter := &stubAdapter{key: "aave", cost: dec("0.01"), amountOut: dec("30"), liquidity: dec("1000")}

	engine := newEngine(t, &stubSwap{}, unitOracle(), adapter)

	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(100),
		Horizon:          time.Hour,
		Policy:           SplitExactOutput,
		TargetOutput:     dec("10"),
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)

	// 按报价比例折算的实际产出不得低于目标
	realized := plan.Legs[0].CollateralIn.Mul(dec("30")).Div(dec("100"))
	assert.True(t, realized.GreaterThanOrEqual(dec("10")),
		"collateral in %s realizes %s", plan.Legs[0].CollateralIn, realized)
}

func TestSelectExactOutputBeyondCapacityIsEmpty(t *testing.T) {
	adapter := &stubAdapter{key: "aave", cost: dec("0.01"), amountOut: dec("80"), liquidity: dec("1000")}

	engine := newEngine(t, &stubSwap{}, unitOracle(), adapter)

	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(100),
		Horizon:          time.Hour,
		Policy:           SplitExactOutput,
		TargetOutput:     dec("120"),
	})
	require.NoError(t, err)
	assert.True(t, plan.Empty())
}

func TestSelectEqualValueSplit(t *testing.T) {
	// 单位抵押：场所产出 0.8，兑换产出 0.4 → 场所腿 1/3 抵押，兑换腿 2/3
	adapter := &stubAdapter{key: "aave", cost: dec("0.01"), amountOut: dec("80"), liquidity: dec("1000")}
	swap := &stubSwap{out: dec("40")}

	engine := newEngine(t, swap, unitOracle(), adapter)

	collateral := decimal.NewFromInt(90)
	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: collateral,
		Horizon:          time.Hour,
		Policy:           SplitEqualValue,
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 2)

	venueLeg, swapLeg := plan.Legs[0], plan.Legs[1]
	assert.Equal(t, RouteVenue, venueLeg.Kind)
	assert.Equal(t, RouteSwap, swapLeg.Kind)

	// 投入之和等于抵押总量
	assert.True(t, venueLeg.CollateralIn.Add(swapLeg.CollateralIn).Equal(collateral))
	// 两腿产出等值（单位价格），误差在单位产出率的舍入范围内
	diff := venueLeg.AmountOut.Sub(swapLeg.AmountOut).Abs()
	assert.True(t, diff.LessThanOrEqual(dec("0.000000000000001")),
		"venue out %s vs swap out %s", venueLeg.AmountOut, swapLeg.AmountOut)
}

func TestSelectEqualValueSplitFallsBackToSingleRoute(t *testing.T) {
	adapter := &stubAdapter{key: "aave", cost: dec("0.01"), amountOut: dec("80"), liquidity: dec("1000")}

	engine := newEngine(t, &stubSwap{}, unitOracle(), adapter)

	plan, err := engine.Select(context.Background(), SelectRequest{
		Pair:             testPair,
		CollateralAmount: decimal.NewFromInt(100),
		Horizon:          time.Hour,
		Policy:           SplitEqualValue,
	})
	require.NoError(t, err)
	require.Len(t, plan.Legs, 1)
	assert.Equal(t, RouteVenue, plan.Legs[0].Kind)
}

func TestSimulateMatchesSelect(t *testing.T) {
	adapter := &stubAdapter{key: "aave", cost: dec("0.013"), amountOut: dec("87.654321"), liquidity: dec("1000")}
	swap := &stubSwap{out: dec("91.2345")}

	engine := newEngine(t, swap, unitOracle(), adapter)

	req := SelectRequest{
		Pair:             testPair,
		CollateralAmount: dec("123.456"),
		Horizon:          time.Hour,
	}
	first, err := engine.Select(context.Background(), req)
	require.NoError(t, err)
	second, err := engine.Select(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, len(first.Legs), len(second.Legs))
	for i := range first.Legs {
		assert.True(t, first.Legs[i].CollateralIn.Equal(second.Legs[i].CollateralIn))
		assert.True(t, first.Legs[i].AmountOut.Equal(second.Legs[i].AmountOut))
		assert.True(t, first.Legs[i].CostRatio.Equal(second.Legs[i].CostRatio))
	}
}
