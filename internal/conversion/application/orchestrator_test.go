package application

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	accountingapp "github.com/wyfcoding/deficonverter/internal/accounting/application"
	accountingmem "github.com/wyfcoding/deficonverter/internal/accounting/infrastructure/persistence/memory"
	"github.com/wyfcoding/deficonverter/internal/conversion/domain"
	"github.com/wyfcoding/deficonverter/internal/conversion/infrastructure/callback"
	"github.com/wyfcoding/deficonverter/internal/conversion/infrastructure/vault"
	positionapp "github.com/wyfcoding/deficonverter/internal/position/application"
	positionmem "github.com/wyfcoding/deficonverter/internal/position/infrastructure/persistence/memory"
	strategydomain "github.com/wyfcoding/deficonverter/internal/strategy/domain"
	venue "github.com/wyfcoding/deficonverter/internal/venue/domain"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

var testPair = venue.AssetPair{Collateral: "ETH", Borrow: "USDC"}

// venueState 假场所里单个仓位的状态
type venueState struct {
	collateral decimal.Decimal
	debt       decimal.Decimal
	opened     bool
}

// fakeVenue 带仓位状态的假借贷场所，资金经由托管账本流转
type fakeVenue struct {
	key    string
	vault  *vault.MemoryVault
	pair   venue.AssetPair
	factor decimal.Decimal // 实际放款 = 计划 × factor
	health decimal.Decimal
	gap    bool
	states map[string]*venueState
}

func newFakeVenue(key string, v *vault.MemoryVault) *fakeVenue {
	return &fakeVenue{
		key:    key,
		vault:  v,
		pair:   testPair,
		factor: decimal.NewFromInt(1),
		health: decimal.NewFromInt(2),
		states: make(map[string]*venueState),
	}
}

func (f *fakeVenue) state(positionID string) *venueState {
	if s, ok := f.states[positionID]; ok {
		return s
	}
	s := &venueState{collateral: decimal.Zero, debt: decimal.Zero}
	f.states[positionID] = s
	return s
}

func (f *fakeVenue) Key() string                       { return f.key }
func (f *fakeVenue) SupportsPair(venue.AssetPair) bool { return true }

func (f *fakeVenue) QuoteBorrow(_ context.Context, _ venue.AssetPair, _ decimal.Decimal, _ time.Duration) (venue.VenueQuote, error) {
	return venue.VenueQuote{}, nil
}

func (f *fakeVenue) Borrow(_ context.Context, positionID string, pair venue.AssetPair, collateralAmount, amountOut decimal.Decimal, receiver string) (decimal.Decimal, error) {
	s := f.state(positionID)
	realized := amountOut.Mul(f.factor)
	s.collateral = s.collateral.Add(collateralAmount)
	s.debt = s.debt.Add(realized)
	s.opened = true
	f.vault.Deposit(receiver, pair.Borrow, realized)
	return realized, nil
}

func (f *fakeVenue) Repay(_ context.Context, positionID string, amount decimal.Decimal, receiver string, closePosition bool) (decimal.Decimal, error) {
	s := f.state(positionID)
	if amount.GreaterThan(s.debt) {
		amount = s.debt
	}

	var freed decimal.Decimal
	if closePosition || s.debt.Sub(amount).IsZero() {
		freed = s.collateral
	} else {
		freed = s.collateral.Mul(amount).DivRound(s.debt, 18)
	}
	s.debt = s.debt.Sub(amount)
	s.collateral = s.collateral.Sub(freed)
	if closePosition {
		s.opened = false
	}
	if freed.GreaterThan(decimal.Zero) {
		f.vault.Deposit(receiver, f.pair.Collateral, freed)
	}
	return freed, nil
}

func (f *fakeVenue) Status(_ context.Context, positionID string) (venue.VenueStatus, error) {
	s := f.state(positionID)
	return venue.VenueStatus{
		CollateralAmount: s.collateral,
		DebtAmount:       s.debt,
		HealthFactor:     f.health,
		Opened:           s.opened,
		DebtGapRequired:  f.gap,
	}, nil
}

// fakeSwap 固定汇率兑换
type fakeSwap struct {
	vault   *vault.MemoryVault
	rate    decimal.Decimal
	enabled bool
}

func (f *fakeSwap) Quote(_ context.Context, _, _ string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	if !f.enabled {
		return decimal.Zero, nil
	}
	return amountIn.Mul(f.rate), nil
}

func (f *fakeSwap) Swap(_ context.Context, _ string, amountIn decimal.Decimal, assetOut, receiver string) (decimal.Decimal, error) {
	out := amountIn.Mul(f.rate)
	f.vault.Deposit(receiver, assetOut, out)
	return out, nil
}

type fixedOracle struct {
	prices map[string]decimal.Decimal
}

func (o *fixedOracle) Price(_ context.Context, asset string) (decimal.Decimal, error) {
	return o.prices[asset], nil
}

// fakeBorrower 两轮召回的假借款人，交付即向编排器打款
type fakeBorrower struct {
	vault        *vault.MemoryVault
	round1       decimal.Decimal
	round2       decimal.Decimal
	selfCloseVia *fakeVenue
	positionID   string
	notified     [][]decimal.Decimal
}

func (b *fakeBorrower) PrepareAmountBack(_ context.Context, asset string, _ decimal.Decimal) (decimal.Decimal, error) {
	if b.selfCloseVia != nil {
		// 借款人经其他路径自行清偿了债务
		s := b.selfCloseVia.state(b.positionID)
		s.debt = decimal.Zero
		s.collateral = decimal.Zero
		s.opened = false
	}
	if b.round1.GreaterThan(decimal.Zero) {
		b.vault.Deposit(domain.OrchestratorAccount, asset, b.round1)
	}
	return b.round1, nil
}

func (b *fakeBorrower) TransferPreparedAmount(_ context.Context, asset string, _ decimal.Decimal) (decimal.Decimal, error) {
	if b.round2.GreaterThan(decimal.Zero) {
		b.vault.Deposit(domain.OrchestratorAccount, asset, b.round2)
	}
	return b.round2, nil
}

func (b *fakeBorrower) OnFundsTransferred(_ context.Context, _ []string, amounts []decimal.Decimal) error {
	b.notified = append(b.notified, amounts)
	return nil
}

type harness struct {
	orch   *ConversionOrchestrator
	vault  *vault.MemoryVault
	venue  *fakeVenue
	swap   *fakeSwap
	venues *venue.AdapterRegistry
	posSvc *positionapp.PositionService
	accSvc *accountingapp.AccountingService
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	v := vault.NewMemoryVault()
	fv := newFakeVenue("aave", v)
	fs := &fakeSwap{vault: v, rate: dec("0.95"), enabled: true}
	oracle := &fixedOracle{prices: map[string]decimal.Decimal{
		"ETH":  decimal.NewFromInt(1),
		"USDC": decimal.NewFromInt(1),
	}}

	registry := venue.NewAdapterRegistry()
	require.NoError(t, registry.Register(fv))

	posRepo := positionmem.NewPositionRepo()
	posSvc := positionapp.NewPositionService(posRepo, registry,
		decimal.NewFromInt(1), dec("0.01"), nil, slog.Default())

	accRepo := accountingmem.NewLedgerRepo()
	accSvc := accountingapp.NewAccountingService(accRepo, posSvc, nil, oracle, slog.Default())

	orch := NewConversionOrchestrator(
		posSvc, accSvc, registry, fs, oracle,
		v, callback.NewMemoryRegistry(),
		Config{
			AmountTolerance: dec("0.005"),
			MinHealthFactor: decimal.NewFromInt(1),
			DebtGapFraction: dec("0.01"),
			KeeperID:        "keeper",
			GovernanceID:    "governance",
		},
		nil, slog.Default(),
	)
	return &harness{orch: orch, vault: v, venue: fv, swap: fs, venues: registry, posSvc: posSvc, accSvc: accSvc}
}

func venuePlan(collateral, amountOut string) strategydomain.FinancingPlan {
	return strategydomain.FinancingPlan{
		Pair: testPair,
		Legs: []strategydomain.PlanLeg{{
			Kind:         strategydomain.RouteVenue,
			VenueKey:     "aave",
			CollateralIn: dec(collateral),
			AmountOut:    dec(amountOut),
		}},
	}
}

func (h *harness) borrow(t *testing.T, user, collateral, amountOut string) domain.BorrowResult {
	t.Helper()
	h.vault.Deposit(user, "ETH", dec(collateral))
	result, err := h.orch.Borrow(context.Background(), BorrowCommand{
		CallerID: user,
		UserID:   user,
		Receiver: user,
		Pair:     testPair,
		Plan:     venuePlan(collateral, amountOut),
	})
	require.NoError(t, err)
	return result
}

func TestBorrowDeliversFundsAndOpensPosition(t *testing.T) {
	h := newHarness(t)
	h.vault.Deposit("alice", "ETH", dec("100"))

	result, err := h.orch.Borrow(context.Background(), BorrowCommand{
		CallerID: "alice",
		UserID:   "alice",
		Receiver: "alice",
		Pair:     testPair,
		Plan:     venuePlan("100", "60"),
	})
	require.NoError(t, err)
	assert.True(t, result.AmountDelivered.Equal(dec("60")))
	require.Len(t, result.Legs, 1)

	// 抵押离开调用方，借入资产到账
	assert.True(t, h.vault.PartyBalance("alice", "ETH").IsZero())
	assert.True(t, h.vault.PartyBalance("alice", "USDC").Equal(dec("60")))
	// 编排器自身余额不留残余
	self, _ := h.vault.Balance(context.Background(), "USDC")
	assert.True(t, self.IsZero())

	open, err := h.posSvc.ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)

	entry, err := h.accSvc.Entry(context.Background(), "alice", result.Legs[0].PositionID)
	require.NoError(t, err)
	assert.True(t, entry.CollateralBase.Equal(dec("100")))
	assert.True(t, entry.DebtBase.Equal(dec("60")))
}

func TestBorrowEmptyPlanRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Borrow(context.Background(), BorrowCommand{
		CallerID: "alice", UserID: "alice", Receiver: "alice",
		Pair: testPair,
		Plan: strategydomain.FinancingPlan{Pair: testPair},
	})
	assert.ErrorIs(t, err, domain.ErrEmptyPlan)
}

func TestBorrowAmountMismatchUnwinds(t *testing.T) {
	h := newHarness(t)
	h.venue.factor = dec("0.9") // 实际放款短少 10%，超出 0.5% 容差
	h.vault.Deposit("alice", "ETH", dec("100"))

	_, err := h.orch.Borrow(context.Background(), BorrowCommand{
		CallerID: "alice", UserID: "alice", Receiver: "alice",
		Pair: testPair,
		Plan: venuePlan("100", "60"),
	})
	require.ErrorIs(t, err, domain.ErrAmountMismatch)

	// 回退后调用方拿回抵押，未收到任何借入资产
	assert.True(t, h.vault.PartyBalance("alice", "ETH").Equal(dec("100")))
	assert.True(t, h.vault.PartyBalance("alice", "USDC").IsZero())

	open, oerr := h.posSvc.ListOpen(context.Background())
	require.NoError(t, oerr)
	assert.Empty(t, open)
}

func TestRepayWalksPositionsInInsertionOrder(t *testing.T) {
	h := newHarness(t)
	h.borrow(t, "u1", "100", "60")
	h.borrow(t, "u2", "100", "60")

	h.vault.Deposit("alice", "ETH", dec("100"))
	r1, err := h.orch.Borrow(context.Background(), BorrowCommand{
		CallerID: "alice", UserID: "alice", Receiver: "alice",
		Pair: testPair, Plan: venuePlan("100", "40"),
	})
	require.NoError(t, err)
	posA := r1.Legs[0].PositionID

	// 第二次借款复用同一健康仓位（同一归属键）
	h.vault.Deposit("alice", "ETH", dec("50"))
	r2, err := h.orch.Borrow(context.Background(), BorrowCommand{
		CallerID: "alice", UserID: "alice", Receiver: "alice",
		Pair: testPair, Plan: venuePlan("50", "20"),
	})
	require.NoError(t, err)
	assert.Equal(t, posA, r2.Legs[0].PositionID)

	// 偿还 45：单仓位共 60 债务，部分还款
	h.vault.Deposit("alice", "USDC", dec("45"))
	result, err := h.orch.Repay(context.Background(), RepayCommand{
		CallerID: "alice", UserID: "alice", Receiver: "alice",
		Pair: testPair, Amount: dec("45"),
	})
	require.NoError(t, err)
	require.Len(t, result.Portions, 1)
	assert.Equal(t, posA, result.Portions[0].PositionID)
	assert.True(t, result.Portions[0].DebtRepaid.Equal(dec("45")))
	assert.False(t, result.Portions[0].Closes)
	assert.True(t, result.DebtApplied.Equal(dec("45")))
	assert.True(t, result.LeftoverReturned.IsZero())
	assert.True(t, result.LeftoverSwapped.IsZero())
}

func TestRepayExhaustsFirstPositionBeforeSecond(t *testing.T) {
	h := newHarness(t)

	// 同一用户在两个场所各开一仓，确保走单顺序为登记先后
	v2 := newFakeVenue("compound", h.vault)
	require.NoError(t, h.venues.Register(v2))

	h.vault.Deposit("alice", "ETH", dec("200"))
	r1, err := h.orch.Borrow(context.Background(), BorrowCommand{
		CallerID: "alice", UserID: "alice", Receiver: "alice",
		Pair: testPair, Plan: venuePlan("100", "60"),
	})
	require.NoError(t, err)
	r2, err := h.orch.Borrow(context.Background(), BorrowCommand{
		CallerID: "alice", UserID: "alice", Receiver: "alice",
		Pair: testPair,
		Plan: strategydomain.FinancingPlan{
			Pair: testPair,
			Legs: []strategydomain.PlanLeg{{
				Kind: strategydomain.RouteVenue, VenueKey: "compound",
				CollateralIn: dec("100"), AmountOut: dec("50"),
			}},
		},
	})
	require.NoError(t, err)

	h.vault.Deposit("alice", "USDC", dec("80"))
	result, err := h.orch.Repay(context.Background(), RepayCommand{
		CallerID: "alice", UserID: "alice", Receiver: "alice",
		Pair: testPair, Amount: dec("80"),
	})
	require.NoError(t, err)
	require.Len(t, result.Portions, 2)

	// 第一仓位 60 债务全清并关闭，剩余 20 进入第二仓位
	assert.Equal(t, r1.Legs[0].PositionID, result.Portions[0].PositionID)
	assert.True(t, result.Portions[0].DebtRepaid.Equal(dec("60")))
	assert.True(t, result.Portions[0].Closes)
	assert.Equal(t, r2.Legs[0].PositionID, result.Portions[1].PositionID)
	assert.True(t, result.Portions[1].DebtRepaid.Equal(dec("20")))
	assert.False(t, result.Portions[1].Closes)

	open, oerr := h.posSvc.ListOpen(context.Background())
	require.NoError(t, oerr)
	require.Len(t, open, 1)
	assert.Equal(t, r2.Legs[0].PositionID, open[0].PositionID)
}

func TestQuoteRepayMatchesRepayExactly(t *testing.T) {
	h := newHarness(t)
	h.borrow(t, "alice", "100", "60")

	quote, err := h.orch.QuoteRepay(context.Background(), "alice", testPair, dec("37.123456789"))
	require.NoError(t, err)

	h.vault.Deposit("alice", "USDC", dec("37.123456789"))
	result, err := h.orch.Repay(context.Background(), RepayCommand{
		CallerID: "alice", UserID: "alice", Receiver: "alice",
		Pair: testPair, Amount: dec("37.123456789"),
	})
	require.NoError(t, err)

	require.Equal(t, len(quote.Portions), len(result.Portions))
	for i := range quote.Portions {
		assert.Equal(t, quote.Portions[i].PositionID, result.Portions[i].PositionID)
		assert.True(t, quote.Portions[i].DebtRepaid.Equal(result.Portions[i].DebtRepaid))
		assert.Equal(t, quote.Portions[i].Closes, result.Portions[i].Closes)
	}
	assert.True(t, quote.DebtApplied.Equal(result.DebtApplied))
}

func TestRepayLeftoverSwappedToCollateral(t *testing.T) {
	h := newHarness(t)
	h.borrow(t, "alice", "100", "60")

	h.vault.Deposit("alice", "USDC", dec("100"))
	result, err := h.orch.Repay(context.Background(), RepayCommand{
		CallerID: "alice", UserID: "alice", Receiver: "alice",
		Pair: testPair, Amount: dec("100"),
	})
	require.NoError(t, err)

	// 60 清债，剩余 40 经兑换（0.95 汇率）转成抵押资产
	assert.True(t, result.DebtApplied.Equal(dec("60")))
	assert.True(t, result.LeftoverSwapped.Equal(dec("38")), "got %s", result.LeftoverSwapped)
	assert.True(t, result.LeftoverReturned.IsZero())
}

func TestRepayLeftoverReturnedWhenNoSwapRoute(t *testing.T) {
	h := newHarness(t)
	h.swap.enabled = false
	h.borrow(t, "alice", "100", "60")

	before := h.vault.PartyBalance("alice", "USDC")
	h.vault.Deposit("alice", "USDC", dec("100"))
	result, err := h.orch.Repay(context.Background(), RepayCommand{
		CallerID: "alice", UserID: "alice", Receiver: "alice",
		Pair: testPair, Amount: dec("100"),
	})
	require.NoError(t, err)

	assert.True(t, result.LeftoverReturned.Equal(dec("40")))
	assert.True(t, result.LeftoverSwapped.IsZero())
	// 存入 100、还款拉走 100、退回 40，净增 40 在调用方账上
	after := h.vault.PartyBalance("alice", "USDC")
	assert.True(t, after.Sub(before).Equal(dec("40")), "delta %s", after.Sub(before))
}

func TestPreexistingDustIsNeverConsumed(t *testing.T) {
	h := newHarness(t)
	// 编排器自身既有余额（扫入的灰尘）
	h.vault.Deposit(domain.OrchestratorAccount, "USDC", dec("5"))
	h.vault.Deposit(domain.OrchestratorAccount, "ETH", dec("3"))

	h.borrow(t, "alice", "100", "60")
	h.vault.Deposit("alice", "USDC", dec("100"))
	_, err := h.orch.Repay(context.Background(), RepayCommand{
		CallerID: "alice", UserID: "alice", Receiver: "alice",
		Pair: testPair, Amount: dec("100"),
	})
	require.NoError(t, err)

	usdc, _ := h.vault.Balance(context.Background(), "USDC")
	eth, _ := h.vault.Balance(context.Background(), "ETH")
	assert.True(t, usdc.Equal(dec("5")), "dust consumed: %s", usdc)
	assert.True(t, eth.Equal(dec("3")), "dust consumed: %s", eth)
}

func TestEstimateRepayProportionalAndShortfall(t *testing.T) {
	h := newHarness(t)
	h.borrow(t, "alice", "100", "60")

	// 释放一半抵押需要偿还一半债务
	estimate, err := h.orch.EstimateRepay(context.Background(), "alice", testPair, dec("50"))
	require.NoError(t, err)
	assert.True(t, estimate.RequiredDebt.Equal(dec("30")), "got %s", estimate.RequiredDebt)
	assert.True(t, estimate.Shortfall.IsZero())

	// 超出持有量的部分作为缺口报告
	estimate, err = h.orch.EstimateRepay(context.Background(), "alice", testPair, dec("130"))
	require.NoError(t, err)
	assert.True(t, estimate.RequiredDebt.Equal(dec("60")))
	assert.True(t, estimate.Shortfall.Equal(dec("30")))
}

func forcedSetup(t *testing.T) (*harness, string, *fakeBorrower) {
	t.Helper()
	h := newHarness(t)
	result := h.borrow(t, "alice", "200", "100")
	positionID := result.Legs[0].PositionID

	borrower := &fakeBorrower{vault: h.vault, positionID: positionID}
	require.NoError(t, h.orch.borrowers.Register(positionID, borrower))
	return h, positionID, borrower
}

func TestRequireRepayRejectsNonKeeper(t *testing.T) {
	h, positionID, _ := forcedSetup(t)
	_, err := h.orch.RequireRepay(context.Background(), ForcedRepayCommand{
		CallerID: "mallory", PositionID: positionID, DebtDelta: dec("10"),
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestRequireRepayRejectsFullClose(t *testing.T) {
	h, positionID, _ := forcedSetup(t)
	_, err := h.orch.RequireRepay(context.Background(), ForcedRepayCommand{
		CallerID: "keeper", PositionID: positionID, DebtDelta: dec("100"),
	})
	assert.ErrorIs(t, err, domain.ErrFullCloseNotAllowed)
}

func TestRequireRepayRejectsOverAsk(t *testing.T) {
	h, positionID, _ := forcedSetup(t)
	_, err := h.orch.RequireRepay(context.Background(), ForcedRepayCommand{
		CallerID: "keeper", PositionID: positionID,
		DebtDelta: dec("10"), CollateralDelta: dec("500"),
	})
	assert.ErrorIs(t, err, domain.ErrOverAsk)
}

func TestRequireRepayTwoRoundsFullDelivery(t *testing.T) {
	h, positionID, borrower := forcedSetup(t)
	borrower.round1 = dec("25")
	borrower.round2 = dec("15")

	result, err := h.orch.RequireRepay(context.Background(), ForcedRepayCommand{
		CallerID: "keeper", PositionID: positionID, DebtDelta: dec("40"),
	})
	require.NoError(t, err)
	assert.True(t, result.Delivered.Equal(dec("40")))
	assert.True(t, result.DebtReduced.Equal(dec("40")))
	// 200 抵押、100 债务：还 40 释放 80
	assert.True(t, result.CollateralReleased.Equal(dec("80")))
	require.Len(t, borrower.notified, 1)
}

func TestRequireRepayPartialDeliveryScales(t *testing.T) {
	h, positionID, borrower := forcedSetup(t)
	borrower.round1 = dec("25") // 第二轮一无所获

	result, err := h.orch.RequireRepay(context.Background(), ForcedRepayCommand{
		CallerID: "keeper", PositionID: positionID, DebtDelta: dec("40"),
	})
	require.NoError(t, err)
	assert.True(t, result.Delivered.Equal(dec("25")))
	assert.True(t, result.DebtReduced.Equal(dec("25")))

	status, serr := h.venue.Status(context.Background(), positionID)
	require.NoError(t, serr)
	assert.True(t, status.DebtAmount.Equal(dec("75")))
}

func TestRequireRepayZeroDeliveryFails(t *testing.T) {
	h, positionID, _ := forcedSetup(t)
	_, err := h.orch.RequireRepay(context.Background(), ForcedRepayCommand{
		CallerID: "keeper", PositionID: positionID, DebtDelta: dec("40"),
	})
	assert.ErrorIs(t, err, domain.ErrNoProgress)
}

func TestRequireRepaySelfCloseSkipsRoundTwo(t *testing.T) {
	h, positionID, borrower := forcedSetup(t)
	borrower.selfCloseVia = h.venue

	result, err := h.orch.RequireRepay(context.Background(), ForcedRepayCommand{
		CallerID: "keeper", PositionID: positionID, DebtDelta: dec("40"),
	})
	require.NoError(t, err)
	assert.True(t, result.SelfClosed)
	assert.True(t, result.DebtReduced.IsZero())

	position, perr := h.posSvc.Get(context.Background(), positionID)
	require.NoError(t, perr)
	assert.True(t, position.Closed)
}

func TestRepayTheBorrowRejectsNonGovernance(t *testing.T) {
	h, positionID, _ := forcedSetup(t)
	_, err := h.orch.RepayTheBorrow(context.Background(), SettleCommand{
		CallerID: "keeper", PositionID: positionID,
	})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestRepayTheBorrowCloseWithShortfallFails(t *testing.T) {
	h, positionID, borrower := forcedSetup(t)
	borrower.round1 = dec("60")

	_, err := h.orch.RepayTheBorrow(context.Background(), SettleCommand{
		CallerID: "governance", PositionID: positionID, ClosePosition: true,
	})
	require.ErrorIs(t, err, domain.ErrPositionNotEmpty)

	// 已交付资金退还，不留半结算状态
	assert.True(t, h.vault.PartyBalance("alice", "USDC").GreaterThanOrEqual(dec("60")))
	position, perr := h.posSvc.Get(context.Background(), positionID)
	require.NoError(t, perr)
	assert.False(t, position.Closed)
}

func TestRepayTheBorrowFullSettlementCloses(t *testing.T) {
	h, positionID, borrower := forcedSetup(t)
	borrower.round1 = dec("100")

	result, err := h.orch.RepayTheBorrow(context.Background(), SettleCommand{
		CallerID: "governance", PositionID: positionID, ClosePosition: true,
	})
	require.NoError(t, err)
	assert.True(t, result.Closed)
	assert.True(t, result.DebtReduced.Equal(dec("100")))
	assert.True(t, result.CollateralReleased.Equal(dec("200")))

	position, perr := h.posSvc.Get(context.Background(), positionID)
	require.NoError(t, perr)
	assert.True(t, position.Closed)

	// 账本基数精确归零
	entry, eerr := h.accSvc.Entry(context.Background(), "alice", positionID)
	require.NoError(t, eerr)
	assert.True(t, entry.CollateralBase.IsZero())
	assert.True(t, entry.DebtBase.IsZero())
}

func TestSafeLiquidateWithinTolerance(t *testing.T) {
	h := newHarness(t)
	h.vault.Deposit("keeper", "ETH", dec("10"))

	// ETH/USDC 单位价格，汇率 0.95 → 5% 损失，容差 10% 放行
	result, err := h.orch.SafeLiquidate(context.Background(), LiquidateCommand{
		CallerID: "keeper", SourceAsset: "ETH", Amount: dec("10"),
		TargetAsset: "USDC", Receiver: "treasury",
		ToleranceSource: dec("0.1"), ToleranceTarget: dec("0.1"),
	})
	require.NoError(t, err)
	assert.True(t, result.AmountOut.Equal(dec("9.5")))
	assert.True(t, h.vault.PartyBalance("treasury", "USDC").Equal(dec("9.5")))
}

func TestSafeLiquidateAbortsOnSlippage(t *testing.T) {
	h := newHarness(t)
	h.vault.Deposit("keeper", "ETH", dec("10"))

	_, err := h.orch.SafeLiquidate(context.Background(), LiquidateCommand{
		CallerID: "keeper", SourceAsset: "ETH", Amount: dec("10"),
		TargetAsset: "USDC", Receiver: "treasury",
		ToleranceSource: dec("0.01"), ToleranceTarget: dec("0.01"),
	})
	require.ErrorIs(t, err, domain.ErrSlippageExceeded)
	// 校验在动账前完成，资金未被拉取
	assert.True(t, h.vault.PartyBalance("keeper", "ETH").Equal(dec("10")))
}
