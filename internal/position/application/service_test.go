package application

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/deficonverter/internal/position/domain"
	"github.com/wyfcoding/deficonverter/internal/position/infrastructure/persistence/memory"
	venue "github.com/wyfcoding/deficonverter/internal/venue/domain"
)

type stubAdapter struct {
	key      string
	statuses map[string]venue.VenueStatus
}

func (a *stubAdapter) Key() string                       { return a.key }
func (a *stubAdapter) SupportsPair(venue.AssetPair) bool { return true }

func (a *stubAdapter) QuoteBorrow(context.Context, venue.AssetPair, decimal.Decimal, time.Duration) (venue.VenueQuote, error) {
	return venue.VenueQuote{}, nil
}

func (a *stubAdapter) Borrow(_ context.Context, _ string, _ venue.AssetPair, _, amountOut decimal.Decimal, _ string) (decimal.Decimal, error) {
	return amountOut, nil
}

func (a *stubAdapter) Repay(context.Context, string, decimal.Decimal, string, bool) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (a *stubAdapter) Status(_ context.Context, positionID string) (venue.VenueStatus, error) {
	return a.statuses[positionID], nil
}

var testTuple = domain.PositionTuple{
	VenueKey:        "aave",
	UserID:          "user-1",
	CollateralAsset: "ETH",
	BorrowAsset:     "USDC",
}

func newService(t *testing.T, adapter *stubAdapter) (*PositionService, *memory.PositionRepo) {
	t.Helper()
	repo := memory.NewPositionRepo()
	registry := venue.NewAdapterRegistry()
	require.NoError(t, registry.Register(adapter))

	svc := NewPositionService(
		repo, registry,
		decimal.NewFromInt(1), dec("0.01"),
		nil, slog.Default(),
	)
	return svc, repo
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func healthyStatus() venue.VenueStatus {
	return venue.VenueStatus{
		HealthFactor:         dec("1.5"),
		LiquidatedCollateral: decimal.Zero,
		Opened:               true,
	}
}

func TestRegisterMintsFirstInstance(t *testing.T) {
	svc, _ := newService(t, &stubAdapter{key: "aave", statuses: map[string]venue.VenueStatus{}})

	position, reused, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, uint64(1), position.InstanceID)
	assert.Equal(t, "aave:user-1:ETH:USDC:1", position.PositionID)
}

func TestRegisterReusesUnopenedInstance(t *testing.T) {
	svc, _ := newService(t, &stubAdapter{key: "aave", statuses: map[string]venue.VenueStatus{}})

	first, _, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)

	second, reused, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.PositionID, second.PositionID)
}

func TestRegisterReusesHealthyOpenInstance(t *testing.T) {
	adapter := &stubAdapter{key: "aave", statuses: map[string]venue.VenueStatus{}}
	svc, _ := newService(t, adapter)

	first, _, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)
	require.NoError(t, svc.RecordOpen(context.Background(), first.PositionID))
	adapter.statuses[first.PositionID] = healthyStatus()

	second, reused, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.PositionID, second.PositionID)
}

func TestRegisterAbandonsUnhealthyInstance(t *testing.T) {
	adapter := &stubAdapter{key: "aave", statuses: map[string]venue.VenueStatus{}}
	svc, repo := newService(t, adapter)

	first, _, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)
	require.NoError(t, svc.RecordOpen(context.Background(), first.PositionID))
	adapter.statuses[first.PositionID] = venue.VenueStatus{
		HealthFactor: dec("0.8"),
		Opened:       true,
	}

	second, reused, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, uint64(2), second.InstanceID)

	abandoned, err := repo.Get(context.Background(), first.PositionID)
	require.NoError(t, err)
	assert.True(t, abandoned.Abandoned)
}

func TestRegisterAbandonsLiquidatedInstance(t *testing.T) {
	adapter := &stubAdapter{key: "aave", statuses: map[string]venue.VenueStatus{}}
	svc, _ := newService(t, adapter)

	first, _, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)
	require.NoError(t, svc.RecordOpen(context.Background(), first.PositionID))
	// 健康因子达标但发生过清算，同样不可复用
	adapter.statuses[first.PositionID] = venue.VenueStatus{
		HealthFactor:         dec("1.5"),
		LiquidatedCollateral: dec("3"),
		Opened:               true,
	}

	second, reused, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, uint64(2), second.InstanceID)
}

func TestAbandonedInstanceNeverReused(t *testing.T) {
	adapter := &stubAdapter{key: "aave", statuses: map[string]venue.VenueStatus{}}
	svc, repo := newService(t, adapter)

	first, _, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)
	first.Abandon()
	require.NoError(t, repo.Update(context.Background(), first))

	second, reused, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)
	assert.False(t, reused)
	assert.Equal(t, uint64(2), second.InstanceID)
}

func TestMarkClosedAllowsLaterReuse(t *testing.T) {
	adapter := &stubAdapter{key: "aave", statuses: map[string]venue.VenueStatus{}}
	svc, _ := newService(t, adapter)

	first, _, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)
	require.NoError(t, svc.RecordOpen(context.Background(), first.PositionID))
	require.NoError(t, svc.MarkClosed(context.Background(), first.PositionID))

	second, reused, err := svc.RegisterOrReuse(context.Background(), testTuple)
	require.NoError(t, err)
	assert.True(t, reused)
	assert.Equal(t, first.PositionID, second.PositionID)
}

func TestListOpenKeepsInsertionOrder(t *testing.T) {
	adapter := &stubAdapter{key: "aave", statuses: map[string]venue.VenueStatus{}}
	svc, _ := newService(t, adapter)

	tuples := []domain.PositionTuple{
		{VenueKey: "aave", UserID: "u1", CollateralAsset: "ETH", BorrowAsset: "USDC"},
		{VenueKey: "aave", UserID: "u2", CollateralAsset: "ETH", BorrowAsset: "USDC"},
		{VenueKey: "aave", UserID: "u3", CollateralAsset: "ETH", BorrowAsset: "USDC"},
	}
	for _, tuple := range tuples {
		p, _, err := svc.RegisterOrReuse(context.Background(), tuple)
		require.NoError(t, err)
		require.NoError(t, svc.RecordOpen(context.Background(), p.PositionID))
	}

	open, err := svc.ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 3)
	assert.Equal(t, "u1", open[0].UserID)
	assert.Equal(t, "u2", open[1].UserID)
	assert.Equal(t, "u3", open[2].UserID)
}

// openWithStatus 注册并开仓，同时登记场所上报状态
func openWithStatus(t *testing.T, svc *PositionService, adapter *stubAdapter, tuple domain.PositionTuple, status venue.VenueStatus) {
	t.Helper()
	position, _, err := svc.RegisterOrReuse(context.Background(), tuple)
	require.NoError(t, err)
	require.NoError(t, svc.RecordOpen(context.Background(), position.PositionID))
	adapter.statuses[position.PositionID] = status
}

func TestTotalExposureInflatesDebtGap(t *testing.T) {
	aave := &stubAdapter{key: "aave", statuses: map[string]venue.VenueStatus{}}
	compound := &stubAdapter{key: "compound", statuses: map[string]venue.VenueStatus{}}
	repo := memory.NewPositionRepo()
	registry := venue.NewAdapterRegistry()
	require.NoError(t, registry.Register(aave))
	require.NoError(t, registry.Register(compound))
	svc := NewPositionService(repo, registry, decimal.NewFromInt(1), dec("0.01"), nil, slog.Default())

	openWithStatus(t, svc, aave, testTuple, venue.VenueStatus{
		CollateralAmount: dec("100"),
		DebtAmount:       dec("50"),
		HealthFactor:     dec("1.5"),
		Opened:           true,
	})
	openWithStatus(t, svc, compound, domain.PositionTuple{
		VenueKey: "compound", UserID: "user-1", CollateralAsset: "ETH", BorrowAsset: "USDC",
	}, venue.VenueStatus{
		CollateralAmount: dec("200"),
		DebtAmount:       dec("100"),
		HealthFactor:     dec("1.5"),
		Opened:           true,
		DebtGapRequired:  true,
	})

	pair := venue.AssetPair{Collateral: "ETH", Borrow: "USDC"}
	collateral, debt, exposures, err := svc.TotalExposure(context.Background(), "user-1", pair, true)
	require.NoError(t, err)
	// 抵押不膨胀
	assert.True(t, collateral.Equal(dec("300")))
	// 需要缺口缓冲的债务按 1.01 计：50 + 100*1.01 = 151
	assert.True(t, debt.Equal(dec("151")), "got %s", debt)
	require.Len(t, exposures, 2)

	// 关闭缺口口径后按名义债务计
	_, debt, _, err = svc.TotalExposure(context.Background(), "user-1", pair, false)
	require.NoError(t, err)
	assert.True(t, debt.Equal(dec("150")), "got %s", debt)
}

func TestTotalExposureScopedToUserAndPair(t *testing.T) {
	adapter := &stubAdapter{key: "aave", statuses: map[string]venue.VenueStatus{}}
	svc, _ := newService(t, adapter)

	openWithStatus(t, svc, adapter, testTuple, venue.VenueStatus{
		CollateralAmount: dec("100"),
		DebtAmount:       dec("50"),
		HealthFactor:     dec("1.5"),
		Opened:           true,
	})
	// 其他用户与其他资产对的仓位不计入
	openWithStatus(t, svc, adapter, domain.PositionTuple{
		VenueKey: "aave", UserID: "user-2", CollateralAsset: "ETH", BorrowAsset: "USDC",
	}, venue.VenueStatus{
		CollateralAmount: dec("999"),
		DebtAmount:       dec("999"),
		HealthFactor:     dec("1.5"),
		Opened:           true,
	})
	openWithStatus(t, svc, adapter, domain.PositionTuple{
		VenueKey: "aave", UserID: "user-1", CollateralAsset: "ETH", BorrowAsset: "DAI",
	}, venue.VenueStatus{
		CollateralAmount: dec("500"),
		DebtAmount:       dec("400"),
		HealthFactor:     dec("1.5"),
		Opened:           true,
	})

	pair := venue.AssetPair{Collateral: "ETH", Borrow: "USDC"}
	collateral, debt, exposures, err := svc.TotalExposure(context.Background(), "user-1", pair, true)
	require.NoError(t, err)
	assert.True(t, collateral.Equal(dec("100")), "got %s", collateral)
	assert.True(t, debt.Equal(dec("50")), "got %s", debt)
	require.Len(t, exposures, 1)
	assert.Equal(t, "aave:user-1:ETH:USDC:1", exposures[0].PositionID)
}
