package application

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/deficonverter/internal/accounting/domain"
	"github.com/wyfcoding/deficonverter/internal/accounting/infrastructure/persistence/memory"
	venue "github.com/wyfcoding/deficonverter/internal/venue/domain"
)

type stubDirectory struct {
	known map[string]bool
}

func (d *stubDirectory) Exists(_ context.Context, positionID string) (bool, error) {
	return d.known[positionID], nil
}

type capturingPublisher struct {
	newPositions []domain.NewPositionEvent
	borrows      []domain.BorrowRecordedEvent
	repays       []domain.RepayRecordedEvent
}

func (p *capturingPublisher) PublishNewPosition(event domain.NewPositionEvent) error {
	p.newPositions = append(p.newPositions, event)
	return nil
}

func (p *capturingPublisher) PublishBorrowRecorded(event domain.BorrowRecordedEvent) error {
	p.borrows = append(p.borrows, event)
	return nil
}

func (p *capturingPublisher) PublishRepayRecorded(event domain.RepayRecordedEvent) error {
	p.repays = append(p.repays, event)
	return nil
}

type fixedOracle struct{}

func (fixedOracle) Price(_ context.Context, _ string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

var testPair = venue.AssetPair{Collateral: "ETH", Borrow: "USDC"}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func newService(known ...string) (*AccountingService, *capturingPublisher) {
	directory := &stubDirectory{known: make(map[string]bool)}
	for _, id := range known {
		directory.known[id] = true
	}
	publisher := &capturingPublisher{}
	svc := NewAccountingService(
		memory.NewLedgerRepo(), directory, publisher, fixedOracle{}, slog.Default(),
	)
	return svc, publisher
}

func TestOnBorrowUnknownPositionFails(t *testing.T) {
	svc, publisher := newService()

	err := svc.OnBorrow(context.Background(), "user-1", "ghost", dec("10"), dec("20"), testPair)
	assert.ErrorIs(t, err, domain.ErrUnknownPosition)

	count, cerr := svc.CountActions(context.Background(), "user-1")
	require.NoError(t, cerr)
	assert.Zero(t, count)
	assert.Empty(t, publisher.borrows)
}

func TestOnBorrowFirstSightPublishesNewPositionOnce(t *testing.T) {
	svc, publisher := newService("pos-1")

	require.NoError(t, svc.OnBorrow(context.Background(), "user-1", "pos-1", dec("10"), dec("20"), testPair))
	require.NoError(t, svc.OnBorrow(context.Background(), "user-1", "pos-1", dec("5"), dec("10"), testPair))

	require.Len(t, publisher.newPositions, 1)
	assert.Equal(t, "user-1", publisher.newPositions[0].UserID)
	assert.Equal(t, "pos-1", publisher.newPositions[0].PositionID)
	assert.Len(t, publisher.borrows, 2)

	entry, err := svc.Entry(context.Background(), "user-1", "pos-1")
	require.NoError(t, err)
	assert.True(t, entry.CollateralBase.Equal(dec("15")))
	assert.True(t, entry.DebtBase.Equal(dec("30")))
}

func TestOnRepayUnknownCallerIsSilentNoop(t *testing.T) {
	svc, publisher := newService("pos-1")

	outcome, err := svc.OnRepay(context.Background(), "stranger", "pos-1",
		dec("12"), dec("24"), dec("16"), dec("44"), testPair)
	require.NoError(t, err)
	assert.True(t, outcome.CollateralGain.IsZero())
	assert.True(t, outcome.DebtLoss.IsZero())

	count, cerr := svc.CountActions(context.Background(), "stranger")
	require.NoError(t, cerr)
	assert.Zero(t, count)
	assert.Empty(t, publisher.repays)
}

func TestOnRepaySettlesGainAndLoss(t *testing.T) {
	svc, publisher := newService("pos-1")
	require.NoError(t, svc.OnBorrow(context.Background(), "user-1", "pos-1", dec("15"), dec("30"), testPair))

	outcome, err := svc.OnRepay(context.Background(), "user-1", "pos-1",
		dec("12"), dec("24"), dec("16"), dec("44"), testPair)
	require.NoError(t, err)
	assert.True(t, outcome.CollateralGain.Equal(dec("7")))
	assert.True(t, outcome.DebtLoss.Equal(dec("8")))

	entry, err := svc.Entry(context.Background(), "user-1", "pos-1")
	require.NoError(t, err)
	assert.True(t, entry.CollateralBase.Equal(dec("10")))
	assert.True(t, entry.DebtBase.Equal(dec("22")))

	require.Len(t, publisher.repays, 1)
	assert.True(t, publisher.repays[0].Gain.Equal(dec("7")))
}

func TestHistoryKeepsActionOrder(t *testing.T) {
	svc, _ := newService("pos-1")
	require.NoError(t, svc.OnBorrow(context.Background(), "user-1", "pos-1", dec("10"), dec("20"), testPair))
	require.NoError(t, svc.OnBorrow(context.Background(), "user-1", "pos-1", dec("5"), dec("10"), testPair))
	_, err := svc.OnRepay(context.Background(), "user-1", "pos-1",
		dec("12"), dec("24"), dec("16"), dec("44"), testPair)
	require.NoError(t, err)

	actions, total, err := svc.History(context.Background(), "user-1", "pos-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, actions, 3)
	assert.Equal(t, domain.ActionBorrow, actions[0].Kind)
	assert.Equal(t, domain.ActionBorrow, actions[1].Kind)
	assert.Equal(t, domain.ActionRepay, actions[2].Kind)
	assert.True(t, actions[2].CollateralBaseAfter.Equal(dec("10")))
}

func TestRangePnL(t *testing.T) {
	svc, _ := newService("pos-1")
	require.NoError(t, svc.OnBorrow(context.Background(), "user-1", "pos-1", dec("15"), dec("30"), testPair))
	_, err := svc.OnRepay(context.Background(), "user-1", "pos-1",
		dec("12"), dec("24"), dec("16"), dec("44"), testPair)
	require.NoError(t, err)

	// 动作 0 为借款（净 0），动作 1 净 7-8 = -1
	pnl, err := svc.RangePnL(context.Background(), "user-1", "pos-1", 0, 1)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(dec("-1")), "got %s", pnl)

	pnl, err = svc.RangePnL(context.Background(), "user-1", "pos-1", 1, 1)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(dec("-1")))
}
