// Package http 转换编排服务接口
package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/wyfcoding/deficonverter/internal/conversion/application"
	"github.com/wyfcoding/deficonverter/internal/conversion/domain"
	positionapp "github.com/wyfcoding/deficonverter/internal/position/application"
	positiondomain "github.com/wyfcoding/deficonverter/internal/position/domain"
	strategyapp "github.com/wyfcoding/deficonverter/internal/strategy/application"
	strategydomain "github.com/wyfcoding/deficonverter/internal/strategy/domain"
	venue "github.com/wyfcoding/deficonverter/internal/venue/domain"
	"github.com/wyfcoding/deficonverter/pkg/utils"
)

type Handler struct {
	orchestrator *application.ConversionOrchestrator
	strategy     *strategyapp.StrategyService
	positions    *positionapp.PositionService
}

func NewHandler(
	orchestrator *application.ConversionOrchestrator,
	strategy *strategyapp.StrategyService,
	positions *positionapp.PositionService,
) *Handler {
	return &Handler{orchestrator: orchestrator, strategy: strategy, positions: positions}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/converter")
	{
		g.POST("/strategy/select", h.SelectStrategy)
		g.POST("/strategy/simulate", h.SimulateStrategy)
		g.POST("/borrow", h.Borrow)
		g.POST("/repay", h.Repay)
		g.POST("/repay/quote", h.QuoteRepay)
		g.POST("/repay/estimate", h.EstimateRepay)
		g.POST("/positions/:id/require-repay", h.RequireRepay)
		g.POST("/positions/:id/settle", h.RepayTheBorrow)
		g.POST("/liquidate", h.SafeLiquidate)
		g.GET("/positions", h.GetOpenPositions)
		g.GET("/exposure", h.GetExposure)
		g.GET("/ledger/:user_id/:position_id/actions", h.GetLedgerHistory)
		g.GET("/ledger/:user_id/:position_id/pnl", h.GetRangePnL)
	}
}

// callerID 特权操作的调用方身份，由网关注入
func callerID(c *gin.Context) string {
	return c.GetHeader("X-Caller-ID")
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrEmptyPlan),
		errors.Is(err, domain.ErrFullCloseNotAllowed),
		errors.Is(err, domain.ErrOverAsk):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, positiondomain.ErrPositionNotFound),
		errors.Is(err, domain.ErrBorrowerNotFound),
		errors.Is(err, venue.ErrVenueNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrAmountMismatch),
		errors.Is(err, domain.ErrSlippageExceeded),
		errors.Is(err, domain.ErrHealthViolation),
		errors.Is(err, domain.ErrPositionNotEmpty),
		errors.Is(err, domain.ErrNoProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type SelectStrategyReq struct {
	CollateralAsset  string `json:"collateral_asset" binding:"required"`
	BorrowAsset      string `json:"borrow_asset" binding:"required"`
	CollateralAmount string `json:"collateral_amount" binding:"required"`
	HorizonSeconds   int64  `json:"horizon_seconds" binding:"required"`
	Policy           string `json:"policy"`
	TargetOutput     string `json:"target_output"`
}

func (r *SelectStrategyReq) toCommand() (strategyapp.SelectStrategyCommand, error) {
	amount, err := decimal.NewFromString(r.CollateralAmount)
	if err != nil {
		return strategyapp.SelectStrategyCommand{}, err
	}
	target := decimal.Zero
	if r.TargetOutput != "" {
		if target, err = decimal.NewFromString(r.TargetOutput); err != nil {
			return strategyapp.SelectStrategyCommand{}, err
		}
	}
	return strategyapp.SelectStrategyCommand{
		CollateralAsset:  r.CollateralAsset,
		BorrowAsset:      r.BorrowAsset,
		CollateralAmount: amount,
		Horizon:          time.Duration(r.HorizonSeconds) * time.Second,
		Policy:           strategydomain.SplitPolicy(r.Policy),
		TargetOutput:     target,
	}, nil
}

func (h *Handler) SelectStrategy(c *gin.Context) {
	var req SelectStrategyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd, err := req.toCommand()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	plan, err := h.strategy.SelectStrategy(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func (h *Handler) SimulateStrategy(c *gin.Context) {
	var req SelectStrategyReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cmd, err := req.toCommand()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	plan, err := h.strategy.SimulateStrategy(c.Request.Context(), cmd)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

type PlanLegReq struct {
	Kind         string `json:"kind" binding:"required"`
	VenueKey     string `json:"venue_key"`
	CollateralIn string `json:"collateral_in" binding:"required"`
	AmountOut    string `json:"amount_out" binding:"required"`
}

type BorrowReq struct {
	UserID          string       `json:"user_id" binding:"required"`
	Receiver        string       `json:"receiver" binding:"required"`
	CollateralAsset string       `json:"collateral_asset" binding:"required"`
	BorrowAsset     string       `json:"borrow_asset" binding:"required"`
	Legs            []PlanLegReq `json:"legs" binding:"required"`
}

func (h *Handler) Borrow(c *gin.Context) {
	var req BorrowReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pair := venue.AssetPair{Collateral: req.CollateralAsset, Borrow: req.BorrowAsset}
	plan := strategydomain.FinancingPlan{Pair: pair}
	for _, leg := range req.Legs {
		collateralIn, err := decimal.NewFromString(leg.CollateralIn)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		amountOut, err := decimal.NewFromString(leg.AmountOut)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		plan.Legs = append(plan.Legs, strategydomain.PlanLeg{
			Kind:         strategydomain.RouteKind(leg.Kind),
			VenueKey:     leg.VenueKey,
			CollateralIn: collateralIn,
			AmountOut:    amountOut,
		})
	}

	result, err := h.orchestrator.Borrow(c.Request.Context(), application.BorrowCommand{
		CallerID: callerID(c),
		UserID:   req.UserID,
		Receiver: req.Receiver,
		Pair:     pair,
		Plan:     plan,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type RepayReq struct {
	UserID          string `json:"user_id" binding:"required"`
	Receiver        string `json:"receiver" binding:"required"`
	CollateralAsset string `json:"collateral_asset" binding:"required"`
	BorrowAsset     string `json:"borrow_asset" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
}

func (h *Handler) Repay(c *gin.Context) {
	var req RepayReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.orchestrator.Repay(c.Request.Context(), application.RepayCommand{
		CallerID: callerID(c),
		UserID:   req.UserID,
		Receiver: req.Receiver,
		Pair:     venue.AssetPair{Collateral: req.CollateralAsset, Borrow: req.BorrowAsset},
		Amount:   amount,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type QuoteRepayReq struct {
	UserID          string `json:"user_id" binding:"required"`
	CollateralAsset string `json:"collateral_asset" binding:"required"`
	BorrowAsset     string `json:"borrow_asset" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
}

func (h *Handler) QuoteRepay(c *gin.Context) {
	var req QuoteRepayReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	quote, err := h.orchestrator.QuoteRepay(c.Request.Context(), req.UserID,
		venue.AssetPair{Collateral: req.CollateralAsset, Borrow: req.BorrowAsset}, amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, quote)
}

type EstimateRepayReq struct {
	UserID           string `json:"user_id" binding:"required"`
	CollateralAsset  string `json:"collateral_asset" binding:"required"`
	BorrowAsset      string `json:"borrow_asset" binding:"required"`
	CollateralWanted string `json:"collateral_wanted" binding:"required"`
}

func (h *Handler) EstimateRepay(c *gin.Context) {
	var req EstimateRepayReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	wanted, err := decimal.NewFromString(req.CollateralWanted)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	estimate, err := h.orchestrator.EstimateRepay(c.Request.Context(), req.UserID,
		venue.AssetPair{Collateral: req.CollateralAsset, Borrow: req.BorrowAsset}, wanted)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, estimate)
}

type RequireRepayReq struct {
	DebtDelta       string `json:"debt_delta" binding:"required"`
	CollateralDelta string `json:"collateral_delta"`
}

func (h *Handler) RequireRepay(c *gin.Context) {
	var req RequireRepayReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	debtDelta, err := decimal.NewFromString(req.DebtDelta)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	collateralDelta := decimal.Zero
	if req.CollateralDelta != "" {
		if collateralDelta, err = decimal.NewFromString(req.CollateralDelta); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	result, err := h.orchestrator.RequireRepay(c.Request.Context(), application.ForcedRepayCommand{
		CallerID:        callerID(c),
		PositionID:      c.Param("id"),
		DebtDelta:       debtDelta,
		CollateralDelta: collateralDelta,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type SettleReq struct {
	ClosePosition bool `json:"close_position"`
}

func (h *Handler) RepayTheBorrow(c *gin.Context) {
	var req SettleReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.orchestrator.RepayTheBorrow(c.Request.Context(), application.SettleCommand{
		CallerID:      callerID(c),
		PositionID:    c.Param("id"),
		ClosePosition: req.ClosePosition,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type LiquidateReq struct {
	SourceAsset     string `json:"source_asset" binding:"required"`
	Amount          string `json:"amount" binding:"required"`
	TargetAsset     string `json:"target_asset" binding:"required"`
	Receiver        string `json:"receiver" binding:"required"`
	ToleranceSource string `json:"tolerance_source" binding:"required"`
	ToleranceTarget string `json:"tolerance_target" binding:"required"`
}

func (h *Handler) SafeLiquidate(c *gin.Context) {
	var req LiquidateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tolSource, err := decimal.NewFromString(req.ToleranceSource)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tolTarget, err := decimal.NewFromString(req.ToleranceTarget)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.orchestrator.SafeLiquidate(c.Request.Context(), application.LiquidateCommand{
		CallerID:        callerID(c),
		SourceAsset:     req.SourceAsset,
		Amount:          amount,
		TargetAsset:     req.TargetAsset,
		Receiver:        req.Receiver,
		ToleranceSource: tolSource,
		ToleranceTarget: tolTarget,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) GetOpenPositions(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	pair := venue.AssetPair{
		Collateral: c.Query("collateral_asset"),
		Borrow:     c.Query("borrow_asset"),
	}

	positions, err := h.orchestrator.GetOpenPositions(c.Request.Context(), userID, pair)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "total": len(positions)})
}

func (h *Handler) GetExposure(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	pair := venue.AssetPair{
		Collateral: c.Query("collateral_asset"),
		Borrow:     c.Query("borrow_asset"),
	}
	withDebtGap := c.DefaultQuery("with_debt_gap", "true") == "true"

	collateral, debt, exposures, err := h.positions.TotalExposure(c.Request.Context(), userID, pair, withDebtGap)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_collateral": collateral,
		"total_debt":       debt,
		"positions":        exposures,
	})
}

func (h *Handler) GetLedgerHistory(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "50"))
	p := utils.NewPagination(page, pageSize, 0)

	actions, total, err := h.orchestrator.GetLedgerHistory(c.Request.Context(),
		c.Param("user_id"), c.Param("position_id"), p.Limit(), p.Offset())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"actions":    actions,
		"pagination": utils.NewPagination(page, pageSize, total),
	})
}

func (h *Handler) GetRangePnL(c *gin.Context) {
	from, err := strconv.Atoi(c.Query("from"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
		return
	}
	to, err := strconv.Atoi(c.Query("to"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
		return
	}

	pnl, err := h.orchestrator.GetRangePnL(c.Request.Context(),
		c.Param("user_id"), c.Param("position_id"), from, to)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pnl": pnl})
}
