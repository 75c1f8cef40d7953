// Package metrics 提供 Prometheus helper，包含常用 counter/gauge/histogram 模板
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/deficonverter/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal prometheus.Counter
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 数据库查询计数
	DBQueriesTotal prometheus.Counter
	// 数据库查询耗时
	DBQueryDuration prometheus.Histogram

	// 选路请求计数
	SelectionsTotal prometheus.Counter
	// 空计划（无可用路径）计数
	EmptyPlansTotal prometheus.Counter
	// 借款执行计数
	BorrowsTotal prometheus.Counter
	// 还款执行计数
	RepaysTotal prometheus.Counter
	// 强制再平衡计数（requireRepay）
	ForcedRepaysTotal prometheus.Counter
	// 强制清算计数（safeLiquidate）
	LiquidationsTotal prometheus.Counter
	// 活跃仓位数
	PositionsOpen prometheus.Gauge
	// 借款执行耗时
	BorrowDuration prometheus.Histogram
	// 还款执行耗时
	RepayDuration prometheus.Histogram
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		DBQueriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "db_queries_total",
			Help:      "Total database queries",
		}),
		DBQueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		SelectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "selections_total",
			Help:      "Total strategy selections",
		}),
		EmptyPlansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "empty_plans_total",
			Help:      "Selections that produced no viable financing plan",
		}),
		BorrowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "borrows_total",
			Help:      "Total borrow executions",
		}),
		RepaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "repays_total",
			Help:      "Total repay executions",
		}),
		ForcedRepaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "forced_repays_total",
			Help:      "Total keeper/governance forced repayments",
		}),
		LiquidationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "liquidations_total",
			Help:      "Total safe liquidations executed",
		}),
		PositionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "positions_open",
			Help:      "Number of open positions",
		}),
		BorrowDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "borrow_duration_seconds",
			Help:      "Borrow execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		RepayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "converter",
			Subsystem: serviceName,
			Name:      "repay_duration_seconds",
			Help:      "Repay execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	metrics := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.DBQueriesTotal,
		m.DBQueryDuration,
		m.SelectionsTotal,
		m.EmptyPlansTotal,
		m.BorrowsTotal,
		m.RepaysTotal,
		m.ForcedRepaysTotal,
		m.LiquidationsTotal,
		m.PositionsOpen,
		m.BorrowDuration,
		m.RepayDuration,
	}

	for _, metric := range metrics {
		if err := prometheus.DefaultRegisterer.Register(metric); err != nil {
			logger.Error(context.Background(), "Failed to register metric", "error", err)
			return err
		}
	}

	logger.Info(context.Background(), "Metrics registered successfully")
	return nil
}

// Handler 返回 Prometheus 指标处理器
func Handler() http.Handler {
	return promhttp.Handler()
}
