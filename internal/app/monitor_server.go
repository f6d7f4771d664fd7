package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto-bot/internal/monitor"
	"crypto-bot/internal/trading"
)

func startMonitorServer(ctx context.Context, orch *orchestrator, port int, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		eventType := monitor.EventType(strings.ToLower(strings.TrimSpace(query.Get("type"))))

		events, err := orch.Monitor().ListEvents(r.Context(), eventType, parseLimit(query.Get("limit")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(events); err != nil {
			logger.Warn("写入监控响应失败", zap.Error(err))
		}
	})

	mux.HandleFunc("/cantrade", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		symbol := strings.TrimSpace(q.Get("symbol"))
		if symbol == "" {
			http.Error(w, "缺少 symbol 参数", http.StatusBadRequest)
			return
		}
		value, err := decimal.NewFromString(q.Get("value"))
		if err != nil || value.Sign() <= 0 {
			http.Error(w, "value 必须为正数", http.StatusBadRequest)
			return
		}

		eval, err := orch.CheckNewTrade(r.Context(), symbol, value)
		if errors.Is(err, trading.ErrTradingBlocked) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(eval); err != nil {
			logger.Warn("写入事前风控响应失败", zap.Error(err))
		}
	})

	mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
			return
		}
		reason := strings.TrimSpace(r.URL.Query().Get("reason"))
		if reason == "" {
			reason = "手动恢复"
		}
		if err := orch.ResumeTrading(r.Context(), reason); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
	return nil
}

// parseLimit 解析事件查询条数，默认200，上限1000。
func parseLimit(raw string) int {
	limit := 200
	if raw == "" {
		return limit
	}
	if v, err := strconv.Atoi(raw); err == nil && v > 0 {
		limit = v
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit
}
