package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"yield-engine/internal/journal"
)

// positionEntry 为监控端点导出的单条持仓。
type positionEntry struct {
	Venue     string    `json:"venue"`
	Asset     string    `json:"asset"`
	Amount    float64   `json:"amount"`
	Locked    bool      `json:"locked"`
	UpdatedAt time.Time `json:"updated_at"`
}

// startMonitorServer 暴露只读观测端点:审计事件、持仓快照与运行概况。
// 端口随主上下文关闭而优雅退出。
func startMonitorServer(ctx context.Context, eng *engine, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := 200
		if qs := q.Get("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}

		eventType := journal.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = journal.EventType(strings.ToLower(typ))
		}

		events, err := eng.journal.ListEvents(r.Context(), eventType, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, events, logger)
	})

	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		snap := eng.book.Snapshot()
		entries := make([]positionEntry, 0)
		for _, venueName := range snap.Venues() {
			for _, asset := range snap.Assets(venueName) {
				entry, ok := snap.Entry(venueName, asset)
				if !ok || entry.Amount == 0 {
					continue
				}
				entries = append(entries, positionEntry{
					Venue:     venueName,
					Asset:     asset,
					Amount:    entry.Amount,
					Locked:    entry.Locked,
					UpdatedAt: entry.UpdatedAt,
				})
			}
		}
		writeJSON(w, map[string]interface{}{
			"taken_at":  snap.TakenAt,
			"positions": entries,
		}, logger)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.sched.Health(), logger)
	})

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
}

func writeJSON(w http.ResponseWriter, payload interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("写入监控响应失败", zap.Error(err))
	}
}
