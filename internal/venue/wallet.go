package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"yield-engine/internal/order"
)

const (
	walletRatePerSec = 10
	walletBurst      = 5
	walletMaxRetries = 3
	walletBaseWait   = 500 * time.Millisecond
)

// walletClient 对接内部转账通道服务。
// 幂等键取指令 ID,重复提交不会重复划转。
type walletClient struct {
	name    string
	base    string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

func newWalletClient(name string, ep Endpoint, logger *zap.Logger) (*walletClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	token, err := credential(ep, "api_token")
	if err != nil {
		return nil, err
	}
	return &walletClient{
		name:    name,
		base:    ep.Endpoint,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(walletRatePerSec, walletBurst),
		logger:  logger,
	}, nil
}

func (w *walletClient) Name() string {
	return w.name
}

func (w *walletClient) Category() Category {
	return CategoryWallet
}

type transferRequest struct {
	IdempotencyKey string  `json:"idempotency_key"`
	From           string  `json:"from"`
	To             string  `json:"to"`
	Asset          string  `json:"asset"`
	Amount         float64 `json:"amount"`
}

type transferResponse struct {
	ID      string  `json:"id"`
	Status  string  `json:"status"`
	Fee     float64 `json:"fee"`
	Message string  `json:"message"`
}

// Execute 提交一笔场所间划转。
func (w *walletClient) Execute(ctx context.Context, ins order.Instruction) (order.Trade, error) {
	trade := order.Trade{
		InstructionID: ins.ID,
		Status:        order.TradeFailed,
		Timestamp:     time.Now().UTC(),
	}

	req := transferRequest{
		IdempotencyKey: ins.ID,
		From:           ins.From,
		To:             ins.To,
		Asset:          ins.Asset,
		Amount:         ins.Amount,
	}

	var resp transferResponse
	if err := w.post(ctx, w.base+"/transfers", req, &resp); err != nil {
		trade.ErrCode = ClassifyCode(err)
		trade.ErrMsg = err.Error()
		return trade, err
	}

	trade.VenueRef = resp.ID
	trade.Fee = resp.Fee
	trade.FeeCurrency = ins.Asset

	switch resp.Status {
	case "completed":
		trade.Status = order.TradeFilled
		trade.Actual = append([]order.Delta(nil), ins.Expected...)
		return trade, nil
	case "pending":
		trade.Status = order.TradePending
		err := fmt.Errorf("venue: 划转 %s 仍在处理中", resp.ID)
		trade.ErrCode = order.ErrCodeTimeout
		trade.ErrMsg = err.Error()
		return trade, err
	default:
		trade.Status = order.TradeRejected
		err := fmt.Errorf("venue: 划转被拒绝: %s", resp.Message)
		trade.ErrCode = order.ErrCodeRejected
		trade.ErrMsg = err.Error()
		return trade, err
	}
}

// Balances 查询通道托管账户余额。
func (w *walletClient) Balances(ctx context.Context) (map[string]float64, error) {
	var out struct {
		Balances map[string]float64 `json:"balances"`
	}
	if err := w.get(ctx, w.base+"/balances", &out); err != nil {
		return nil, fmt.Errorf("venue: 查询 %s 托管余额失败: %w", w.name, err)
	}
	return out.Balances, nil
}

func (w *walletClient) get(ctx context.Context, url string, out interface{}) error {
	return w.doWithRetry(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+w.token)
		return w.http.Do(req)
	}, out)
}

func (w *walletClient) post(ctx context.Context, url string, body, out interface{}) error {
	return w.doWithRetry(ctx, func() (*http.Response, error) {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("venue: 序列化请求失败: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+w.token)
		return w.http.Do(req)
	}, out)
}

// doWithRetry 在限流器约束下执行请求,对 429 与 5xx 指数退避重试。
func (w *walletClient) doWithRetry(ctx context.Context, fn func() (*http.Response, error), out interface{}) error {
	for attempt := 0; attempt <= walletMaxRetries; attempt++ {
		if err := w.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("venue: 限流等待失败: %w", err)
		}

		resp, err := fn()
		if err != nil {
			if attempt == walletMaxRetries {
				return fmt.Errorf("venue: 通道请求重试 %d 次后失败: %w", walletMaxRetries, err)
			}
			w.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			w.logger.Warn("通道限流,等待重试", zap.Int("attempt", attempt+1))
			w.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == walletMaxRetries {
				return fmt.Errorf("venue: 通道服务错误 %d,重试 %d 次后放弃", resp.StatusCode, walletMaxRetries)
			}
			w.sleep(ctx, attempt)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("venue: 读取通道响应失败: %w", readErr)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("venue: 通道拒绝请求 %d: %s", resp.StatusCode, bytes.TrimSpace(body))
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("venue: 解析通道响应失败: %w", err)
		}
		return nil
	}
	return fmt.Errorf("venue: 通道请求未能完成")
}

func (w *walletClient) sleep(ctx context.Context, attempt int) {
	wait := walletBaseWait * time.Duration(1<<attempt)
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
