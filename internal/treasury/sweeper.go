package treasury

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"AgentVault/pkg/logger"
)

// Sweep 冲正所有超时未结算的预留，防止调用方崩溃导致资金永久冻结。
// 返回本次冲正的预留数量。已结算的过期令牌顺带清理。
func (t *Treasury) Sweep(ctx context.Context) int {
	now := t.clock()
	cutoff := now.Add(-t.reservationTTL)

	t.mu.Lock()
	expired := make([]string, 0)
	for token, res := range t.reservations {
		if res.settled {
			if !res.settledAt.IsZero() && res.settledAt.Before(cutoff) {
				delete(t.reservations, token)
			}
			continue
		}
		if res.CreatedAt.Before(cutoff) {
			expired = append(expired, token)
		}
	}
	t.mu.Unlock()

	reversed := 0
	for _, token := range expired {
		_, err := t.Settle(ctx, token, 0, OutcomeFailure, "reservation expired")
		if err != nil {
			if stdErrors.Is(err, ErrAlreadySettled) || stdErrors.Is(err, ErrReservationNotFound) {
				continue
			}
			// 账本不可用时保留预留，下一轮巡检重试。
			logger.L().Error("冲正超时预留失败",
				slog.Any("error", err),
				slog.String("token", token),
			)
			continue
		}
		reversed++
		logger.Audit().Warn("预留超时自动冲正",
			slog.String("token", token),
		)
	}
	return reversed
}

// RunSweeper 周期性执行超时巡检，直到上下文取消。
func (t *Treasury) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}
