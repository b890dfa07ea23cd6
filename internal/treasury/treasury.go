package treasury

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/ledger"
	"AgentVault/internal/observability/alerting"
	"AgentVault/pkg/logger"
)

// Outcome 表示一次结算的方向。
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

var (
	// ErrInvalidAmount 表示金额不合法（<= 0 或超出预留）。
	ErrInvalidAmount = xerrors.New(CodeInvalidAmount, "invalid amount")
	// ErrInsufficientFunds 表示余额不足。经济护栏，不产生任何副作用。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrReservationNotFound 表示预留令牌不存在。
	ErrReservationNotFound = xerrors.New(CodeReservationNotFound, "reservation not found")
	// ErrAlreadySettled 表示预留令牌已被结算，令牌只能使用一次。
	ErrAlreadySettled = xerrors.New(CodeAlreadySettled, "reservation already settled", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeInvalidAmount       xerrors.Code = "INVALID_AMOUNT"
	CodeInsufficientFunds   xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeReservationNotFound xerrors.Code = "RESERVATION_NOT_FOUND"
	CodeAlreadySettled      xerrors.Code = "ALREADY_SETTLED"
)

func init() {
	xerrors.Register(CodeInvalidAmount, xerrors.Attributes{
		Message:   "invalid amount",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "insufficient funds",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReservationNotFound, xerrors.Attributes{
		Message:   "reservation not found",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAlreadySettled, xerrors.Attributes{
		Message:   "reservation already settled",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// AccountSnapshot 是账户的只读快照。
// 不变式: Balance = AllocatedTotal - SpentTotal + RefundedTotal - Reserved。
type AccountSnapshot struct {
	AgentID        string        `json:"agent_id"`
	Balance        ledger.Amount `json:"balance"`
	Reserved       ledger.Amount `json:"reserved"`
	AllocatedTotal ledger.Amount `json:"allocated_total"`
	SpentTotal     ledger.Amount `json:"spent_total"`
	RefundedTotal  ledger.Amount `json:"refunded_total"`
}

// Reservation 是一次预留的只读视图，令牌单次有效。
type Reservation struct {
	Token     string        `json:"token"`
	AgentID   string        `json:"agent_id"`
	Amount    ledger.Amount `json:"amount"`
	CreatedAt time.Time     `json:"created_at"`
}

// account 持有单个账户的运行时状态。
// mu 只保护余额字段，绝不跨 I/O 持有；appendMu 串行化同一账户的
// 经济事件（含账本写入），保证余额快照与落盘顺序一致。
type account struct {
	mu       sync.Mutex
	appendMu sync.Mutex

	balance   ledger.Amount
	reserved  ledger.Amount
	allocated ledger.Amount
	spent     ledger.Amount
	refunded  ledger.Amount
}

type reservation struct {
	Reservation
	settled   bool
	settledAt time.Time
}

// Treasury 独占管理所有预算账户，每次状态变更先取得账本确认。
type Treasury struct {
	store ledger.Store

	mu           sync.RWMutex
	accounts     map[string]*account
	reservations map[string]*reservation

	reservationTTL time.Duration
	sweepInterval  time.Duration
	appendRetries  int
	healthStreak   int

	clock     func() time.Time
	alerter   alerting.Dispatcher
	publisher events.Publisher

	failStreak atomic.Int64
	degraded   atomic.Bool
}

// Option 定义可选的 Treasury 配置。
type Option func(*Treasury)

// WithReservationTTL 设置预留的超时时间，超时后按失败自动冲正。
func WithReservationTTL(ttl time.Duration) Option {
	return func(t *Treasury) {
		if ttl > 0 {
			t.reservationTTL = ttl
		}
	}
}

// WithSweepInterval 设置超时巡检的周期。
func WithSweepInterval(interval time.Duration) Option {
	return func(t *Treasury) {
		if interval > 0 {
			t.sweepInterval = interval
		}
	}
}

// WithAppendRetries 设置单次账本写入的重试次数。
func WithAppendRetries(retries int) Option {
	return func(t *Treasury) {
		if retries >= 0 {
			t.appendRetries = retries
		}
	}
}

// WithHealthStreak 设置连续写入失败多少次后进入降级状态。
func WithHealthStreak(streak int) Option {
	return func(t *Treasury) {
		if streak > 0 {
			t.healthStreak = streak
		}
	}
}

// WithClock 注入时钟，用于测试超时路径。
func WithClock(clock func() time.Time) Option {
	return func(t *Treasury) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(t *Treasury) {
		t.alerter = dispatcher
	}
}

// WithEventPublisher 配置结算事件的发布端，尽力投递。
func WithEventPublisher(publisher events.Publisher) Option {
	return func(t *Treasury) {
		t.publisher = publisher
	}
}

// New 构造 Treasury。
func New(store ledger.Store, opts ...Option) *Treasury {
	t := &Treasury{
		store:          store,
		accounts:       make(map[string]*account),
		reservations:   make(map[string]*reservation),
		reservationTTL: 2 * time.Minute,
		sweepInterval:  15 * time.Second,
		appendRetries:  2,
		healthStreak:   5,
		clock:          time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Allocate 创建或充值账户，并写入一条 allocation 交易。
func (t *Treasury) Allocate(ctx context.Context, agentID string, amount ledger.Amount) (*ledger.Transaction, error) {
	if t.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置账本存储")
	}
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	acct, err := t.ensureAccount(ctx, agentID, true)
	if err != nil {
		return nil, err
	}

	acct.appendMu.Lock()
	defer acct.appendMu.Unlock()

	acct.mu.Lock()
	acct.balance += amount
	acct.allocated += amount
	newBalance := acct.balance
	acct.mu.Unlock()

	tx := &ledger.Transaction{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Amount:       amount,
		Category:     ledger.CategoryAllocation,
		Description:  "budget allocation",
		BalanceAfter: newBalance,
		Outcome:      ledger.OutcomeCommitted,
		CreatedAt:    t.clock().Unix(),
	}
	if err := t.append(ctx, tx); err != nil {
		// 账本写入失败，回滚乐观变更，两边状态不允许分叉。
		acct.mu.Lock()
		acct.balance -= amount
		acct.allocated -= amount
		acct.mu.Unlock()
		return nil, err
	}

	logger.Audit().Info("预算充值完成",
		slog.String("agent_id", agentID),
		slog.String("amount", amount.String()),
		slog.String("balance", newBalance.String()),
		slog.String("transaction_id", tx.ID),
	)
	return tx, nil
}

// Reserve 原子检查余额并冻结资金，返回单次有效的预留令牌。
// 预留失败不是经济事件，不写账本。
func (t *Treasury) Reserve(ctx context.Context, agentID string, amount ledger.Amount) (*Reservation, error) {
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agent ID 不能为空")
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	acct, err := t.ensureAccount(ctx, agentID, false)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrInsufficientFunds
	}

	acct.mu.Lock()
	if acct.balance < amount {
		acct.mu.Unlock()
		return nil, ErrInsufficientFunds
	}
	acct.balance -= amount
	acct.reserved += amount
	acct.mu.Unlock()

	res := &reservation{
		Reservation: Reservation{
			Token:     uuid.NewString(),
			AgentID:   agentID,
			Amount:    amount,
			CreatedAt: t.clock(),
		},
	}
	t.mu.Lock()
	t.reservations[res.Token] = res
	t.mu.Unlock()

	view := res.Reservation
	return &view, nil
}

// Settle 结算一个预留。成功结算写入实际成本的 debit 交易并退还差额；
// 失败结算全额退款并写入零金额的 failed_attempt 交易供审计。
func (t *Treasury) Settle(ctx context.Context, token string, actualCost ledger.Amount, outcome Outcome, description string) (*ledger.Transaction, error) {
	if token == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "预留令牌不能为空")
	}
	if outcome != OutcomeSuccess && outcome != OutcomeFailure {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "不支持的结算结果")
	}

	t.mu.Lock()
	res, ok := t.reservations[token]
	if !ok {
		t.mu.Unlock()
		return nil, ErrReservationNotFound
	}
	if res.settled {
		t.mu.Unlock()
		return nil, ErrAlreadySettled
	}
	// 先行占位，阻止并发的二次结算进入 I/O 阶段。
	res.settled = true
	t.mu.Unlock()

	release := func() {
		t.mu.Lock()
		res.settled = false
		t.mu.Unlock()
	}

	if outcome == OutcomeSuccess {
		if actualCost < 0 {
			release()
			return nil, ErrInvalidAmount
		}
		if actualCost > res.Amount {
			// 超出预留的部分在结算时拒绝，不做静默吸收。
			release()
			return nil, xerrors.New(CodeInvalidAmount, "实际成本超出预留金额")
		}
	}

	acct, err := t.ensureAccount(ctx, res.AgentID, false)
	if err != nil || acct == nil {
		release()
		if err == nil {
			err = xerrors.New(xerrors.CodeNotFound, "预留对应的账户不存在")
		}
		return nil, err
	}

	acct.appendMu.Lock()
	defer acct.appendMu.Unlock()

	var tx *ledger.Transaction
	acct.mu.Lock()
	switch outcome {
	case OutcomeSuccess:
		refundDelta := res.Amount - actualCost
		acct.balance += refundDelta
		acct.reserved -= res.Amount
		acct.spent += actualCost
		tx = &ledger.Transaction{
			ID:           uuid.NewString(),
			AgentID:      res.AgentID,
			Amount:       -actualCost,
			Category:     ledger.CategoryDebit,
			Description:  description,
			BalanceAfter: acct.balance,
			Outcome:      ledger.OutcomeCommitted,
			CreatedAt:    t.clock().Unix(),
		}
	default:
		acct.balance += res.Amount
		acct.reserved -= res.Amount
		tx = &ledger.Transaction{
			ID:           uuid.NewString(),
			AgentID:      res.AgentID,
			Amount:       0,
			Category:     ledger.CategoryFailedAttempt,
			Description:  description,
			BalanceAfter: acct.balance,
			Outcome:      ledger.OutcomeReversed,
			CreatedAt:    t.clock().Unix(),
		}
	}
	acct.mu.Unlock()

	if err := t.append(ctx, tx); err != nil {
		// 回滚内存变更并恢复预留，结算可以重试。
		acct.mu.Lock()
		switch outcome {
		case OutcomeSuccess:
			acct.balance -= res.Amount - actualCost
			acct.reserved += res.Amount
			acct.spent -= actualCost
		default:
			acct.balance -= res.Amount
			acct.reserved += res.Amount
		}
		acct.mu.Unlock()
		release()
		return nil, err
	}

	t.mu.Lock()
	res.settledAt = t.clock()
	t.mu.Unlock()

	t.publishSettlement(ctx, res, tx, outcome)
	logger.Audit().Info("预留结算完成",
		slog.String("agent_id", res.AgentID),
		slog.String("token", res.Token),
		slog.String("outcome", string(outcome)),
		slog.String("actual_cost", actualCost.String()),
		slog.String("balance", tx.BalanceAfter.String()),
		slog.String("transaction_id", tx.ID),
	)
	return tx, nil
}

// Refund 写入一条冲正交易，把指定金额退回账户。
// 账本记录不可修改，任何更正都通过新的冲正交易表达。
func (t *Treasury) Refund(ctx context.Context, agentID string, amount ledger.Amount, description string) (*ledger.Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	acct, err := t.ensureAccount(ctx, agentID, false)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "账户不存在")
	}

	acct.appendMu.Lock()
	defer acct.appendMu.Unlock()

	acct.mu.Lock()
	acct.balance += amount
	acct.refunded += amount
	newBalance := acct.balance
	acct.mu.Unlock()

	tx := &ledger.Transaction{
		ID:           uuid.NewString(),
		AgentID:      agentID,
		Amount:       amount,
		Category:     ledger.CategoryRefund,
		Description:  description,
		BalanceAfter: newBalance,
		Outcome:      ledger.OutcomeCommitted,
		CreatedAt:    t.clock().Unix(),
	}
	if err := t.append(ctx, tx); err != nil {
		acct.mu.Lock()
		acct.balance -= amount
		acct.refunded -= amount
		acct.mu.Unlock()
		return nil, err
	}
	return tx, nil
}

// Balance 返回当前可用余额，只做一次锁获取。
func (t *Treasury) Balance(ctx context.Context, agentID string) (ledger.Amount, error) {
	acct, err := t.ensureAccount(ctx, agentID, false)
	if err != nil {
		return 0, err
	}
	if acct == nil {
		return 0, nil
	}
	acct.mu.Lock()
	balance := acct.balance
	acct.mu.Unlock()
	return balance, nil
}

// Account 返回账户快照。
func (t *Treasury) Account(ctx context.Context, agentID string) (AccountSnapshot, error) {
	acct, err := t.ensureAccount(ctx, agentID, false)
	if err != nil {
		return AccountSnapshot{}, err
	}
	if acct == nil {
		return AccountSnapshot{}, xerrors.New(xerrors.CodeNotFound, "账户不存在")
	}
	acct.mu.Lock()
	snapshot := AccountSnapshot{
		AgentID:        agentID,
		Balance:        acct.balance,
		Reserved:       acct.reserved,
		AllocatedTotal: acct.allocated,
		SpentTotal:     acct.spent,
		RefundedTotal:  acct.refunded,
	}
	acct.mu.Unlock()
	return snapshot, nil
}

// History 返回指定智能体的账本交易历史。
func (t *Treasury) History(ctx context.Context, agentID string, opts ...ledger.ListOption) ([]*ledger.Transaction, error) {
	if t.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置账本存储")
	}
	return t.store.ListByAgent(ctx, agentID, ledger.BuildListOptions(opts))
}

// LedgerStats 返回指定智能体的账本聚合信息。
func (t *Treasury) LedgerStats(ctx context.Context, agentID string) (ledger.Stats, error) {
	if t.store == nil {
		return ledger.Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置账本存储")
	}
	return t.store.StatsByAgent(ctx, agentID)
}

// Healthy 报告账本持久化是否处于健康状态。
func (t *Treasury) Healthy() bool {
	return !t.degraded.Load()
}

// ensureAccount 返回账户的运行时状态；不存在时按账本重建。
// create 为 true 时允许创建空账户（Allocate 专用）。
func (t *Treasury) ensureAccount(ctx context.Context, agentID string, create bool) (*account, error) {
	t.mu.RLock()
	acct, ok := t.accounts[agentID]
	t.mu.RUnlock()
	if ok {
		return acct, nil
	}

	// 进程重启后从账本恢复账户累计值。
	stats, err := t.store.StatsByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	balance, err := t.store.ReadBalance(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if stats.Total == 0 && !create {
		return nil, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.accounts[agentID]; ok {
		return existing, nil
	}
	acct = &account{
		balance:   balance,
		allocated: stats.TotalAllocated,
		spent:     stats.TotalDebited,
		refunded:  stats.TotalRefunded,
	}
	t.accounts[agentID] = acct
	return acct, nil
}

// append 执行带重试的账本写入，并维护降级状态。
func (t *Treasury) append(ctx context.Context, tx *ledger.Transaction) error {
	var lastErr error
	attempts := t.appendRetries + 1
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return xerrors.Wrap(ledger.CodeLedgerWrite, ctx.Err(), "账本写入被取消")
			case <-time.After(time.Duration(i) * 50 * time.Millisecond):
			}
		}
		err := t.store.Append(ctx, tx)
		if err == nil {
			if t.failStreak.Swap(0) >= int64(t.healthStreak) {
				t.degraded.Store(false)
				logger.L().Info("账本写入恢复正常")
			}
			return nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) {
			break
		}
	}

	streak := t.failStreak.Add(1)
	if streak >= int64(t.healthStreak) && !t.degraded.Swap(true) {
		logger.L().Error("账本持久化进入降级状态",
			slog.Int64("fail_streak", streak),
			slog.Any("error", lastErr),
		)
		t.emitAlert(ctx, tx.AgentID, lastErr)
	}
	return xerrors.Wrap(ledger.CodeLedgerWrite, lastErr, "账本写入失败")
}

func (t *Treasury) emitAlert(ctx context.Context, agentID string, cause error) {
	if t.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:       ledger.CodeLedgerWrite,
		Message:    "ledger persistence degraded",
		Severity:   xerrors.SeverityCritical,
		AgentID:    agentID,
		OccurredAt: t.clock(),
	}
	if cause != nil {
		event.Metadata = map[string]string{"cause": cause.Error()}
	}
	if err := t.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败", slog.Any("error", err))
	}
}

func (t *Treasury) publishSettlement(ctx context.Context, res *reservation, tx *ledger.Transaction, outcome Outcome) {
	if t.publisher == nil {
		return
	}
	event := events.NewEvent(events.KindSettlement, res.AgentID, map[string]string{
		"token":          res.Token,
		"transaction_id": tx.ID,
		"outcome":        string(outcome),
		"amount":         tx.Amount.String(),
	})
	if err := t.publisher.Publish(ctx, event); err != nil {
		// 结算事件只是尽力通知，失败不影响结算本身。
		logger.L().Warn("结算事件发布失败",
			slog.Any("error", err),
			slog.String("agent_id", res.AgentID),
		)
	}
}
