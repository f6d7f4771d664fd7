package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"crypto-bot/internal/config"
	"crypto-bot/internal/exchange"
	"crypto-bot/internal/indicator"
	"crypto-bot/internal/monitor"
	"crypto-bot/internal/position"
	"crypto-bot/internal/risk"
	"crypto-bot/internal/security"
	"crypto-bot/internal/store"
	"crypto-bot/internal/trading"
)

// 编排器按消费方需要收窄核心依赖。
type snapshotSource interface {
	Fetch(ctx context.Context) (*position.Overview, error)
}

type riskEvaluator interface {
	Evaluate(snap risk.Snapshot) (*risk.Evaluation, error)
}

type actionDispatcher interface {
	HandleEvaluation(ctx context.Context, eval *risk.Evaluation) error
}

// orchestrator 串联快照采集、风控评估与动作调度。
type orchestrator struct {
	cfg      *config.Config
	client   *exchange.Client
	market   *exchange.MarketDataService
	calc     *indicator.Calculator
	provider snapshotSource
	engine   riskEvaluator
	trader   *trading.LiveEngine
	dispatch actionDispatcher
	monitor  *monitor.Service
	logger   *zap.Logger
}

func newOrchestrator(cfg *config.Config, logger *zap.Logger, st *store.Store) (*orchestrator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := decryptCredentials(cfg); err != nil {
		return nil, err
	}

	client, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	tracker, err := position.NewExtremeTracker(st.DB(), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化极值追踪器失败: %w", err)
	}

	provider, err := position.NewProvider(client, tracker, cfg.Exchange.Name,
		cfg.Risk.ExposureLimit.BaseCurrency, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化快照提供者失败: %w", err)
	}

	retry, err := trading.NewRetryPolicy(
		cfg.Trading.Retry.MaxAttempts,
		cfg.Trading.Retry.InitialDelay,
		cfg.Trading.Retry.MaxDelay,
		cfg.Trading.Retry.ExponentialBase,
	)
	if err != nil {
		return nil, fmt.Errorf("初始化重试策略失败: %w", err)
	}

	trader, err := trading.NewLiveEngine(client, retry, cfg.Risk.ExposureLimit.BaseCurrency, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易引擎失败: %w", err)
	}

	dispatcher, err := risk.NewDispatcher(trader, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化风控调度器失败: %w", err)
	}

	monitorSvc, err := monitor.NewService(st, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	return &orchestrator{
		cfg:      cfg,
		client:   client,
		market:   exchange.NewMarketDataService(client, logger),
		calc:     indicator.NewCalculator(),
		provider: provider,
		engine:   risk.NewEngine(cfg.Risk),
		trader:   trader,
		dispatch: dispatcher,
		monitor:  monitorSvc,
		logger:   logger,
	}, nil
}

func (o *orchestrator) Monitor() *monitor.Service {
	return o.monitor
}

// Tick 执行一轮风控巡检: 采集账户快照，对每个持仓并发执行
// 评估→调度流程(单个持仓内严格串行)，最后执行账户级流程。
// 持仓流程之间互不取消，保护动作一旦开始必须跑完；任一持仓
// 流程失败也不影响账户级流程执行，错误聚合后统一上抛。
func (o *orchestrator) Tick(ctx context.Context) error {
	now := time.Now().UTC()

	overview, err := o.provider.Fetch(ctx)
	if err != nil {
		o.monitor.RecordError(ctx, "采集账户快照失败", err, nil)
		return err
	}
	o.monitor.RecordPosition(ctx, overview)

	var group errgroup.Group
	for i := range overview.Positions {
		pos := overview.Positions[i]
		group.Go(func() error {
			snap := risk.Snapshot{
				Position:  &pos,
				Account:   overview.AccountFor(pos.Symbol),
				Timestamp: now,
			}
			return o.runPositionFlow(ctx, snap)
		})
	}
	tickErr := group.Wait()

	// 账户级动作只在这里调度，每轮至多下发一次。
	accountSnap := risk.Snapshot{
		Account:   overview.AccountFor(""),
		Timestamp: now,
	}
	if err := o.runFlow(ctx, accountSnap); err != nil {
		tickErr = multierr.Append(tickErr, err)
	}
	if tickErr != nil {
		return tickErr
	}

	o.recordMarketContext(ctx)
	return nil
}

// runPositionFlow 执行单个持仓的评估→调度流程。评估命中账户级
// 动作时只记录不调度，调度权归账户级流程，避免同一轮内 N 个
// 持仓流程重复下发全账户保护动作。
func (o *orchestrator) runPositionFlow(ctx context.Context, snap risk.Snapshot) error {
	eval, err := o.engine.Evaluate(snap)
	if err != nil {
		o.monitor.RecordError(ctx, "风控评估失败", err, flowContext(snap))
		return err
	}
	o.monitor.RecordEvaluation(ctx, eval)

	if eval.Action.AccountScoped() {
		o.logger.Debug("持仓评估命中账户级动作，移交账户级流程",
			zap.String("evaluation_id", eval.ID),
			zap.String("action", string(eval.Action)))
		return nil
	}

	dispatchErr := o.dispatch.HandleEvaluation(ctx, eval)
	o.monitor.RecordDispatch(ctx, eval, dispatchErr)
	return dispatchErr
}

// runFlow 执行一次评估→调度流程，调度失败原样上抛。
func (o *orchestrator) runFlow(ctx context.Context, snap risk.Snapshot) error {
	eval, err := o.engine.Evaluate(snap)
	if err != nil {
		o.monitor.RecordError(ctx, "风控评估失败", err, flowContext(snap))
		return err
	}
	o.monitor.RecordEvaluation(ctx, eval)

	dispatchErr := o.dispatch.HandleEvaluation(ctx, eval)
	o.monitor.RecordDispatch(ctx, eval, dispatchErr)
	return dispatchErr
}

// CheckNewTrade 对一笔拟开新仓执行事前风控，返回评估结果。
// 交易引擎处于封禁状态时返回 trading.ErrTradingBlocked，
// 不触发规则评估。
func (o *orchestrator) CheckNewTrade(ctx context.Context, symbol string, value decimal.Decimal) (*risk.Evaluation, error) {
	if o.trader.IsTradingBlocked() {
		o.logger.Warn("交易封禁中，拒绝新仓", zap.String("symbol", symbol))
		return nil, trading.ErrTradingBlocked
	}

	overview, err := o.provider.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	snap := risk.Snapshot{
		Account:   overview.AccountFor(symbol),
		Proposed:  &risk.ProposedTrade{Symbol: symbol, Value: value},
		Timestamp: time.Now().UTC(),
	}

	eval, err := o.engine.Evaluate(snap)
	if err != nil {
		return nil, err
	}
	o.monitor.RecordEvaluation(ctx, eval)

	if dispatchErr := o.dispatch.HandleEvaluation(ctx, eval); dispatchErr != nil {
		o.monitor.RecordDispatch(ctx, eval, dispatchErr)
		return eval, dispatchErr
	}
	o.monitor.RecordDispatch(ctx, eval, nil)

	return eval, nil
}

// ResumeTrading 人工解除交易封禁。
func (o *orchestrator) ResumeTrading(ctx context.Context, reason string) error {
	return o.trader.ResumeTrading(ctx, reason, "manual-resume")
}

// recordMarketContext 为每个配置的交易对记录市场背景指标，
// 失败只告警不影响巡检结果。
func (o *orchestrator) recordMarketContext(ctx context.Context) {
	for _, symbol := range o.cfg.Exchange.Markets {
		snapshot, err := o.market.GetSnapshot(ctx, symbol, exchange.DefaultSnapshotRequest())
		if err != nil {
			o.logger.Warn("拉取市场数据失败", zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		result, err := o.calc.Compute(symbol, exchange.Timeframe1h, snapshot.Candles1H)
		if err != nil {
			o.logger.Warn("计算指标失败", zap.String("symbol", symbol), zap.Error(err))
			continue
		}

		o.monitor.RecordMarketContext(ctx, symbol, result.Summary())
	}
}

func flowContext(snap risk.Snapshot) map[string]interface{} {
	ctxMap := map[string]interface{}{}
	if snap.Position != nil {
		ctxMap["symbol"] = snap.Position.Symbol
	}
	if snap.Proposed != nil {
		ctxMap["proposed_symbol"] = snap.Proposed.Symbol
	}
	return ctxMap
}

// decryptCredentials 解密配置中带 enc:v1: 前缀的交易所凭证。
func decryptCredentials(cfg *config.Config) error {
	encrypted := security.IsEncrypted(cfg.Exchange.APIKey) ||
		security.IsEncrypted(cfg.Exchange.APISecret) ||
		security.IsEncrypted(cfg.Exchange.APIPass)
	if !encrypted {
		return nil
	}

	masterKey := os.Getenv(cfg.Security.MasterKeyEnv)
	if masterKey == "" {
		return fmt.Errorf("配置含加密凭证但环境变量 %s 未设置", cfg.Security.MasterKeyEnv)
	}

	codec, err := security.NewCodec(masterKey)
	if err != nil {
		return fmt.Errorf("初始化凭证解密失败: %w", err)
	}

	if cfg.Exchange.APIKey, err = codec.DecryptString(cfg.Exchange.APIKey); err != nil {
		return fmt.Errorf("解密 api_key 失败: %w", err)
	}
	if cfg.Exchange.APISecret, err = codec.DecryptString(cfg.Exchange.APISecret); err != nil {
		return fmt.Errorf("解密 api_secret 失败: %w", err)
	}
	if cfg.Exchange.APIPass, err = codec.DecryptString(cfg.Exchange.APIPass); err != nil {
		return fmt.Errorf("解密 api_password 失败: %w", err)
	}

	return nil
}
