package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"crypto-bot/internal/config"
)

var hundred = decimal.NewFromInt(100)

// 规则标识，按评估顺序记录在 Evaluation.TriggeredRules 中。
const (
	RuleStopLoss            = "stop_loss"
	RuleTakeProfit          = "take_profit"
	RuleTrailingStop        = "trailing_stop"
	RuleExposurePerAsset    = "exposure_limit_per_asset"
	RuleExposureTotal       = "exposure_limit_total"
	RuleExposureNewTrade    = "exposure_limit_new_trade"
	RuleDrawdownControl     = "drawdown_control"
	RuleMaxConcurrentTrades = "max_concurrent_trades"
	RuleMaxTradesPerAsset   = "max_trades_per_asset"
)

// Engine 为风控评估引擎。Evaluate 是 (快照, 规则配置) 的纯函数:
// 不持有可变状态、不触碰时钟、相同输入必然得到相同输出。
type Engine struct {
	cfg config.RiskConfig
}

// NewEngine 创建评估引擎，规则配置在引擎生命周期内只读。
func NewEngine(cfg config.RiskConfig) *Engine {
	return &Engine{cfg: cfg}
}

// candidate 为单条规则命中后的候选动作。
type candidate struct {
	action   Action
	rule     string
	reason   string
	metadata map[string]interface{}
}

// Evaluate 对一份快照执行全部启用规则，裁决出唯一动作。
// 无规则命中时返回 action=none 且 TriggeredRules 为空。
func (e *Engine) Evaluate(snap Snapshot) (*Evaluation, error) {
	if err := validateSnapshot(snap); err != nil {
		return nil, err
	}

	var candidates []candidate

	appendIf := func(c *candidate) {
		if c != nil {
			candidates = append(candidates, *c)
		}
	}

	if !e.cfg.EmergencyOnlyMode {
		appendIf(e.checkStopLoss(snap))
		appendIf(e.checkTakeProfit(snap))
		appendIf(e.checkTrailingStop(snap))
		candidates = append(candidates, e.checkExposure(snap)...)
	}
	appendIf(e.checkDrawdown(snap))
	if !e.cfg.EmergencyOnlyMode {
		candidates = append(candidates, e.checkMaxTrades(snap)...)
	}

	return resolve(snap, candidates), nil
}

// resolve 按严重级别裁决唯一动作。同级别时先评估的候选胜出，
// 胜出动作的全部候选合并理由与元数据，所有命中规则照单全收。
func resolve(snap Snapshot, candidates []candidate) *Evaluation {
	if len(candidates) == 0 {
		return &Evaluation{
			ID:             newEvaluationID(snap, ActionNone, nil),
			Action:         ActionNone,
			Reason:         "",
			TriggeredRules: []string{},
			Metadata:       map[string]interface{}{},
			EvaluatedAt:    snap.Timestamp,
		}
	}

	winner := candidates[0].action
	for _, c := range candidates[1:] {
		if c.action.Severity() > winner.Severity() {
			winner = c.action
		}
	}

	rules := make([]string, 0, len(candidates))
	reasons := make([]string, 0, 1)
	metadata := map[string]interface{}{}
	for _, c := range candidates {
		rules = append(rules, c.rule)
		if c.action != winner {
			continue
		}
		reasons = append(reasons, c.reason)
		for k, v := range c.metadata {
			if _, exists := metadata[k]; !exists {
				metadata[k] = v
			}
		}
	}

	var pos *Position
	switch winner {
	case ActionClosePosition, ActionReducePosition:
		if snap.Position != nil {
			copied := *snap.Position
			pos = &copied
		}
	}

	return &Evaluation{
		ID:             newEvaluationID(snap, winner, rules),
		Action:         winner,
		Reason:         joinReasons(reasons),
		TriggeredRules: rules,
		Position:       pos,
		Metadata:       metadata,
		EvaluatedAt:    snap.Timestamp,
	}
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}

func (e *Engine) checkStopLoss(snap Snapshot) *candidate {
	cfg := e.cfg.StopLoss
	if !cfg.Enabled || snap.Position == nil {
		return nil
	}

	adverse := adverseMovePct(snap.Position)
	if adverse.LessThan(cfg.Percentage) {
		return nil
	}

	return &candidate{
		action: ActionClosePosition,
		rule:   RuleStopLoss,
		reason: fmt.Sprintf("止损触发: %s 不利变动%s%%达到阈值%s%%",
			snap.Position.Symbol, adverse.Round(4), cfg.Percentage),
	}
}

func (e *Engine) checkTakeProfit(snap Snapshot) *candidate {
	cfg := e.cfg.TakeProfit
	if !cfg.Enabled || snap.Position == nil {
		return nil
	}

	favorable := adverseMovePct(snap.Position).Neg()
	if favorable.LessThan(cfg.Percentage) {
		return nil
	}

	reason := fmt.Sprintf("止盈触发: %s 有利变动%s%%达到阈值%s%%",
		snap.Position.Symbol, favorable.Round(4), cfg.Percentage)

	if cfg.PartialClose {
		return &candidate{
			action:   ActionReducePosition,
			rule:     RuleTakeProfit,
			reason:   reason + " (分批止盈)",
			metadata: map[string]interface{}{MetaPartialClosePercentage: cfg.PartialClosePercentage},
		}
	}

	return &candidate{action: ActionClosePosition, rule: RuleTakeProfit, reason: reason}
}

func (e *Engine) checkTrailingStop(snap Snapshot) *candidate {
	cfg := e.cfg.TrailingStop
	if !cfg.Enabled || snap.Position == nil {
		return nil
	}
	p := snap.Position

	// 激活门槛: 最佳有利波动未达激活百分比时移动止损不生效。
	excursion := favorableExcursionPct(p)
	if excursion.LessThan(cfg.ActivationPercentage) {
		return nil
	}

	retrace := retracementPct(p)
	if retrace.LessThan(cfg.TrailingPercentage) {
		return nil
	}

	return &candidate{
		action: ActionClosePosition,
		rule:   RuleTrailingStop,
		reason: fmt.Sprintf("移动止损触发: %s 自最佳价%s回撤%s%%达到阈值%s%%",
			p.Symbol, p.BestPrice, retrace.Round(4), cfg.TrailingPercentage),
	}
}

func (e *Engine) checkExposure(snap Snapshot) []candidate {
	cfg := e.cfg.ExposureLimit
	if !cfg.Enabled {
		return nil
	}

	var out []candidate

	// 既有持仓超限 ⇒ 减仓至上限以内。
	if p := snap.Position; p != nil {
		if over := snap.Account.AssetExposure.Sub(cfg.MaxPerAsset); over.Sign() > 0 {
			out = append(out, candidate{
				action: ActionReducePosition,
				rule:   RuleExposurePerAsset,
				reason: fmt.Sprintf("单资产敞口超限: %s 敞口%s超过上限%s %s",
					p.Symbol, snap.Account.AssetExposure, cfg.MaxPerAsset, cfg.BaseCurrency),
				metadata: map[string]interface{}{
					MetaPartialClosePercentage: reducePercentage(over, p.Value),
				},
			})
		}
		if over := snap.Account.PortfolioExposure.Sub(cfg.MaxTotal); over.Sign() > 0 {
			out = append(out, candidate{
				action: ActionReducePosition,
				rule:   RuleExposureTotal,
				reason: fmt.Sprintf("组合敞口超限: 总敞口%s超过上限%s %s",
					snap.Account.PortfolioExposure, cfg.MaxTotal, cfg.BaseCurrency),
				metadata: map[string]interface{}{
					MetaPartialClosePercentage: reducePercentage(over, p.Value),
				},
			})
		}
	}

	// 拟开新仓会导致超限 ⇒ 拒绝开仓。
	if t := snap.Proposed; t != nil {
		perAsset := snap.Account.AssetExposure.Add(t.Value)
		total := snap.Account.PortfolioExposure.Add(t.Value)
		if perAsset.GreaterThan(cfg.MaxPerAsset) || total.GreaterThan(cfg.MaxTotal) {
			out = append(out, candidate{
				action: ActionBlockNewTrade,
				rule:   RuleExposureNewTrade,
				reason: fmt.Sprintf("新仓将导致敞口超限: %s 名义价值%s %s",
					t.Symbol, t.Value, cfg.BaseCurrency),
			})
		}
	}

	return out
}

func (e *Engine) checkDrawdown(snap Snapshot) *candidate {
	cfg := e.cfg.DrawdownControl
	if !cfg.Enabled || snap.Account.PeakEquity.Sign() <= 0 {
		return nil
	}

	drawdown := snap.Account.PeakEquity.Sub(snap.Account.Equity).
		Div(snap.Account.PeakEquity).Mul(hundred)
	if drawdown.Sign() <= 0 {
		return nil
	}

	if cfg.EnableEmergencyExit && drawdown.GreaterThanOrEqual(cfg.EmergencyExitPercentage) {
		return &candidate{
			action: ActionEmergencyExitAll,
			rule:   RuleDrawdownControl,
			reason: fmt.Sprintf("账户回撤%s%%达到紧急清仓阈值%s%%",
				drawdown.Round(4), cfg.EmergencyExitPercentage),
		}
	}

	if drawdown.GreaterThanOrEqual(cfg.MaxDrawdownPercentage) {
		if cfg.PauseTradingOnBreach {
			return &candidate{
				action: ActionPauseTrading,
				rule:   RuleDrawdownControl,
				reason: fmt.Sprintf("账户回撤%s%%达到最大回撤阈值%s%%，暂停交易",
					drawdown.Round(4), cfg.MaxDrawdownPercentage),
				metadata: map[string]interface{}{
					MetaPauseDurationSeconds: cfg.PauseDurationSeconds,
				},
			}
		}
		return &candidate{
			action: ActionEmergencyExitAll,
			rule:   RuleDrawdownControl,
			reason: fmt.Sprintf("账户回撤%s%%达到最大回撤阈值%s%%",
				drawdown.Round(4), cfg.MaxDrawdownPercentage),
		}
	}

	return nil
}

func (e *Engine) checkMaxTrades(snap Snapshot) []candidate {
	cfg := e.cfg.MaxConcurrentTrades
	if !cfg.Enabled || snap.Proposed == nil {
		return nil
	}

	var out []candidate

	if snap.Account.OpenPositions >= cfg.MaxTrades {
		out = append(out, candidate{
			action: ActionBlockNewTrade,
			rule:   RuleMaxConcurrentTrades,
			reason: fmt.Sprintf("持仓数%d已达上限%d，拒绝新仓 %s",
				snap.Account.OpenPositions, cfg.MaxTrades, snap.Proposed.Symbol),
		})
	}
	if snap.Account.AssetPositions >= cfg.MaxPerAsset {
		out = append(out, candidate{
			action: ActionBlockNewTrade,
			rule:   RuleMaxTradesPerAsset,
			reason: fmt.Sprintf("%s 持仓数%d已达单资产上限%d",
				snap.Proposed.Symbol, snap.Account.AssetPositions, cfg.MaxPerAsset),
		})
	}

	return out
}

// adverseMovePct 返回相对入场价的不利变动百分比，负值代表有利。
func adverseMovePct(p *Position) decimal.Decimal {
	var diff decimal.Decimal
	if p.Side == SideShort {
		diff = p.CurrentPrice.Sub(p.EntryPrice)
	} else {
		diff = p.EntryPrice.Sub(p.CurrentPrice)
	}
	return diff.Div(p.EntryPrice).Mul(hundred)
}

// favorableExcursionPct 返回最佳价相对入场价的有利波动百分比。
func favorableExcursionPct(p *Position) decimal.Decimal {
	var diff decimal.Decimal
	if p.Side == SideShort {
		diff = p.EntryPrice.Sub(p.BestPrice)
	} else {
		diff = p.BestPrice.Sub(p.EntryPrice)
	}
	return diff.Div(p.EntryPrice).Mul(hundred)
}

// retracementPct 返回现价自最佳价的回撤百分比。
func retracementPct(p *Position) decimal.Decimal {
	var diff decimal.Decimal
	if p.Side == SideShort {
		diff = p.CurrentPrice.Sub(p.BestPrice)
	} else {
		diff = p.BestPrice.Sub(p.CurrentPrice)
	}
	return diff.Div(p.BestPrice).Mul(hundred)
}

// reducePercentage 将超额敞口换算为对当前持仓的减仓百分比，上限100。
func reducePercentage(overshoot, positionValue decimal.Decimal) decimal.Decimal {
	if positionValue.Sign() <= 0 {
		return hundred
	}
	pct := overshoot.Div(positionValue).Mul(hundred).Round(4)
	if pct.GreaterThan(hundred) {
		return hundred
	}
	if pct.Sign() <= 0 {
		return decimal.NewFromInt(1)
	}
	return pct
}

func validateSnapshot(snap Snapshot) error {
	if snap.Timestamp.IsZero() {
		return newValidationError("timestamp", "不能为零值")
	}

	if p := snap.Position; p != nil {
		switch {
		case p.Symbol == "":
			return newValidationError("position.symbol", "不能为空")
		case !p.Side.Valid():
			return newValidationError("position.side", "必须为 long 或 short")
		case p.EntryPrice.Sign() <= 0:
			return newValidationError("position.entry_price", "必须大于0")
		case p.CurrentPrice.Sign() <= 0:
			return newValidationError("position.current_price", "必须大于0")
		case p.Quantity.Sign() <= 0:
			return newValidationError("position.quantity", "必须大于0")
		case p.Value.Sign() <= 0:
			return newValidationError("position.value", "必须大于0")
		case p.BestPrice.Sign() <= 0:
			return newValidationError("position.best_price", "必须大于0")
		}
	}

	a := snap.Account
	switch {
	case a.Equity.Sign() < 0:
		return newValidationError("account.equity", "不能为负")
	case a.PeakEquity.Sign() < 0:
		return newValidationError("account.peak_equity", "不能为负")
	case a.PeakEquity.LessThan(a.Equity):
		return newValidationError("account.peak_equity", "不能小于当前净值")
	case a.OpenPositions < 0:
		return newValidationError("account.open_positions", "不能为负")
	case a.AssetPositions < 0:
		return newValidationError("account.asset_positions", "不能为负")
	case a.AssetExposure.Sign() < 0:
		return newValidationError("account.asset_exposure", "不能为负")
	case a.PortfolioExposure.Sign() < 0:
		return newValidationError("account.portfolio_exposure", "不能为负")
	}

	if t := snap.Proposed; t != nil {
		if t.Symbol == "" {
			return newValidationError("proposed.symbol", "不能为空")
		}
		if t.Value.Sign() <= 0 {
			return newValidationError("proposed.value", "必须大于0")
		}
	}

	return nil
}
