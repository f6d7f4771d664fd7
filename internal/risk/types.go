package risk

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Action 为风控动作闭集枚举。
type Action string

const (
	ActionNone             Action = "none"
	ActionClosePosition    Action = "close_position"
	ActionReducePosition   Action = "reduce_position"
	ActionBlockNewTrade    Action = "block_new_trade"
	ActionEmergencyExitAll Action = "emergency_exit_all"
	ActionPauseTrading     Action = "pause_trading"
)

// Actions 返回全部风控动作，供调度器启动时做处理器完备性检查。
func Actions() []Action {
	return []Action{
		ActionNone,
		ActionClosePosition,
		ActionReducePosition,
		ActionBlockNewTrade,
		ActionEmergencyExitAll,
		ActionPauseTrading,
	}
}

// Severity 返回动作的严重级别，数值越大越紧急。
// 冲突裁决只看该级别，与枚举声明顺序无关。
func (a Action) Severity() int {
	switch a {
	case ActionEmergencyExitAll:
		return 5
	case ActionClosePosition:
		return 4
	case ActionReducePosition:
		return 3
	case ActionPauseTrading:
		return 2
	case ActionBlockNewTrade:
		return 1
	default:
		return 0
	}
}

// AccountScoped 判断动作是否作用于整个账户而非单个持仓。
// 紧急清仓与暂停交易不挑持仓，每轮巡检至多调度一次。
func (a Action) AccountScoped() bool {
	return a == ActionEmergencyExitAll || a == ActionPauseTrading
}

// Valid 判断动作是否属于闭集。
func (a Action) Valid() bool {
	switch a {
	case ActionNone, ActionClosePosition, ActionReducePosition,
		ActionBlockNewTrade, ActionEmergencyExitAll, ActionPauseTrading:
		return true
	}
	return false
}

// Side 为持仓方向。
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid 判断方向取值是否合法。
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Position 为风控评估所用的持仓快照，全部金额字段为十进制精度。
// BestPrice 记录入场以来最有利的成交价，供移动止损使用，
// 由外部的极值追踪器维护，引擎本身不产生状态。
type Position struct {
	Symbol        string
	Exchange      string
	Side          Side
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	Quantity      decimal.Decimal
	Value         decimal.Decimal
	UnrealizedPnl decimal.Decimal
	BestPrice     decimal.Decimal
	EntryTime     time.Time
}

// AccountState 为账户级快照。AssetExposure 指快照关注资产
// (持仓或拟开仓资产)的名义敞口。
type AccountState struct {
	Equity            decimal.Decimal
	PeakEquity        decimal.Decimal
	OpenPositions     int
	AssetPositions    int
	AssetExposure     decimal.Decimal
	PortfolioExposure decimal.Decimal
}

// ProposedTrade 描述一笔待开新仓的名义价值，用于事前风控。
type ProposedTrade struct {
	Symbol string
	Value  decimal.Decimal
}

// Snapshot 为一次评估的全部输入。Timestamp 是引擎可见的唯一时钟。
type Snapshot struct {
	Position  *Position
	Account   AccountState
	Proposed  *ProposedTrade
	Timestamp time.Time
}

// Evaluation 为一次评估的唯一产物，构造后不再修改。
type Evaluation struct {
	ID             string
	Action         Action
	Reason         string
	TriggeredRules []string
	Position       *Position
	Metadata       map[string]interface{}
	EvaluatedAt    time.Time
}

// MissingPosition 判断动作需要持仓信息而评估未携带。
// 平仓与减仓没有持仓标识无从执行，调度时只能跳过。
func (e *Evaluation) MissingPosition() bool {
	if e.Position != nil {
		return false
	}
	return e.Action == ActionClosePosition || e.Action == ActionReducePosition
}

// 评估元数据键。
const (
	MetaPartialClosePercentage = "partial_close_percentage"
	MetaPauseDurationSeconds   = "pause_duration_seconds"
)

// evaluationNamespace 为评估ID的UUIDv5命名空间，固定不变以保证
// 相同输入在任何进程中得到相同ID。
var evaluationNamespace = uuid.MustParse("8f6b1dce-2a34-46c5-9f0e-31b0e5a7d9c4")

// newEvaluationID 基于快照与裁决结果派生确定性ID。
func newEvaluationID(snap Snapshot, action Action, rules []string) string {
	var b strings.Builder

	b.WriteString(string(action))
	b.WriteByte('|')
	b.WriteString(strings.Join(rules, ","))
	b.WriteByte('|')
	b.WriteString(snap.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('|')
	if snap.Position != nil {
		p := snap.Position
		fmt.Fprintf(&b, "%s:%s:%s:%s:%s:%s:%s",
			p.Symbol, p.Side,
			p.EntryPrice.String(), p.CurrentPrice.String(),
			p.Quantity.String(), p.Value.String(), p.BestPrice.String())
	} else {
		b.WriteByte('-')
	}
	b.WriteByte('|')
	fmt.Fprintf(&b, "%s:%s:%d:%d:%s:%s",
		snap.Account.Equity.String(), snap.Account.PeakEquity.String(),
		snap.Account.OpenPositions, snap.Account.AssetPositions,
		snap.Account.AssetExposure.String(), snap.Account.PortfolioExposure.String())
	b.WriteByte('|')
	if snap.Proposed != nil {
		fmt.Fprintf(&b, "%s:%s", snap.Proposed.Symbol, snap.Proposed.Value.String())
	} else {
		b.WriteByte('-')
	}

	return uuid.NewSHA1(evaluationNamespace, []byte(b.String())).String()
}
