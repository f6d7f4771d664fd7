package position

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crypto-bot/internal/risk"
)

// ExtremeTracker 持久化账户峰值净值与每个持仓的最佳有利价。
// 回撤与移动止损规则依赖的历史极值都由它维护，评估引擎因此
// 可以保持纯函数。金额以字符串存储避免二进制浮点误差。
type ExtremeTracker struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewExtremeTracker 创建极值追踪器并初始化表结构。
func NewExtremeTracker(db *sql.DB, logger *zap.Logger) (*ExtremeTracker, error) {
	if db == nil {
		return nil, errors.New("position: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &ExtremeTracker{db: db, logger: logger}
	if err := tracker.initSchema(); err != nil {
		return nil, err
	}
	return tracker, nil
}

func (t *ExtremeTracker) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS account_extremes (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			peak_equity TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS position_extremes (
			symbol TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			best_price TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("position: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// UpdatePeakEquity 记录当前净值并返回历史峰值。
func (t *ExtremeTracker) UpdatePeakEquity(ctx context.Context, equity decimal.Decimal) (decimal.Decimal, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("position: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var raw string
	row := tx.QueryRowContext(ctx, `SELECT peak_equity FROM account_extremes WHERE id = 1`)
	switch scanErr := row.Scan(&raw); {
	case scanErr == nil:
	case errors.Is(scanErr, sql.ErrNoRows):
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO account_extremes (id, peak_equity, updated_at) VALUES (1, ?, ?)`,
			equity.String(), now,
		); execErr != nil {
			err = fmt.Errorf("position: 初始化峰值净值失败: %w", execErr)
			return decimal.Zero, err
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return decimal.Zero, fmt.Errorf("position: 提交事务失败: %w", commitErr)
		}
		return equity, nil
	default:
		err = fmt.Errorf("position: 查询峰值净值失败: %w", scanErr)
		return decimal.Zero, err
	}

	peak, parseErr := decimal.NewFromString(raw)
	if parseErr != nil {
		err = fmt.Errorf("position: 解析峰值净值 %q 失败: %w", raw, parseErr)
		return decimal.Zero, err
	}

	if equity.GreaterThan(peak) {
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE account_extremes SET peak_equity = ?, updated_at = ? WHERE id = 1`,
			equity.String(), now,
		); execErr != nil {
			err = fmt.Errorf("position: 更新峰值净值失败: %w", execErr)
			return decimal.Zero, err
		}
		peak = equity
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return decimal.Zero, fmt.Errorf("position: 提交事务失败: %w", commitErr)
	}

	return peak, nil
}

// UpdateBestPrice 记录持仓的最佳有利价并返回极值。多头取最高价，
// 空头取最低价；方向或入场价变化视为新持仓，极值重新起算。
func (t *ExtremeTracker) UpdateBestPrice(ctx context.Context, symbol string, side risk.Side, entryPrice, currentPrice decimal.Decimal) (decimal.Decimal, error) {
	if symbol == "" {
		return decimal.Zero, errors.New("position: symbol 不能为空")
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("position: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	initial := moreFavorable(side, entryPrice, currentPrice)

	var (
		rawSide  string
		rawEntry string
		rawBest  string
	)
	row := tx.QueryRowContext(ctx,
		`SELECT side, entry_price, best_price FROM position_extremes WHERE symbol = ?`, symbol)
	switch scanErr := row.Scan(&rawSide, &rawEntry, &rawBest); {
	case scanErr == nil:
	case errors.Is(scanErr, sql.ErrNoRows):
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO position_extremes (symbol, side, entry_price, best_price, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			symbol, string(side), entryPrice.String(), initial.String(), now,
		); execErr != nil {
			err = fmt.Errorf("position: 初始化持仓极值失败: %w", execErr)
			return decimal.Zero, err
		}
		if commitErr := tx.Commit(); commitErr != nil {
			return decimal.Zero, fmt.Errorf("position: 提交事务失败: %w", commitErr)
		}
		return initial, nil
	default:
		err = fmt.Errorf("position: 查询持仓极值失败: %w", scanErr)
		return decimal.Zero, err
	}

	storedEntry, parseErr := decimal.NewFromString(rawEntry)
	if parseErr != nil {
		err = fmt.Errorf("position: 解析入场价 %q 失败: %w", rawEntry, parseErr)
		return decimal.Zero, err
	}
	best, parseErr := decimal.NewFromString(rawBest)
	if parseErr != nil {
		err = fmt.Errorf("position: 解析最佳价 %q 失败: %w", rawBest, parseErr)
		return decimal.Zero, err
	}

	samePosition := strings.EqualFold(rawSide, string(side)) && storedEntry.Equal(entryPrice)
	if !samePosition {
		best = initial
	} else {
		best = moreFavorable(side, best, currentPrice)
	}

	if _, execErr := tx.ExecContext(ctx,
		`UPDATE position_extremes SET side = ?, entry_price = ?, best_price = ?, updated_at = ?
		 WHERE symbol = ?`,
		string(side), entryPrice.String(), best.String(), now, symbol,
	); execErr != nil {
		err = fmt.Errorf("position: 更新持仓极值失败: %w", execErr)
		return decimal.Zero, err
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return decimal.Zero, fmt.Errorf("position: 提交事务失败: %w", commitErr)
	}

	return best, nil
}

// Prune 清理已不存在的持仓极值记录。
func (t *ExtremeTracker) Prune(ctx context.Context, activeSymbols []string) error {
	if len(activeSymbols) == 0 {
		if _, err := t.db.ExecContext(ctx, `DELETE FROM position_extremes`); err != nil {
			return fmt.Errorf("position: 清理持仓极值失败: %w", err)
		}
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(activeSymbols)), ",")
	args := make([]interface{}, 0, len(activeSymbols))
	for _, s := range activeSymbols {
		args = append(args, s)
	}

	query := fmt.Sprintf(`DELETE FROM position_extremes WHERE symbol NOT IN (%s)`, placeholders)
	if _, err := t.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("position: 清理持仓极值失败: %w", err)
	}
	return nil
}

func moreFavorable(side risk.Side, a, b decimal.Decimal) decimal.Decimal {
	if side == risk.SideShort {
		if b.LessThan(a) {
			return b
		}
		return a
	}
	if b.GreaterThan(a) {
		return b
	}
	return a
}
