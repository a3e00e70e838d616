package sqlexec

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"sqlassist/internal/database"
	xerrors "sqlassist/internal/errors"
	"sqlassist/internal/observability/metrics"
	"sqlassist/pkg/logger"
)

const (
	defaultMaxRows          = 1000
	defaultStatementTimeout = 30 * time.Second
)

// Pool 是执行器依赖的连接池能力。
type Pool interface {
	Acquire(ctx context.Context, timeout time.Duration) (*database.Conn, error)
	Release(conn *database.Conn, cause error)
}

// Executor 通过连接池执行只读语句，并把结果转换为 Result。
type Executor struct {
	pool             Pool
	maxRows          int
	statementTimeout time.Duration
	log              *slog.Logger
}

// Option 定义可选的执行器配置。
type Option func(*Executor)

// WithMaxRows 设置单次查询保留的最大行数。
func WithMaxRows(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxRows = n
		}
	}
}

// WithStatementTimeout 设置单条语句的执行超时（含等待连接的时间）。
func WithStatementTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.statementTimeout = d
		}
	}
}

// NewExecutor 创建执行器。
func NewExecutor(pool Pool, opts ...Option) *Executor {
	e := &Executor{
		pool:             pool,
		maxRows:          defaultMaxRows,
		statementTimeout: defaultStatementTimeout,
		log:              logger.Named("sqlexec"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// MaxRows 返回行数上限。
func (e *Executor) MaxRows() int { return e.maxRows }

// Execute 执行一条只读语句。
//
// 返回的错误码含义：READ_ONLY_VIOLATION 表示语句未通过只读检查，
// POOL_EXHAUSTED 表示等待连接超时，STATEMENT_FAILED 表示数据库报错或超时。
// 调用方取消时返回 ctx.Err()。连接总会在返回前归还连接池。
func (e *Executor) Execute(ctx context.Context, statement string) (*Result, error) {
	start := time.Now()
	result, err := e.execute(ctx, statement)
	outcome := "ok"
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = "cancelled"
	default:
		outcome = string(xerrors.CodeOf(err))
	}
	metrics.ObserveStatement(outcome, time.Since(start))
	return result, err
}

func (e *Executor) execute(ctx context.Context, statement string) (*Result, error) {
	if e == nil || e.pool == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置数据库连接池")
	}
	cleaned, err := CheckReadOnly(statement)
	if err != nil {
		e.log.Warn("statement rejected by read-only guard", "error", err)
		return nil, err
	}

	// 等待连接只受池的获取超时约束，语句超时从检出连接后开始计算。
	conn, err := e.pool.Acquire(ctx, 0)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if xerrors.IsCode(err, xerrors.CodePoolExhausted) {
			return nil, err
		}
		return nil, e.classify(err, ctx)
	}

	stmtCtx, cancel := context.WithTimeout(ctx, e.statementTimeout)
	defer cancel()

	result, queryErr := e.query(stmtCtx, conn, cleaned)
	e.pool.Release(conn, queryErr)

	if queryErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		e.log.Info("statement failed", "error", queryErr)
		return nil, e.classify(queryErr, stmtCtx)
	}
	e.log.Debug("statement executed", "statement", cleaned, "rows", result.RowCount, "truncated", result.Truncated)
	return result, nil
}

func (e *Executor) classify(err error, stmtCtx context.Context) error {
	if stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(stmtCtx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeStatementFailed, err,
			fmt.Sprintf("语句执行超时 (%s)", e.statementTimeout))
	}
	return xerrors.New(xerrors.CodeStatementFailed, err.Error())
}

func (e *Executor) query(ctx context.Context, conn *database.Conn, statement string) (result *Result, err error) {
	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !stdErrors.Is(rbErr, sql.ErrTxDone) && err == nil {
			err = rbErr
		}
	}()

	rows, err := tx.QueryContext(ctx, statement)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	types := make([]string, len(columns))
	if colTypes, err := rows.ColumnTypes(); err == nil {
		for i, ct := range colTypes {
			if i < len(types) {
				types[i] = ct.DatabaseTypeName()
			}
		}
	}

	result = &Result{Columns: columns, Rows: [][]any{}}
	raw := make([]any, len(columns))
	dest := make([]any, len(columns))
	for i := range raw {
		dest[i] = &raw[i]
	}
	for rows.Next() {
		if len(result.Rows) >= e.maxRows {
			result.Truncated = true
			break
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		row := make([]any, len(columns))
		for i, v := range raw {
			row[i] = convertCell(v, types[i])
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.RowCount = len(result.Rows)
	return result, nil
}
