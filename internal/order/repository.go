package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"flashfill-relayer/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Repository 基于 SQLite 持久化订单，状态列是唯一的事实来源。
type Repository struct {
	store  *store.Store
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewRepository 创建订单仓储并初始化表结构。
func NewRepository(st *store.Store, logger *zap.Logger) (*Repository, error) {
	if st == nil || st.DB() == nil {
		return nil, errors.New("order: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	repo := &Repository{
		store:  st,
		db:     st.DB(),
		logger: logger,
		now:    time.Now,
	}

	if err := repo.initSchema(); err != nil {
		return nil, err
	}

	return repo, nil
}

func (r *Repository) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			order_hash TEXT NOT NULL,
			extension_hash TEXT NOT NULL DEFAULT '',
			terms TEXT NOT NULL,
			maker_signature TEXT NOT NULL,
			extension_calldata TEXT NOT NULL,
			extension_signature TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending','filling','filled','failed','cancelled')),
			created_at INTEGER NOT NULL,
			filled_at INTEGER,
			tx_hash TEXT,
			error_message TEXT,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_created ON orders(created_at);`,
	}

	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("order: 初始化表结构失败: %w", err)
		}
	}

	return nil
}

// Create 以 pending 状态写入新订单，ID 已存在时返回 ErrDuplicateID。
func (r *Repository) Create(ctx context.Context, o Order) (Order, error) {
	if strings.TrimSpace(o.ID) == "" {
		return Order{}, errors.New("order: 订单ID不能为空")
	}

	o.Status = StatusPending
	o.FilledAt = 0
	o.TxHash = ""
	o.ErrorMessage = ""
	if o.CreatedAt == 0 {
		o.CreatedAt = r.now().UnixMilli()
	}

	terms, err := json.Marshal(o.Terms)
	if err != nil {
		return Order{}, fmt.Errorf("order: 序列化订单条款失败: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO orders (id, order_hash, extension_hash, terms, maker_signature, extension_calldata,
			extension_signature, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.OrderHash, o.ExtensionHash, string(terms), o.MakerSignature, o.ExtensionCalldata,
		o.ExtensionSignature, string(o.Status), o.CreatedAt, r.now().UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Order{}, fmt.Errorf("%w: %s", ErrDuplicateID, o.ID)
		}
		return Order{}, fmt.Errorf("order: 写入订单失败: %w", err)
	}

	r.logger.Debug("订单已写入", zap.String("order_id", o.ID))
	return o, nil
}

// Get 按 ID 读取订单。
func (r *Repository) Get(ctx context.Context, id string) (Order, error) {
	return r.get(ctx, r.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *Repository) get(ctx context.Context, q queryer, id string) (Order, error) {
	row := q.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Order{}, fmt.Errorf("order: 查询订单失败: %w", err)
	}
	return o, nil
}

// Transition 以状态 CAS 的方式执行 from -> to 迁移并写入附带字段。
// 当前状态不是 from 时返回 *StateError。
func (r *Repository) Transition(ctx context.Context, id string, from, to Status, upd Update) (Order, error) {
	if !CanTransition(from, to) {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	var result Order
	err := r.store.WithTx(ctx, func(tx *sql.Tx) error {
		res, execErr := tx.ExecContext(ctx,
			`UPDATE orders
			    SET status = ?,
			        filled_at = COALESCE(?, filled_at),
			        tx_hash = COALESCE(?, tx_hash),
			        error_message = COALESCE(?, error_message),
			        updated_at = ?
			  WHERE id = ? AND status = ?`,
			string(to), nullInt(upd.FilledAt), nullString(upd.TxHash), nullString(upd.ErrorMessage),
			r.now().UnixMilli(), id, string(from),
		)
		if execErr != nil {
			return fmt.Errorf("order: 更新订单状态失败: %w", execErr)
		}

		affected, execErr := res.RowsAffected()
		if execErr != nil {
			return fmt.Errorf("order: 读取影响行数失败: %w", execErr)
		}

		current, getErr := r.get(ctx, tx, id)
		if getErr != nil {
			return getErr
		}
		if affected == 0 {
			return &StateError{ID: id, Current: current.Status, From: from, To: to}
		}

		result = current
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	r.logger.Debug("订单状态迁移",
		zap.String("order_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return result, nil
}

// List 按 created_at 倒序分页查询，filter 为空时覆盖全部状态。
func (r *Repository) List(ctx context.Context, filter Status, limit, offset int) (Page, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []any{}
	if filter != "" {
		where = ` WHERE status = ?`
		args = append(args, string(filter))
	}

	var page Page
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&page.Total); err != nil {
		return Page{}, fmt.Errorf("order: 统计订单失败: %w", err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return Page{}, fmt.Errorf("order: 查询订单列表失败: %w", err)
	}
	defer rows.Close()

	page.Orders = make([]Order, 0, limit)
	for rows.Next() {
		o, scanErr := scanOrder(rows)
		if scanErr != nil {
			return Page{}, fmt.Errorf("order: 解析订单失败: %w", scanErr)
		}
		page.Orders = append(page.Orders, o)
	}
	if err := rows.Err(); err != nil {
		return Page{}, fmt.Errorf("order: 遍历订单失败: %w", err)
	}

	return page, nil
}

// Counts 返回各状态集合的基数。
func (r *Repository) Counts(ctx context.Context) (Counts, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return Counts{}, fmt.Errorf("order: 统计状态失败: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("order: 解析状态统计失败: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusFilling:
			c.Filling = n
		case StatusFilled:
			c.Filled = n
		case StatusFailed:
			c.Failed = n
		case StatusCancelled:
			c.Cancelled = n
		}
		c.Total += n
	}
	if err := rows.Err(); err != nil {
		return Counts{}, fmt.Errorf("order: 遍历状态统计失败: %w", err)
	}

	return c, nil
}

// PendingIDs 按创建时间从早到晚返回至多 limit 个待处理订单ID。
func (r *Repository) PendingIDs(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM orders WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(StatusPending), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("order: 查询待处理订单失败: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("order: 解析订单ID失败: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: 遍历待处理订单失败: %w", err)
	}

	return ids, nil
}

const orderColumns = `id, order_hash, extension_hash, terms, maker_signature, extension_calldata,
	extension_signature, status, created_at, filled_at, tx_hash, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (Order, error) {
	var (
		o            Order
		terms        string
		status       string
		filledAt     sql.NullInt64
		txHash       sql.NullString
		errorMessage sql.NullString
	)

	if err := s.Scan(
		&o.ID, &o.OrderHash, &o.ExtensionHash, &terms, &o.MakerSignature, &o.ExtensionCalldata,
		&o.ExtensionSignature, &status, &o.CreatedAt, &filledAt, &txHash, &errorMessage,
	); err != nil {
		return Order{}, err
	}

	if err := json.Unmarshal([]byte(terms), &o.Terms); err != nil {
		return Order{}, fmt.Errorf("订单 %s 条款损坏: %w", o.ID, err)
	}
	o.Status = Status(status)
	o.FilledAt = filledAt.Int64
	o.TxHash = txHash.String
	o.ErrorMessage = errorMessage.String

	return o, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
