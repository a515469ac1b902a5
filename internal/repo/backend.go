package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// row — одна строка результата (pgx.Row и *sql.Row).
type row interface {
	Scan(dest ...any) error
}

// rows — курсор результата.
type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// querier — общий интерфейс пула и транзакции.
type querier interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) row
	query(ctx context.Context, query string, args ...any) (rows, error)
}

// backend — SQL-хранилище документов. Запросы пишутся в синтаксисе PostgreSQL ($N).
type backend interface {
	querier

	// inTx выполняет fn в транзакции. Ошибка fn откатывает транзакцию.
	inTx(ctx context.Context, fn func(q querier) error) error

	// lockClause — суффикс SELECT для блокировки строки (FOR UPDATE или пусто).
	lockClause() string

	// tryLock выполняет fn, только если удалось взять межпроцессную блокировку key.
	tryLock(ctx context.Context, key int64, fn func() error) (acquired bool, err error)

	ping(ctx context.Context) error
	close()
}

// isNoRows проверяет отсутствие строки для обоих драйверов.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

// --- PostgreSQL (pgx) ---

// pgxConn — общие методы pgxpool.Pool и pgx.Tx.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgQuerier struct {
	conn pgxConn
}

func (q pgQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := q.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q pgQuerier) queryRow(ctx context.Context, query string, args ...any) row {
	return q.conn.QueryRow(ctx, query, args...)
}

func (q pgQuerier) query(ctx context.Context, query string, args ...any) (rows, error) {
	return q.conn.Query(ctx, query, args...)
}

type pgBackend struct {
	pgQuerier
	pool *pgxpool.Pool
}

func newPGBackend(pool *pgxpool.Pool) *pgBackend {
	return &pgBackend{pgQuerier: pgQuerier{conn: pool}, pool: pool}
}

func (b *pgBackend) inTx(ctx context.Context, fn func(q querier) error) error {
	return pgx.BeginFunc(ctx, b.pool, func(tx pgx.Tx) error {
		return fn(pgQuerier{conn: tx})
	})
}

func (b *pgBackend) lockClause() string { return " FOR UPDATE" }

// tryLock берёт session-level advisory lock на отдельном соединении пула.
func (b *pgBackend) tryLock(ctx context.Context, key int64, fn func() error) (bool, error) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	var ok bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok); err != nil {
		return false, fmt.Errorf("advisory lock: %w", err)
	}
	if !ok {
		return false, nil
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key)
	}()

	return true, fn()
}

func (b *pgBackend) ping(ctx context.Context) error { return b.pool.Ping(ctx) }

func (b *pgBackend) close() { b.pool.Close() }

// --- database/sql (SQLite) ---

// sqlConn — общие методы *sql.DB и *sql.Tx.
type sqlConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// placeholderRe находит плейсхолдеры $N.
var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// rebind переводит $N в нумерованные плейсхолдеры SQLite ?N.
func rebind(query string) string {
	return placeholderRe.ReplaceAllString(query, "?$1")
}

type sqlQuerier struct {
	conn sqlConn
}

func (q sqlQuerier) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := q.conn.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q sqlQuerier) queryRow(ctx context.Context, query string, args ...any) row {
	return q.conn.QueryRowContext(ctx, rebind(query), args...)
}

func (q sqlQuerier) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := q.conn.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

// sqlRows приводит Close() *sql.Rows к сигнатуре без ошибки.
type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

type sqlBackend struct {
	sqlQuerier
	db *sql.DB
}

func newSQLBackend(db *sql.DB) *sqlBackend {
	return &sqlBackend{sqlQuerier: sqlQuerier{conn: db}, db: db}
}

func (b *sqlBackend) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(sqlQuerier{conn: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// SQLite блокирует базу целиком на запись (BEGIN IMMEDIATE через _txlock).
func (b *sqlBackend) lockClause() string { return "" }

// SQLite используется одним процессом, блокировка не нужна.
func (b *sqlBackend) tryLock(_ context.Context, _ int64, fn func() error) (bool, error) {
	return true, fn()
}

func (b *sqlBackend) ping(ctx context.Context) error { return b.db.PingContext(ctx) }

func (b *sqlBackend) close() { _ = b.db.Close() }
