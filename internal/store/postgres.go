package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/payledger/internal/domain"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

// PostgresStore is the pgx-backed Store. Row locks are taken with
// SELECT ... FOR UPDATE and bounded by lock_timeout.
type PostgresStore struct {
	Db          *pgxpool.Pool
	lockTimeout time.Duration
}

func NewPostgresStore(ctx context.Context, connString string, lockTimeout time.Duration) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &PostgresStore{Db: pool, lockTimeout: lockTimeout}, nil
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.Db.Ping(ctx) }

func (s *PostgresStore) Close() {
	s.Db.Close()
}

// translate maps Postgres lock and serialization failures onto the ledger's
// retryable errors.
func translate(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03":
			return fmt.Errorf("%w: %s", domain.ErrLockTimeout, pgErr.Message)
		case "40001", "40P01":
			return fmt.Errorf("%w: %s", domain.ErrConcurrentModification, pgErr.Message)
		}
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func statusStrings(set []domain.TransactionStatus) []string {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return out
}

func typeStrings(set []domain.TransactionType) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, len(set))
	for i, t := range set {
		out[i] = string(t)
	}
	return out
}

var unsuccessfulStatuses = []domain.TransactionStatus{
	domain.StatusFailed, domain.StatusCancelled, domain.StatusExpired,
}

// --- accounts ---

const accountColumns = `id, account_number, customer_id, name, type, currency,
	balance, available_balance, reserved_balance, overdraft_limit,
	daily_limit, monthly_limit, single_transaction_limit,
	daily_transaction_count, daily_transaction_limit, last_transaction_date,
	is_active, is_frozen, freeze_reason, is_primary,
	version, deleted, deleted_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var (
		a                                       domain.Account
		currency                                string
		balance, available, reserved, overdraft decimal.Decimal
		daily, monthly, single                  decimal.NullDecimal
	)
	err := row.Scan(
		&a.ID, &a.AccountNumber, &a.CustomerID, &a.Name, &a.Type, &currency,
		&balance, &available, &reserved, &overdraft,
		&daily, &monthly, &single,
		&a.DailyTransactionCount, &a.DailyTransactionLimit, &a.LastTransactionDate,
		&a.IsActive, &a.IsFrozen, &a.FreezeReason, &a.IsPrimary,
		&a.Version, &a.Deleted, &a.DeletedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c := domain.Currency(currency)
	a.Currency = c
	a.Balance = domain.NewMoney(balance, c)
	a.AvailableBalance = domain.NewMoney(available, c)
	a.ReservedBalance = domain.NewMoney(reserved, c)
	a.OverdraftLimit = domain.NewMoney(overdraft, c)
	a.DailyLimit = optionalMoney(daily, c)
	a.MonthlyLimit = optionalMoney(monthly, c)
	a.SingleTransactionLimit = optionalMoney(single, c)
	return &a, nil
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func optionalMoney(d decimal.NullDecimal, c domain.Currency) *domain.Money {
	if !d.Valid {
		return nil
	}
	m := domain.NewMoney(d.Decimal, c)
	return &m
}

func nullableAmount(m *domain.Money) decimal.NullDecimal {
	if m == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(m.Amount)
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *domain.Account) error {
	_, err := s.Db.Exec(ctx, `INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25)`,
		a.ID, a.AccountNumber, a.CustomerID, a.Name, string(a.Type), string(a.Currency),
		a.Balance.Amount, a.AvailableBalance.Amount, a.ReservedBalance.Amount, a.OverdraftLimit.Amount,
		nullableAmount(a.DailyLimit), nullableAmount(a.MonthlyLimit), nullableAmount(a.SingleTransactionLimit),
		a.DailyTransactionCount, a.DailyTransactionLimit, a.LastTransactionDate,
		a.IsActive, a.IsFrozen, a.FreezeReason, a.IsPrimary,
		a.Version, a.Deleted, a.DeletedAt, a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", domain.ErrAccountExists, err)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	acc, err := scanAccount(s.Db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	return acc, err
}

// --- transactions ---

const transactionColumns = `id, reference, idempotency_key, request_hash, type, status, payment_method,
	amount, currency, processing_fee,
	source_account_id, destination_account_id, parent_transaction_id,
	description, metadata, COALESCE(gateway_reference, ''), gateway_response_code, gateway_response_message,
	funds_reserved, retry_count, expires_at, initiated_at, submitted_at, completed_at,
	error_code, error_message, version, deleted, deleted_at, created_at, updated_at`

const transactionInsertColumns = `id, reference, idempotency_key, request_hash, type, status, payment_method,
	amount, currency, processing_fee,
	source_account_id, destination_account_id, parent_transaction_id,
	description, metadata, gateway_reference, gateway_response_code, gateway_response_message,
	funds_reserved, retry_count, expires_at, initiated_at, submitted_at, completed_at,
	error_code, error_message, version, deleted, deleted_at, created_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		t           domain.Transaction
		currency    string
		amount, fee decimal.Decimal
	)
	err := row.Scan(
		&t.ID, &t.Reference, &t.IdempotencyKey, &t.RequestHash, &t.Type, &t.Status, &t.PaymentMethod,
		&amount, &currency, &fee,
		&t.SourceAccountID, &t.DestinationAccountID, &t.ParentTransactionID,
		&t.Description, &t.Metadata, &t.GatewayReference, &t.GatewayResponseCode, &t.GatewayResponseMessage,
		&t.FundsReserved, &t.RetryCount, &t.ExpiresAt, &t.InitiatedAt, &t.SubmittedAt, &t.CompletedAt,
		&t.ErrorCode, &t.ErrorMessage, &t.Version, &t.Deleted, &t.DeletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c := domain.Currency(currency)
	t.Amount = domain.NewMoney(amount, c)
	t.ProcessingFee = domain.NewMoney(fee, c)
	return &t, nil
}

func scanTransactions(rows pgx.Rows) ([]*domain.Transaction, error) {
	defer rows.Close()
	var out []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

func metadataValue(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func (s *PostgresStore) CreateTransactionIfAbsent(ctx context.Context, t *domain.Transaction) (*domain.Transaction, bool, error) {
	tag, err := s.Db.Exec(ctx, `INSERT INTO transactions (`+transactionInsertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NULLIF($16, ''), $17, $18,
		        $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		t.ID, t.Reference, t.IdempotencyKey, t.RequestHash, string(t.Type), string(t.Status), string(t.PaymentMethod),
		t.Amount.Amount, string(t.Amount.Currency), t.ProcessingFee.Amount,
		t.SourceAccountID, t.DestinationAccountID, t.ParentTransactionID,
		t.Description, metadataValue(t.Metadata), t.GatewayReference, t.GatewayResponseCode, t.GatewayResponseMessage,
		t.FundsReserved, t.RetryCount, t.ExpiresAt, t.InitiatedAt, t.SubmittedAt, t.CompletedAt,
		t.ErrorCode, t.ErrorMessage, t.Version, t.Deleted, t.DeletedAt, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert transaction: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return t.Clone(), true, nil
	}
	stored, err := s.FindByIdempotencyKey(ctx, t.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func (s *PostgresStore) findOne(ctx context.Context, where string, arg any, notFound string) (*domain.Transaction, error) {
	tx, err := scanTransaction(s.Db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE `+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, notFound)
	}
	return tx, err
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	return s.findOne(ctx, "id = $1", id, id.String())
}

func (s *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Transaction, error) {
	return s.findOne(ctx, "idempotency_key = $1", key, "idempotency key "+key)
}

func (s *PostgresStore) FindByGatewayReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return s.findOne(ctx, "gateway_reference = $1", reference, "gateway reference "+reference)
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*domain.Transaction, error) {
	rows, err := s.Db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE status = ANY($1) AND expires_at < $2
		ORDER BY expires_at
		LIMIT $3`,
		statusStrings(domain.ActiveStatuses), now, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (s *PostgresStore) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Transaction, error) {
	rows, err := s.Db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE status = $1 AND submitted_at < $2
		ORDER BY submitted_at
		LIMIT $3`,
		string(domain.StatusProcessing), cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (s *PostgresStore) FindRecentDuplicates(ctx context.Context, q DuplicateQuery) ([]*domain.Transaction, error) {
	rows, err := s.Db.Query(ctx, `SELECT `+transactionColumns+` FROM transactions
		WHERE source_account_id IS NOT DISTINCT FROM $1
		  AND destination_account_id IS NOT DISTINCT FROM $2
		  AND amount = $3 AND currency = $4
		  AND initiated_at >= $5
		  AND id <> $6
		  AND status <> ALL($7)
		  AND ($8::timestamptz IS NULL OR initiated_at < $8 OR (initiated_at = $8 AND id < $9))
		ORDER BY initiated_at DESC`,
		q.SourceAccountID, q.DestinationAccountID, q.Amount.Amount, string(q.Amount.Currency),
		q.Since, q.Exclude, statusStrings(unsuccessfulStatuses), optionalTime(q.Before), q.BeforeID)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

func (s *PostgresStore) SumDebits(ctx context.Context, accountID uuid.UUID, since, until time.Time) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := s.Db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE source_account_id = $1
		  AND initiated_at BETWEEN $2 AND $3
		  AND (funds_reserved OR status = ANY($4))`,
		accountID, since, until, statusStrings(debitStatuses)).Scan(&total)
	return total, err
}

func (s *PostgresStore) SumChildAmounts(ctx context.Context, parentID, exclude uuid.UUID, types []domain.TransactionType, statuses []domain.TransactionStatus) (decimal.Decimal, error) {
	statusClause := "status = ANY($4)"
	statusArg := statusStrings(statuses)
	if len(statuses) == 0 {
		statusClause = "status <> ALL($4)"
		statusArg = statusStrings(unsuccessfulStatuses)
	}
	var total decimal.Decimal
	err := s.Db.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM transactions
		WHERE parent_transaction_id = $1
		  AND id <> $2
		  AND ($3::text[] IS NULL OR type = ANY($3))
		  AND `+statusClause,
		parentID, exclude, typeStrings(types), statusArg).Scan(&total)
	return total, err
}

// --- gateway logs ---

func (s *PostgresStore) AppendGatewayLog(ctx context.Context, l domain.GatewayLog) error {
	_, err := s.Db.Exec(ctx, `INSERT INTO gateway_logs
		(id, transaction_id, gateway_reference, attempt, response_code, response_message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.TransactionID, l.GatewayReference, l.Attempt, l.ResponseCode, l.ResponseMessage, l.At)
	return err
}

func (s *PostgresStore) ListGatewayLogs(ctx context.Context, transactionID uuid.UUID) ([]domain.GatewayLog, error) {
	rows, err := s.Db.Query(ctx, `SELECT id, transaction_id, gateway_reference, attempt, response_code, response_message, created_at
		FROM gateway_logs WHERE transaction_id = $1 ORDER BY attempt`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []domain.GatewayLog
	for rows.Next() {
		var l domain.GatewayLog
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.GatewayReference, &l.Attempt, &l.ResponseCode, &l.ResponseMessage, &l.At); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// --- units of work ---

// Begin opens a repeatable-read transaction with lock_timeout applied.
func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, "SELECT set_config('lock_timeout', $1, true)", timeout); err != nil {
		_ = tx.Rollback(ctx)
		return nil, fmt.Errorf("set lock_timeout: %w", err)
	}
	return &postgresTx{tx: tx}, nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LoadAccountForUpdate(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	acc, err := scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", translate(err))
	}
	return acc, nil
}

func (t *postgresTx) SaveAccount(ctx context.Context, a *domain.Account, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET
		balance = $3, available_balance = $4, reserved_balance = $5, overdraft_limit = $6,
		daily_limit = $7, monthly_limit = $8, single_transaction_limit = $9,
		daily_transaction_count = $10, daily_transaction_limit = $11, last_transaction_date = $12,
		is_active = $13, is_frozen = $14, freeze_reason = $15, is_primary = $16,
		version = $17, deleted = $18, deleted_at = $19, updated_at = $20
		WHERE id = $1 AND version = $2`,
		a.ID, expectedVersion,
		a.Balance.Amount, a.AvailableBalance.Amount, a.ReservedBalance.Amount, a.OverdraftLimit.Amount,
		nullableAmount(a.DailyLimit), nullableAmount(a.MonthlyLimit), nullableAmount(a.SingleTransactionLimit),
		a.DailyTransactionCount, a.DailyTransactionLimit, a.LastTransactionDate,
		a.IsActive, a.IsFrozen, a.FreezeReason, a.IsPrimary,
		a.Version, a.Deleted, a.DeletedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update account %s: %w", a.ID, translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: account %s expected version %d", domain.ErrConcurrentModification, a.ID, expectedVersion)
	}
	return nil
}

func (t *postgresTx) LoadTransactionForUpdate(ctx context.Context, id uuid.UUID) (*domain.Transaction, error) {
	tx, err := scanTransaction(t.tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTransactionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("lock acquisition failed: %w", translate(err))
	}
	return tx, nil
}

func (t *postgresTx) SaveTransaction(ctx context.Context, x *domain.Transaction, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE transactions SET
		status = $3, processing_fee = $4, description = $5, metadata = $6,
		gateway_reference = NULLIF($7, ''), gateway_response_code = $8, gateway_response_message = $9,
		funds_reserved = $10, retry_count = $11, submitted_at = $12, completed_at = $13,
		error_code = $14, error_message = $15, version = $16, updated_at = $17
		WHERE id = $1 AND version = $2`,
		x.ID, expectedVersion,
		string(x.Status), x.ProcessingFee.Amount, x.Description, metadataValue(x.Metadata),
		x.GatewayReference, x.GatewayResponseCode, x.GatewayResponseMessage,
		x.FundsReserved, x.RetryCount, x.SubmittedAt, x.CompletedAt,
		x.ErrorCode, x.ErrorMessage, x.Version, x.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update transaction %s: %w", x.ID, translate(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s expected version %d", domain.ErrConcurrentModification, x.ID, expectedVersion)
	}
	return nil
}

func (t *postgresTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", translate(err))
	}
	return nil
}

func (t *postgresTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
