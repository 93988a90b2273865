package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/payAdvance/pkg/models"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"
)

// Config describes how to reach the database.
type Config struct {
	Driver string
	DSN    string

	// SlowQuery logs statements slower than this at Warn. Zero disables it.
	SlowQuery time.Duration
	Logger    *slog.Logger
}

// SQLStore implements Storage on database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
	log    *slog.Logger
	slow   time.Duration
}

// Open connects to the database. Schema migrations are applied separately
// with Migrate.
func Open(cfg Config) (*SQLStore, error) {
	if err := validateDriver(cfg.Driver); err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store: DSN must not be empty")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open(cfg.Driver, dataSourceName(cfg.Driver, cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	logger.Info("database connection established", "driver", cfg.Driver)
	return &SQLStore{db: db, driver: cfg.Driver, log: logger, slow: cfg.SlowQuery}, nil
}

func validateDriver(driver string) error {
	switch driver {
	case DriverSQLite, DriverPostgres, DriverPGX:
		return nil
	}
	return fmt.Errorf("store: unsupported driver %q", driver)
}

// dataSourceName enables foreign keys, WAL, a busy timeout and UTC times for
// SQLite. Other drivers take the DSN as given.
func dataSourceName(driver, dsn string) string {
	if driver != DriverSQLite {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_loc=UTC"
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying pool for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) conn(q queryer) *conn {
	return &conn{q: q, driver: s.driver, log: s.log, slow: s.slow}
}

// WithinTx runs fn inside a transaction. fn's error is returned after
// rollback; a panic rolls back and re-panics.
func (s *SQLStore) WithinTx(ctx context.Context, fn func(Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapErr(err))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := sqlTx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = fmt.Errorf("rollback failed (%v) after: %w", rbErr, err)
			}
		}
	}()

	if err = fn(&sqlTxStore{c: s.conn(sqlTx)}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", mapErr(err))
	}
	return nil
}

const loanColumns = `id, employee_id, principal_amount, installment_amount, duration_months, start_date, deduct_from_payroll, disbursed_at, notes, status, version, created_at, updated_at`

const installmentColumns = `id, loan_id, installment_number, due_date, amount, status, paid_at, paid_method, paid_in_payroll_run_id, skipped_reason, ad_hoc`

const eventColumns = `id, loan_id, event_type, amount_delta, new_installment_amount, new_duration_months, notes, created_at`

// GetLoan retrieves a loan by its ID.
func (s *SQLStore) GetLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	return s.conn(s.db).getLoan(ctx, id)
}

// ListLoans retrieves loans matching filter, newest first.
func (s *SQLStore) ListLoans(ctx context.Context, filter models.LoanFilter) ([]*models.Loan, error) {
	var (
		where []string
		args  []any
	)
	if filter.EmployeeID != "" {
		where = append(where, "employee_id = ?")
		args = append(args, filter.EmployeeID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + loanColumns + ` FROM loans`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`

	c := s.conn(s.db)
	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// GetInstallment retrieves one installment by its ID.
func (s *SQLStore) GetInstallment(ctx context.Context, id uuid.UUID) (*models.Installment, error) {
	c := s.conn(s.db)
	row := c.queryRow(ctx, `SELECT `+installmentColumns+` FROM loan_installments WHERE id = ?`, id)
	inst, err := scanInstallment(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrInstallmentNotFound
		}
		return nil, fmt.Errorf("failed to get installment: %w", mapErr(err))
	}
	return inst, nil
}

// ListInstallments retrieves the schedule of a loan ordered by installment number.
func (s *SQLStore) ListInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	return s.conn(s.db).listInstallments(ctx, loanID)
}

// DueInstallments lists due installments up to periodEnd of the employee's
// active payroll-deducted loans.
func (s *SQLStore) DueInstallments(ctx context.Context, employeeID string, periodEnd time.Time) ([]*models.Installment, error) {
	c := s.conn(s.db)
	rows, err := c.query(ctx, `
		SELECT i.id, i.loan_id, i.installment_number, i.due_date, i.amount, i.status, i.paid_at, i.paid_method, i.paid_in_payroll_run_id, i.skipped_reason, i.ad_hoc
		FROM loan_installments i
		JOIN loans l ON l.id = i.loan_id
		WHERE l.employee_id = ? AND l.deduct_from_payroll = ? AND l.status = ?
		  AND i.status = ? AND i.due_date <= ?
		ORDER BY i.due_date, i.loan_id, i.installment_number`,
		employeeID, true, models.LoanStatusActive, models.InstallmentStatusDue, periodEnd,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get due installments for %s: %w", employeeID, err)
	}
	defer rows.Close()
	return collectInstallments(rows)
}

// ListEvents retrieves the event history of a loan, newest first.
func (s *SQLStore) ListEvents(ctx context.Context, loanID uuid.UUID) ([]*models.Event, error) {
	c := s.conn(s.db)
	rows, err := c.query(ctx, `SELECT `+eventColumns+` FROM loan_events WHERE loan_id = ? ORDER BY created_at DESC, id DESC`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var (
			ev     models.Event
			months sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &ev.LoanID, &ev.EventType, &ev.AmountDelta, &ev.NewInstallmentAmount, &months, &ev.Notes, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if months.Valid {
			m := int(months.Int64)
			ev.NewDurationMonths = &m
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for loan events: %w", err)
	}
	return events, nil
}

// Snapshot reads the loan and its schedule in one read transaction so a
// concurrent schedule rewrite is seen either entirely or not at all.
func (s *SQLStore) Snapshot(ctx context.Context, loanID uuid.UUID) (*models.Loan, []*models.Installment, error) {
	var opts *sql.TxOptions
	if s.driver != DriverSQLite {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin read transaction: %w", mapErr(err))
	}
	defer tx.Rollback()

	c := s.conn(tx)
	loan, err := c.getLoan(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}
	installments, err := c.listInstallments(ctx, loanID)
	if err != nil {
		return nil, nil, err
	}
	return loan, installments, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn rebinds placeholders for the driver and times every statement.
type conn struct {
	q      queryer
	driver string
	log    *slog.Logger
	slow   time.Duration
}

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	defer c.observe(query, time.Now())
	res, err := c.q.ExecContext(ctx, c.rebind(query), args...)
	return res, mapErr(err)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	defer c.observe(query, time.Now())
	rows, err := c.q.QueryContext(ctx, c.rebind(query), args...)
	return rows, mapErr(err)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	defer c.observe(query, time.Now())
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

func (c *conn) observe(query string, start time.Time) {
	d := time.Since(start)
	if c.slow > 0 && d > c.slow {
		c.log.Warn("slow query", "query", trimQuery(query), "duration", d)
	}
}

// rebind turns ? placeholders into $n for PostgreSQL drivers.
func (c *conn) rebind(query string) string {
	if c.driver == DriverSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func trimQuery(q string) string {
	q = strings.Join(strings.Fields(q), " ")
	if len(q) > 200 {
		return q[:200] + "..."
	}
	return q
}

func (c *conn) getLoan(ctx context.Context, id uuid.UUID) (*models.Loan, error) {
	row := c.queryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrLoanNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", mapErr(err))
	}
	return loan, nil
}

func (c *conn) listInstallments(ctx context.Context, loanID uuid.UUID) ([]*models.Installment, error) {
	rows, err := c.query(ctx, `SELECT `+installmentColumns+` FROM loan_installments WHERE loan_id = ? ORDER BY installment_number`, loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get installments for loan %s: %w", loanID, err)
	}
	defer rows.Close()
	return collectInstallments(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLoan(row scanner) (*models.Loan, error) {
	var (
		loan        models.Loan
		months      sql.NullInt64
		startDate   sql.NullTime
		disbursedAt sql.NullTime
	)
	err := row.Scan(&loan.ID, &loan.EmployeeID, &loan.PrincipalAmount, &loan.InstallmentAmount, &months, &startDate,
		&loan.DeductFromPayroll, &disbursedAt, &loan.Notes, &loan.Status, &loan.Version, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if months.Valid {
		m := int(months.Int64)
		loan.DurationMonths = &m
	}
	if startDate.Valid {
		loan.StartDate = &startDate.Time
	}
	if disbursedAt.Valid {
		loan.DisbursedAt = &disbursedAt.Time
	}
	return &loan, nil
}

func scanInstallment(row scanner) (*models.Installment, error) {
	var (
		inst       models.Installment
		paidAt     sql.NullTime
		paidMethod sql.NullString
		runID      sql.NullString
		reason     sql.NullString
	)
	err := row.Scan(&inst.ID, &inst.LoanID, &inst.InstallmentNumber, &inst.DueDate, &inst.Amount, &inst.Status,
		&paidAt, &paidMethod, &runID, &reason, &inst.AdHoc)
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		inst.PaidAt = &paidAt.Time
	}
	if paidMethod.Valid {
		m := models.PaidMethod(paidMethod.String)
		inst.PaidMethod = &m
	}
	if runID.Valid {
		inst.PaidInPayrollRunID = &runID.String
	}
	if reason.Valid {
		inst.SkippedReason = &reason.String
	}
	return &inst, nil
}

func collectInstallments(rows *sql.Rows) ([]*models.Installment, error) {
	var installments []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		installments = append(installments, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for installments: %w", err)
	}
	return installments, nil
}
