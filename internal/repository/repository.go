// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvent stores a payment event.
func (r *SQLRepository) SaveEvent(ctx context.Context, event *domain.PaymentEvent) error {
	if event == nil || event.TransactionID == "" {
		return fmt.Errorf("%w: transactionId is required", ErrInvalidInput)
	}

	productIDs, _ := json.Marshal(event.ProductIDs)
	deviceInfo, _ := json.Marshal(event.DeviceInfo)
	location, _ := json.Marshal(event.Location)

	firstTime := 0
	if event.IsFirstTimeUser {
		firstTime = 1
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := `
		INSERT INTO payment_events (
			transaction_id, user_id, amount, currency, timestamp,
			payment_method, status, merchant_id, product_category,
			product_ids, session_id, device_info, location,
			is_first_time_user, account_age_days, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		event.TransactionID, event.UserID,
		event.Amount, event.Currency, event.Timestamp,
		event.PaymentMethod, event.Status,
		event.MerchantID, event.ProductCategory,
		string(productIDs), event.SessionID,
		string(deviceInfo), string(location),
		firstTime, event.AccountAgeDays, createdAt,
	)
	return err
}

// GetEvent retrieves a payment event by transaction ID.
func (r *SQLRepository) GetEvent(ctx context.Context, transactionID string) (*domain.PaymentEvent, error) {
	if transactionID == "" {
		return nil, fmt.Errorf("%w: transactionId is required", ErrInvalidInput)
	}

	query := `
		SELECT transaction_id, user_id, amount, currency, timestamp,
			   payment_method, status, merchant_id, product_category,
			   product_ids, session_id, device_info, location,
			   is_first_time_user, account_age_days, created_at
		FROM payment_events
		WHERE transaction_id = ?
	`

	row := r.db.QueryRowContext(ctx, r.rebind(query), transactionID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return event, nil
}

// ListEventsByUser retrieves a user's payment events since a point in time,
// newest first.
func (r *SQLRepository) ListEventsByUser(ctx context.Context, userID string, since time.Time) ([]*domain.PaymentEvent, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}

	query := `
		SELECT transaction_id, user_id, amount, currency, timestamp,
			   payment_method, status, merchant_id, product_category,
			   product_ids, session_id, device_info, location,
			   is_first_time_user, account_age_days, created_at
		FROM payment_events
		WHERE user_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.PaymentEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

// CountEventsByUser counts a user's payment events since a point in time.
func (r *SQLRepository) CountEventsByUser(ctx context.Context, userID string, since time.Time) (int64, error) {
	if userID == "" {
		return 0, fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}

	query := `SELECT COUNT(*) FROM payment_events WHERE user_id = ? AND timestamp >= ?`

	var count int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), userID, since).Scan(&count)
	return count, err
}

// SaveEvaluation stores an evaluation result.
func (r *SQLRepository) SaveEvaluation(ctx context.Context, eval *domain.Evaluation) error {
	if eval == nil || eval.ID == "" {
		return fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}

	ruleResults, _ := json.Marshal(eval.RuleResults)
	metadata, _ := json.Marshal(eval.Metadata)

	query := `
		INSERT INTO evaluations (
			id, transaction_id, user_id, status, score, timestamp,
			rule_results, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		eval.ID, eval.TransactionID, eval.UserID,
		eval.Status, eval.Score, eval.Timestamp,
		string(ruleResults), string(metadata),
	)
	return err
}

// GetEvaluation retrieves an evaluation by ID.
func (r *SQLRepository) GetEvaluation(ctx context.Context, evalID string) (*domain.Evaluation, error) {
	if evalID == "" {
		return nil, fmt.Errorf("%w: evaluation id is required", ErrInvalidInput)
	}

	query := `
		SELECT id, transaction_id, user_id, status, score, timestamp,
			   rule_results, metadata
		FROM evaluations
		WHERE id = ?
	`

	var eval domain.Evaluation
	var ruleResults, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), evalID).Scan(
		&eval.ID, &eval.TransactionID, &eval.UserID,
		&eval.Status, &eval.Score, &eval.Timestamp,
		&ruleResults, &metadata,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(ruleResults), &eval.RuleResults)
	json.Unmarshal([]byte(metadata), &eval.Metadata)

	return &eval, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.PaymentEvent, error) {
	var event domain.PaymentEvent
	var productIDs, deviceInfo, location string
	var firstTime int

	if err := row.Scan(
		&event.TransactionID, &event.UserID,
		&event.Amount, &event.Currency, &event.Timestamp,
		&event.PaymentMethod, &event.Status,
		&event.MerchantID, &event.ProductCategory,
		&productIDs, &event.SessionID,
		&deviceInfo, &location,
		&firstTime, &event.AccountAgeDays, &event.CreatedAt,
	); err != nil {
		return nil, err
	}

	event.IsFirstTimeUser = firstTime == 1
	if productIDs != "" {
		json.Unmarshal([]byte(productIDs), &event.ProductIDs)
	}
	if deviceInfo != "" && deviceInfo != "null" {
		json.Unmarshal([]byte(deviceInfo), &event.DeviceInfo)
	}
	if location != "" && location != "null" {
		json.Unmarshal([]byte(location), &event.Location)
	}

	return &event, nil
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
