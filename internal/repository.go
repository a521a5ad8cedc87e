package internal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/DrGermanius/Paymart/internal/migrations"
	"github.com/DrGermanius/Paymart/internal/model"
)

const (
	orderFields  = "id, user_id, total, status, payment_status, external_reference, gateway_reference, checkout_request_id, transaction_id, created_at, updated_at"
	outboxFields = "id, kind, order_id, user_id, payload, attempts, created_at"
)

type IRepository interface {
	GetOrderByID(context.Context, string) (model.Order, error)
	GetOrderByExternalReference(context.Context, string) (model.Order, error)
	GetOrderByCheckoutRequestID(context.Context, string) (model.Order, error)
	SetExternalReference(context.Context, string, string) (bool, error)
	SetCheckoutRequestID(context.Context, string, string) error
	SettlePayment(context.Context, model.Settlement, []model.OutboxJob) (bool, error)
	SetTransactionID(context.Context, string, string) (bool, error)
	PendingCheckouts(context.Context, time.Time, int) ([]model.Order, error)
	PendingOutboxJobs(context.Context, int, int) ([]model.OutboxJob, error)
	MarkOutboxJobDone(context.Context, string) error
	MarkOutboxJobFailed(context.Context, string, string) error
	ClearCart(context.Context, int) error
}

type Repository struct {
	Conn   *sql.DB
	Logger *zap.SugaredLogger
}

func NewRepository(connString string, logger *zap.SugaredLogger) (*Repository, error) {
	conn, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = conn.PingContext(ctx); err != nil {
		return nil, err
	}

	if err = migrate(conn, logger); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Repository{Conn: conn, Logger: logger}, nil
}

func migrate(conn *sql.DB, logger *zap.SugaredLogger) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{logger})
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(conn, ".")
}

func (r Repository) Close() error {
	return r.Conn.Close()
}

func (r Repository) GetOrderByID(ctx context.Context, id string) (model.Order, error) {
	return r.getOrder(ctx, "id", id)
}

func (r Repository) GetOrderByExternalReference(ctx context.Context, ref string) (model.Order, error) {
	return r.getOrder(ctx, "external_reference", ref)
}

func (r Repository) GetOrderByCheckoutRequestID(ctx context.Context, checkoutID string) (model.Order, error) {
	return r.getOrder(ctx, "checkout_request_id", checkoutID)
}

// column is always one of the constants above, never user input.
func (r Repository) getOrder(ctx context.Context, column, value string) (model.Order, error) {
	o, err := scanOrder(r.Conn.QueryRowContext(ctx, "SELECT "+orderFields+" FROM orders WHERE "+column+" = $1", value))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, ErrNoRecords
		}
		return model.Order{}, err
	}

	return o, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.UserID, &o.Total, &o.Status, &o.PaymentStatus, &o.ExternalReference,
		&o.GatewayReference, &o.CheckoutRequestID, &o.TransactionID, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// PendingCheckouts lists unsettled orders with a checkout id that has not
// changed since before.
func (r Repository) PendingCheckouts(ctx context.Context, before time.Time, limit int) ([]model.Order, error) {
	rows, err := r.Conn.QueryContext(ctx, "SELECT "+orderFields+" FROM orders "+
		"WHERE payment_status = $1 AND status <> $2 AND checkout_request_id <> '' AND updated_at <= $3 ORDER BY updated_at LIMIT $4",
		model.PaymentStatusPending, model.OrderStatusProcessing, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}

	return orders, rows.Err()
}

// SetExternalReference writes ref only while the order has none; it reports
// false when another attempt got there first.
func (r Repository) SetExternalReference(ctx context.Context, id, ref string) (bool, error) {
	res, err := r.Conn.ExecContext(ctx, "UPDATE orders SET external_reference = $1, updated_at = $2 WHERE id = $3 AND external_reference = ''",
		ref, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repository) SetCheckoutRequestID(ctx context.Context, id, checkoutID string) error {
	_, err := r.Conn.ExecContext(ctx, "UPDATE orders SET checkout_request_id = $1, updated_at = $2 WHERE id = $3",
		checkoutID, time.Now().UTC(), id)
	return err
}

// SettlePayment applies s only if the order's payment is still pending and
// queues jobs in the same transaction. A false result means another delivery
// already settled the order and nothing was written.
func (r Repository) SettlePayment(ctx context.Context, s model.Settlement, jobs []model.OutboxJob) (bool, error) {
	tx, err := r.Conn.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, "UPDATE orders SET payment_status = $1, status = $2, gateway_reference = $3, transaction_id = $4, updated_at = $5 "+
		"WHERE id = $6 AND payment_status = $7 AND status <> $8",
		s.PaymentStatus, s.Status, s.GatewayReference, s.TransactionID, now,
		s.OrderID, model.PaymentStatusPending, model.OrderStatusProcessing)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	for _, j := range jobs {
		_, err = tx.ExecContext(ctx, "INSERT INTO payment_outbox (id, kind, order_id, user_id, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)",
			j.ID, j.Kind, j.OrderID, j.UserID, []byte(j.Payload), now)
		if err != nil {
			return false, err
		}
	}

	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// SetTransactionID records a receipt on a completed order that settled
// without one. Status fields are left alone.
func (r Repository) SetTransactionID(ctx context.Context, id, transactionID string) (bool, error) {
	res, err := r.Conn.ExecContext(ctx, "UPDATE orders SET transaction_id = $1, updated_at = $2 WHERE id = $3 AND transaction_id = '' AND payment_status = $4",
		transactionID, time.Now().UTC(), id, model.PaymentStatusCompleted)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repository) PendingOutboxJobs(ctx context.Context, limit, maxAttempts int) ([]model.OutboxJob, error) {
	rows, err := r.Conn.QueryContext(ctx, "SELECT "+outboxFields+" FROM payment_outbox WHERE status = $1 AND attempts < $2 ORDER BY created_at LIMIT $3",
		model.JobStatusPending, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []model.OutboxJob
	for rows.Next() {
		var (
			j       model.OutboxJob
			payload []byte
		)
		err = rows.Scan(&j.ID, &j.Kind, &j.OrderID, &j.UserID, &payload, &j.Attempts, &j.CreatedAt)
		if err != nil {
			return nil, err
		}
		j.Payload = payload

		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

func (r Repository) MarkOutboxJobDone(ctx context.Context, id string) error {
	_, err := r.Conn.ExecContext(ctx, "UPDATE payment_outbox SET status = $1 WHERE id = $2", model.JobStatusDone, id)
	return err
}

func (r Repository) MarkOutboxJobFailed(ctx context.Context, id, reason string) error {
	_, err := r.Conn.ExecContext(ctx, "UPDATE payment_outbox SET attempts = attempts + 1, last_error = $1 WHERE id = $2", reason, id)
	return err
}

func (r Repository) ClearCart(ctx context.Context, uid int) error {
	_, err := r.Conn.ExecContext(ctx, "DELETE FROM cart_items WHERE user_id = $1", uid)
	return err
}

type gooseLogger struct {
	*zap.SugaredLogger
}

func (l gooseLogger) Print(v ...interface{}) {
	l.Info(v...)
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.Infof(format, v...)
}

func (l gooseLogger) Println(v ...interface{}) {
	l.Info(v...)
}
