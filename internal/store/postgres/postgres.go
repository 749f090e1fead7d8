package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/santialv/DOTENDERO-sub001/internal/domain"
	"github.com/santialv/DOTENDERO-sub001/internal/store"
	"github.com/santialv/DOTENDERO-sub001/internal/xid"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	openPerUserIndex     = "cash_shifts_one_open_per_user"
	openPerRegisterIndex = "cash_shifts_one_open_per_register"
	registerNameIndex    = "registers_live_name_uniq"
	idempotencyIndex     = "invoices_idempotency_uniq"

	maxTxAttempts = 4
)

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	cfg.MaxConns = 30
	cfg.MaxConnLifetime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping is used by the health check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// withTx runs fn in a serializable transaction, retrying serialization
// failures and deadlocks. fn must be safe to run more than once.
func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.Serializable}, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
		}
	}
	return err
}

func (s *Store) ListProducts(ctx context.Context, orgID string) ([]domain.Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, sku, name, price, tax_rate, bag_tax, stock, active
		FROM products
		WHERE organization_id = $1 AND active = true
		ORDER BY name ASC
	`, orgID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Product, error) {
		var p domain.Product
		err := row.Scan(&p.ID, &p.OrganizationID, &p.SKU, &p.Name, &p.Price, &p.TaxRate, &p.BagTax, &p.Stock, &p.Active)
		return p, err
	})
}

func (s *Store) ListCustomers(ctx context.Context, orgID string) ([]domain.Customer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, name, document
		FROM customers
		WHERE organization_id = $1
		ORDER BY name ASC
	`, orgID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Customer, error) {
		var c domain.Customer
		err := row.Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Document)
		return c, err
	})
}

func (s *Store) GetCustomer(ctx context.Context, orgID string, customerID string) (*domain.Customer, error) {
	var c domain.Customer
	err := s.pool.QueryRow(ctx, `
		SELECT id, organization_id, name, document
		FROM customers
		WHERE organization_id = $1 AND id = $2
	`, orgID, customerID).Scan(&c.ID, &c.OrganizationID, &c.Name, &c.Document)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const registerColumns = `id, organization_id, name, status, created_at, deleted_at`

func scanRegister(row pgx.Row) (domain.Register, error) {
	var r domain.Register
	err := row.Scan(&r.ID, &r.OrganizationID, &r.Name, &r.Status, &r.CreatedAt, &r.DeletedAt)
	r.CreatedAt = r.CreatedAt.UTC()
	return r, err
}

func (s *Store) ListRegisters(ctx context.Context, orgID string) ([]domain.Register, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+registerColumns+`
		FROM registers
		WHERE organization_id = $1 AND deleted_at IS NULL
		ORDER BY name ASC, id ASC
	`, orgID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Register, error) {
		return scanRegister(row)
	})
}

func (s *Store) GetRegister(ctx context.Context, orgID string, registerID string) (*domain.Register, error) {
	r, err := scanRegister(s.pool.QueryRow(ctx, `
		SELECT `+registerColumns+`
		FROM registers
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL
	`, orgID, registerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrRegisterNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) CreateRegister(ctx context.Context, register domain.Register) (*domain.Register, error) {
	register.Name = strings.TrimSpace(register.Name)
	if register.OrganizationID == "" || register.Name == "" {
		return nil, store.ErrValidation
	}
	if register.ID == "" {
		register.ID = xid.New("reg")
	}
	if register.Status == "" {
		register.Status = domain.RegisterStatusActive
	}
	if register.CreatedAt.IsZero() {
		register.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO registers (id, organization_id, name, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, register.ID, register.OrganizationID, register.Name, register.Status, register.CreatedAt)
	if err != nil {
		if constraintViolated(err, registerNameIndex) {
			return nil, store.ErrRegisterNameTaken
		}
		return nil, err
	}
	register.DeletedAt = nil
	return &register, nil
}

func (s *Store) SetRegisterStatus(ctx context.Context, orgID string, registerID string, status string) (*domain.Register, error) {
	if status != domain.RegisterStatusActive && status != domain.RegisterStatusInactive {
		return nil, store.ErrValidation
	}

	var saved domain.Register
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockLiveRegister(ctx, tx, orgID, registerID); err != nil {
			return err
		}
		if status == domain.RegisterStatusInactive {
			if err := ensureRegisterIdle(ctx, tx, registerID); err != nil {
				return err
			}
		}
		r, err := scanRegister(tx.QueryRow(ctx, `
			UPDATE registers SET status = $3
			WHERE organization_id = $1 AND id = $2
			RETURNING `+registerColumns, orgID, registerID, status))
		if err != nil {
			return err
		}
		saved = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

func (s *Store) DeleteRegister(ctx context.Context, orgID string, registerID string, at time.Time) error {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if err := lockLiveRegister(ctx, tx, orgID, registerID); err != nil {
			return err
		}
		if err := ensureRegisterIdle(ctx, tx, registerID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE registers SET status = 'inactive', deleted_at = $3
			WHERE organization_id = $1 AND id = $2
		`, orgID, registerID, at)
		return err
	})
}

func lockLiveRegister(ctx context.Context, tx pgx.Tx, orgID string, registerID string) error {
	var id string
	err := tx.QueryRow(ctx, `
		SELECT id FROM registers
		WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL
		FOR UPDATE
	`, orgID, registerID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrRegisterNotFound
	}
	return err
}

func ensureRegisterIdle(ctx context.Context, tx pgx.Tx, registerID string) error {
	var busy bool
	if err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM cash_shifts WHERE register_id = $1 AND status = 'open')
	`, registerID).Scan(&busy); err != nil {
		return err
	}
	if busy {
		return store.ErrRegisterInUse
	}
	return nil
}

const shiftColumns = `
	s.id, s.organization_id, s.register_id, r.name, s.user_id, s.operator_name,
	s.initial_cash, s.start_time, s.end_time, s.status,
	s.counted_cash, s.expected_cash, s.difference, s.closed_by`

const shiftFrom = ` FROM cash_shifts s JOIN registers r ON r.id = s.register_id `

func scanShift(row pgx.Row) (domain.Shift, error) {
	var sh domain.Shift
	err := row.Scan(
		&sh.ID, &sh.OrganizationID, &sh.RegisterID, &sh.RegisterName, &sh.UserID, &sh.OperatorName,
		&sh.InitialCash, &sh.StartTime, &sh.EndTime, &sh.Status,
		&sh.CountedCash, &sh.ExpectedCash, &sh.Difference, &sh.ClosedBy,
	)
	if err != nil {
		return sh, err
	}
	sh.StartTime = sh.StartTime.UTC()
	if sh.EndTime != nil {
		at := sh.EndTime.UTC()
		sh.EndTime = &at
	}
	return sh, nil
}

// OpenShift pre-checks both exclusivity rules for a precise error, but the
// partial unique indexes are what actually enforce them under concurrency.
func (s *Store) OpenShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if shift.OrganizationID == "" || shift.RegisterID == "" || shift.UserID == "" {
		return nil, store.ErrValidation
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.StartTime.IsZero() {
		shift.StartTime = time.Now().UTC()
	}
	if shift.InitialCash < 0 {
		shift.InitialCash = 0
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var name, status string
		err := tx.QueryRow(ctx, `
			SELECT name, status FROM registers
			WHERE organization_id = $1 AND id = $2 AND deleted_at IS NULL
			FOR SHARE
		`, shift.OrganizationID, shift.RegisterID).Scan(&name, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrRegisterNotFound
		}
		if err != nil {
			return err
		}
		if status != domain.RegisterStatusActive {
			return store.ErrRegisterInactive
		}
		shift.RegisterName = name

		var userBusy bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM cash_shifts
				WHERE organization_id = $1 AND user_id = $2 AND status = 'open'
			)
		`, shift.OrganizationID, shift.UserID).Scan(&userBusy); err != nil {
			return err
		}
		if userBusy {
			return store.ErrShiftAlreadyOpenForUser
		}
		if occupant, err := openShiftOnRegister(ctx, tx, shift.RegisterID); err != nil {
			return err
		} else if occupant != nil {
			return occupant
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO cash_shifts (
				id, organization_id, register_id, user_id, operator_name,
				initial_cash, start_time, status
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'open')
		`, shift.ID, shift.OrganizationID, shift.RegisterID, shift.UserID, shift.OperatorName,
			shift.InitialCash, shift.StartTime)
		return err
	})
	switch {
	case constraintViolated(err, openPerUserIndex):
		return nil, store.ErrShiftAlreadyOpenForUser
	case constraintViolated(err, openPerRegisterIndex):
		if occupant, lookupErr := openShiftOnRegister(ctx, s.pool, shift.RegisterID); lookupErr == nil && occupant != nil {
			return nil, occupant
		}
		return nil, &store.RegisterInUseError{RegisterID: shift.RegisterID}
	case err != nil:
		return nil, err
	}

	shift.Status = domain.ShiftStatusOpen
	shift.EndTime = nil
	shift.CountedCash = nil
	shift.ExpectedCash = nil
	shift.Difference = nil
	shift.ClosedBy = ""
	return &shift, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func openShiftOnRegister(ctx context.Context, q querier, registerID string) (*store.RegisterInUseError, error) {
	occupant := &store.RegisterInUseError{RegisterID: registerID}
	err := q.QueryRow(ctx, `
		SELECT id, user_id, operator_name FROM cash_shifts
		WHERE register_id = $1 AND status = 'open'
	`, registerID).Scan(&occupant.ShiftID, &occupant.OperatorID, &occupant.OperatorName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return occupant, nil
}

// CloseShift locks the shift row, so sales attributed to the shift (which
// take a share lock on it) are either fully counted or rejected.
func (s *Store) CloseShift(ctx context.Context, orgID string, shiftID string, countedCash int64, closedBy string, closedAt time.Time) (*domain.Shift, error) {
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	var closed domain.Shift
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		sh, err := scanShift(tx.QueryRow(ctx, `SELECT `+shiftColumns+shiftFrom+`
			WHERE s.organization_id = $1 AND s.id = $2
			FOR UPDATE OF s
		`, orgID, shiftID))
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrShiftNotFound
		}
		if err != nil {
			return err
		}
		if sh.Status != domain.ShiftStatusOpen {
			return store.ErrShiftAlreadyClosed
		}

		var cashSales, cashExpenses int64
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(p.amount), 0)
			FROM payments p
			JOIN invoices i ON i.id = p.invoice_id
			WHERE i.shift_id = $1 AND p.method = 'cash'
		`, shiftID).Scan(&cashSales); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(amount), 0)
			FROM cash_movements
			WHERE shift_id = $1 AND kind = 'expense'
		`, shiftID).Scan(&cashExpenses); err != nil {
			return err
		}

		expected := store.ExpectedCash(sh.InitialCash, cashSales, cashExpenses)
		difference := countedCash - expected
		if _, err := tx.Exec(ctx, `
			UPDATE cash_shifts
			SET status = 'closed', end_time = $2, counted_cash = $3,
				expected_cash = $4, difference = $5, closed_by = $6
			WHERE id = $1
		`, shiftID, closedAt, countedCash, expected, difference, closedBy); err != nil {
			return err
		}

		at := closedAt.UTC()
		sh.Status = domain.ShiftStatusClosed
		sh.EndTime = &at
		sh.CountedCash = &countedCash
		sh.ExpectedCash = &expected
		sh.Difference = &difference
		sh.ClosedBy = closedBy
		closed = sh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &closed, nil
}

func (s *Store) GetShift(ctx context.Context, orgID string, shiftID string) (*domain.Shift, error) {
	sh, err := scanShift(s.pool.QueryRow(ctx, `SELECT `+shiftColumns+shiftFrom+`
		WHERE s.organization_id = $1 AND s.id = $2
	`, orgID, shiftID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrShiftNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

func (s *Store) GetOpenShiftByUser(ctx context.Context, orgID string, userID string) (*domain.Shift, error) {
	sh, err := scanShift(s.pool.QueryRow(ctx, `SELECT `+shiftColumns+shiftFrom+`
		WHERE s.organization_id = $1 AND s.user_id = $2 AND s.status = 'open'
	`, orgID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrShiftNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sh, nil
}

func (s *Store) ListShifts(ctx context.Context, orgID string, filter domain.ShiftFilter) ([]domain.Shift, error) {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `SELECT `+shiftColumns+shiftFrom+`
		WHERE s.organization_id = $1
			AND ($2 = '' OR s.register_id = $2)
			AND ($3 = '' OR s.user_id = $3)
			AND ($4 = '' OR s.status = $4)
		ORDER BY s.start_time DESC
		LIMIT $5
	`, orgID, filter.RegisterID, filter.UserID, filter.Status, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Shift, error) {
		return scanShift(row)
	})
}

func (s *Store) CreateCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	if movement.Amount < 1 || movement.Kind != domain.CashMovementExpense {
		return nil, store.ErrValidation
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.CreatedAt.IsZero() {
		movement.CreatedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `
			SELECT status FROM cash_shifts
			WHERE organization_id = $1 AND id = $2
			FOR SHARE
		`, movement.OrganizationID, movement.ShiftID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrShiftNotFound
		}
		if err != nil {
			return err
		}
		if status != domain.ShiftStatusOpen {
			return store.ErrShiftAlreadyClosed
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO cash_movements (id, organization_id, shift_id, user_id, kind, amount, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, movement.ID, movement.OrganizationID, movement.ShiftID, movement.UserID,
			movement.Kind, movement.Amount, movement.Description, movement.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &movement, nil
}

func (s *Store) ListCashMovements(ctx context.Context, orgID string, shiftID string) ([]domain.CashMovement, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, shift_id, user_id, kind, amount, description, created_at
		FROM cash_movements
		WHERE organization_id = $1 AND shift_id = $2
		ORDER BY created_at ASC
	`, orgID, shiftID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.CashMovement, error) {
		var m domain.CashMovement
		err := row.Scan(&m.ID, &m.OrganizationID, &m.ShiftID, &m.UserID, &m.Kind, &m.Amount, &m.Description, &m.CreatedAt)
		m.CreatedAt = m.CreatedAt.UTC()
		return m, err
	})
}

// ProcessSale re-prices the items from the catalog, checks payments against
// the total, decrements stock and writes the invoice in one transaction.
func (s *Store) ProcessSale(ctx context.Context, req domain.SaleRequest) (*domain.Sale, bool, error) {
	if req.OrganizationID == "" || req.SellerID == "" {
		return nil, false, store.ErrValidation
	}
	items, err := store.MergeSaleItems(req.Items)
	if err != nil {
		return nil, false, err
	}
	paid, err := store.ValidatePayments(req.Payments)
	if err != nil {
		return nil, false, err
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	var (
		saleID    string
		duplicate bool
	)
	err = s.withTx(ctx, func(tx pgx.Tx) error {
		duplicate = false
		if req.IdempotencyKey != "" {
			existing, err := findSaleIDByKey(ctx, tx, req.OrganizationID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != "" {
				saleID, duplicate = existing, true
				return nil
			}
		}

		if req.CustomerID != "" {
			var id string
			err := tx.QueryRow(ctx, `SELECT id FROM customers WHERE organization_id = $1 AND id = $2`,
				req.OrganizationID, req.CustomerID).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: customer %s", store.ErrNotFound, req.CustomerID)
			}
			if err != nil {
				return err
			}
		}
		if req.ShiftID != "" {
			var status string
			err := tx.QueryRow(ctx, `
				SELECT status FROM cash_shifts
				WHERE organization_id = $1 AND id = $2
				FOR SHARE
			`, req.OrganizationID, req.ShiftID).Scan(&status)
			if errors.Is(err, pgx.ErrNoRows) || (err == nil && status != domain.ShiftStatusOpen) {
				return fmt.Errorf("%w: shift is not open", store.ErrValidation)
			}
			if err != nil {
				return err
			}
		}

		ids := make([]string, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ProductID)
		}
		slices.Sort(ids)
		rows, err := tx.Query(ctx, `
			SELECT id, name, price, tax_rate, bag_tax, stock
			FROM products
			WHERE organization_id = $1 AND active = true AND id = ANY($2)
			ORDER BY id
			FOR UPDATE
		`, req.OrganizationID, ids)
		if err != nil {
			return err
		}
		catalog, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Product, error) {
			var p domain.Product
			err := row.Scan(&p.ID, &p.Name, &p.Price, &p.TaxRate, &p.BagTax, &p.Stock)
			return p, err
		})
		if err != nil {
			return err
		}
		byID := make(map[string]domain.Product, len(catalog))
		for _, p := range catalog {
			byID[p.ID] = p
		}

		lines := make([]domain.SaleLine, 0, len(items))
		var total int64
		for _, item := range items {
			product, ok := byID[item.ProductID]
			if !ok {
				return fmt.Errorf("%w: product %s unavailable", store.ErrValidation, item.ProductID)
			}
			if product.Stock < item.Quantity {
				return fmt.Errorf("%w: %s", store.ErrInsufficientStock, product.Name)
			}
			lines = append(lines, domain.SaleLine{
				ProductID: product.ID,
				Name:      product.Name,
				Quantity:  item.Quantity,
				UnitPrice: product.Price,
				TaxRate:   product.TaxRate,
				BagTax:    product.BagTax,
			})
			total += product.Price * int64(item.Quantity)
		}
		if paid != total {
			return fmt.Errorf("%w: paid %d, total %d", store.ErrPaymentMismatch, paid, total)
		}

		var seq int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO sale_counters (organization_id, last_value) VALUES ($1, 1)
			ON CONFLICT (organization_id) DO UPDATE SET last_value = sale_counters.last_value + 1
			RETURNING last_value
		`, req.OrganizationID).Scan(&seq); err != nil {
			return err
		}

		saleID = xid.New("sale")
		batch := &pgx.Batch{}
		batch.Queue(`
			INSERT INTO invoices (
				id, number, organization_id, seller_id, customer_id, shift_id,
				idempotency_key, total, tendered, change_amount, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, saleID, store.FormatSaleNumber(seq), req.OrganizationID, req.SellerID,
			nullIfEmpty(req.CustomerID), nullIfEmpty(req.ShiftID), nullIfEmpty(req.IdempotencyKey),
			total, req.Tendered, req.Change, req.CreatedAt)
		for i, line := range lines {
			batch.Queue(`UPDATE products SET stock = stock - $2 WHERE id = $1`, line.ProductID, line.Quantity)
			batch.Queue(`
				INSERT INTO invoice_items (invoice_id, line_no, product_id, name, quantity, unit_price, tax_rate, bag_tax)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, saleID, i+1, line.ProductID, line.Name, line.Quantity, line.UnitPrice, line.TaxRate, line.BagTax)
		}
		for i, p := range req.Payments {
			batch.Queue(`
				INSERT INTO payments (invoice_id, line_no, method, amount)
				VALUES ($1, $2, $3, $4)
			`, saleID, i+1, p.Method, p.Amount)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if constraintViolated(err, idempotencyIndex) {
		// a concurrent request with the same key won
		existing, lookupErr := findSaleIDByKey(ctx, s.pool, req.OrganizationID, req.IdempotencyKey)
		if lookupErr != nil || existing == "" {
			return nil, false, err
		}
		saleID, duplicate, err = existing, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	sale, err := s.GetSale(ctx, req.OrganizationID, saleID)
	if err != nil {
		return nil, false, err
	}
	return sale, duplicate, nil
}

func findSaleIDByKey(ctx context.Context, q querier, orgID string, key string) (string, error) {
	var id string
	err := q.QueryRow(ctx, `
		SELECT id FROM invoices WHERE organization_id = $1 AND idempotency_key = $2
	`, orgID, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (s *Store) FindSaleByIdempotencyKey(ctx context.Context, orgID string, key string) (*domain.Sale, error) {
	if key == "" {
		return nil, store.ErrNotFound
	}
	id, err := findSaleIDByKey(ctx, s.pool, orgID, key)
	if err != nil {
		return nil, fmt.Errorf("find sale by idempotency key: %w", err)
	}
	if id == "" {
		return nil, store.ErrNotFound
	}
	return s.GetSale(ctx, orgID, id)
}

func (s *Store) GetSale(ctx context.Context, orgID string, saleID string) (*domain.Sale, error) {
	var (
		sale       domain.Sale
		customerID *string
		shiftID    *string
		idemKey    *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, number, organization_id, seller_id, customer_id, shift_id,
			idempotency_key, total, tendered, change_amount, created_at
		FROM invoices
		WHERE organization_id = $1 AND id = $2
	`, orgID, saleID).Scan(
		&sale.ID, &sale.Number, &sale.OrganizationID, &sale.SellerID, &customerID, &shiftID,
		&idemKey, &sale.Total, &sale.Tendered, &sale.Change, &sale.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sale.CustomerID = derefString(customerID)
	sale.ShiftID = derefString(shiftID)
	sale.IdempotencyKey = derefString(idemKey)
	sale.CreatedAt = sale.CreatedAt.UTC()

	rows, err := s.pool.Query(ctx, `
		SELECT product_id, name, quantity, unit_price, tax_rate, bag_tax
		FROM invoice_items
		WHERE invoice_id = $1
		ORDER BY line_no
	`, saleID)
	if err != nil {
		return nil, err
	}
	sale.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.SaleLine, error) {
		var l domain.SaleLine
		err := row.Scan(&l.ProductID, &l.Name, &l.Quantity, &l.UnitPrice, &l.TaxRate, &l.BagTax)
		return l, err
	})
	if err != nil {
		return nil, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT method, amount FROM payments WHERE invoice_id = $1 ORDER BY line_no
	`, saleID)
	if err != nil {
		return nil, err
	}
	sale.Payments, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Payment, error) {
		var p domain.Payment
		err := row.Scan(&p.Method, &p.Amount)
		return p, err
	})
	if err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (
			id, organization_id, actor_user_id, actor_username, actor_role,
			action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.OrganizationID, entry.ActorUserID, entry.ActorUsername, entry.ActorRole,
		entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, orgID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, actor_user_id, actor_username, actor_role,
			action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE organization_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, orgID, from, to, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AuditLog, error) {
		var e domain.AuditLog
		err := row.Scan(&e.ID, &e.OrganizationID, &e.ActorUserID, &e.ActorUsername, &e.ActorRole,
			&e.Action, &e.EntityType, &e.EntityID, &e.Detail, &e.CreatedAt)
		e.CreatedAt = e.CreatedAt.UTC()
		return e, err
	})
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" || user.OrganizationID == "" {
		return store.ErrValidation
	}
	if user.ID == "" {
		user.ID = xid.New("usr")
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO app_users (id, organization_id, username, display_name, password, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, true, $7, now())
	`, user.ID, user.OrganizationID, user.Username, user.DisplayName, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrValidation
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, username, display_name, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.UserAccount, error) {
		var u domain.UserAccount
		err := row.Scan(&u.ID, &u.OrganizationID, &u.Username, &u.DisplayName, &u.Password, &u.Role, &u.Active, &u.CreatedAt)
		u.CreatedAt = u.CreatedAt.UTC()
		return u, err
	})
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE app_users SET password = $2, updated_at = now() WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func constraintViolated(err error, name string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == name
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func derefString(val *string) string {
	if val == nil {
		return ""
	}
	return *val
}
