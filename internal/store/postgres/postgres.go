package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"martpos/backend/internal/domain"
	"martpos/backend/internal/store"
	"martpos/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, barcode, name, category, price_cents, min_stock_level, is_perishable, active, created_at
		FROM products
		WHERE active = true
		ORDER BY category, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.Category, &p.PriceCents, &p.MinStockLevel, &p.IsPerishable, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.SKU == "" || product.Barcode == "" || product.Name == "" || product.PriceCents < 1 || product.MinStockLevel < 0 {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	product.Active = true
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, sku, barcode, name, category, price_cents, min_stock_level, is_perishable, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
	`, product.ID, product.SKU, product.Barcode, product.Name, product.Category, product.PriceCents, product.MinStockLevel, product.IsPerishable, product.Active, product.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := product
	return &created, nil
}

func (s *Store) GetProductByID(ctx context.Context, id string) (*domain.Product, error) {
	return s.getProduct(ctx, "id", id)
}

func (s *Store) GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error) {
	return s.getProduct(ctx, "barcode", barcode)
}

func (s *Store) getProduct(ctx context.Context, column string, value string) (*domain.Product, error) {
	var product domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sku, barcode, name, category, price_cents, min_stock_level, is_perishable, active, created_at
		FROM products
		WHERE `+column+` = $1
	`, value).Scan(&product.ID, &product.SKU, &product.Barcode, &product.Name, &product.Category, &product.PriceCents, &product.MinStockLevel, &product.IsPerishable, &product.Active, &product.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	product.CreatedAt = product.CreatedAt.UTC()
	return &product, nil
}

func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	if product.ID == "" || product.Name == "" || product.PriceCents < 1 || product.MinStockLevel < 0 {
		return nil, store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE products
		SET name = $2, category = $3, price_cents = $4, min_stock_level = $5, active = $6, updated_at = now()
		WHERE id = $1
	`, product.ID, product.Name, product.Category, product.PriceCents, product.MinStockLevel, product.Active)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrNotFound
	}

	return s.GetProductByID(ctx, product.ID)
}

func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	result := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sku, barcode, name, category, price_cents, min_stock_level, is_perishable, active, created_at
		FROM products
		WHERE active = true AND id = ANY($1)
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Barcode, &p.Name, &p.Category, &p.PriceCents, &p.MinStockLevel, &p.IsPerishable, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.CreatedAt = p.CreatedAt.UTC()
		result[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Store) CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error) {
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	if customer.CreatedAt.IsZero() {
		customer.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, name, phone, loyalty_points, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, customer.ID, customer.Name, nullIfEmpty(customer.Phone), customer.LoyaltyPoints, customer.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error) {
	var customer domain.Customer
	var phone sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, phone, loyalty_points, created_at
		FROM customers
		WHERE id = $1
	`, id).Scan(&customer.ID, &customer.Name, &phone, &customer.LoyaltyPoints, &customer.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	customer.Phone = phone.String
	customer.CreatedAt = customer.CreatedAt.UTC()
	return &customer, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, loyalty_points, created_at
		FROM customers
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	customers := make([]domain.Customer, 0, 64)
	for rows.Next() {
		var customer domain.Customer
		var phone sql.NullString
		if err := rows.Scan(&customer.ID, &customer.Name, &phone, &customer.LoyaltyPoints, &customer.CreatedAt); err != nil {
			return nil, err
		}
		customer.Phone = phone.String
		customer.CreatedAt = customer.CreatedAt.UTC()
		customers = append(customers, customer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) AddLoyaltyPoints(ctx context.Context, customerID string, delta int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE customers
		SET loyalty_points = GREATEST(loyalty_points + $2, 0)
		WHERE id = $1
	`, customerID, delta)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error) {
	if batch.ProductID == "" || batch.QtyReceived < 1 || batch.PurchasePriceCents < 0 {
		return nil, store.ErrInvalidInput
	}
	if batch.ID == "" {
		batch.ID = xid.New("bat")
	}
	if strings.TrimSpace(batch.BatchNumber) == "" {
		batch.BatchNumber = "MANUAL-" + batch.ID
	}
	if batch.QtyRemaining < 0 || batch.QtyRemaining > batch.QtyReceived {
		return nil, store.ErrInvalidInput
	}
	if batch.QtyRemaining == 0 {
		batch.QtyRemaining = batch.QtyReceived
	}
	if batch.SourceType == "" {
		batch.SourceType = domain.BatchSourceReceipt
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (
			id, product_id, batch_number, supplier_id, qty_received, qty_remaining,
			purchase_price_cents, expiry_date, location_code, source_type, source_id,
			received_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
	`, batch.ID, batch.ProductID, batch.BatchNumber, nullIfEmpty(batch.SupplierID),
		batch.QtyReceived, batch.QtyRemaining, batch.PurchasePriceCents,
		nullDate(batch.ExpiryDate), nullIfEmpty(batch.LocationCode), batch.SourceType,
		nullIfEmpty(batch.SourceID), batch.ReceivedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	created := batch
	return &created, nil
}

func (s *Store) GetBatchByID(ctx context.Context, id string) (*domain.Batch, error) {
	var batch domain.Batch
	var supplierID, locationCode, sourceID sql.NullString
	var expiry sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, product_id, batch_number, supplier_id, qty_received, qty_remaining,
			purchase_price_cents, expiry_date, location_code, source_type, source_id, received_at
		FROM batches
		WHERE id = $1
	`, id).Scan(&batch.ID, &batch.ProductID, &batch.BatchNumber, &supplierID,
		&batch.QtyReceived, &batch.QtyRemaining, &batch.PurchasePriceCents, &expiry,
		&locationCode, &batch.SourceType, &sourceID, &batch.ReceivedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	batch.SupplierID = supplierID.String
	batch.LocationCode = locationCode.String
	batch.SourceID = sourceID.String
	if expiry.Valid {
		e := dateOnlyUTC(expiry.Time.UTC())
		batch.ExpiryDate = &e
	}
	batch.ReceivedAt = batch.ReceivedAt.UTC()
	return &batch, nil
}

func (s *Store) ListBatchesByProduct(ctx context.Context, productID string, includeEmpty bool) ([]domain.Batch, error) {
	if _, err := s.GetProductByID(ctx, productID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, product_id, batch_number, supplier_id, qty_received, qty_remaining,
			purchase_price_cents, expiry_date, location_code, source_type, source_id, received_at
		FROM batches
		WHERE product_id = $1
	`
	if !includeEmpty {
		query += ` AND qty_remaining > 0`
	}
	query += ` ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	batches := make([]domain.Batch, 0, 16)
	for rows.Next() {
		var batch domain.Batch
		var supplierID, locationCode, sourceID sql.NullString
		var expiry sql.NullTime
		if err := rows.Scan(&batch.ID, &batch.ProductID, &batch.BatchNumber, &supplierID,
			&batch.QtyReceived, &batch.QtyRemaining, &batch.PurchasePriceCents, &expiry,
			&locationCode, &batch.SourceType, &sourceID, &batch.ReceivedAt); err != nil {
			return nil, err
		}
		batch.SupplierID = supplierID.String
		batch.LocationCode = locationCode.String
		batch.SourceID = sourceID.String
		if expiry.Valid {
			e := dateOnlyUTC(expiry.Time.UTC())
			batch.ExpiryDate = &e
		}
		batch.ReceivedAt = batch.ReceivedAt.UTC()
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *Store) AdjustBatchQty(ctx context.Context, batchID string, countedQty int) (*domain.Batch, error) {
	if countedQty < 0 {
		return nil, store.ErrInvalidInput
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET qty_remaining = $2, updated_at = now()
		WHERE id = $1 AND $2 <= qty_received
	`, batchID, countedQty)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, lookupErr := s.GetBatchByID(ctx, batchID); lookupErr != nil {
			return nil, lookupErr
		}
		return nil, store.ErrInvalidInput
	}
	return s.GetBatchByID(ctx, batchID)
}

func (s *Store) StockByProduct(ctx context.Context, productIDs []string) (map[string]int, error) {
	result := make(map[string]int, len(productIDs))
	for _, id := range productIDs {
		result[id] = 0
	}
	if len(productIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, COALESCE(SUM(qty_remaining), 0)
		FROM batches
		WHERE product_id = ANY($1)
		GROUP BY product_id
	`, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var qty int
		if err := rows.Scan(&id, &qty); err != nil {
			return nil, err
		}
		result[id] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) FindInvoiceByIdempotency(ctx context.Context, key string) (*domain.Invoice, error) {
	return s.findInvoice(ctx, "idempotency_key", key)
}

func (s *Store) FindInvoiceByID(ctx context.Context, id string) (*domain.Invoice, error) {
	return s.findInvoice(ctx, "id", id)
}

func (s *Store) findInvoice(ctx context.Context, column string, value string) (*domain.Invoice, error) {
	var invoice domain.Invoice
	var shiftID, customerID, idemKey, paymentRef sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, terminal_id, shift_id, cashier_username, customer_id, idempotency_key,
			subtotal_cents, discount_cents, tax_rate_percent, tax_cents, total_cents,
			payment_method, payment_ref, payment_amount_cents, cash_received_cents, change_cents,
			status, created_at
		FROM invoices
		WHERE `+column+` = $1
	`, value).Scan(&invoice.ID, &invoice.TerminalID, &shiftID, &invoice.CashierUsername,
		&customerID, &idemKey, &invoice.SubtotalCents, &invoice.DiscountCents,
		&invoice.TaxRatePercent, &invoice.TaxCents, &invoice.TotalCents,
		&invoice.Payment.Method, &paymentRef, &invoice.Payment.AmountCents,
		&invoice.Payment.CashReceivedCents, &invoice.Payment.ChangeCents,
		&invoice.Status, &invoice.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	invoice.ShiftID = shiftID.String
	invoice.CustomerID = customerID.String
	invoice.IdempotencyKey = idemKey.String
	invoice.Payment.TransactionRef = paymentRef.String
	invoice.CreatedAt = invoice.CreatedAt.UTC()

	lines, err := s.loadInvoiceLines(ctx, s.db, invoice.ID)
	if err != nil {
		return nil, err
	}
	invoice.Lines = lines
	return &invoice, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *Store) loadInvoiceLines(ctx context.Context, q querier, invoiceID string) ([]domain.InvoiceLine, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, product_id, product_name, qty, unit_price_cents, discount_cents, line_total_cents
		FROM invoice_lines
		WHERE invoice_id = $1
		ORDER BY id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	lines := make([]domain.InvoiceLine, 0, 8)
	for rows.Next() {
		var line domain.InvoiceLine
		if err := rows.Scan(&line.ID, &line.ProductID, &line.ProductName, &line.Qty, &line.UnitPriceCents, &line.DiscountCents, &line.LineTotalCents); err != nil {
			_ = rows.Close()
			return nil, err
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range lines {
		allocRows, err := q.QueryContext(ctx, `
			SELECT batch_id, qty, unit_cost_cents
			FROM invoice_allocations
			WHERE invoice_line_id = $1
			ORDER BY seq
		`, lines[i].ID)
		if err != nil {
			return nil, err
		}
		allocations := make([]domain.BatchAllocation, 0, 2)
		for allocRows.Next() {
			var alloc domain.BatchAllocation
			if err := allocRows.Scan(&alloc.BatchID, &alloc.Qty, &alloc.UnitCostCents); err != nil {
				_ = allocRows.Close()
				return nil, err
			}
			allocations = append(allocations, alloc)
		}
		if err := allocRows.Err(); err != nil {
			_ = allocRows.Close()
			return nil, err
		}
		_ = allocRows.Close()
		lines[i].Allocations = allocations
	}
	return lines, nil
}

// CreateInvoice runs the whole checkout as one serializable transaction.
// Candidate batches are locked FOR UPDATE in FEFO order, every line is
// allocated in full or the transaction rolls back, and the drawn portions
// are recorded per line. Serialization failures surface as ErrConflict so
// the caller can retry.
func (s *Store) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.IdempotencyKey == "" {
		return nil, store.ErrInvalidInput
	}
	if len(invoice.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	productIDs := uniqueProductIDs(invoice.Lines)
	productRows, err := pgTx.QueryContext(ctx, `
		SELECT id, name, price_cents
		FROM products
		WHERE active = true AND id = ANY($1)
	`, productIDs)
	if err != nil {
		return nil, conflictErr(err)
	}
	productMap := make(map[string]domain.Product, len(productIDs))
	for productRows.Next() {
		var id, name string
		var priceCents int64
		if err := productRows.Scan(&id, &name, &priceCents); err != nil {
			_ = productRows.Close()
			return nil, err
		}
		productMap[id] = domain.Product{ID: id, Name: name, PriceCents: priceCents, Active: true}
	}
	if err := productRows.Err(); err != nil {
		_ = productRows.Close()
		return nil, err
	}
	_ = productRows.Close()

	today := dateOnlyUTC(time.Now().UTC())
	subtotalCents := int64(0)
	discountCents := int64(0)
	lines := make([]domain.InvoiceLine, 0, len(invoice.Lines))
	for _, line := range invoice.Lines {
		if line.Qty < 1 {
			return nil, store.ErrInvalidInput
		}
		product, exists := productMap[line.ProductID]
		if !exists {
			return nil, fmt.Errorf("product %s unavailable", line.ProductID)
		}
		lineSubtotal := product.PriceCents * int64(line.Qty)
		if line.DiscountCents < 0 || line.DiscountCents > lineSubtotal {
			return nil, store.ErrInvalidInput
		}

		batchRows, err := pgTx.QueryContext(ctx, `
			SELECT id, qty_remaining, purchase_price_cents, expiry_date
			FROM batches
			WHERE product_id = $1 AND qty_remaining > 0
			ORDER BY expiry_date ASC NULLS LAST, received_at ASC, id ASC
			FOR UPDATE
		`, line.ProductID)
		if err != nil {
			return nil, conflictErr(err)
		}
		type batchState struct {
			id        string
			remaining int
			cost      int64
			expiry    *time.Time
		}
		batches := make([]batchState, 0, 8)
		for batchRows.Next() {
			var b batchState
			var expiry sql.NullTime
			if err := batchRows.Scan(&b.id, &b.remaining, &b.cost, &expiry); err != nil {
				_ = batchRows.Close()
				return nil, err
			}
			if expiry.Valid {
				e := dateOnlyUTC(expiry.Time.UTC())
				b.expiry = &e
			}
			batches = append(batches, b)
		}
		if err := batchRows.Err(); err != nil {
			_ = batchRows.Close()
			return nil, err
		}
		_ = batchRows.Close()

		available := 0
		for _, b := range batches {
			if b.expiry != nil && b.expiry.Before(today) {
				continue
			}
			available += b.remaining
		}
		if available < line.Qty {
			return nil, store.ErrInsufficientStock
		}

		allocations := make([]domain.BatchAllocation, 0, 2)
		remaining := line.Qty
		for _, b := range batches {
			if remaining == 0 {
				break
			}
			if b.expiry != nil && b.expiry.Before(today) {
				continue
			}
			used := remaining
			if used > b.remaining {
				used = b.remaining
			}
			if _, err := pgTx.ExecContext(ctx, `
				UPDATE batches
				SET qty_remaining = qty_remaining - $1, updated_at = now()
				WHERE id = $2
			`, used, b.id); err != nil {
				return nil, conflictErr(err)
			}
			allocations = append(allocations, domain.BatchAllocation{
				BatchID:       b.id,
				Qty:           used,
				UnitCostCents: b.cost,
			})
			remaining -= used
		}
		if remaining > 0 {
			return nil, store.ErrInsufficientStock
		}

		if line.ID == "" {
			line.ID = xid.New("invl")
		}
		line.ProductName = product.Name
		line.UnitPriceCents = product.PriceCents
		line.LineTotalCents = lineSubtotal - line.DiscountCents
		line.Allocations = allocations
		lines = append(lines, line)
		subtotalCents += lineSubtotal
		discountCents += line.DiscountCents
	}

	if invoice.TaxRatePercent < 0 || invoice.TaxRatePercent > 100 {
		return nil, store.ErrInvalidInput
	}
	taxBase := subtotalCents - discountCents
	taxCents := int64(math.Round(float64(taxBase) * invoice.TaxRatePercent / 100))
	totalCents := taxBase + taxCents

	invoice.Payment.AmountCents = totalCents
	if invoice.Payment.Method == domain.PaymentMethodCash {
		if invoice.Payment.CashReceivedCents < totalCents {
			return nil, store.ErrInvalidInput
		}
		invoice.Payment.ChangeCents = invoice.Payment.CashReceivedCents - totalCents
	} else {
		invoice.Payment.ChangeCents = 0
	}

	invoice.Lines = lines
	invoice.SubtotalCents = subtotalCents
	invoice.DiscountCents = discountCents
	invoice.TaxCents = taxCents
	invoice.TotalCents = totalCents
	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}
	if invoice.Status == "" {
		invoice.Status = domain.InvoiceStatusPaid
	}

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO invoices (
			id, terminal_id, shift_id, cashier_username, customer_id, idempotency_key,
			subtotal_cents, discount_cents, tax_rate_percent, tax_cents, total_cents,
			payment_method, payment_ref, payment_amount_cents, cash_received_cents,
			change_cents, status, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
	`, invoice.ID, invoice.TerminalID, nullIfEmpty(invoice.ShiftID), invoice.CashierUsername,
		nullIfEmpty(invoice.CustomerID), invoice.IdempotencyKey, invoice.SubtotalCents,
		invoice.DiscountCents, invoice.TaxRatePercent, invoice.TaxCents, invoice.TotalCents,
		invoice.Payment.Method, nullIfEmpty(invoice.Payment.TransactionRef),
		invoice.Payment.AmountCents, invoice.Payment.CashReceivedCents,
		invoice.Payment.ChangeCents, invoice.Status, invoice.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			existing, lookupErr := s.FindInvoiceByIdempotency(ctx, invoice.IdempotencyKey)
			if lookupErr == nil {
				return existing, nil
			}
		}
		return nil, conflictErr(err)
	}

	for _, line := range invoice.Lines {
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO invoice_lines (id, invoice_id, product_id, product_name, qty, unit_price_cents, discount_cents, line_total_cents)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, line.ID, invoice.ID, line.ProductID, line.ProductName, line.Qty, line.UnitPriceCents, line.DiscountCents, line.LineTotalCents); err != nil {
			return nil, err
		}
		for seq, alloc := range line.Allocations {
			if _, err := pgTx.ExecContext(ctx, `
				INSERT INTO invoice_allocations (invoice_line_id, seq, batch_id, qty, unit_cost_cents)
				VALUES ($1,$2,$3,$4,$5)
			`, line.ID, seq, alloc.BatchID, alloc.Qty, alloc.UnitCostCents); err != nil {
				return nil, err
			}
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, conflictErr(err)
	}

	return &invoice, nil
}

func (s *Store) GetReturnedQtyByInvoice(ctx context.Context, invoiceID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rl.invoice_line_id, COALESCE(SUM(rl.qty), 0)
		FROM return_lines rl
		JOIN returns r ON r.id = rl.return_id
		WHERE r.invoice_id = $1
		GROUP BY rl.invoice_line_id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var lineID string
		var qty int
		if err := rows.Scan(&lineID, &qty); err != nil {
			return nil, err
		}
		result[lineID] = qty
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateReturn restores stock to the exact batches the invoice lines drew
// from, most recently drawn portion first. Runs serializable; the over-return
// check and the batch restorations see a consistent snapshot.
func (s *Store) CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error) {
	if strings.TrimSpace(ret.InvoiceID) == "" || len(ret.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var invoiceStatus string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status FROM invoices WHERE id = $1 FOR UPDATE
	`, ret.InvoiceID).Scan(&invoiceStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, conflictErr(err)
	}

	invLines, err := s.loadInvoiceLines(ctx, pgTx, ret.InvoiceID)
	if err != nil {
		return nil, err
	}
	linesByID := make(map[string]domain.InvoiceLine, len(invLines))
	for _, line := range invLines {
		linesByID[line.ID] = line
	}

	returnedRows, err := pgTx.QueryContext(ctx, `
		SELECT rl.invoice_line_id, COALESCE(SUM(rl.qty), 0)
		FROM return_lines rl
		JOIN returns r ON r.id = rl.return_id
		WHERE r.invoice_id = $1
		GROUP BY rl.invoice_line_id
	`, ret.InvoiceID)
	if err != nil {
		return nil, conflictErr(err)
	}
	alreadyReturned := map[string]int{}
	for returnedRows.Next() {
		var lineID string
		var qty int
		if err := returnedRows.Scan(&lineID, &qty); err != nil {
			_ = returnedRows.Close()
			return nil, err
		}
		alreadyReturned[lineID] = qty
	}
	if err := returnedRows.Err(); err != nil {
		_ = returnedRows.Close()
		return nil, err
	}
	_ = returnedRows.Close()

	requested := map[string]int{}
	lines := make([]domain.ReturnLine, 0, len(ret.Lines))
	for _, retLine := range ret.Lines {
		invLine, exists := linesByID[retLine.InvoiceLineID]
		if !exists {
			return nil, store.ErrNotFound
		}
		if retLine.Qty < 1 {
			return nil, store.ErrInvalidInput
		}
		requested[retLine.InvoiceLineID] += retLine.Qty
		if alreadyReturned[retLine.InvoiceLineID]+requested[retLine.InvoiceLineID] > invLine.Qty {
			return nil, store.ErrOverReturn
		}

		skip := alreadyReturned[retLine.InvoiceLineID] + requested[retLine.InvoiceLineID] - retLine.Qty
		restorations := lifoRestorations(invLine.Allocations, skip, retLine.Qty)
		for _, restore := range restorations {
			res, err := pgTx.ExecContext(ctx, `
				UPDATE batches
				SET qty_remaining = qty_remaining + $1, updated_at = now()
				WHERE id = $2 AND qty_remaining + $1 <= qty_received
			`, restore.Qty, restore.BatchID)
			if err != nil {
				return nil, conflictErr(err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return nil, err
			}
			if affected == 0 {
				return nil, store.ErrInvalidInput
			}
		}
		retLine.ProductID = invLine.ProductID
		retLine.Restorations = restorations
		lines = append(lines, retLine)
	}

	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = time.Now().UTC()
	}
	ret.Lines = lines

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO returns (id, invoice_id, shift_id, reason, refund_method, refund_cents, processed_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, ret.ID, ret.InvoiceID, nullIfEmpty(ret.ShiftID), ret.Reason, ret.RefundMethod, ret.RefundCents, ret.ProcessedBy, ret.CreatedAt)
	if err != nil {
		return nil, conflictErr(err)
	}
	for _, line := range ret.Lines {
		restorations, err := json.Marshal(line.Restorations)
		if err != nil {
			return nil, err
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO return_lines (return_id, invoice_line_id, product_id, qty, refund_cents, restorations)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, ret.ID, line.InvoiceLineID, line.ProductID, line.Qty, line.RefundCents, restorations); err != nil {
			return nil, err
		}
	}

	fullyReturned := true
	for _, invLine := range invLines {
		if alreadyReturned[invLine.ID]+requested[invLine.ID] < invLine.Qty {
			fullyReturned = false
			break
		}
	}
	if fullyReturned {
		if _, err := pgTx.ExecContext(ctx, `
			UPDATE invoices SET status = $2 WHERE id = $1
		`, ret.InvoiceID, domain.InvoiceStatusReturned); err != nil {
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, conflictErr(err)
	}

	return &ret, nil
}

func lifoRestorations(allocations []domain.BatchAllocation, alreadyReturned int, qty int) []domain.BatchAllocation {
	skip := alreadyReturned
	need := qty
	result := make([]domain.BatchAllocation, 0, 2)
	for i := len(allocations) - 1; i >= 0 && need > 0; i-- {
		available := allocations[i].Qty
		if skip >= available {
			skip -= available
			continue
		}
		available -= skip
		skip = 0
		used := need
		if used > available {
			used = available
		}
		result = append(result, domain.BatchAllocation{
			BatchID:       allocations[i].BatchID,
			Qty:           used,
			UnitCostCents: allocations[i].UnitCostCents,
		})
		need -= used
	}
	return result
}

func (s *Store) ListReturnsByInvoice(ctx context.Context, invoiceID string) ([]domain.Return, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, invoice_id, shift_id, reason, refund_method, refund_cents, processed_by, created_at
		FROM returns
		WHERE invoice_id = $1
		ORDER BY created_at, id
	`, invoiceID)
	if err != nil {
		return nil, err
	}
	returns := make([]domain.Return, 0, 4)
	for rows.Next() {
		var ret domain.Return
		var shiftID sql.NullString
		if err := rows.Scan(&ret.ID, &ret.InvoiceID, &shiftID, &ret.Reason, &ret.RefundMethod, &ret.RefundCents, &ret.ProcessedBy, &ret.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ret.ShiftID = shiftID.String
		ret.CreatedAt = ret.CreatedAt.UTC()
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range returns {
		lineRows, err := s.db.QueryContext(ctx, `
			SELECT invoice_line_id, product_id, qty, refund_cents, restorations
			FROM return_lines
			WHERE return_id = $1
		`, returns[i].ID)
		if err != nil {
			return nil, err
		}
		lines := make([]domain.ReturnLine, 0, 4)
		for lineRows.Next() {
			var line domain.ReturnLine
			var restorations []byte
			if err := lineRows.Scan(&line.InvoiceLineID, &line.ProductID, &line.Qty, &line.RefundCents, &restorations); err != nil {
				_ = lineRows.Close()
				return nil, err
			}
			if len(restorations) > 0 {
				if err := json.Unmarshal(restorations, &line.Restorations); err != nil {
					_ = lineRows.Close()
					return nil, err
				}
			}
			lines = append(lines, line)
		}
		if err := lineRows.Err(); err != nil {
			_ = lineRows.Close()
			return nil, err
		}
		_ = lineRows.Close()
		returns[i].Lines = lines
	}
	return returns, nil
}

func (s *Store) SaveHeldCart(ctx context.Context, cart domain.Cart) (*domain.Cart, error) {
	if cart.ID == "" {
		cart.ID = xid.New("crt")
	}
	if cart.TerminalID == "" || len(cart.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	if cart.HeldAt == nil {
		now := time.Now().UTC()
		cart.HeldAt = &now
	}
	cart.Status = domain.CartStatusHeld

	lines, err := json.Marshal(cart.Lines)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO held_carts (id, terminal_id, customer_id, label, lines, created_at, held_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (id) DO UPDATE SET lines = EXCLUDED.lines, label = EXCLUDED.label, held_at = EXCLUDED.held_at
	`, cart.ID, cart.TerminalID, nullIfEmpty(cart.CustomerID), cart.Label, lines, cart.CreatedAt, *cart.HeldAt)
	if err != nil {
		return nil, err
	}

	saved := cart
	return &saved, nil
}

func (s *Store) ListHeldCarts(ctx context.Context, terminalID string, limit int) ([]domain.Cart, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, terminal_id, customer_id, label, lines, created_at, held_at
		FROM held_carts
		WHERE ($1 = '' OR terminal_id = $1)
		ORDER BY held_at DESC, id DESC
		LIMIT $2
	`, terminalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	carts := make([]domain.Cart, 0, limit)
	for rows.Next() {
		cart, err := scanHeldCart(rows)
		if err != nil {
			return nil, err
		}
		carts = append(carts, *cart)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return carts, nil
}

func scanHeldCart(rows *sql.Rows) (*domain.Cart, error) {
	var cart domain.Cart
	var customerID sql.NullString
	var lines []byte
	var heldAt time.Time
	if err := rows.Scan(&cart.ID, &cart.TerminalID, &customerID, &cart.Label, &lines, &cart.CreatedAt, &heldAt); err != nil {
		return nil, err
	}
	cart.CustomerID = customerID.String
	cart.Status = domain.CartStatusHeld
	cart.CreatedAt = cart.CreatedAt.UTC()
	heldAtUTC := heldAt.UTC()
	cart.HeldAt = &heldAtUTC
	if err := json.Unmarshal(lines, &cart.Lines); err != nil {
		return nil, err
	}
	return &cart, nil
}

func (s *Store) PopHeldCart(ctx context.Context, cartID string) (*domain.Cart, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM held_carts
		WHERE id = $1
		RETURNING id, terminal_id, customer_id, label, lines, created_at, held_at
	`, cartID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, store.ErrNotFound
	}
	cart, err := scanHeldCart(rows)
	if err != nil {
		return nil, err
	}
	return cart, nil
}

func (s *Store) DeleteHeldCart(ctx context.Context, cartID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM held_carts WHERE id = $1`, cartID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.TerminalID) == "" {
		return nil, store.ErrInvalidInput
	}
	if shift.ID == "" {
		shift.ID = xid.New("shf")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shifts (id, terminal_id, cashier_username, opening_float_cents, status, opened_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, shift.ID, shift.TerminalID, shift.CashierUsername, shift.OpeningFloatCents, shift.Status, shift.OpenedAt)
	if err != nil {
		// partial unique index: one open shift per terminal
		if isUniqueViolation(err) {
			return nil, store.ErrInvalidInput
		}
		return nil, err
	}

	created := shift
	return &created, nil
}

func (s *Store) GetActiveShift(ctx context.Context, terminalID string) (*domain.Shift, error) {
	return s.scanShiftRow(s.db.QueryRowContext(ctx, `
		SELECT id, terminal_id, cashier_username, opening_float_cents, expected_cash_cents,
			actual_cash_cents, discrepancy_cents, status, notes, opened_at, closed_at
		FROM shifts
		WHERE terminal_id = $1 AND status = $2
	`, terminalID, domain.ShiftStatusOpen))
}

func (s *Store) GetShiftByID(ctx context.Context, shiftID string) (*domain.Shift, error) {
	return s.scanShiftRow(s.db.QueryRowContext(ctx, `
		SELECT id, terminal_id, cashier_username, opening_float_cents, expected_cash_cents,
			actual_cash_cents, discrepancy_cents, status, notes, opened_at, closed_at
		FROM shifts
		WHERE id = $1
	`, shiftID))
}

func (s *Store) scanShiftRow(row *sql.Row) (*domain.Shift, error) {
	var shift domain.Shift
	var notes sql.NullString
	var closedAt sql.NullTime
	err := row.Scan(&shift.ID, &shift.TerminalID, &shift.CashierUsername,
		&shift.OpeningFloatCents, &shift.ExpectedCashCents, &shift.ActualCashCents,
		&shift.DiscrepancyCents, &shift.Status, &notes, &shift.OpenedAt, &closedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shift.Notes = notes.String
	shift.OpenedAt = shift.OpenedAt.UTC()
	if closedAt.Valid {
		t := closedAt.Time.UTC()
		shift.ClosedAt = &t
	}
	return &shift, nil
}

func (s *Store) CloseActiveShift(ctx context.Context, terminalID string, actualCashCents int64, expectedCashCents int64, notes string, closedAt time.Time) (*domain.Shift, error) {
	if strings.TrimSpace(terminalID) == "" {
		return nil, store.ErrInvalidInput
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}

	var shiftID string
	err := s.db.QueryRowContext(ctx, `
		UPDATE shifts
		SET status = $2,
			actual_cash_cents = $3,
			expected_cash_cents = $4,
			discrepancy_cents = $3 - $4,
			notes = $5,
			closed_at = $6
		WHERE terminal_id = $1 AND status = $7
		RETURNING id
	`, terminalID, domain.ShiftStatusClosed, actualCashCents, expectedCashCents, nullIfEmpty(notes), closedAt, domain.ShiftStatusOpen).Scan(&shiftID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return s.GetShiftByID(ctx, shiftID)
}

func (s *Store) GetShiftTotals(ctx context.Context, shiftID string) (domain.ShiftTotals, error) {
	totals := domain.ShiftTotals{ByPayment: make([]domain.PaymentMethodTotal, 0, 4)}

	if _, err := s.GetShiftByID(ctx, shiftID); err != nil {
		return totals, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COUNT(*), COALESCE(SUM(total_cents), 0)
		FROM invoices
		WHERE shift_id = $1
		GROUP BY payment_method
		ORDER BY payment_method
	`, shiftID)
	if err != nil {
		return totals, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry domain.PaymentMethodTotal
		if err := rows.Scan(&entry.Method, &entry.Count, &entry.TotalCents); err != nil {
			return totals, err
		}
		totals.InvoiceCount += entry.Count
		totals.SalesCents += entry.TotalCents
		if entry.Method == domain.PaymentMethodCash {
			totals.CashSalesCents += entry.TotalCents
		}
		totals.ByPayment = append(totals.ByPayment, entry)
	}
	if err := rows.Err(); err != nil {
		return totals, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(refund_cents), 0),
			COALESCE(SUM(refund_cents) FILTER (WHERE refund_method = $2), 0)
		FROM returns
		WHERE shift_id = $1
	`, shiftID, domain.PaymentMethodCash).Scan(&totals.ReturnCount, &totals.RefundCents, &totals.CashRefundCents)
	if err != nil {
		return totals, err
	}

	return totals, nil
}

func (s *Store) GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	report := domain.DailyReport{ByPayment: make([]domain.DailyReportPayment, 0, 4)}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(subtotal_cents), 0),
			COALESCE(SUM(discount_cents), 0),
			COALESCE(SUM(tax_cents), 0),
			COALESCE(SUM(total_cents), 0)
		FROM invoices
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&report.Invoices, &report.GrossSalesCents, &report.DiscountCents, &report.TaxCents, &report.NetSalesCents)
	if err != nil {
		return report, err
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(refund_cents), 0)
		FROM returns
		WHERE created_at >= $1 AND created_at < $2
	`, from, to).Scan(&report.RefundCents)
	if err != nil {
		return report, err
	}
	report.NetSalesCents -= report.RefundCents

	rows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, COUNT(*), COALESCE(SUM(total_cents), 0)
		FROM invoices
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY payment_method
		ORDER BY payment_method
	`, from, to)
	if err != nil {
		return report, err
	}
	defer rows.Close()

	for rows.Next() {
		var entry domain.DailyReportPayment
		if err := rows.Scan(&entry.Method, &entry.Invoices, &entry.TotalCents); err != nil {
			return report, err
		}
		report.ByPayment = append(report.ByPayment, entry)
	}
	if err := rows.Err(); err != nil {
		return report, err
	}

	return report, nil
}

func (s *Store) LowStockReport(ctx context.Context) ([]domain.LowStockItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.sku, p.name, COALESCE(SUM(b.qty_remaining), 0) AS remaining, p.min_stock_level
		FROM products p
		LEFT JOIN batches b ON b.product_id = p.id
		WHERE p.active = true AND p.min_stock_level > 0
		GROUP BY p.id, p.sku, p.name, p.min_stock_level
		HAVING COALESCE(SUM(b.qty_remaining), 0) < p.min_stock_level
		ORDER BY p.sku
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.LowStockItem, 0, 16)
	for rows.Next() {
		var item domain.LowStockItem
		if err := rows.Scan(&item.ProductID, &item.SKU, &item.Name, &item.QtyRemaining, &item.MinStockLevel); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, entry.ID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, nullIfEmpty(entry.EntityID), nullIfEmpty(entry.Detail), entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		var entityID, detail sql.NullString
		if err := rows.Scan(&entry.ID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entityID, &detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.EntityID = entityID.String
		entry.Detail = detail.String
		entry.CreatedAt = entry.CreatedAt.UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	supplier.Name = strings.TrimSpace(supplier.Name)
	if supplier.Name == "" {
		return nil, store.ErrInvalidInput
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suppliers (id, name, phone, created_at)
		VALUES ($1,$2,$3,$4)
	`, supplier.ID, supplier.Name, nullIfEmpty(supplier.Phone), supplier.CreatedAt)
	if err != nil {
		return nil, err
	}

	created := supplier
	return &created, nil
}

func (s *Store) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, phone, created_at
		FROM suppliers
		ORDER BY created_at, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suppliers := make([]domain.Supplier, 0, 32)
	for rows.Next() {
		var supplier domain.Supplier
		var phone sql.NullString
		if err := rows.Scan(&supplier.ID, &supplier.Name, &phone, &supplier.CreatedAt); err != nil {
			return nil, err
		}
		supplier.Phone = phone.String
		supplier.CreatedAt = supplier.CreatedAt.UTC()
		suppliers = append(suppliers, supplier)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return suppliers, nil
}

func (s *Store) CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	if po.SupplierID == "" || len(po.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if po.ID == "" {
		po.ID = xid.New("po")
	}
	if po.CreatedAt.IsZero() {
		po.CreatedAt = time.Now().UTC()
	}
	if po.Status == "" {
		po.Status = domain.PurchaseOrderStatusDraft
	}
	for _, item := range po.Items {
		if item.ProductID == "" || item.Qty < 1 || item.CostCents < 1 {
			return nil, store.ErrInvalidInput
		}
		if item.ExpiryDate != "" {
			if _, err := time.Parse("2006-01-02", item.ExpiryDate); err != nil {
				return nil, store.ErrInvalidInput
			}
		}
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	_, err = pgTx.ExecContext(ctx, `
		INSERT INTO purchase_orders (id, supplier_id, status, created_at)
		VALUES ($1,$2,$3,$4)
	`, po.ID, po.SupplierID, po.Status, po.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	for seq, item := range po.Items {
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO purchase_order_items (purchase_order_id, seq, product_id, batch_number, qty, cost_cents, expiry_date)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, po.ID, seq, item.ProductID, nullIfEmpty(item.BatchNumber), item.Qty, item.CostCents, nullIfEmpty(item.ExpiryDate))
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}

	saved := po
	return &saved, nil
}

func (s *Store) GetPurchaseOrderByID(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	var po domain.PurchaseOrder
	var receivedAt sql.NullTime
	var receivedBy sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, supplier_id, status, created_at, received_at, received_by
		FROM purchase_orders
		WHERE id = $1
	`, purchaseOrderID).Scan(&po.ID, &po.SupplierID, &po.Status, &po.CreatedAt, &receivedAt, &receivedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	po.CreatedAt = po.CreatedAt.UTC()
	po.ReceivedBy = receivedBy.String
	if receivedAt.Valid {
		t := receivedAt.Time.UTC()
		po.ReceivedAt = &t
	}

	items, err := s.loadPurchaseOrderItems(ctx, po.ID)
	if err != nil {
		return nil, err
	}
	po.Items = items
	return &po, nil
}

func (s *Store) loadPurchaseOrderItems(ctx context.Context, purchaseOrderID string) ([]domain.PurchaseOrderItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, batch_number, qty, cost_cents, expiry_date
		FROM purchase_order_items
		WHERE purchase_order_id = $1
		ORDER BY seq
	`, purchaseOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.PurchaseOrderItem, 0, 8)
	for rows.Next() {
		var item domain.PurchaseOrderItem
		var batchNumber, expiry sql.NullString
		if err := rows.Scan(&item.ProductID, &batchNumber, &item.Qty, &item.CostCents, &expiry); err != nil {
			return nil, err
		}
		item.BatchNumber = batchNumber.String
		item.ExpiryDate = expiry.String
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListPurchaseOrders(ctx context.Context, status string, limit int) ([]domain.PurchaseOrder, error) {
	if limit < 1 {
		limit = 50
	}
	status = strings.ToLower(strings.TrimSpace(status))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, supplier_id, status, created_at, received_at, received_by
		FROM purchase_orders
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	orders := make([]domain.PurchaseOrder, 0, limit)
	for rows.Next() {
		var po domain.PurchaseOrder
		var receivedAt sql.NullTime
		var receivedBy sql.NullString
		if err := rows.Scan(&po.ID, &po.SupplierID, &po.Status, &po.CreatedAt, &receivedAt, &receivedBy); err != nil {
			_ = rows.Close()
			return nil, err
		}
		po.CreatedAt = po.CreatedAt.UTC()
		po.ReceivedBy = receivedBy.String
		if receivedAt.Valid {
			t := receivedAt.Time.UTC()
			po.ReceivedAt = &t
		}
		orders = append(orders, po)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range orders {
		items, err := s.loadPurchaseOrderItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (s *Store) ReceivePurchaseOrder(ctx context.Context, purchaseOrderID string, receivedBy string, receivedAt time.Time) (*domain.PurchaseOrder, error) {
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	receivedBy = strings.TrimSpace(receivedBy)
	if receivedBy == "" {
		receivedBy = "system"
	}

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	var status string
	err = pgTx.QueryRowContext(ctx, `
		SELECT status FROM purchase_orders WHERE id = $1 FOR UPDATE
	`, purchaseOrderID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, conflictErr(err)
	}
	if status == domain.PurchaseOrderStatusReceived {
		return nil, store.ErrInvalidInput
	}

	itemRows, err := pgTx.QueryContext(ctx, `
		SELECT seq, product_id, batch_number, qty, cost_cents, expiry_date
		FROM purchase_order_items
		WHERE purchase_order_id = $1
		ORDER BY seq
	`, purchaseOrderID)
	if err != nil {
		return nil, err
	}
	type poItem struct {
		seq         int
		productID   string
		batchNumber string
		qty         int
		costCents   int64
		expiry      string
	}
	items := make([]poItem, 0, 8)
	for itemRows.Next() {
		var item poItem
		var batchNumber, expiry sql.NullString
		if err := itemRows.Scan(&item.seq, &item.productID, &batchNumber, &item.qty, &item.costCents, &expiry); err != nil {
			_ = itemRows.Close()
			return nil, err
		}
		item.batchNumber = batchNumber.String
		item.expiry = expiry.String
		items = append(items, item)
	}
	if err := itemRows.Err(); err != nil {
		_ = itemRows.Close()
		return nil, err
	}
	_ = itemRows.Close()

	for _, item := range items {
		if item.qty < 1 || item.costCents < 1 {
			return nil, store.ErrInvalidInput
		}
		var expiry any
		if item.expiry != "" {
			parsed, err := time.Parse("2006-01-02", item.expiry)
			if err != nil {
				return nil, store.ErrInvalidInput
			}
			expiry = parsed
		}
		batchNumber := item.batchNumber
		if batchNumber == "" {
			batchNumber = fmt.Sprintf("PO-%s-%02d", purchaseOrderID, item.seq+1)
		}
		var supplierID string
		if err := pgTx.QueryRowContext(ctx, `
			SELECT supplier_id FROM purchase_orders WHERE id = $1
		`, purchaseOrderID).Scan(&supplierID); err != nil {
			return nil, err
		}
		if _, err := pgTx.ExecContext(ctx, `
			INSERT INTO batches (
				id, product_id, batch_number, supplier_id, qty_received, qty_remaining,
				purchase_price_cents, expiry_date, source_type, source_id, received_at, updated_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		`, xid.New("bat"), item.productID, batchNumber, supplierID, item.qty, item.qty,
			item.costCents, expiry, domain.BatchSourcePurchaseOrder, purchaseOrderID, receivedAt); err != nil {
			return nil, conflictErr(err)
		}
	}

	if _, err := pgTx.ExecContext(ctx, `
		UPDATE purchase_orders
		SET status = $2, received_by = $3, received_at = $4
		WHERE id = $1
	`, purchaseOrderID, domain.PurchaseOrderStatusReceived, receivedBy, receivedAt); err != nil {
		return nil, err
	}

	if err := pgTx.Commit(); err != nil {
		return nil, conflictErr(err)
	}

	return s.GetPurchaseOrderByID(ctx, purchaseOrderID)
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, active, created_at)
		VALUES ($1,$2,$3,true,$4)
	`, username, user.Password, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrInvalidInput
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET password = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func uniqueProductIDs(lines []domain.InvoiceLine) []string {
	seen := make(map[string]struct{}, len(lines))
	ids := make([]string, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	sort.Strings(ids)
	return ids
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// conflictErr maps serialization failures and deadlocks to ErrConflict so
// the service layer can retry them.
func conflictErr(err error) error {
	if isSerializationFailure(err) {
		return store.ErrConflict
	}
	return err
}

func dateOnlyUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return dateOnlyUTC(*val)
}
