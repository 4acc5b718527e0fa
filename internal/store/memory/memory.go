package memory

import (
	"context"
	"fmt"
	"math"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"martpos/backend/internal/domain"
	"martpos/backend/internal/store"
	"martpos/backend/internal/xid"
)

type Store struct {
	mu                 sync.RWMutex
	products           map[string]domain.Product
	productsByBarcode  map[string]string
	customersByID      map[string]domain.Customer
	batchesByProduct   map[string][]domain.Batch
	productByBatch     map[string]string
	invoicesByID       map[string]*domain.Invoice
	invoicesByIdem     map[string]*domain.Invoice
	returnsByID        map[string]domain.Return
	heldCartsByID      map[string]domain.Cart
	shiftsByID         map[string]domain.Shift
	activeShiftByTerm  map[string]string
	suppliersByID      map[string]domain.Supplier
	purchaseOrdersByID map[string]domain.PurchaseOrder
	auditLogs          []domain.AuditLog
	usersByUsername    map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD
// environment variables. If unset, hardcoded dev defaults are used and a
// warning is logged. These credentials are never used in production
// (the backend uses PostgreSQL when a database URL is configured).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		log.Warn().Msg("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"cashier", cashierPwd, "cashier"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Error().Err(err).Str("username", u.username).Msg("failed to hash seed password, account not seeded")
			continue
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func New() *Store {
	return &Store{
		products:           map[string]domain.Product{},
		productsByBarcode:  map[string]string{},
		customersByID:      map[string]domain.Customer{},
		batchesByProduct:   map[string][]domain.Batch{},
		productByBatch:     map[string]string{},
		invoicesByID:       map[string]*domain.Invoice{},
		invoicesByIdem:     map[string]*domain.Invoice{},
		returnsByID:        map[string]domain.Return{},
		heldCartsByID:      map[string]domain.Cart{},
		shiftsByID:         map[string]domain.Shift{},
		activeShiftByTerm:  map[string]string{},
		suppliersByID:      map[string]domain.Supplier{},
		purchaseOrdersByID: map[string]domain.PurchaseOrder{},
		auditLogs:          make([]domain.AuditLog, 0, 128),
		usersByUsername:    seedUsers(),
	}
}

func NewSeeded() *Store {
	now := time.Now().UTC()
	products := []domain.Product{
		{ID: "prd-mie-01", SKU: "SKU-MIE-01", Barcode: "8991002101", Name: "Mie Goreng Instan", Category: "grocery", PriceCents: 3500, MinStockLevel: 24, Active: true, CreatedAt: now},
		{ID: "prd-telur-01", SKU: "SKU-TELUR-01", Barcode: "8991002102", Name: "Telur 10 Butir", Category: "grocery", PriceCents: 26500, MinStockLevel: 10, IsPerishable: true, Active: true, CreatedAt: now},
		{ID: "prd-susu-01", SKU: "SKU-SUSU-01", Barcode: "8991002103", Name: "Susu UHT 1L", Category: "dairy", PriceCents: 18900, MinStockLevel: 12, IsPerishable: true, Active: true, CreatedAt: now},
		{ID: "prd-roti-01", SKU: "SKU-ROTI-01", Barcode: "8991002104", Name: "Roti Tawar", Category: "bakery", PriceCents: 17800, MinStockLevel: 8, IsPerishable: true, Active: true, CreatedAt: now},
		{ID: "prd-kopi-01", SKU: "SKU-KOPI-01", Barcode: "8991002105", Name: "Kopi Sachet", Category: "beverage", PriceCents: 2600, MinStockLevel: 48, Active: true, CreatedAt: now},
		{ID: "prd-gula-01", SKU: "SKU-GULA-01", Barcode: "8991002106", Name: "Gula 1kg", Category: "grocery", PriceCents: 17400, MinStockLevel: 20, Active: true, CreatedAt: now},
		{ID: "prd-teh-01", SKU: "SKU-TEH-01", Barcode: "8991002107", Name: "Teh Celup", Category: "beverage", PriceCents: 9800, MinStockLevel: 16, Active: true, CreatedAt: now},
		{ID: "prd-air-01", SKU: "SKU-AIR-01", Barcode: "8991002108", Name: "Air Mineral 600ml", Category: "beverage", PriceCents: 3900, MinStockLevel: 60, Active: true, CreatedAt: now},
		{ID: "prd-sabun-01", SKU: "SKU-SABUN-01", Barcode: "8991002109", Name: "Sabun Mandi", Category: "household", PriceCents: 7400, MinStockLevel: 12, Active: true, CreatedAt: now},
	}

	s := New()
	for _, p := range products {
		s.products[p.ID] = p
		s.productsByBarcode[p.Barcode] = p.ID
		batch := domain.Batch{
			ID:                 xid.New("bat"),
			ProductID:          p.ID,
			BatchNumber:        "SEED-" + p.SKU,
			QtyReceived:        120,
			QtyRemaining:       120,
			PurchasePriceCents: p.PriceCents * 7 / 10,
			SourceType:         domain.BatchSourceReceipt,
			ReceivedAt:         now,
		}
		s.batchesByProduct[p.ID] = []domain.Batch{batch}
		s.productByBatch[batch.ID] = p.ID
	}
	return s
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.Active {
			continue
		}
		products = append(products, p)
	}

	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.Category == b.Category {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.Category, b.Category)
	})

	return products, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.SKU == "" || product.Barcode == "" || product.Name == "" || product.PriceCents < 1 {
		return nil, store.ErrInvalidInput
	}
	if product.MinStockLevel < 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.productsByBarcode[product.Barcode]; exists {
		return nil, store.ErrInvalidInput
	}
	if product.ID == "" {
		product.ID = xid.New("prd")
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}

	product.Active = true
	s.products[product.ID] = product
	s.productsByBarcode[product.Barcode] = product.ID
	created := product
	return &created, nil
}

func (s *Store) GetProductByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.products[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) GetProductByBarcode(_ context.Context, barcode string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.productsByBarcode[barcode]
	if !exists {
		return nil, store.ErrNotFound
	}
	product := s.products[id]
	copyProduct := product
	return &copyProduct, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product.ID == "" || product.Name == "" || product.PriceCents < 1 || product.MinStockLevel < 0 {
		return nil, store.ErrInvalidInput
	}
	existing, exists := s.products[product.ID]
	if !exists {
		return nil, store.ErrNotFound
	}
	// barcode is immutable after creation
	product.Barcode = existing.Barcode
	product.SKU = existing.SKU
	product.CreatedAt = existing.CreatedAt

	s.products[product.ID] = product
	updated := product
	return &updated, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, ids []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) CreateCustomer(_ context.Context, customer domain.Customer) (*domain.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	s.customersByID[customer.ID] = customer
	created := customer
	return &created, nil
}

func (s *Store) GetCustomerByID(_ context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customer, exists := s.customersByID[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyCustomer := customer
	return &copyCustomer, nil
}

func (s *Store) ListCustomers(_ context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	customers := make([]domain.Customer, 0, len(s.customersByID))
	for _, customer := range s.customersByID {
		customers = append(customers, customer)
	}
	slices.SortFunc(customers, func(a, b domain.Customer) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return customers, nil
}

func (s *Store) AddLoyaltyPoints(_ context.Context, customerID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	customer, exists := s.customersByID[customerID]
	if !exists {
		return store.ErrNotFound
	}
	customer.LoyaltyPoints += delta
	if customer.LoyaltyPoints < 0 {
		customer.LoyaltyPoints = 0
	}
	s.customersByID[customerID] = customer
	return nil
}

func (s *Store) CreateBatch(_ context.Context, batch domain.Batch) (*domain.Batch, error) {
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
	if batch.ExpiryDate != nil {
		// Stored as a calendar date, same as the DATE column in Postgres.
		expiry := dateOnlyUTC(*batch.ExpiryDate)
		batch.ExpiryDate = &expiry
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[batch.ProductID]; !exists {
		return nil, store.ErrNotFound
	}

	s.batchesByProduct[batch.ProductID] = append(s.batchesByProduct[batch.ProductID], batch)
	s.productByBatch[batch.ID] = batch.ProductID
	created := cloneBatch(batch)
	return &created, nil
}

func (s *Store) GetBatchByID(_ context.Context, id string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	productID, exists := s.productByBatch[id]
	if !exists {
		return nil, store.ErrNotFound
	}
	for _, batch := range s.batchesByProduct[productID] {
		if batch.ID == id {
			copyBatch := cloneBatch(batch)
			return &copyBatch, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListBatchesByProduct(_ context.Context, productID string, includeEmpty bool) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.products[productID]; !exists {
		return nil, store.ErrNotFound
	}
	result := make([]domain.Batch, 0, len(s.batchesByProduct[productID]))
	for _, batch := range s.batchesByProduct[productID] {
		if !includeEmpty && batch.QtyRemaining < 1 {
			continue
		}
		result = append(result, cloneBatch(batch))
	}
	slices.SortFunc(result, compareBatchFEFO)
	return result, nil
}

func (s *Store) AdjustBatchQty(_ context.Context, batchID string, countedQty int) (*domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	productID, exists := s.productByBatch[batchID]
	if !exists {
		return nil, store.ErrNotFound
	}
	batches := s.batchesByProduct[productID]
	for i := range batches {
		if batches[i].ID != batchID {
			continue
		}
		if countedQty < 0 || countedQty > batches[i].QtyReceived {
			return nil, store.ErrInvalidInput
		}
		batches[i].QtyRemaining = countedQty
		s.batchesByProduct[productID] = batches
		adjusted := cloneBatch(batches[i])
		return &adjusted, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) StockByProduct(_ context.Context, productIDs []string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]int, len(productIDs))
	for _, id := range productIDs {
		total := 0
		for _, batch := range s.batchesByProduct[id] {
			total += batch.QtyRemaining
		}
		result[id] = total
	}
	return result, nil
}

func (s *Store) FindInvoiceByIdempotency(_ context.Context, key string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, ok := s.invoicesByIdem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(invoice), nil
}

func (s *Store) FindInvoiceByID(_ context.Context, id string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, ok := s.invoicesByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneInvoice(invoice), nil
}

// CreateInvoice allocates stock for every line and persists the invoice as
// one atomic step. Allocation walks batches earliest expiry first (batches
// without an expiry sort last), skipping expired batches. If any line cannot
// be covered in full, nothing is decremented.
func (s *Store) CreateInvoice(_ context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if invoice.IdempotencyKey == "" {
		return nil, store.ErrInvalidInput
	}
	if existing, ok := s.invoicesByIdem[invoice.IdempotencyKey]; ok {
		return cloneInvoice(existing), nil
	}
	if len(invoice.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}

	today := dateOnlyUTC(time.Now().UTC())
	overlay := map[string]int{}

	subtotal := int64(0)
	discountTotal := int64(0)
	lines := make([]domain.InvoiceLine, 0, len(invoice.Lines))
	for _, line := range invoice.Lines {
		if line.Qty < 1 {
			return nil, store.ErrInvalidInput
		}
		product, exists := s.products[line.ProductID]
		if !exists || !product.Active {
			return nil, fmt.Errorf("product %s unavailable", line.ProductID)
		}
		lineSubtotal := int64(line.Qty) * product.PriceCents
		if line.DiscountCents < 0 || line.DiscountCents > lineSubtotal {
			return nil, store.ErrInvalidInput
		}

		allocations, err := s.planAllocation(line.ProductID, line.Qty, today, overlay)
		if err != nil {
			return nil, err
		}

		if line.ID == "" {
			line.ID = xid.New("invl")
		}
		line.ProductName = product.Name
		line.UnitPriceCents = product.PriceCents
		line.LineTotalCents = lineSubtotal - line.DiscountCents
		line.Allocations = allocations
		lines = append(lines, line)
		subtotal += lineSubtotal
		discountTotal += line.DiscountCents
	}

	if invoice.TaxRatePercent < 0 || invoice.TaxRatePercent > 100 {
		return nil, store.ErrInvalidInput
	}
	taxBase := subtotal - discountTotal
	taxCents := int64(math.Round(float64(taxBase) * invoice.TaxRatePercent / 100))
	total := taxBase + taxCents

	if invoice.ID == "" {
		invoice.ID = xid.New("inv")
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = time.Now().UTC()
	}
	invoice.Lines = lines
	invoice.SubtotalCents = subtotal
	invoice.DiscountCents = discountTotal
	invoice.TaxCents = taxCents
	invoice.TotalCents = total
	if invoice.Status == "" {
		invoice.Status = domain.InvoiceStatusPaid
	}

	invoice.Payment.AmountCents = total
	if invoice.Payment.Method == domain.PaymentMethodCash {
		if invoice.Payment.CashReceivedCents < total {
			return nil, store.ErrInvalidInput
		}
		invoice.Payment.ChangeCents = invoice.Payment.CashReceivedCents - total
	} else {
		invoice.Payment.ChangeCents = 0
	}

	// all lines planned, apply the decrements
	for _, line := range invoice.Lines {
		batches := s.batchesByProduct[line.ProductID]
		for _, alloc := range line.Allocations {
			for i := range batches {
				if batches[i].ID == alloc.BatchID {
					batches[i].QtyRemaining -= alloc.Qty
					break
				}
			}
		}
		s.batchesByProduct[line.ProductID] = batches
	}

	invoiceCopy := cloneInvoice(&invoice)
	s.invoicesByID[invoice.ID] = invoiceCopy
	s.invoicesByIdem[invoice.IdempotencyKey] = invoiceCopy

	return cloneInvoice(invoiceCopy), nil
}

// planAllocation computes the batches a quantity would draw from, without
// mutating them. The overlay carries decrements already planned by earlier
// lines of the same invoice so two lines of one product cannot double-spend
// a batch.
func (s *Store) planAllocation(productID string, qty int, today time.Time, overlay map[string]int) ([]domain.BatchAllocation, error) {
	batches := make([]domain.Batch, len(s.batchesByProduct[productID]))
	copy(batches, s.batchesByProduct[productID])
	slices.SortFunc(batches, compareBatchFEFO)

	allocations := make([]domain.BatchAllocation, 0, 2)
	remaining := qty
	for _, batch := range batches {
		if remaining == 0 {
			break
		}
		if batch.ExpiryDate != nil && dateOnlyUTC(*batch.ExpiryDate).Before(today) {
			continue
		}
		available := batch.QtyRemaining - overlay[batch.ID]
		if available < 1 {
			continue
		}
		used := remaining
		if used > available {
			used = available
		}
		allocations = append(allocations, domain.BatchAllocation{
			BatchID:       batch.ID,
			Qty:           used,
			UnitCostCents: batch.PurchasePriceCents,
		})
		remaining -= used
	}
	if remaining > 0 {
		return nil, store.ErrInsufficientStock
	}
	for _, alloc := range allocations {
		overlay[alloc.BatchID] += alloc.Qty
	}
	return allocations, nil
}

func (s *Store) GetReturnedQtyByInvoice(_ context.Context, invoiceID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.returnedQtyLocked(invoiceID), nil
}

func (s *Store) returnedQtyLocked(invoiceID string) map[string]int {
	result := make(map[string]int)
	for _, ret := range s.returnsByID {
		if ret.InvoiceID != invoiceID {
			continue
		}
		for _, line := range ret.Lines {
			result[line.InvoiceLineID] += line.Qty
		}
	}
	return result
}

// CreateReturn restores stock to the exact batches the invoice drew from,
// most recently drawn portion first, and persists the return record. The
// whole request is validated against the returnable remainder before any
// batch is touched.
func (s *Store) CreateReturn(_ context.Context, ret domain.Return) (*domain.Return, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(ret.InvoiceID) == "" || len(ret.Lines) == 0 {
		return nil, store.ErrInvalidInput
	}
	invoice, ok := s.invoicesByID[ret.InvoiceID]
	if !ok {
		return nil, store.ErrNotFound
	}

	linesByID := make(map[string]domain.InvoiceLine, len(invoice.Lines))
	for _, line := range invoice.Lines {
		linesByID[line.ID] = line
	}
	alreadyReturned := s.returnedQtyLocked(ret.InvoiceID)

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

		restorations := lifoRestorations(invLine.Allocations, alreadyReturned[retLine.InvoiceLineID]+requested[retLine.InvoiceLineID]-retLine.Qty, retLine.Qty)
		retLine.ProductID = invLine.ProductID
		retLine.Restorations = restorations
		lines = append(lines, retLine)
	}

	// Check every restoration against the received ceiling before touching
	// any batch, so a rejected return leaves stock exactly as it was. The
	// ceiling can bite when a stock opname raised the batch back up between
	// the sale and the return.
	pending := map[string]int{}
	for _, retLine := range lines {
		for _, restore := range retLine.Restorations {
			pending[restore.BatchID] += restore.Qty
		}
	}
	for batchID, qty := range pending {
		productID, exists := s.productByBatch[batchID]
		if !exists {
			return nil, store.ErrNotFound
		}
		for _, batch := range s.batchesByProduct[productID] {
			if batch.ID != batchID {
				continue
			}
			if batch.QtyRemaining+qty > batch.QtyReceived {
				return nil, store.ErrInvalidInput
			}
			break
		}
	}

	for _, retLine := range lines {
		batches := s.batchesByProduct[retLine.ProductID]
		for _, restore := range retLine.Restorations {
			for i := range batches {
				if batches[i].ID == restore.BatchID {
					batches[i].QtyRemaining += restore.Qty
					break
				}
			}
		}
		s.batchesByProduct[retLine.ProductID] = batches
	}

	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	if ret.CreatedAt.IsZero() {
		ret.CreatedAt = time.Now().UTC()
	}
	ret.Lines = lines

	fullyReturned := true
	for _, invLine := range invoice.Lines {
		if alreadyReturned[invLine.ID]+requested[invLine.ID] < invLine.Qty {
			fullyReturned = false
			break
		}
	}
	if fullyReturned {
		invoice.Status = domain.InvoiceStatusReturned
	}

	s.returnsByID[ret.ID] = cloneReturn(ret)
	created := cloneReturn(ret)
	return &created, nil
}

// lifoRestorations walks the draw-order allocation list from the tail,
// skipping portions restored by earlier returns, and picks the next qty
// units to give back.
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

func (s *Store) ListReturnsByInvoice(_ context.Context, invoiceID string) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Return, 0, 4)
	for _, ret := range s.returnsByID {
		if ret.InvoiceID != invoiceID {
			continue
		}
		result = append(result, cloneReturn(ret))
	}
	slices.SortFunc(result, func(a, b domain.Return) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) SaveHeldCart(_ context.Context, cart domain.Cart) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	s.heldCartsByID[cart.ID] = cloneCart(cart)
	saved := cloneCart(s.heldCartsByID[cart.ID])
	return &saved, nil
}

func (s *Store) ListHeldCarts(_ context.Context, terminalID string, limit int) ([]domain.Cart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Cart, 0, 64)
	for _, cart := range s.heldCartsByID {
		if terminalID != "" && cart.TerminalID != terminalID {
			continue
		}
		result = append(result, cloneCart(cart))
	}
	slices.SortFunc(result, func(a, b domain.Cart) int {
		aAt, bAt := heldAtOrZero(a), heldAtOrZero(b)
		if aAt.Equal(bAt) {
			return cmpString(b.ID, a.ID)
		}
		if aAt.After(bAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) PopHeldCart(_ context.Context, cartID string) (*domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cart, exists := s.heldCartsByID[cartID]
	if !exists {
		return nil, store.ErrNotFound
	}
	delete(s.heldCartsByID, cartID)
	result := cloneCart(cart)
	return &result, nil
}

func (s *Store) DeleteHeldCart(_ context.Context, cartID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.heldCartsByID[cartID]; !exists {
		return store.ErrNotFound
	}
	delete(s.heldCartsByID, cartID)
	return nil
}

func (s *Store) CreateShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.TerminalID) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.activeShiftByTerm[shift.TerminalID]; exists {
		return nil, store.ErrInvalidInput
	}
	if shift.ID == "" {
		shift.ID = xid.New("shf")
	}
	if shift.OpenedAt.IsZero() {
		shift.OpenedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusOpen
	shift.ClosedAt = nil
	shift.ActualCashCents = 0
	shift.ExpectedCashCents = 0
	shift.DiscrepancyCents = 0

	s.shiftsByID[shift.ID] = shift
	s.activeShiftByTerm[shift.TerminalID] = shift.ID
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) GetActiveShift(_ context.Context, terminalID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shiftID, exists := s.activeShiftByTerm[terminalID]
	if !exists {
		return nil, store.ErrNotFound
	}
	shift, exists := s.shiftsByID[shiftID]
	if !exists || shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrNotFound
	}
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) CloseActiveShift(_ context.Context, terminalID string, actualCashCents int64, expectedCashCents int64, notes string, closedAt time.Time) (*domain.Shift, error) {
	if strings.TrimSpace(terminalID) == "" {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shiftID, exists := s.activeShiftByTerm[terminalID]
	if !exists {
		return nil, store.ErrNotFound
	}
	shift, exists := s.shiftsByID[shiftID]
	if !exists || shift.Status != domain.ShiftStatusOpen {
		return nil, store.ErrNotFound
	}
	if closedAt.IsZero() {
		closedAt = time.Now().UTC()
	}
	shift.Status = domain.ShiftStatusClosed
	shift.ActualCashCents = actualCashCents
	shift.ExpectedCashCents = expectedCashCents
	shift.DiscrepancyCents = actualCashCents - expectedCashCents
	shift.Notes = notes
	shift.ClosedAt = &closedAt

	delete(s.activeShiftByTerm, terminalID)
	s.shiftsByID[shiftID] = shift
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) GetShiftByID(_ context.Context, shiftID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, exists := s.shiftsByID[shiftID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) GetShiftTotals(_ context.Context, shiftID string) (domain.ShiftTotals, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := domain.ShiftTotals{ByPayment: make([]domain.PaymentMethodTotal, 0, 4)}
	if _, exists := s.shiftsByID[shiftID]; !exists {
		return totals, store.ErrNotFound
	}

	byPayment := map[string]*domain.PaymentMethodTotal{}
	for _, invoice := range s.invoicesByID {
		if invoice.ShiftID != shiftID {
			continue
		}
		totals.InvoiceCount++
		totals.SalesCents += invoice.TotalCents
		if invoice.Payment.Method == domain.PaymentMethodCash {
			totals.CashSalesCents += invoice.TotalCents
		}
		entry := byPayment[invoice.Payment.Method]
		if entry == nil {
			entry = &domain.PaymentMethodTotal{Method: invoice.Payment.Method}
			byPayment[invoice.Payment.Method] = entry
		}
		entry.Count++
		entry.TotalCents += invoice.TotalCents
	}
	for _, ret := range s.returnsByID {
		if ret.ShiftID != shiftID {
			continue
		}
		totals.ReturnCount++
		totals.RefundCents += ret.RefundCents
		if ret.RefundMethod == domain.PaymentMethodCash {
			totals.CashRefundCents += ret.RefundCents
		}
	}

	for _, entry := range byPayment {
		totals.ByPayment = append(totals.ByPayment, *entry)
	}
	slices.SortFunc(totals.ByPayment, func(a, b domain.PaymentMethodTotal) int {
		return cmpString(a.Method, b.Method)
	})
	return totals, nil
}

func (s *Store) GetDailyReport(_ context.Context, from time.Time, to time.Time) (domain.DailyReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.DailyReport{
		ByPayment: make([]domain.DailyReportPayment, 0, 4),
	}
	byPayment := map[string]*domain.DailyReportPayment{}

	for _, invoice := range s.invoicesByID {
		if invoice.CreatedAt.Before(from) || !invoice.CreatedAt.Before(to) {
			continue
		}
		report.Invoices++
		report.GrossSalesCents += invoice.SubtotalCents
		report.DiscountCents += invoice.DiscountCents
		report.TaxCents += invoice.TaxCents
		report.NetSalesCents += invoice.TotalCents

		payment := byPayment[invoice.Payment.Method]
		if payment == nil {
			payment = &domain.DailyReportPayment{Method: invoice.Payment.Method}
			byPayment[invoice.Payment.Method] = payment
		}
		payment.Invoices++
		payment.TotalCents += invoice.TotalCents
	}
	for _, ret := range s.returnsByID {
		if ret.CreatedAt.Before(from) || !ret.CreatedAt.Before(to) {
			continue
		}
		report.RefundCents += ret.RefundCents
		report.NetSalesCents -= ret.RefundCents
	}

	for _, entry := range byPayment {
		report.ByPayment = append(report.ByPayment, *entry)
	}
	slices.SortFunc(report.ByPayment, func(a, b domain.DailyReportPayment) int {
		return cmpString(a.Method, b.Method)
	})
	return report, nil
}

func (s *Store) LowStockReport(_ context.Context) ([]domain.LowStockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LowStockItem, 0, 16)
	for id, product := range s.products {
		if !product.Active || product.MinStockLevel < 1 {
			continue
		}
		total := 0
		for _, batch := range s.batchesByProduct[id] {
			total += batch.QtyRemaining
		}
		if total >= product.MinStockLevel {
			continue
		}
		result = append(result, domain.LowStockItem{
			ProductID:     id,
			SKU:           product.SKU,
			Name:          product.Name,
			QtyRemaining:  total,
			MinStockLevel: product.MinStockLevel,
		})
	}
	slices.SortFunc(result, func(a, b domain.LowStockItem) int {
		return cmpString(a.SKU, b.SKU)
	})
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 64)
	for _, entry := range s.auditLogs {
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
	}

	slices.SortFunc(result, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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

	s.suppliersByID[supplier.ID] = supplier
	copySupplier := supplier
	return &copySupplier, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliersByID))
	for _, supplier := range s.suppliersByID {
		suppliers = append(suppliers, supplier)
	}
	slices.SortFunc(suppliers, func(a, b domain.Supplier) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.Name, b.Name)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return suppliers, nil
}

func (s *Store) CreatePurchaseOrder(_ context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if po.SupplierID == "" || len(po.Items) == 0 {
		return nil, store.ErrInvalidInput
	}
	if _, exists := s.suppliersByID[po.SupplierID]; !exists {
		return nil, store.ErrNotFound
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

	items := make([]domain.PurchaseOrderItem, 0, len(po.Items))
	for _, item := range po.Items {
		if item.ProductID == "" || item.Qty < 1 || item.CostCents < 1 {
			return nil, store.ErrInvalidInput
		}
		if _, exists := s.products[item.ProductID]; !exists {
			return nil, store.ErrNotFound
		}
		if item.ExpiryDate != "" {
			if _, err := time.Parse("2006-01-02", item.ExpiryDate); err != nil {
				return nil, store.ErrInvalidInput
			}
		}
		items = append(items, item)
	}
	po.Items = items

	s.purchaseOrdersByID[po.ID] = clonePurchaseOrder(po)
	saved := clonePurchaseOrder(s.purchaseOrdersByID[po.ID])
	return &saved, nil
}

func (s *Store) GetPurchaseOrderByID(_ context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	po, exists := s.purchaseOrdersByID[purchaseOrderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	copyPO := clonePurchaseOrder(po)
	return &copyPO, nil
}

func (s *Store) ListPurchaseOrders(_ context.Context, status string, limit int) ([]domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status = strings.ToLower(strings.TrimSpace(status))
	result := make([]domain.PurchaseOrder, 0, len(s.purchaseOrdersByID))
	for _, po := range s.purchaseOrdersByID {
		if status != "" && po.Status != status {
			continue
		}
		result = append(result, clonePurchaseOrder(po))
	}
	slices.SortFunc(result, func(a, b domain.PurchaseOrder) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ReceivePurchaseOrder(_ context.Context, purchaseOrderID string, receivedBy string, receivedAt time.Time) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	po, exists := s.purchaseOrdersByID[purchaseOrderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if po.Status == domain.PurchaseOrderStatusReceived {
		return nil, store.ErrInvalidInput
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	for idx, item := range po.Items {
		if item.Qty < 1 || item.CostCents < 1 {
			return nil, store.ErrInvalidInput
		}
		var expiry *time.Time
		if item.ExpiryDate != "" {
			parsed, err := time.Parse("2006-01-02", item.ExpiryDate)
			if err != nil {
				return nil, store.ErrInvalidInput
			}
			expiry = &parsed
		}
		batchNumber := item.BatchNumber
		if batchNumber == "" {
			batchNumber = fmt.Sprintf("PO-%s-%02d", po.ID, idx+1)
		}
		batch := domain.Batch{
			ID:                 xid.New("bat"),
			ProductID:          item.ProductID,
			BatchNumber:        batchNumber,
			SupplierID:         po.SupplierID,
			QtyReceived:        item.Qty,
			QtyRemaining:       item.Qty,
			PurchasePriceCents: item.CostCents,
			ExpiryDate:         expiry,
			SourceType:         domain.BatchSourcePurchaseOrder,
			SourceID:           po.ID,
			ReceivedAt:         receivedAt,
		}
		s.batchesByProduct[item.ProductID] = append(s.batchesByProduct[item.ProductID], batch)
		s.productByBatch[batch.ID] = item.ProductID
	}

	po.Status = domain.PurchaseOrderStatusReceived
	po.ReceivedBy = strings.TrimSpace(receivedBy)
	if po.ReceivedBy == "" {
		po.ReceivedBy = "system"
	}
	po.ReceivedAt = &receivedAt
	s.purchaseOrdersByID[purchaseOrderID] = po
	updated := clonePurchaseOrder(po)
	return &updated, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrInvalidInput
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrInvalidInput
	}
	user.Username = username
	if user.Role == "" {
		user.Role = "cashier"
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrInvalidInput
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func dateOnlyUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func heldAtOrZero(cart domain.Cart) time.Time {
	if cart.HeldAt == nil {
		return time.Time{}
	}
	return *cart.HeldAt
}

func compareBatchFEFO(a domain.Batch, b domain.Batch) int {
	if a.ExpiryDate == nil && b.ExpiryDate != nil {
		return 1
	}
	if a.ExpiryDate != nil && b.ExpiryDate == nil {
		return -1
	}
	if a.ExpiryDate != nil && b.ExpiryDate != nil {
		// Expiry is a calendar date; time-of-day must not break the
		// ReceivedAt tie-break.
		expA := dateOnlyUTC(*a.ExpiryDate)
		expB := dateOnlyUTC(*b.ExpiryDate)
		if expA.Before(expB) {
			return -1
		}
		if expA.After(expB) {
			return 1
		}
	}
	if a.ReceivedAt.Before(b.ReceivedAt) {
		return -1
	}
	if a.ReceivedAt.After(b.ReceivedAt) {
		return 1
	}
	return cmpString(a.ID, b.ID)
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneBatch(src domain.Batch) domain.Batch {
	dup := src
	if src.ExpiryDate != nil {
		expiry := src.ExpiryDate.UTC()
		dup.ExpiryDate = &expiry
	}
	return dup
}

func cloneInvoice(src *domain.Invoice) *domain.Invoice {
	if src == nil {
		return nil
	}
	dup := *src
	dupLines := make([]domain.InvoiceLine, len(src.Lines))
	for i, line := range src.Lines {
		lineCopy := line
		allocations := make([]domain.BatchAllocation, len(line.Allocations))
		copy(allocations, line.Allocations)
		lineCopy.Allocations = allocations
		dupLines[i] = lineCopy
	}
	dup.Lines = dupLines
	return &dup
}

func cloneReturn(src domain.Return) domain.Return {
	dup := src
	dupLines := make([]domain.ReturnLine, len(src.Lines))
	for i, line := range src.Lines {
		lineCopy := line
		restorations := make([]domain.BatchAllocation, len(line.Restorations))
		copy(restorations, line.Restorations)
		lineCopy.Restorations = restorations
		dupLines[i] = lineCopy
	}
	dup.Lines = dupLines
	return dup
}

func cloneCart(src domain.Cart) domain.Cart {
	dup := src
	lines := make([]domain.CartLine, len(src.Lines))
	copy(lines, src.Lines)
	dup.Lines = lines
	if src.HeldAt != nil {
		heldAt := src.HeldAt.UTC()
		dup.HeldAt = &heldAt
	}
	return dup
}

func clonePurchaseOrder(src domain.PurchaseOrder) domain.PurchaseOrder {
	dup := src
	items := make([]domain.PurchaseOrderItem, len(src.Items))
	copy(items, src.Items)
	dup.Items = items
	return dup
}
