package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"

	"martpos/backend/internal/cache"
	"martpos/backend/internal/domain"
	"martpos/backend/internal/metrics"
	"martpos/backend/internal/store"
	"martpos/backend/internal/xid"
)

const (
	barcodeCacheTTL  = 5 * time.Minute
	loyaltyCentsStep = 1000
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo     store.Repository
	products cache.ProductCache
	carts    *cartRegistry
}

func New(repo store.Repository, products cache.ProductCache) *Service {
	if products == nil {
		products = cache.NoopProductCache{}
	}

	return &Service{
		repo:     repo,
		products: products,
		carts:    newCartRegistry(),
	}
}

// retryConflict retries serialization conflicts a bounded number of times
// before giving up. Every other error passes through untouched.
func retryConflict(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(25*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, store.ErrConflict) {
			metrics.ConflictRetriesTotal.Inc()
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	req.SKU = strings.ToUpper(strings.TrimSpace(req.SKU))
	req.Barcode = strings.TrimSpace(req.Barcode)
	req.Name = strings.TrimSpace(req.Name)
	req.Category = strings.TrimSpace(req.Category)

	if req.SKU == "" || req.Barcode == "" || req.Name == "" {
		return domain.Product{}, store.ErrInvalidInput
	}
	if req.PriceCents < 1 || req.MinStockLevel < 0 {
		return domain.Product{}, store.ErrInvalidInput
	}

	product := domain.Product{
		SKU:           req.SKU,
		Barcode:       req.Barcode,
		Name:          req.Name,
		Category:      req.Category,
		PriceCents:    req.PriceCents,
		MinStockLevel: req.MinStockLevel,
		IsPerishable:  req.IsPerishable,
		Active:        true,
	}

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", created.ID, fmt.Sprintf("sku=%s,price=%d", created.SKU, created.PriceCents))
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, productID string, req domain.ProductUpdateRequest) (domain.Product, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Product{}, fmt.Errorf("admin role required")
	}

	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, store.ErrInvalidInput
	}

	existing, err := s.repo.GetProductByID(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}

	updated := *existing
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.Name = name
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.PriceCents != nil {
		if *req.PriceCents < 1 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.PriceCents = *req.PriceCents
	}
	if req.MinStockLevel != nil {
		if *req.MinStockLevel < 0 {
			return domain.Product{}, store.ErrInvalidInput
		}
		updated.MinStockLevel = *req.MinStockLevel
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}

	saved, err := s.repo.UpdateProduct(ctx, updated)
	if err != nil {
		return domain.Product{}, err
	}

	if err := s.products.Invalidate(ctx, saved.Barcode); err != nil {
		log.Warn().Err(err).Str("barcode", saved.Barcode).Msg("failed to invalidate product cache")
	}

	s.logAudit(ctx, "product_update", "product", saved.ID, fmt.Sprintf("active=%t,price=%d", saved.Active, saved.PriceCents))
	return *saved, nil
}

// LookupProductByBarcode serves scanner traffic through the cache.
func (s *Service) LookupProductByBarcode(ctx context.Context, barcode string) (domain.Product, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.Product{}, store.ErrInvalidInput
	}

	if cached, found, err := s.products.Get(ctx, barcode); err == nil && found {
		return *cached, nil
	} else if err != nil {
		log.Warn().Err(err).Str("barcode", barcode).Msg("product cache read failed")
	}

	product, err := s.repo.GetProductByBarcode(ctx, barcode)
	if err != nil {
		return domain.Product{}, err
	}

	if err := s.products.Set(ctx, barcode, product, barcodeCacheTTL); err != nil {
		log.Warn().Err(err).Str("barcode", barcode).Msg("product cache write failed")
	}
	return *product, nil
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" {
		return domain.Customer{}, store.ErrInvalidInput
	}

	created, err := s.repo.CreateCustomer(ctx, domain.Customer{
		Name:  req.Name,
		Phone: req.Phone,
	})
	if err != nil {
		return domain.Customer{}, err
	}

	s.logAudit(ctx, "customer_create", "customer", created.ID, fmt.Sprintf("name=%s", created.Name))
	return *created, nil
}

func (s *Service) GetCustomer(ctx context.Context, customerID string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomerByID(ctx, strings.TrimSpace(customerID))
	if err != nil {
		return domain.Customer{}, err
	}
	return *customer, nil
}

func (s *Service) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	return s.repo.ListCustomers(ctx)
}

func (s *Service) ReceiveBatch(ctx context.Context, req domain.BatchReceiveRequest) (domain.Batch, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Batch{}, fmt.Errorf("admin role required")
	}

	req.ProductID = strings.TrimSpace(req.ProductID)
	req.BatchNumber = strings.TrimSpace(req.BatchNumber)
	if req.ProductID == "" || req.Qty < 1 || req.PurchasePriceCents < 1 {
		return domain.Batch{}, store.ErrInvalidInput
	}
	if _, err := s.repo.GetProductByID(ctx, req.ProductID); err != nil {
		return domain.Batch{}, err
	}

	var expiryDate *time.Time
	if strings.TrimSpace(req.ExpiryDate) != "" {
		parsed, err := time.Parse("2006-01-02", req.ExpiryDate)
		if err != nil {
			return domain.Batch{}, store.ErrInvalidInput
		}
		exp := parsed.UTC()
		expiryDate = &exp
	}

	batch, err := s.repo.CreateBatch(ctx, domain.Batch{
		ProductID:          req.ProductID,
		BatchNumber:        req.BatchNumber,
		SupplierID:         strings.TrimSpace(req.SupplierID),
		QtyReceived:        req.Qty,
		QtyRemaining:       req.Qty,
		PurchasePriceCents: req.PurchasePriceCents,
		ExpiryDate:         expiryDate,
		LocationCode:       strings.TrimSpace(req.LocationCode),
		SourceType:         domain.BatchSourceReceipt,
		ReceivedAt:         time.Now().UTC(),
	})
	if err != nil {
		return domain.Batch{}, err
	}

	s.logAudit(ctx, "batch_receive", "batch", batch.ID, fmt.Sprintf("product=%s,qty=%d,expiry=%s", batch.ProductID, batch.QtyReceived, req.ExpiryDate))
	return *batch, nil
}

func (s *Service) ListBatches(ctx context.Context, productID string, includeEmpty bool) (domain.BatchListResponse, error) {
	batches, err := s.repo.ListBatchesByProduct(ctx, strings.TrimSpace(productID), includeEmpty)
	if err != nil {
		return domain.BatchListResponse{}, err
	}
	return domain.BatchListResponse{Batches: batches}, nil
}

func (s *Service) StockOpname(ctx context.Context, req domain.StockOpnameRequest) (domain.StockOpnameResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.StockOpnameResponse{}, fmt.Errorf("admin role required")
	}
	if len(req.Adjustments) == 0 {
		return domain.StockOpnameResponse{}, store.ErrInvalidInput
	}

	deltas := make([]domain.StockOpnameDelta, 0, len(req.Adjustments))
	for _, adj := range req.Adjustments {
		adj.BatchID = strings.TrimSpace(adj.BatchID)
		if adj.BatchID == "" || adj.CountedQty < 0 {
			return domain.StockOpnameResponse{}, store.ErrInvalidInput
		}
		current, err := s.repo.GetBatchByID(ctx, adj.BatchID)
		if err != nil {
			return domain.StockOpnameResponse{}, err
		}
		systemQty := current.QtyRemaining
		if systemQty != adj.CountedQty {
			if _, err := s.repo.AdjustBatchQty(ctx, adj.BatchID, adj.CountedQty); err != nil {
				return domain.StockOpnameResponse{}, err
			}
		}
		deltas = append(deltas, domain.StockOpnameDelta{
			BatchID:    adj.BatchID,
			SystemQty:  systemQty,
			CountedQty: adj.CountedQty,
			DeltaQty:   adj.CountedQty - systemQty,
		})
	}

	opnameID := xid.New("opname")
	s.logAudit(ctx, "stock_opname", "inventory", opnameID, fmt.Sprintf("batches=%d,notes=%s", len(deltas), req.Notes))

	return domain.StockOpnameResponse{
		OpnameID:  opnameID,
		Notes:     req.Notes,
		Deltas:    deltas,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) LowStockReport(ctx context.Context) (domain.LowStockResponse, error) {
	items, err := s.repo.LowStockReport(ctx)
	if err != nil {
		return domain.LowStockResponse{}, err
	}
	return domain.LowStockResponse{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Items:       items,
	}, nil
}

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.ShiftResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.ShiftResponse{}, fmt.Errorf("authenticated actor required")
	}

	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" || req.OpeningFloatCents < 0 {
		return domain.ShiftResponse{}, store.ErrInvalidInput
	}

	if _, err := s.repo.GetActiveShift(ctx, req.TerminalID); err == nil {
		return domain.ShiftResponse{}, fmt.Errorf("shift already open for terminal %s", req.TerminalID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.ShiftResponse{}, err
	}

	shift, err := s.repo.CreateShift(ctx, domain.Shift{
		TerminalID:        req.TerminalID,
		CashierUsername:   actor.Username,
		OpeningFloatCents: req.OpeningFloatCents,
		Status:            domain.ShiftStatusOpen,
		OpenedAt:          time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidInput) {
			return domain.ShiftResponse{}, fmt.Errorf("shift already open for terminal %s", req.TerminalID)
		}
		return domain.ShiftResponse{}, err
	}

	s.logAudit(ctx, "shift_open", "shift", shift.ID, fmt.Sprintf("terminal=%s,float=%d", shift.TerminalID, shift.OpeningFloatCents))
	return domain.ShiftResponse{Shift: *shift}, nil
}

// CloseShift records the counted drawer against the expected cash position.
// A discrepancy never blocks the close; it is recorded and reported.
func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (domain.ShiftResponse, error) {
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	if req.TerminalID == "" || req.ActualCashCents < 0 {
		return domain.ShiftResponse{}, store.ErrInvalidInput
	}

	active, err := s.repo.GetActiveShift(ctx, req.TerminalID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}

	totals, err := s.repo.GetShiftTotals(ctx, active.ID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	expected := active.OpeningFloatCents + totals.CashSalesCents - totals.CashRefundCents

	closed, err := s.repo.CloseActiveShift(ctx, req.TerminalID, req.ActualCashCents, expected, strings.TrimSpace(req.Notes), time.Now().UTC())
	if err != nil {
		return domain.ShiftResponse{}, err
	}

	metrics.ShiftDiscrepancyCents.WithLabelValues(closed.TerminalID).Set(float64(closed.DiscrepancyCents))
	if closed.DiscrepancyCents != 0 {
		log.Warn().
			Str("shift_id", closed.ID).
			Str("terminal_id", closed.TerminalID).
			Int64("expected_cents", closed.ExpectedCashCents).
			Int64("actual_cents", closed.ActualCashCents).
			Int64("discrepancy_cents", closed.DiscrepancyCents).
			Msg("cash discrepancy at shift close")
	}

	s.logAudit(ctx, "shift_close", "shift", closed.ID, fmt.Sprintf("expected=%d,actual=%d,discrepancy=%d", closed.ExpectedCashCents, closed.ActualCashCents, closed.DiscrepancyCents))
	return domain.ShiftResponse{Shift: *closed}, nil
}

func (s *Service) GetActiveShift(ctx context.Context, terminalID string) (domain.ShiftResponse, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return domain.ShiftResponse{}, store.ErrInvalidInput
	}

	shift, err := s.repo.GetActiveShift(ctx, terminalID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	return domain.ShiftResponse{Shift: *shift}, nil
}

func (s *Service) ShiftReport(ctx context.Context, shiftID string) (domain.ShiftReport, error) {
	shiftID = strings.TrimSpace(shiftID)
	if shiftID == "" {
		return domain.ShiftReport{}, store.ErrInvalidInput
	}

	shift, err := s.repo.GetShiftByID(ctx, shiftID)
	if err != nil {
		return domain.ShiftReport{}, err
	}
	totals, err := s.repo.GetShiftTotals(ctx, shiftID)
	if err != nil {
		return domain.ShiftReport{}, err
	}
	return domain.ShiftReport{Shift: *shift, Totals: totals}, nil
}

// Checkout finalizes an open cart. The store decrements every allocated
// batch and writes the invoice in one transaction, so either the whole
// sale lands or nothing moves.
func (s *Service) Checkout(ctx context.Context, cartID string, req domain.CheckoutRequest) (domain.InvoiceResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.InvoiceResponse{}, fmt.Errorf("authenticated actor required")
	}

	cart, err := s.carts.get(cartID)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}
	if len(cart.Lines) == 0 {
		return domain.InvoiceResponse{}, store.ErrInvalidInput
	}

	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if req.PaymentMethod == "" {
		req.PaymentMethod = domain.PaymentMethodCash
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return domain.InvoiceResponse{}, store.ErrInvalidInput
	}
	if req.PaymentMethod != domain.PaymentMethodCash && strings.TrimSpace(req.TransactionRef) == "" {
		return domain.InvoiceResponse{}, store.ErrInvalidInput
	}
	if req.TaxRatePercent < 0 || req.TaxRatePercent > 100 {
		return domain.InvoiceResponse{}, store.ErrInvalidInput
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = xid.New("idem")
	}

	shift, err := s.repo.GetActiveShift(ctx, cart.TerminalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.InvoiceResponse{}, fmt.Errorf("active shift required for terminal %s", cart.TerminalID)
		}
		return domain.InvoiceResponse{}, err
	}

	if existing, err := s.repo.FindInvoiceByIdempotency(ctx, req.IdempotencyKey); err == nil {
		return domain.InvoiceResponse{Invoice: *existing, Duplicate: true}, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.InvoiceResponse{}, err
	}

	lines := make([]domain.InvoiceLine, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		lines = append(lines, domain.InvoiceLine{
			ProductID:     line.ProductID,
			Qty:           line.Qty,
			DiscountCents: line.DiscountCents,
		})
	}

	invoice := domain.Invoice{
		TerminalID:      cart.TerminalID,
		ShiftID:         shift.ID,
		CashierUsername: actor.Username,
		CustomerID:      cart.CustomerID,
		IdempotencyKey:  req.IdempotencyKey,
		TaxRatePercent:  req.TaxRatePercent,
		Payment: domain.Payment{
			Method:            req.PaymentMethod,
			TransactionRef:    strings.TrimSpace(req.TransactionRef),
			CashReceivedCents: req.CashReceivedCents,
		},
		Status:    domain.InvoiceStatusPaid,
		CreatedAt: time.Now().UTC(),
		Lines:     lines,
	}

	var created *domain.Invoice
	err = retryConflict(ctx, func(ctx context.Context) error {
		var createErr error
		created, createErr = s.repo.CreateInvoice(ctx, invoice)
		return createErr
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientStock) {
			metrics.AllocationFailuresTotal.Inc()
		}
		return domain.InvoiceResponse{}, err
	}

	s.carts.finalize(cartID)
	metrics.CheckoutsTotal.WithLabelValues(created.Payment.Method).Inc()

	if created.CustomerID != "" {
		points := created.TotalCents / loyaltyCentsStep
		if points > 0 {
			if err := s.repo.AddLoyaltyPoints(ctx, created.CustomerID, points); err != nil {
				log.Warn().Err(err).Str("customer_id", created.CustomerID).Msg("failed to accrue loyalty points")
			}
		}
	}

	s.logAudit(ctx, "checkout", "invoice", created.ID, fmt.Sprintf("total=%d,payment=%s,lines=%d", created.TotalCents, created.Payment.Method, len(created.Lines)))
	return domain.InvoiceResponse{Invoice: *created, Duplicate: false}, nil
}

func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (domain.Invoice, error) {
	invoice, err := s.repo.FindInvoiceByID(ctx, strings.TrimSpace(invoiceID))
	if err != nil {
		return domain.Invoice{}, err
	}
	return *invoice, nil
}

func (s *Service) LookupInvoiceByIdempotency(ctx context.Context, idempotencyKey string) (domain.InvoiceResponse, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return domain.InvoiceResponse{}, store.ErrInvalidInput
	}
	invoice, err := s.repo.FindInvoiceByIdempotency(ctx, idempotencyKey)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}
	return domain.InvoiceResponse{Invoice: *invoice, Duplicate: true}, nil
}

func (s *Service) ListReturns(ctx context.Context, invoiceID string) ([]domain.Return, error) {
	invoiceID = strings.TrimSpace(invoiceID)
	if invoiceID == "" {
		return nil, store.ErrInvalidInput
	}
	if _, err := s.repo.FindInvoiceByID(ctx, invoiceID); err != nil {
		return nil, err
	}
	return s.repo.ListReturnsByInvoice(ctx, invoiceID)
}

func (s *Service) DailyReport(ctx context.Context, date string) (domain.DailyReport, error) {
	var day time.Time
	if strings.TrimSpace(date) == "" {
		now := time.Now().UTC()
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return domain.DailyReport{}, store.ErrInvalidInput
		}
		day = parsed.UTC()
	}
	from := day
	to := from.Add(24 * time.Hour)

	report, err := s.repo.GetDailyReport(ctx, from, to)
	if err != nil {
		return domain.DailyReport{}, err
	}
	report.Date = from.Format("2006-01-02")
	return report, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return nil, fmt.Errorf("admin role required")
	}
	if limit < 1 {
		limit = 100
	}

	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidInput
		}
		from = parsed.UTC()
	}
	to := from.Add(24 * time.Hour)

	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Supplier{}, fmt.Errorf("admin role required")
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return domain.Supplier{}, store.ErrInvalidInput
	}

	saved, err := s.repo.CreateSupplier(ctx, domain.Supplier{
		Name:  req.Name,
		Phone: strings.TrimSpace(req.Phone),
	})
	if err != nil {
		return domain.Supplier{}, err
	}

	s.logAudit(ctx, "supplier_create", "supplier", saved.ID, fmt.Sprintf("name=%s", saved.Name))
	return *saved, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrderResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.PurchaseOrderResponse{}, fmt.Errorf("admin role required")
	}
	if req.SupplierID == "" || len(req.Items) == 0 {
		return domain.PurchaseOrderResponse{}, store.ErrInvalidInput
	}

	items := make([]domain.PurchaseOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		if item.ProductID == "" || item.Qty < 1 || item.CostCents < 1 {
			return domain.PurchaseOrderResponse{}, store.ErrInvalidInput
		}
		if _, err := s.repo.GetProductByID(ctx, item.ProductID); err != nil {
			return domain.PurchaseOrderResponse{}, err
		}
		items = append(items, item)
	}

	saved, err := s.repo.CreatePurchaseOrder(ctx, domain.PurchaseOrder{
		SupplierID: req.SupplierID,
		Status:     domain.PurchaseOrderStatusDraft,
		CreatedAt:  time.Now().UTC(),
		Items:      items,
	})
	if err != nil {
		return domain.PurchaseOrderResponse{}, err
	}

	s.logAudit(ctx, "purchase_order_create", "purchase_order", saved.ID, fmt.Sprintf("items=%d", len(saved.Items)))
	return domain.PurchaseOrderResponse{PurchaseOrder: *saved}, nil
}

func (s *Service) ListPurchaseOrders(ctx context.Context, status string) (domain.PurchaseOrderListResponse, error) {
	pos, err := s.repo.ListPurchaseOrders(ctx, status, 200)
	if err != nil {
		return domain.PurchaseOrderListResponse{}, err
	}
	return domain.PurchaseOrderListResponse{PurchaseOrders: pos}, nil
}

// ReceivePurchaseOrder turns every ordered item into a live batch.
func (s *Service) ReceivePurchaseOrder(ctx context.Context, purchaseOrderID string) (domain.PurchaseOrderResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.PurchaseOrderResponse{}, fmt.Errorf("admin role required")
	}
	purchaseOrderID = strings.TrimSpace(purchaseOrderID)
	if purchaseOrderID == "" {
		return domain.PurchaseOrderResponse{}, store.ErrInvalidInput
	}

	var received *domain.PurchaseOrder
	err := retryConflict(ctx, func(ctx context.Context) error {
		var receiveErr error
		received, receiveErr = s.repo.ReceivePurchaseOrder(ctx, purchaseOrderID, actor.Username, time.Now().UTC())
		return receiveErr
	})
	if err != nil {
		return domain.PurchaseOrderResponse{}, err
	}

	s.logAudit(ctx, "purchase_order_receive", "purchase_order", received.ID, fmt.Sprintf("received_by=%s,items=%d", received.ReceivedBy, len(received.Items)))
	return domain.PurchaseOrderResponse{PurchaseOrder: *received}, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		log.Warn().Err(err).Str("action", action).Str("entity", entityType+"/"+entityID).Msg("failed to write audit log")
	}
}

func isSupportedPaymentMethod(method string) bool {
	switch method {
	case domain.PaymentMethodCash, domain.PaymentMethodCard, domain.PaymentMethodOnline:
		return true
	default:
		return false
	}
}
