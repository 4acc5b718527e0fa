package store

import (
	"context"
	"errors"
	"time"

	"martpos/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrOverReturn        = errors.New("return exceeds returnable quantity")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrInvalidInput      = errors.New("invalid input")
)

type Repository interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, id string) (*domain.Product, error)
	GetProductByBarcode(ctx context.Context, barcode string) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, ids []string) (map[string]domain.Product, error)
	CreateCustomer(ctx context.Context, customer domain.Customer) (*domain.Customer, error)
	GetCustomerByID(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
	AddLoyaltyPoints(ctx context.Context, customerID string, delta int64) error
	CreateBatch(ctx context.Context, batch domain.Batch) (*domain.Batch, error)
	GetBatchByID(ctx context.Context, id string) (*domain.Batch, error)
	ListBatchesByProduct(ctx context.Context, productID string, includeEmpty bool) ([]domain.Batch, error)
	AdjustBatchQty(ctx context.Context, batchID string, countedQty int) (*domain.Batch, error)
	StockByProduct(ctx context.Context, productIDs []string) (map[string]int, error)
	CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error)
	FindInvoiceByID(ctx context.Context, id string) (*domain.Invoice, error)
	FindInvoiceByIdempotency(ctx context.Context, key string) (*domain.Invoice, error)
	GetReturnedQtyByInvoice(ctx context.Context, invoiceID string) (map[string]int, error)
	CreateReturn(ctx context.Context, ret domain.Return) (*domain.Return, error)
	ListReturnsByInvoice(ctx context.Context, invoiceID string) ([]domain.Return, error)
	SaveHeldCart(ctx context.Context, cart domain.Cart) (*domain.Cart, error)
	ListHeldCarts(ctx context.Context, terminalID string, limit int) ([]domain.Cart, error)
	PopHeldCart(ctx context.Context, cartID string) (*domain.Cart, error)
	DeleteHeldCart(ctx context.Context, cartID string) error
	CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	GetActiveShift(ctx context.Context, terminalID string) (*domain.Shift, error)
	CloseActiveShift(ctx context.Context, terminalID string, actualCashCents int64, expectedCashCents int64, notes string, closedAt time.Time) (*domain.Shift, error)
	GetShiftByID(ctx context.Context, shiftID string) (*domain.Shift, error)
	GetShiftTotals(ctx context.Context, shiftID string) (domain.ShiftTotals, error)
	GetDailyReport(ctx context.Context, from time.Time, to time.Time) (domain.DailyReport, error)
	LowStockReport(ctx context.Context) ([]domain.LowStockItem, error)
	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)
	CreatePurchaseOrder(ctx context.Context, po domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	GetPurchaseOrderByID(ctx context.Context, purchaseOrderID string) (*domain.PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, status string, limit int) ([]domain.PurchaseOrder, error)
	ReceivePurchaseOrder(ctx context.Context, purchaseOrderID string, receivedBy string, receivedAt time.Time) (*domain.PurchaseOrder, error)
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
