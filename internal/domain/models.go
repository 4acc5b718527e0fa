package domain

import "time"

type Product struct {
	ID            string    `json:"id"`
	SKU           string    `json:"sku"`
	Barcode       string    `json:"barcode"`
	Name          string    `json:"name"`
	Category      string    `json:"category"`
	PriceCents    int64     `json:"price_cents"`
	MinStockLevel int       `json:"min_stock_level"`
	IsPerishable  bool      `json:"is_perishable"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	SKU           string `json:"sku"`
	Barcode       string `json:"barcode"`
	Name          string `json:"name"`
	Category      string `json:"category"`
	PriceCents    int64  `json:"price_cents"`
	MinStockLevel int    `json:"min_stock_level"`
	IsPerishable  bool   `json:"is_perishable"`
}

type ProductUpdateRequest struct {
	Name          *string `json:"name,omitempty"`
	Category      *string `json:"category,omitempty"`
	PriceCents    *int64  `json:"price_cents,omitempty"`
	MinStockLevel *int    `json:"min_stock_level,omitempty"`
	Active        *bool   `json:"active,omitempty"`
}

type Customer struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Phone         string    `json:"phone"`
	LoyaltyPoints int64     `json:"loyalty_points"`
	CreatedAt     time.Time `json:"created_at"`
}

type CustomerCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Batch is one received lot of a product. Rows are never deleted; an
// exhausted batch keeps QtyRemaining at zero so past allocations stay
// attributable.
type Batch struct {
	ID                 string     `json:"id"`
	ProductID          string     `json:"product_id"`
	BatchNumber        string     `json:"batch_number"`
	SupplierID         string     `json:"supplier_id,omitempty"`
	QtyReceived        int        `json:"qty_received"`
	QtyRemaining       int        `json:"qty_remaining"`
	PurchasePriceCents int64      `json:"purchase_price_cents"`
	ExpiryDate         *time.Time `json:"expiry_date,omitempty"`
	LocationCode       string     `json:"location_code,omitempty"`
	SourceType         string     `json:"source_type"`
	SourceID           string     `json:"source_id,omitempty"`
	ReceivedAt         time.Time  `json:"received_at"`
}

type BatchReceiveRequest struct {
	ProductID          string `json:"product_id"`
	BatchNumber        string `json:"batch_number"`
	SupplierID         string `json:"supplier_id,omitempty"`
	Qty                int    `json:"qty"`
	PurchasePriceCents int64  `json:"purchase_price_cents"`
	ExpiryDate         string `json:"expiry_date,omitempty"`
	LocationCode       string `json:"location_code,omitempty"`
}

type BatchListResponse struct {
	Batches []Batch `json:"batches"`
}

type BatchAdjustment struct {
	BatchID    string `json:"batch_id"`
	CountedQty int    `json:"counted_qty"`
}

type StockOpnameRequest struct {
	Notes       string            `json:"notes"`
	Adjustments []BatchAdjustment `json:"adjustments"`
}

type StockOpnameDelta struct {
	BatchID    string `json:"batch_id"`
	SystemQty  int    `json:"system_qty"`
	CountedQty int    `json:"counted_qty"`
	DeltaQty   int    `json:"delta_qty"`
}

type StockOpnameResponse struct {
	OpnameID  string             `json:"opname_id"`
	Notes     string             `json:"notes"`
	Deltas    []StockOpnameDelta `json:"deltas"`
	CreatedAt string             `json:"created_at"`
}

// BatchAllocation records a quantity drawn from (or restored to) a single
// batch. On an invoice line the slice is kept in draw order so a later
// release can unwind it from the tail.
type BatchAllocation struct {
	BatchID       string `json:"batch_id"`
	Qty           int    `json:"qty"`
	UnitCostCents int64  `json:"unit_cost_cents"`
}

type CartLine struct {
	ProductID     string `json:"product_id"`
	Qty           int    `json:"qty"`
	DiscountCents int64  `json:"discount_cents"`
}

type Cart struct {
	ID         string     `json:"id"`
	TerminalID string     `json:"terminal_id"`
	CustomerID string     `json:"customer_id,omitempty"`
	Status     string     `json:"status"`
	Label      string     `json:"label,omitempty"`
	Lines      []CartLine `json:"lines"`
	CreatedAt  time.Time  `json:"created_at"`
	HeldAt     *time.Time `json:"held_at,omitempty"`
}

type CartCreateRequest struct {
	TerminalID string `json:"terminal_id"`
	CustomerID string `json:"customer_id,omitempty"`
}

type CartLineRequest struct {
	ProductID     string `json:"product_id,omitempty"`
	Barcode       string `json:"barcode,omitempty"`
	Qty           int    `json:"qty"`
	DiscountCents int64  `json:"discount_cents"`
}

type CartHoldRequest struct {
	Label string `json:"label"`
}

type CartResponse struct {
	Cart Cart `json:"cart"`
}

type HeldCartListResponse struct {
	Items []Cart `json:"items"`
}

type Payment struct {
	Method            string `json:"method"`
	AmountCents       int64  `json:"amount_cents"`
	TransactionRef    string `json:"transaction_ref,omitempty"`
	CashReceivedCents int64  `json:"cash_received_cents,omitempty"`
	ChangeCents       int64  `json:"change_cents,omitempty"`
}

type CheckoutRequest struct {
	IdempotencyKey    string  `json:"idempotency_key"`
	PaymentMethod     string  `json:"payment_method"`
	TransactionRef    string  `json:"transaction_ref,omitempty"`
	CashReceivedCents int64   `json:"cash_received_cents"`
	TaxRatePercent    float64 `json:"tax_rate_percent"`
}

type InvoiceLine struct {
	ID             string            `json:"id"`
	ProductID      string            `json:"product_id"`
	ProductName    string            `json:"product_name"`
	Qty            int               `json:"qty"`
	UnitPriceCents int64             `json:"unit_price_cents"`
	DiscountCents  int64             `json:"discount_cents"`
	LineTotalCents int64             `json:"line_total_cents"`
	Allocations    []BatchAllocation `json:"allocations"`
}

type Invoice struct {
	ID              string        `json:"id"`
	TerminalID      string        `json:"terminal_id"`
	ShiftID         string        `json:"shift_id"`
	CashierUsername string        `json:"cashier_username"`
	CustomerID      string        `json:"customer_id,omitempty"`
	IdempotencyKey  string        `json:"idempotency_key,omitempty"`
	SubtotalCents   int64         `json:"subtotal_cents"`
	DiscountCents   int64         `json:"discount_cents"`
	TaxRatePercent  float64       `json:"tax_rate_percent"`
	TaxCents        int64         `json:"tax_cents"`
	TotalCents      int64         `json:"total_cents"`
	Payment         Payment       `json:"payment"`
	Status          string        `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	Lines           []InvoiceLine `json:"lines"`
}

type InvoiceResponse struct {
	Invoice   Invoice `json:"invoice"`
	Duplicate bool    `json:"duplicate"`
}

type ReturnRequestLine struct {
	InvoiceLineID string `json:"invoice_line_id"`
	Qty           int    `json:"qty"`
}

type ReturnRequest struct {
	InvoiceID    string              `json:"invoice_id"`
	Reason       string              `json:"reason"`
	RefundMethod string              `json:"refund_method,omitempty"`
	Lines        []ReturnRequestLine `json:"lines"`
}

type ReturnLine struct {
	InvoiceLineID string            `json:"invoice_line_id"`
	ProductID     string            `json:"product_id"`
	Qty           int               `json:"qty"`
	RefundCents   int64             `json:"refund_cents"`
	Restorations  []BatchAllocation `json:"restorations"`
}

type Return struct {
	ID           string       `json:"id"`
	InvoiceID    string       `json:"invoice_id"`
	ShiftID      string       `json:"shift_id"`
	Reason       string       `json:"reason"`
	RefundMethod string       `json:"refund_method"`
	RefundCents  int64        `json:"refund_cents"`
	ProcessedBy  string       `json:"processed_by"`
	CreatedAt    time.Time    `json:"created_at"`
	Lines        []ReturnLine `json:"lines"`
}

type ReturnResponse struct {
	Return Return `json:"return"`
}

type Shift struct {
	ID                string     `json:"id"`
	TerminalID        string     `json:"terminal_id"`
	CashierUsername   string     `json:"cashier_username"`
	OpeningFloatCents int64      `json:"opening_float_cents"`
	ExpectedCashCents int64      `json:"expected_cash_cents,omitempty"`
	ActualCashCents   int64      `json:"actual_cash_cents,omitempty"`
	DiscrepancyCents  int64      `json:"discrepancy_cents,omitempty"`
	Status            string     `json:"status"`
	Notes             string     `json:"notes,omitempty"`
	OpenedAt          time.Time  `json:"opened_at"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
}

type ShiftOpenRequest struct {
	TerminalID        string `json:"terminal_id"`
	OpeningFloatCents int64  `json:"opening_float_cents"`
}

type ShiftCloseRequest struct {
	TerminalID      string `json:"terminal_id"`
	ActualCashCents int64  `json:"actual_cash_cents"`
	Notes           string `json:"notes"`
}

type ShiftResponse struct {
	Shift Shift `json:"shift"`
}

type PaymentMethodTotal struct {
	Method     string `json:"method"`
	Count      int64  `json:"count"`
	TotalCents int64  `json:"total_cents"`
}

// ShiftTotals aggregates the invoices and returns stamped with one shift.
type ShiftTotals struct {
	InvoiceCount    int64                `json:"invoice_count"`
	SalesCents      int64                `json:"sales_cents"`
	CashSalesCents  int64                `json:"cash_sales_cents"`
	ReturnCount     int64                `json:"return_count"`
	RefundCents     int64                `json:"refund_cents"`
	CashRefundCents int64                `json:"cash_refund_cents"`
	ByPayment       []PaymentMethodTotal `json:"by_payment"`
}

type ShiftReport struct {
	Shift  Shift       `json:"shift"`
	Totals ShiftTotals `json:"totals"`
}

type LowStockItem struct {
	ProductID     string `json:"product_id"`
	SKU           string `json:"sku"`
	Name          string `json:"name"`
	QtyRemaining  int    `json:"qty_remaining"`
	MinStockLevel int    `json:"min_stock_level"`
}

type LowStockResponse struct {
	GeneratedAt string         `json:"generated_at"`
	Items       []LowStockItem `json:"items"`
}

type DailyReportPayment struct {
	Method     string `json:"method"`
	Invoices   int64  `json:"invoices"`
	TotalCents int64  `json:"total_cents"`
}

type DailyReport struct {
	Date            string               `json:"date"`
	Invoices        int64                `json:"invoices"`
	GrossSalesCents int64                `json:"gross_sales_cents"`
	DiscountCents   int64                `json:"discount_cents"`
	TaxCents        int64                `json:"tax_cents"`
	RefundCents     int64                `json:"refund_cents"`
	NetSalesCents   int64                `json:"net_sales_cents"`
	ByPayment       []DailyReportPayment `json:"by_payment"`
}

type Supplier struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type PurchaseOrderItem struct {
	ProductID   string `json:"product_id"`
	BatchNumber string `json:"batch_number,omitempty"`
	Qty         int    `json:"qty"`
	CostCents   int64  `json:"cost_cents"`
	ExpiryDate  string `json:"expiry_date,omitempty"`
}

type PurchaseOrder struct {
	ID         string              `json:"id"`
	SupplierID string              `json:"supplier_id"`
	Status     string              `json:"status"`
	CreatedAt  time.Time           `json:"created_at"`
	ReceivedAt *time.Time          `json:"received_at,omitempty"`
	ReceivedBy string              `json:"received_by,omitempty"`
	Items      []PurchaseOrderItem `json:"items"`
}

type PurchaseOrderCreateRequest struct {
	SupplierID string              `json:"supplier_id"`
	Items      []PurchaseOrderItem `json:"items"`
}

type PurchaseOrderResponse struct {
	PurchaseOrder PurchaseOrder `json:"purchase_order"`
}

type PurchaseOrderListResponse struct {
	PurchaseOrders []PurchaseOrder `json:"purchase_orders"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	CartStatusOpen      = "open"
	CartStatusHeld      = "held"
	CartStatusFinalized = "finalized"
	CartStatusCleared   = "cleared"
)

const (
	InvoiceStatusPaid     = "paid"
	InvoiceStatusReturned = "returned"
)

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

const (
	PaymentMethodCash   = "cash"
	PaymentMethodCard   = "card"
	PaymentMethodOnline = "online"
)

const (
	BatchSourceReceipt       = "receipt"
	BatchSourcePurchaseOrder = "purchase_order"
	BatchSourceAdjustment    = "adjustment"
)

const (
	PurchaseOrderStatusDraft    = "draft"
	PurchaseOrderStatusReceived = "received"
)
