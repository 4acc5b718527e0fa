package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"martpos/backend/internal/domain"
	"martpos/backend/internal/store"
	"martpos/backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), nil)
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "kasir-a",
		Role:     "cashier",
	})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{
		Username: "admin",
		Role:     "admin",
	})
}

// twoBatchFixture seeds one product with a near-expiry batch of 5 and a
// later-expiry batch of 10 and opens a shift on terminal-a1.
func twoBatchFixture(t *testing.T) (*Service, *memory.Store, domain.Product, domain.Batch, domain.Batch) {
	t.Helper()

	repo := memory.New()
	svc := New(repo, nil)
	ctx := cashierCtx()

	product, err := repo.CreateProduct(ctx, domain.Product{
		SKU:          "SKU-SUSU-TEST",
		Barcode:      "8990000000011",
		Name:         "Susu UHT 1L",
		Category:     "dairy",
		PriceCents:   2500,
		IsPerishable: true,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	near := time.Now().UTC().AddDate(0, 0, 10)
	far := time.Now().UTC().AddDate(0, 0, 20)

	b1, err := repo.CreateBatch(ctx, domain.Batch{
		ProductID:          product.ID,
		QtyReceived:        5,
		PurchasePriceCents: 1500,
		ExpiryDate:         &near,
	})
	if err != nil {
		t.Fatalf("create batch b1: %v", err)
	}
	b2, err := repo.CreateBatch(ctx, domain.Batch{
		ProductID:          product.ID,
		QtyReceived:        10,
		PurchasePriceCents: 1400,
		ExpiryDate:         &far,
	})
	if err != nil {
		t.Fatalf("create batch b2: %v", err)
	}

	if _, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{
		TerminalID:        "terminal-a1",
		OpeningFloatCents: 250000,
	}); err != nil {
		t.Fatalf("open shift: %v", err)
	}

	return svc, repo, *product, *b1, *b2
}

func sellUnits(t *testing.T, svc *Service, productID string, qty int, idempotencyKey string) domain.Invoice {
	t.Helper()
	ctx := cashierCtx()

	cart, err := svc.CreateCart(ctx, domain.CartCreateRequest{TerminalID: "terminal-a1"})
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := svc.AddCartLine(ctx, cart.Cart.ID, domain.CartLineRequest{
		ProductID: productID,
		Qty:       qty,
	}); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	resp, err := svc.Checkout(ctx, cart.Cart.ID, domain.CheckoutRequest{
		IdempotencyKey:    idempotencyKey,
		PaymentMethod:     "cash",
		CashReceivedCents: 1000000,
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	return resp.Invoice
}

func remainingByBatch(t *testing.T, repo *memory.Store, productID string) map[string]int {
	t.Helper()
	batches, err := repo.ListBatchesByProduct(context.Background(), productID, true)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	remaining := make(map[string]int, len(batches))
	for _, b := range batches {
		remaining[b.ID] = b.QtyRemaining
	}
	return remaining
}

func TestCheckoutDrawsEarliestExpiryFirst(t *testing.T) {
	svc, repo, product, b1, b2 := twoBatchFixture(t)

	invoice := sellUnits(t, svc, product.ID, 8, "idem-fefo")

	line := invoice.Lines[0]
	if len(line.Allocations) != 2 {
		t.Fatalf("expected allocation across 2 batches, got %d", len(line.Allocations))
	}
	if line.Allocations[0].BatchID != b1.ID || line.Allocations[0].Qty != 5 {
		t.Fatalf("expected 5 units from earliest-expiry batch first, got %+v", line.Allocations[0])
	}
	if line.Allocations[1].BatchID != b2.ID || line.Allocations[1].Qty != 3 {
		t.Fatalf("expected 3 units from later batch, got %+v", line.Allocations[1])
	}

	remaining := remainingByBatch(t, repo, product.ID)
	if remaining[b1.ID] != 0 || remaining[b2.ID] != 7 {
		t.Fatalf("expected remaining b1=0 b2=7, got b1=%d b2=%d", remaining[b1.ID], remaining[b2.ID])
	}
}

func TestReturnRestocksMostRecentBatchFirst(t *testing.T) {
	svc, repo, product, b1, b2 := twoBatchFixture(t)

	invoice := sellUnits(t, svc, product.ID, 8, "idem-return")

	resp, err := svc.ProcessReturn(cashierCtx(), domain.ReturnRequest{
		InvoiceID: invoice.ID,
		Reason:    "changed mind",
		Lines: []domain.ReturnRequestLine{
			{InvoiceLineID: invoice.Lines[0].ID, Qty: 3},
		},
	})
	if err != nil {
		t.Fatalf("process return: %v", err)
	}

	if resp.Return.RefundCents != 3*2500 {
		t.Fatalf("expected refund 7500, got %d", resp.Return.RefundCents)
	}
	restorations := resp.Return.Lines[0].Restorations
	if len(restorations) != 1 || restorations[0].BatchID != b2.ID || restorations[0].Qty != 3 {
		t.Fatalf("expected 3 units restored to the most recently drawn batch, got %+v", restorations)
	}

	remaining := remainingByBatch(t, repo, product.ID)
	if remaining[b1.ID] != 0 || remaining[b2.ID] != 10 {
		t.Fatalf("expected remaining b1=0 b2=10, got b1=%d b2=%d", remaining[b1.ID], remaining[b2.ID])
	}
}

func TestFullReturnRefundsExactInvoiceTotal(t *testing.T) {
	svc, repo, product, b1, b2 := twoBatchFixture(t)

	invoice := sellUnits(t, svc, product.ID, 8, "idem-full-return")
	lineID := invoice.Lines[0].ID
	ctx := cashierCtx()

	first, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		InvoiceID: invoice.ID,
		Lines:     []domain.ReturnRequestLine{{InvoiceLineID: lineID, Qty: 3}},
	})
	if err != nil {
		t.Fatalf("first return: %v", err)
	}
	second, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		InvoiceID: invoice.ID,
		Lines:     []domain.ReturnRequestLine{{InvoiceLineID: lineID, Qty: 5}},
	})
	if err != nil {
		t.Fatalf("second return: %v", err)
	}

	refunded := first.Return.RefundCents + second.Return.RefundCents
	if refunded != invoice.TotalCents {
		t.Fatalf("expected refunds to sum to invoice total %d, got %d", invoice.TotalCents, refunded)
	}

	reloaded, err := svc.GetInvoice(ctx, invoice.ID)
	if err != nil {
		t.Fatalf("get invoice: %v", err)
	}
	if reloaded.Status != domain.InvoiceStatusReturned {
		t.Fatalf("expected invoice status returned, got %s", reloaded.Status)
	}

	remaining := remainingByBatch(t, repo, product.ID)
	if remaining[b1.ID] != 5 || remaining[b2.ID] != 10 {
		t.Fatalf("expected full restock b1=5 b2=10, got b1=%d b2=%d", remaining[b1.ID], remaining[b2.ID])
	}
}

func TestReturnBeyondSoldQtyRejected(t *testing.T) {
	svc, _, product, _, _ := twoBatchFixture(t)

	invoice := sellUnits(t, svc, product.ID, 8, "idem-over-return")
	lineID := invoice.Lines[0].ID
	ctx := cashierCtx()

	if _, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		InvoiceID: invoice.ID,
		Lines:     []domain.ReturnRequestLine{{InvoiceLineID: lineID, Qty: 9}},
	}); !errors.Is(err, store.ErrOverReturn) {
		t.Fatalf("expected ErrOverReturn, got %v", err)
	}

	if _, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		InvoiceID: invoice.ID,
		Lines:     []domain.ReturnRequestLine{{InvoiceLineID: lineID, Qty: 6}},
	}); err != nil {
		t.Fatalf("return within sold qty: %v", err)
	}

	// 6 of 8 already returned, so 3 more must be rejected.
	if _, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
		InvoiceID: invoice.ID,
		Lines:     []domain.ReturnRequestLine{{InvoiceLineID: lineID, Qty: 3}},
	}); !errors.Is(err, store.ErrOverReturn) {
		t.Fatalf("expected ErrOverReturn on cumulative excess, got %v", err)
	}
}

func TestCheckoutInsufficientStockLeavesBatchesUntouched(t *testing.T) {
	svc, repo, product, b1, b2 := twoBatchFixture(t)
	ctx := cashierCtx()

	cart, err := svc.CreateCart(ctx, domain.CartCreateRequest{TerminalID: "terminal-a1"})
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := svc.AddCartLine(ctx, cart.Cart.ID, domain.CartLineRequest{
		ProductID: product.ID,
		Qty:       20,
	}); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	_, err = svc.Checkout(ctx, cart.Cart.ID, domain.CheckoutRequest{
		PaymentMethod:     "cash",
		CashReceivedCents: 1000000,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	remaining := remainingByBatch(t, repo, product.ID)
	if remaining[b1.ID] != 5 || remaining[b2.ID] != 10 {
		t.Fatalf("expected batches untouched b1=5 b2=10, got b1=%d b2=%d", remaining[b1.ID], remaining[b2.ID])
	}

	// The cart survives a failed checkout so the cashier can retry.
	if _, err := svc.GetCart(ctx, cart.Cart.ID); err != nil {
		t.Fatalf("expected cart to remain open after failed checkout: %v", err)
	}
}

func TestCheckoutSkipsExpiredBatches(t *testing.T) {
	repo := memory.New()
	svc := New(repo, nil)
	ctx := cashierCtx()

	product, err := repo.CreateProduct(ctx, domain.Product{
		SKU:        "SKU-ROTI-TEST",
		Barcode:    "8990000000022",
		Name:       "Roti Tawar",
		Category:   "bakery",
		PriceCents: 1780,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	expired := time.Now().UTC().AddDate(0, 0, -1)
	fresh := time.Now().UTC().AddDate(0, 0, 7)

	stale, err := repo.CreateBatch(ctx, domain.Batch{
		ProductID:   product.ID,
		QtyReceived: 5,
		ExpiryDate:  &expired,
	})
	if err != nil {
		t.Fatalf("create expired batch: %v", err)
	}
	good, err := repo.CreateBatch(ctx, domain.Batch{
		ProductID:   product.ID,
		QtyReceived: 10,
		ExpiryDate:  &fresh,
	})
	if err != nil {
		t.Fatalf("create fresh batch: %v", err)
	}

	if _, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{
		TerminalID:        "terminal-a1",
		OpeningFloatCents: 100000,
	}); err != nil {
		t.Fatalf("open shift: %v", err)
	}

	invoice := sellUnits(t, svc, product.ID, 8, "idem-expired")

	line := invoice.Lines[0]
	if len(line.Allocations) != 1 || line.Allocations[0].BatchID != good.ID || line.Allocations[0].Qty != 8 {
		t.Fatalf("expected all 8 units from the unexpired batch, got %+v", line.Allocations)
	}

	remaining := remainingByBatch(t, repo, product.ID)
	if remaining[stale.ID] != 5 || remaining[good.ID] != 2 {
		t.Fatalf("expected stale=5 good=2, got stale=%d good=%d", remaining[stale.ID], remaining[good.ID])
	}
}

func TestCheckoutRequiresActiveShift(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	cart, err := svc.CreateCart(ctx, domain.CartCreateRequest{TerminalID: "terminal-idle"})
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := svc.AddCartLine(ctx, cart.Cart.ID, domain.CartLineRequest{
		Barcode: "8991002101",
		Qty:     2,
	}); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	if _, err := svc.Checkout(ctx, cart.Cart.ID, domain.CheckoutRequest{
		PaymentMethod:     "cash",
		CashReceivedCents: 100000,
	}); err == nil {
		t.Fatalf("expected checkout to fail when no shift is open")
	}
}

func TestCheckoutIdempotencyReturnsOriginalInvoice(t *testing.T) {
	svc, repo, product, b1, b2 := twoBatchFixture(t)
	ctx := cashierCtx()

	first := sellUnits(t, svc, product.ID, 2, "idem-dup")

	cart, err := svc.CreateCart(ctx, domain.CartCreateRequest{TerminalID: "terminal-a1"})
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := svc.AddCartLine(ctx, cart.Cart.ID, domain.CartLineRequest{
		ProductID: product.ID,
		Qty:       2,
	}); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	resp, err := svc.Checkout(ctx, cart.Cart.ID, domain.CheckoutRequest{
		IdempotencyKey:    "idem-dup",
		PaymentMethod:     "cash",
		CashReceivedCents: 100000,
	})
	if err != nil {
		t.Fatalf("duplicate checkout: %v", err)
	}
	if !resp.Duplicate {
		t.Fatalf("expected duplicate flag on repeated idempotency key")
	}
	if resp.Invoice.ID != first.ID {
		t.Fatalf("expected original invoice %s, got %s", first.ID, resp.Invoice.ID)
	}

	// The retried key must not move stock again.
	remaining := remainingByBatch(t, repo, product.ID)
	if remaining[b1.ID] != 3 || remaining[b2.ID] != 10 {
		t.Fatalf("expected b1=3 b2=10 after single sale, got b1=%d b2=%d", remaining[b1.ID], remaining[b2.ID])
	}
}

func TestHoldAndRecallCartKeepsLines(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	cart, err := svc.CreateCart(ctx, domain.CartCreateRequest{TerminalID: "terminal-a1"})
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := svc.AddCartLine(ctx, cart.Cart.ID, domain.CartLineRequest{
		Barcode: "8991002101",
		Qty:     3,
	}); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	held, err := svc.HoldCart(ctx, cart.Cart.ID, domain.CartHoldRequest{Label: "Ibu Sari"})
	if err != nil {
		t.Fatalf("hold cart: %v", err)
	}
	if held.Cart.Status != domain.CartStatusHeld || held.Cart.Label != "Ibu Sari" {
		t.Fatalf("unexpected held cart %+v", held.Cart)
	}

	if _, err := svc.GetCart(ctx, cart.Cart.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected held cart to leave the open registry, got %v", err)
	}

	listed, err := svc.ListHeldCarts(ctx, "terminal-a1")
	if err != nil {
		t.Fatalf("list held carts: %v", err)
	}
	if len(listed.Items) != 1 || listed.Items[0].ID != cart.Cart.ID {
		t.Fatalf("expected one held cart, got %+v", listed.Items)
	}

	recalled, err := svc.RecallCart(ctx, cart.Cart.ID)
	if err != nil {
		t.Fatalf("recall cart: %v", err)
	}
	if recalled.Cart.Status != domain.CartStatusOpen {
		t.Fatalf("expected recalled cart to be open, got %s", recalled.Cart.Status)
	}
	if len(recalled.Cart.Lines) != 1 || recalled.Cart.Lines[0].Qty != 3 {
		t.Fatalf("expected held lines to survive recall, got %+v", recalled.Cart.Lines)
	}

	again, err := svc.ListHeldCarts(ctx, "terminal-a1")
	if err != nil {
		t.Fatalf("list held carts after recall: %v", err)
	}
	if len(again.Items) != 0 {
		t.Fatalf("expected no held carts after recall, got %d", len(again.Items))
	}
}

func TestClearCartDiscardsWithoutStockMovement(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	cart, err := svc.CreateCart(ctx, domain.CartCreateRequest{TerminalID: "terminal-a1"})
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := svc.AddCartLine(ctx, cart.Cart.ID, domain.CartLineRequest{
		Barcode: "8991002101",
		Qty:     2,
	}); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	if err := svc.ClearCart(ctx, cart.Cart.ID); err != nil {
		t.Fatalf("clear cart: %v", err)
	}
	if _, err := svc.GetCart(ctx, cart.Cart.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected cleared cart to be gone, got %v", err)
	}
}

func TestShiftCloseRecordsDiscrepancyWithoutBlocking(t *testing.T) {
	svc, _, product, _, _ := twoBatchFixture(t)
	ctx := cashierCtx()

	sellUnits(t, svc, product.ID, 2, "idem-shift")

	// Expected drawer: 250000 float + 5000 cash sale. Count 1000 short.
	resp, err := svc.CloseShift(ctx, domain.ShiftCloseRequest{
		TerminalID:      "terminal-a1",
		ActualCashCents: 254000,
		Notes:           "drawer short",
	})
	if err != nil {
		t.Fatalf("close shift: %v", err)
	}

	if resp.Shift.Status != domain.ShiftStatusClosed {
		t.Fatalf("expected closed shift, got %s", resp.Shift.Status)
	}
	if resp.Shift.ExpectedCashCents != 255000 {
		t.Fatalf("expected expected cash 255000, got %d", resp.Shift.ExpectedCashCents)
	}
	if resp.Shift.DiscrepancyCents != -1000 {
		t.Fatalf("expected discrepancy -1000, got %d", resp.Shift.DiscrepancyCents)
	}
}

func TestOpenShiftRejectsSecondOnSameTerminal(t *testing.T) {
	svc := newTestService()
	ctx := cashierCtx()

	if _, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{
		TerminalID:        "terminal-a1",
		OpeningFloatCents: 100000,
	}); err != nil {
		t.Fatalf("open shift: %v", err)
	}

	if _, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{
		TerminalID:        "terminal-a1",
		OpeningFloatCents: 100000,
	}); err == nil {
		t.Fatalf("expected second open on same terminal to fail")
	}
}

func TestStockOpnameRequiresAdmin(t *testing.T) {
	svc := newTestService()

	if _, err := svc.StockOpname(cashierCtx(), domain.StockOpnameRequest{
		Adjustments: []domain.BatchAdjustment{{BatchID: "bat-unknown", CountedQty: 1}},
	}); err == nil {
		t.Fatalf("expected cashier stock opname to be rejected")
	}

	if _, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		SKU:        "SKU-BARU-01",
		Barcode:    "8990000000033",
		Name:       "Produk Baru",
		PriceCents: 5000,
	}); err != nil {
		t.Fatalf("admin create product: %v", err)
	}
}
