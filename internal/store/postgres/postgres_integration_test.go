package postgres

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"martpos/backend/internal/domain"
)

func TestInvoiceAllocatesEarliestExpiryAndReturnRestocks(t *testing.T) {
	databaseURL := os.Getenv("MARTPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set MARTPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})

	stamp := time.Now().UnixNano()
	sku := fmt.Sprintf("SKU-IT-%d", stamp)
	terminalID := fmt.Sprintf("T-IT-%d", stamp)

	product, err := s.CreateProduct(ctx, domain.Product{
		SKU:        sku,
		Barcode:    fmt.Sprintf("899%d", stamp),
		Name:       "Integration Milk 1L",
		Category:   "dairy",
		PriceCents: 2500,
		Active:     true,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM return_lines WHERE return_id IN (SELECT id FROM returns WHERE invoice_id IN (SELECT id FROM invoices WHERE terminal_id = $1))`, terminalID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM returns WHERE invoice_id IN (SELECT id FROM invoices WHERE terminal_id = $1)`, terminalID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM invoice_allocations WHERE invoice_line_id IN (SELECT l.id FROM invoice_lines l JOIN invoices i ON i.id = l.invoice_id WHERE i.terminal_id = $1)`, terminalID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM invoice_lines WHERE invoice_id IN (SELECT id FROM invoices WHERE terminal_id = $1)`, terminalID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM invoices WHERE terminal_id = $1`, terminalID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM shifts WHERE terminal_id = $1`, terminalID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM batches WHERE product_id = $1`, product.ID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, product.ID)
	})

	near := time.Now().UTC().AddDate(0, 0, 10)
	far := time.Now().UTC().AddDate(0, 0, 20)

	b1, err := s.CreateBatch(ctx, domain.Batch{
		ProductID:          product.ID,
		QtyReceived:        5,
		PurchasePriceCents: 1500,
		ExpiryDate:         &near,
	})
	if err != nil {
		t.Fatalf("create batch b1: %v", err)
	}
	b2, err := s.CreateBatch(ctx, domain.Batch{
		ProductID:          product.ID,
		QtyReceived:        10,
		PurchasePriceCents: 1400,
		ExpiryDate:         &far,
	})
	if err != nil {
		t.Fatalf("create batch b2: %v", err)
	}

	shift, err := s.CreateShift(ctx, domain.Shift{
		TerminalID:        terminalID,
		CashierUsername:   "it-cashier",
		OpeningFloatCents: 10000,
	})
	if err != nil {
		t.Fatalf("create shift: %v", err)
	}

	invoice, err := s.CreateInvoice(ctx, domain.Invoice{
		TerminalID:      terminalID,
		ShiftID:         shift.ID,
		CashierUsername: "it-cashier",
		IdempotencyKey:  fmt.Sprintf("idem-it-%d", stamp),
		Payment: domain.Payment{
			Method:            domain.PaymentMethodCash,
			CashReceivedCents: 25000,
		},
		Lines: []domain.InvoiceLine{
			{ProductID: product.ID, Qty: 8},
		},
	})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	line := invoice.Lines[0]
	if len(line.Allocations) != 2 {
		t.Fatalf("expected allocation across 2 batches, got %d", len(line.Allocations))
	}
	if line.Allocations[0].BatchID != b1.ID || line.Allocations[0].Qty != 5 {
		t.Fatalf("expected first draw of 5 from earliest-expiry batch, got %+v", line.Allocations[0])
	}
	if line.Allocations[1].BatchID != b2.ID || line.Allocations[1].Qty != 3 {
		t.Fatalf("expected second draw of 3 from later batch, got %+v", line.Allocations[1])
	}

	assertRemaining := func(batchID string, want int) {
		t.Helper()
		var got int
		if err := s.db.QueryRowContext(ctx, `SELECT qty_remaining FROM batches WHERE id = $1`, batchID).Scan(&got); err != nil {
			t.Fatalf("query batch %s: %v", batchID, err)
		}
		if got != want {
			t.Fatalf("batch %s: expected qty_remaining %d, got %d", batchID, want, got)
		}
	}
	assertRemaining(b1.ID, 0)
	assertRemaining(b2.ID, 7)

	// Returning 3 units must put the most recently drawn units back first.
	ret, err := s.CreateReturn(ctx, domain.Return{
		InvoiceID:    invoice.ID,
		ShiftID:      shift.ID,
		ProcessedBy:  "it-cashier",
		Reason:       "integration test",
		RefundMethod: domain.PaymentMethodCash,
		Lines: []domain.ReturnLine{
			{InvoiceLineID: line.ID, ProductID: product.ID, Qty: 3, RefundCents: 7500},
		},
	})
	if err != nil {
		t.Fatalf("create return: %v", err)
	}
	if len(ret.Lines) != 1 || len(ret.Lines[0].Restorations) != 1 {
		t.Fatalf("expected single restoration, got %+v", ret.Lines)
	}
	if ret.Lines[0].Restorations[0].BatchID != b2.ID {
		t.Fatalf("expected restoration to later batch first, got %s", ret.Lines[0].Restorations[0].BatchID)
	}

	assertRemaining(b1.ID, 0)
	assertRemaining(b2.ID, 10)
}
