package service

import (
	"testing"

	"martpos/backend/internal/domain"
	"martpos/backend/internal/store/memory"
)

func TestProrateRefund(t *testing.T) {
	cases := []struct {
		name    string
		line    domain.InvoiceLine
		qty     int
		taxRate float64
		want    int64
	}{
		{
			name: "no discount no tax",
			line: domain.InvoiceLine{Qty: 4, UnitPriceCents: 2500},
			qty:  2,
			want: 5000,
		},
		{
			name: "discount split per unit",
			line: domain.InvoiceLine{Qty: 4, UnitPriceCents: 2500, DiscountCents: 1000},
			qty:  2,
			want: 4500,
		},
		{
			name:    "tax applied to discounted base",
			line:    domain.InvoiceLine{Qty: 4, UnitPriceCents: 2500, DiscountCents: 1000},
			qty:     2,
			taxRate: 11,
			want:    4995,
		},
		{
			name: "uneven discount rounds to even",
			// 1 of 3 units with 100 discount: share is 33.33, banker's
			// rounding lands on 33.
			line: domain.InvoiceLine{Qty: 3, UnitPriceCents: 1000, DiscountCents: 100},
			qty:  1,
			want: 967,
		},
		{
			name: "half-cent share rounds to even",
			// 1 of 2 units with 25 discount: share is 12.5, banker's
			// rounding lands on 12.
			line: domain.InvoiceLine{Qty: 2, UnitPriceCents: 1000, DiscountCents: 25},
			qty:  1,
			want: 988,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := prorateRefund(tc.line, tc.qty, tc.taxRate)
			if got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestInvoiceFullyReturned(t *testing.T) {
	lines := []domain.InvoiceLine{
		{ID: "invl-1", Qty: 3},
		{ID: "invl-2", Qty: 2},
	}

	if invoiceFullyReturned(lines, map[string]int{"invl-1": 3}, map[string]int{"invl-2": 1}) {
		t.Fatalf("partial return must not count as full")
	}
	if !invoiceFullyReturned(lines, map[string]int{"invl-1": 3}, map[string]int{"invl-2": 2}) {
		t.Fatalf("expected full return when every line is covered")
	}
}

func TestDiscountedTaxedSaleRefundsSumToInvoiceTotal(t *testing.T) {
	repo := memory.New()
	svc := New(repo, nil)
	ctx := cashierCtx()

	product, err := repo.CreateProduct(ctx, domain.Product{
		SKU:        "SKU-KOPI-TEST",
		Barcode:    "8990000000044",
		Name:       "Kopi Sachet",
		PriceCents: 1000,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := repo.CreateBatch(ctx, domain.Batch{
		ProductID:   product.ID,
		QtyReceived: 10,
	}); err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if _, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{
		TerminalID:        "terminal-a1",
		OpeningFloatCents: 100000,
	}); err != nil {
		t.Fatalf("open shift: %v", err)
	}

	cart, err := svc.CreateCart(ctx, domain.CartCreateRequest{TerminalID: "terminal-a1"})
	if err != nil {
		t.Fatalf("create cart: %v", err)
	}
	if _, err := svc.AddCartLine(ctx, cart.Cart.ID, domain.CartLineRequest{
		ProductID:     product.ID,
		Qty:           3,
		DiscountCents: 100,
	}); err != nil {
		t.Fatalf("add cart line: %v", err)
	}

	checkout, err := svc.Checkout(ctx, cart.Cart.ID, domain.CheckoutRequest{
		IdempotencyKey:    "idem-prorate",
		PaymentMethod:     "cash",
		CashReceivedCents: 100000,
		TaxRatePercent:    11,
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	invoice := checkout.Invoice
	lineID := invoice.Lines[0].ID

	// Return the three units one at a time. The final return completes
	// the invoice, so its line absorbs any rounding remainder and the
	// refunds must land exactly on the invoice total.
	refunded := int64(0)
	for i := 0; i < 3; i++ {
		resp, err := svc.ProcessReturn(ctx, domain.ReturnRequest{
			InvoiceID: invoice.ID,
			Lines:     []domain.ReturnRequestLine{{InvoiceLineID: lineID, Qty: 1}},
		})
		if err != nil {
			t.Fatalf("return %d: %v", i+1, err)
		}
		refunded += resp.Return.RefundCents
	}

	if refunded != invoice.TotalCents {
		t.Fatalf("expected refunds to sum to invoice total %d, got %d", invoice.TotalCents, refunded)
	}
}
