package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"martpos/backend/internal/domain"
	"martpos/backend/internal/metrics"
	"martpos/backend/internal/store"
)

// ProcessReturn refunds part or all of a paid invoice and restores the
// returned quantity to the exact batches the sale drew from, most recent
// draw first. The refund for each line is its share of the price, the
// line discount, and the invoice tax, prorated by quantity.
func (s *Service) ProcessReturn(ctx context.Context, req domain.ReturnRequest) (domain.ReturnResponse, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		return domain.ReturnResponse{}, fmt.Errorf("authenticated actor required")
	}

	req.InvoiceID = strings.TrimSpace(req.InvoiceID)
	req.Reason = strings.TrimSpace(req.Reason)
	req.RefundMethod = strings.ToLower(strings.TrimSpace(req.RefundMethod))
	if req.InvoiceID == "" || len(req.Lines) == 0 {
		return domain.ReturnResponse{}, store.ErrInvalidInput
	}
	if req.Reason == "" {
		req.Reason = "unspecified"
	}

	invoice, err := s.repo.FindInvoiceByID(ctx, req.InvoiceID)
	if err != nil {
		return domain.ReturnResponse{}, err
	}
	if req.RefundMethod == "" {
		req.RefundMethod = invoice.Payment.Method
	}
	if !isSupportedPaymentMethod(req.RefundMethod) {
		return domain.ReturnResponse{}, store.ErrInvalidInput
	}

	linesByID := make(map[string]domain.InvoiceLine, len(invoice.Lines))
	for _, line := range invoice.Lines {
		linesByID[line.ID] = line
	}

	alreadyReturned, err := s.repo.GetReturnedQtyByInvoice(ctx, invoice.ID)
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	requested := make(map[string]int, len(req.Lines))
	returnLines := make([]domain.ReturnLine, 0, len(req.Lines))
	refundTotal := int64(0)
	for _, reqLine := range req.Lines {
		reqLine.InvoiceLineID = strings.TrimSpace(reqLine.InvoiceLineID)
		invLine, exists := linesByID[reqLine.InvoiceLineID]
		if !exists {
			return domain.ReturnResponse{}, store.ErrNotFound
		}
		if reqLine.Qty < 1 {
			return domain.ReturnResponse{}, store.ErrInvalidInput
		}
		requested[reqLine.InvoiceLineID] += reqLine.Qty
		if alreadyReturned[reqLine.InvoiceLineID]+requested[reqLine.InvoiceLineID] > invLine.Qty {
			return domain.ReturnResponse{}, store.ErrOverReturn
		}

		refund := prorateRefund(invLine, reqLine.Qty, invoice.TaxRatePercent)
		returnLines = append(returnLines, domain.ReturnLine{
			InvoiceLineID: invLine.ID,
			ProductID:     invLine.ProductID,
			Qty:           reqLine.Qty,
			RefundCents:   refund,
		})
		refundTotal += refund
	}

	// When this return completes the invoice, rounding must not leave the
	// customer a cent short. The last line absorbs any remainder so the
	// refunds across all returns sum exactly to the invoice total.
	if invoiceFullyReturned(invoice.Lines, alreadyReturned, requested) {
		prior, err := s.priorRefundTotal(ctx, invoice.ID)
		if err != nil {
			return domain.ReturnResponse{}, err
		}
		remainder := invoice.TotalCents - prior - refundTotal
		if remainder != 0 && len(returnLines) > 0 {
			returnLines[len(returnLines)-1].RefundCents += remainder
			refundTotal += remainder
		}
	}
	if refundTotal < 0 {
		return domain.ReturnResponse{}, store.ErrInvalidInput
	}

	shiftID := ""
	if shift, err := s.repo.GetActiveShift(ctx, invoice.TerminalID); err == nil {
		shiftID = shift.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.ReturnResponse{}, err
	}

	ret := domain.Return{
		InvoiceID:    invoice.ID,
		ShiftID:      shiftID,
		Reason:       req.Reason,
		RefundMethod: req.RefundMethod,
		RefundCents:  refundTotal,
		ProcessedBy:  actor.Username,
		CreatedAt:    time.Now().UTC(),
		Lines:        returnLines,
	}

	var created *domain.Return
	err = retryConflict(ctx, func(ctx context.Context) error {
		var createErr error
		created, createErr = s.repo.CreateReturn(ctx, ret)
		return createErr
	})
	if err != nil {
		return domain.ReturnResponse{}, err
	}

	metrics.ReturnsTotal.Inc()

	if invoice.CustomerID != "" {
		points := created.RefundCents / loyaltyCentsStep
		if points > 0 {
			if err := s.repo.AddLoyaltyPoints(ctx, invoice.CustomerID, -points); err != nil {
				log.Warn().Err(err).Str("customer_id", invoice.CustomerID).Msg("failed to debit loyalty points")
			}
		}
	}

	s.logAudit(ctx, "return_process", "return", created.ID, fmt.Sprintf("invoice=%s,refund=%d,lines=%d", created.InvoiceID, created.RefundCents, len(created.Lines)))
	return domain.ReturnResponse{Return: *created}, nil
}

// prorateRefund computes the refund for qty units of an invoice line:
// the unit price times qty, minus the quantity-weighted share of the
// line discount, plus tax on that base at the invoice rate. Shares are
// rounded with banker's rounding to keep repeated partial returns fair.
func prorateRefund(line domain.InvoiceLine, qty int, taxRatePercent float64) int64 {
	gross := decimal.NewFromInt(line.UnitPriceCents).Mul(decimal.NewFromInt(int64(qty)))
	discountShare := decimal.NewFromInt(line.DiscountCents).
		Mul(decimal.NewFromInt(int64(qty))).
		Div(decimal.NewFromInt(int64(line.Qty))).
		RoundBank(0)
	base := gross.Sub(discountShare)
	tax := base.Mul(decimal.NewFromFloat(taxRatePercent)).Div(decimal.NewFromInt(100)).RoundBank(0)
	return base.Add(tax).IntPart()
}

func invoiceFullyReturned(lines []domain.InvoiceLine, alreadyReturned map[string]int, requested map[string]int) bool {
	for _, line := range lines {
		if alreadyReturned[line.ID]+requested[line.ID] < line.Qty {
			return false
		}
	}
	return true
}

func (s *Service) priorRefundTotal(ctx context.Context, invoiceID string) (int64, error) {
	returns, err := s.repo.ListReturnsByInvoice(ctx, invoiceID)
	if err != nil {
		return 0, err
	}
	total := int64(0)
	for _, ret := range returns {
		total += ret.RefundCents
	}
	return total, nil
}
