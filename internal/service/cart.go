package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"martpos/backend/internal/domain"
	"martpos/backend/internal/store"
	"martpos/backend/internal/xid"
)

// cartRegistry keeps open carts in memory. A cart is transient terminal
// state until it is held (persisted) or finalized (becomes an invoice),
// so a process restart dropping open carts is acceptable.
type cartRegistry struct {
	mu    sync.RWMutex
	carts map[string]domain.Cart
}

func newCartRegistry() *cartRegistry {
	return &cartRegistry{carts: make(map[string]domain.Cart)}
}

func (r *cartRegistry) put(cart domain.Cart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carts[cart.ID] = cloneCart(cart)
}

func (r *cartRegistry) get(cartID string) (domain.Cart, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cart, exists := r.carts[strings.TrimSpace(cartID)]
	if !exists {
		return domain.Cart{}, store.ErrNotFound
	}
	return cloneCart(cart), nil
}

func (r *cartRegistry) remove(cartID string) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cart, exists := r.carts[cartID]
	if !exists {
		return domain.Cart{}, store.ErrNotFound
	}
	delete(r.carts, cartID)
	return cart, nil
}

func (r *cartRegistry) finalize(cartID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.carts, cartID)
}

func cloneCart(cart domain.Cart) domain.Cart {
	clone := cart
	clone.Lines = append([]domain.CartLine(nil), cart.Lines...)
	return clone
}

func (s *Service) CreateCart(ctx context.Context, req domain.CartCreateRequest) (domain.CartResponse, error) {
	req.TerminalID = strings.TrimSpace(req.TerminalID)
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.TerminalID == "" {
		return domain.CartResponse{}, store.ErrInvalidInput
	}
	if req.CustomerID != "" {
		if _, err := s.repo.GetCustomerByID(ctx, req.CustomerID); err != nil {
			return domain.CartResponse{}, err
		}
	}

	cart := domain.Cart{
		ID:         xid.New("crt"),
		TerminalID: req.TerminalID,
		CustomerID: req.CustomerID,
		Status:     domain.CartStatusOpen,
		Lines:      []domain.CartLine{},
		CreatedAt:  time.Now().UTC(),
	}
	s.carts.put(cart)
	return domain.CartResponse{Cart: cart}, nil
}

func (s *Service) GetCart(_ context.Context, cartID string) (domain.CartResponse, error) {
	cart, err := s.carts.get(cartID)
	if err != nil {
		return domain.CartResponse{}, err
	}
	return domain.CartResponse{Cart: cart}, nil
}

// AddCartLine resolves the product by id or barcode and merges the
// quantity into an existing line for the same product.
func (s *Service) AddCartLine(ctx context.Context, cartID string, req domain.CartLineRequest) (domain.CartResponse, error) {
	if req.Qty < 1 || req.DiscountCents < 0 {
		return domain.CartResponse{}, store.ErrInvalidInput
	}

	var product domain.Product
	switch {
	case strings.TrimSpace(req.ProductID) != "":
		found, err := s.repo.GetProductByID(ctx, strings.TrimSpace(req.ProductID))
		if err != nil {
			return domain.CartResponse{}, err
		}
		product = *found
	case strings.TrimSpace(req.Barcode) != "":
		found, err := s.LookupProductByBarcode(ctx, req.Barcode)
		if err != nil {
			return domain.CartResponse{}, err
		}
		product = found
	default:
		return domain.CartResponse{}, store.ErrInvalidInput
	}
	if !product.Active {
		return domain.CartResponse{}, store.ErrInvalidInput
	}

	cart, err := s.carts.get(cartID)
	if err != nil {
		return domain.CartResponse{}, err
	}

	merged := false
	for i := range cart.Lines {
		if cart.Lines[i].ProductID == product.ID {
			cart.Lines[i].Qty += req.Qty
			cart.Lines[i].DiscountCents += req.DiscountCents
			merged = true
			break
		}
	}
	if !merged {
		cart.Lines = append(cart.Lines, domain.CartLine{
			ProductID:     product.ID,
			Qty:           req.Qty,
			DiscountCents: req.DiscountCents,
		})
	}

	s.carts.put(cart)
	return domain.CartResponse{Cart: cart}, nil
}

func (s *Service) UpdateCartLine(_ context.Context, cartID string, productID string, qty int) (domain.CartResponse, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" || qty < 0 {
		return domain.CartResponse{}, store.ErrInvalidInput
	}

	cart, err := s.carts.get(cartID)
	if err != nil {
		return domain.CartResponse{}, err
	}

	idx := -1
	for i := range cart.Lines {
		if cart.Lines[i].ProductID == productID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.CartResponse{}, store.ErrNotFound
	}

	if qty == 0 {
		cart.Lines = append(cart.Lines[:idx], cart.Lines[idx+1:]...)
	} else {
		cart.Lines[idx].Qty = qty
	}

	s.carts.put(cart)
	return domain.CartResponse{Cart: cart}, nil
}

// ClearCart abandons an open cart without touching stock. Nothing was
// allocated yet, so there is nothing to release.
func (s *Service) ClearCart(ctx context.Context, cartID string) error {
	cart, err := s.carts.remove(strings.TrimSpace(cartID))
	if err != nil {
		return err
	}
	s.logAudit(ctx, "cart_clear", "cart", cart.ID, fmt.Sprintf("lines=%d", len(cart.Lines)))
	return nil
}

// HoldCart parks an open cart so the terminal can serve the next
// customer. Held carts survive restarts; open ones do not.
func (s *Service) HoldCart(ctx context.Context, cartID string, req domain.CartHoldRequest) (domain.CartResponse, error) {
	cart, err := s.carts.get(cartID)
	if err != nil {
		return domain.CartResponse{}, err
	}
	if len(cart.Lines) == 0 {
		return domain.CartResponse{}, store.ErrInvalidInput
	}

	now := time.Now().UTC()
	cart.Status = domain.CartStatusHeld
	cart.Label = strings.TrimSpace(req.Label)
	cart.HeldAt = &now

	saved, err := s.repo.SaveHeldCart(ctx, cart)
	if err != nil {
		return domain.CartResponse{}, err
	}
	s.carts.finalize(cartID)

	s.logAudit(ctx, "cart_hold", "cart", saved.ID, fmt.Sprintf("label=%s,lines=%d", saved.Label, len(saved.Lines)))
	return domain.CartResponse{Cart: *saved}, nil
}

// RecallCart moves a held cart back to open on its terminal.
func (s *Service) RecallCart(ctx context.Context, cartID string) (domain.CartResponse, error) {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return domain.CartResponse{}, store.ErrInvalidInput
	}

	held, err := s.repo.PopHeldCart(ctx, cartID)
	if err != nil {
		return domain.CartResponse{}, err
	}

	cart := *held
	cart.Status = domain.CartStatusOpen
	cart.HeldAt = nil
	s.carts.put(cart)

	s.logAudit(ctx, "cart_recall", "cart", cart.ID, fmt.Sprintf("lines=%d", len(cart.Lines)))
	return domain.CartResponse{Cart: cart}, nil
}

func (s *Service) ListHeldCarts(ctx context.Context, terminalID string) (domain.HeldCartListResponse, error) {
	carts, err := s.repo.ListHeldCarts(ctx, strings.TrimSpace(terminalID), 200)
	if err != nil {
		return domain.HeldCartListResponse{}, err
	}
	return domain.HeldCartListResponse{Items: carts}, nil
}

func (s *Service) DiscardHeldCart(ctx context.Context, cartID string) error {
	cartID = strings.TrimSpace(cartID)
	if cartID == "" {
		return store.ErrInvalidInput
	}

	if err := s.repo.DeleteHeldCart(ctx, cartID); err != nil {
		return err
	}

	s.logAudit(ctx, "cart_discard", "cart", cartID, "discarded")
	return nil
}
