package cart

import (
	"errors"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/santialv/DOTENDERO-sub001/internal/domain"
)

var (
	ErrLineNotFound       = errors.New("cart line not found")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrHeldOrderNotFound  = errors.New("held order not found")
	ErrProductUnavailable = errors.New("product unavailable")
)

// Cart is the active order of a checkout session. Lines keep the price and
// tax snapshot taken when the product was first added. An empty CustomerID is
// the walk-in customer.
type Cart struct {
	CustomerID string            `json:"customer_id,omitempty"`
	Lines      []domain.CartLine `json:"lines"`
}

// Add puts one unit of the product in the cart.
func (c *Cart) Add(product domain.Product) error {
	if product.ID == "" || !product.Active {
		return ErrProductUnavailable
	}
	if i := c.index(product.ID); i >= 0 {
		c.Lines[i].Quantity++
		return nil
	}
	c.Lines = append(c.Lines, domain.CartLine{
		ProductID: product.ID,
		Name:      product.Name,
		Quantity:  1,
		UnitPrice: product.Price,
		TaxRate:   product.TaxRate,
		BagTax:    product.BagTax,
	})
	return nil
}

// Remove takes one unit off; the line goes away when it reaches zero.
func (c *Cart) Remove(productID string) error {
	i := c.index(productID)
	if i < 0 {
		return ErrLineNotFound
	}
	if c.Lines[i].Quantity > 1 {
		c.Lines[i].Quantity--
		return nil
	}
	c.Lines = slices.Delete(c.Lines, i, i+1)
	return nil
}

func (c *Cart) Delete(productID string) error {
	i := c.index(productID)
	if i < 0 {
		return ErrLineNotFound
	}
	c.Lines = slices.Delete(c.Lines, i, i+1)
	return nil
}

func (c *Cart) Clear() {
	c.Lines = nil
	c.CustomerID = ""
}

// Subtract takes sold quantities off the cart. Lines added after the sale
// stay; a cart left without lines is reset like Clear.
func (c *Cart) Subtract(sold []domain.SaleItem) {
	for _, item := range sold {
		i := c.index(item.ProductID)
		if i < 0 {
			continue
		}
		if c.Lines[i].Quantity > item.Quantity {
			c.Lines[i].Quantity -= item.Quantity
			continue
		}
		c.Lines = slices.Delete(c.Lines, i, i+1)
	}
	if len(c.Lines) == 0 {
		c.Clear()
	}
}

func (c *Cart) SetCustomer(customerID string) {
	c.CustomerID = strings.TrimSpace(customerID)
}

func (c Cart) IsEmpty() bool {
	return len(c.Lines) == 0
}

func (c Cart) Total() int64 {
	var total int64
	for _, line := range c.Lines {
		total += line.Subtotal()
	}
	return total
}

func (c Cart) ItemCount() int {
	count := 0
	for _, line := range c.Lines {
		count += line.Quantity
	}
	return count
}

// Items is the product/quantity list submitted to the ledger.
func (c Cart) Items() []domain.SaleItem {
	items := make([]domain.SaleItem, 0, len(c.Lines))
	for _, line := range c.Lines {
		items = append(items, domain.SaleItem{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return items
}

func (c Cart) Clone() Cart {
	return Cart{CustomerID: c.CustomerID, Lines: slices.Clone(c.Lines)}
}

func (c Cart) TaxBreakdown() []domain.TaxBucket {
	return TaxBreakdown(c.Lines)
}

// TaxBreakdown splits tax-inclusive line prices into net, tax and bag levy,
// grouped by rate in ascending order. Display only; totals come from prices.
func TaxBreakdown(lines []domain.CartLine) []domain.TaxBucket {
	buckets := make(map[float64]*domain.TaxBucket)
	for _, line := range lines {
		net, tax := splitUnitPrice(line.UnitPrice, line.BagTax, line.TaxRate)
		qty := int64(line.Quantity)
		b, ok := buckets[line.TaxRate]
		if !ok {
			b = &domain.TaxBucket{Rate: line.TaxRate}
			buckets[line.TaxRate] = b
		}
		b.Net += net * qty
		b.Tax += tax * qty
		b.BagTax += line.BagTax * qty
		b.Gross += line.UnitPrice * qty
	}

	result := make([]domain.TaxBucket, 0, len(buckets))
	for _, b := range buckets {
		result = append(result, *b)
	}
	slices.SortFunc(result, func(a, b domain.TaxBucket) int {
		switch {
		case a.Rate < b.Rate:
			return -1
		case a.Rate > b.Rate:
			return 1
		default:
			return 0
		}
	})
	return result
}

func splitUnitPrice(unitPrice, bagTax int64, rate float64) (net int64, tax int64) {
	base := unitPrice - bagTax
	if base <= 0 {
		return 0, 0
	}
	if rate <= 0 {
		return base, 0
	}
	net = int64(math.Round(float64(base) * 100 / (100 + rate)))
	return net, base - net
}

func (c Cart) index(productID string) int {
	for i, line := range c.Lines {
		if line.ProductID == productID {
			return i
		}
	}
	return -1
}

// Workspace is the active cart plus the bag of held orders of one session.
type Workspace struct {
	Active Cart               `json:"active"`
	Held   []domain.HeldOrder `json:"held"`
}

// Hold parks the active cart under id and leaves an empty walk-in cart.
func (w *Workspace) Hold(id string, note string, at time.Time) (domain.HeldOrder, error) {
	if w.Active.IsEmpty() {
		return domain.HeldOrder{}, ErrEmptyCart
	}
	held := domain.HeldOrder{
		ID:         id,
		Note:       strings.TrimSpace(note),
		CustomerID: w.Active.CustomerID,
		Lines:      slices.Clone(w.Active.Lines),
		Total:      w.Active.Total(),
		HeldAt:     at,
	}
	w.Held = append(w.Held, held)
	w.Active.Clear()
	return held, nil
}

// Resume makes the held order the active cart. A non-empty active cart is
// swapped into the bag under swapID.
func (w *Workspace) Resume(id string, swapID string, at time.Time) (domain.HeldOrder, error) {
	i := slices.IndexFunc(w.Held, func(h domain.HeldOrder) bool { return h.ID == id })
	if i < 0 {
		return domain.HeldOrder{}, ErrHeldOrderNotFound
	}
	resumed := w.Held[i]
	w.Held = slices.Delete(w.Held, i, i+1)

	if !w.Active.IsEmpty() {
		if _, err := w.Hold(swapID, "", at); err != nil {
			return domain.HeldOrder{}, err
		}
	}
	w.Active = Cart{CustomerID: resumed.CustomerID, Lines: slices.Clone(resumed.Lines)}
	return resumed, nil
}

func (w Workspace) HeldOrders() []domain.HeldOrder {
	out := make([]domain.HeldOrder, 0, len(w.Held))
	for _, h := range w.Held {
		h.Lines = slices.Clone(h.Lines)
		out = append(out, h)
	}
	return out
}

func (w Workspace) Clone() Workspace {
	return Workspace{Active: w.Active.Clone(), Held: w.HeldOrders()}
}

// View renders the active cart for API responses.
func (w Workspace) View(token string) domain.CartView {
	lines := slices.Clone(w.Active.Lines)
	if lines == nil {
		lines = []domain.CartLine{}
	}
	return domain.CartView{
		SessionToken: token,
		CustomerID:   w.Active.CustomerID,
		Lines:        lines,
		ItemCount:    w.Active.ItemCount(),
		Total:        w.Active.Total(),
		Taxes:        w.Active.TaxBreakdown(),
		HeldCount:    len(w.Held),
	}
}
