package cart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/santialv/DOTENDERO-sub001/internal/domain"
)

var (
	arroz = domain.Product{ID: "p", Name: "Arroz", Price: 3000, Active: true}
	leche = domain.Product{ID: "q", Name: "Leche", Price: 5000, Active: true}
	soda  = domain.Product{ID: "s", Name: "Gaseosa", Price: 2380, TaxRate: 19, Active: true}
	bolsa = domain.Product{ID: "b", Name: "Bolsa", Price: 66, BagTax: 66, Active: true}
)

func TestTotalIndependentOfInsertionOrder(t *testing.T) {
	orders := [][]domain.Product{
		{arroz, arroz, leche},
		{leche, arroz, arroz},
		{arroz, leche, arroz},
	}
	for _, seq := range orders {
		var c Cart
		for _, p := range seq {
			require.NoError(t, c.Add(p))
		}
		assert.Equal(t, int64(11000), c.Total())
		assert.Equal(t, 3, c.ItemCount())
	}
}

func TestRemoveOnSingleUnitEqualsDelete(t *testing.T) {
	var a, b Cart
	for _, c := range []*Cart{&a, &b} {
		require.NoError(t, c.Add(arroz))
		require.NoError(t, c.Add(leche))
		require.NoError(t, c.Add(leche))
	}
	require.NoError(t, a.Remove("p"))
	require.NoError(t, b.Delete("p"))
	assert.Equal(t, a, b)

	require.NoError(t, a.Remove("q"))
	require.Len(t, a.Lines, 1)
	assert.Equal(t, 1, a.Lines[0].Quantity)
}

func TestUnknownLine(t *testing.T) {
	var c Cart
	assert.ErrorIs(t, c.Remove("nope"), ErrLineNotFound)
	assert.ErrorIs(t, c.Delete("nope"), ErrLineNotFound)
}

func TestAddRejectsInactiveProduct(t *testing.T) {
	var c Cart
	inactive := arroz
	inactive.Active = false
	assert.ErrorIs(t, c.Add(inactive), ErrProductUnavailable)
	assert.True(t, c.IsEmpty())
}

func TestPriceSnapshotKeptOnLaterAdds(t *testing.T) {
	var c Cart
	require.NoError(t, c.Add(arroz))
	changed := arroz
	changed.Price = 9999
	require.NoError(t, c.Add(changed))
	assert.Equal(t, int64(6000), c.Total())
}

func TestClearResetsCustomer(t *testing.T) {
	var c Cart
	require.NoError(t, c.Add(arroz))
	c.SetCustomer("cust-ana")
	c.Clear()
	assert.True(t, c.IsEmpty())
	assert.Empty(t, c.CustomerID)
}

func TestTaxBreakdown(t *testing.T) {
	var c Cart
	require.NoError(t, c.Add(soda))
	require.NoError(t, c.Add(soda))
	require.NoError(t, c.Add(arroz))
	require.NoError(t, c.Add(bolsa))

	taxes := c.TaxBreakdown()
	require.Len(t, taxes, 2)

	zero := taxes[0]
	assert.Equal(t, 0.0, zero.Rate)
	assert.Equal(t, int64(3000), zero.Net)
	assert.Equal(t, int64(0), zero.Tax)
	assert.Equal(t, int64(66), zero.BagTax)
	assert.Equal(t, int64(3066), zero.Gross)

	vat := taxes[1]
	assert.Equal(t, 19.0, vat.Rate)
	assert.Equal(t, int64(4000), vat.Net)
	assert.Equal(t, int64(760), vat.Tax)
	assert.Equal(t, int64(4760), vat.Gross)

	var gross int64
	for _, b := range taxes {
		gross += b.Gross
	}
	assert.Equal(t, c.Total(), gross)
}

func TestHoldAndResumeSwap(t *testing.T) {
	var w Workspace
	_, err := w.Hold("h0", "", time.Now())
	require.ErrorIs(t, err, ErrEmptyCart)

	require.NoError(t, w.Active.Add(arroz))
	w.Active.SetCustomer("cust-ana")
	held, err := w.Hold("h1", " mesa 2 ", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "mesa 2", held.Note)
	assert.Equal(t, int64(3000), held.Total)
	assert.True(t, w.Active.IsEmpty())
	assert.Empty(t, w.Active.CustomerID)

	require.NoError(t, w.Active.Add(leche))
	resumed, err := w.Resume("h1", "h2", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "h1", resumed.ID)
	assert.Equal(t, "cust-ana", w.Active.CustomerID)
	assert.Equal(t, int64(3000), w.Active.Total())

	require.Len(t, w.Held, 1)
	assert.Equal(t, "h2", w.Held[0].ID)
	assert.Equal(t, int64(5000), w.Held[0].Total)

	_, err = w.Resume("h1", "h3", time.Now())
	require.ErrorIs(t, err, ErrHeldOrderNotFound)
}

func TestResumeIntoEmptyCartDoesNotSwap(t *testing.T) {
	var w Workspace
	require.NoError(t, w.Active.Add(arroz))
	_, err := w.Hold("h1", "", time.Now())
	require.NoError(t, err)

	_, err = w.Resume("h1", "h2", time.Now())
	require.NoError(t, err)
	assert.Empty(t, w.Held)

	view := w.View("tok")
	assert.Equal(t, "tok", view.SessionToken)
	assert.Equal(t, 1, view.ItemCount)
	assert.Equal(t, 0, view.HeldCount)
}

func TestSubtractKeepsUnsoldLines(t *testing.T) {
	var c Cart
	require.NoError(t, c.Add(arroz))
	require.NoError(t, c.Add(arroz))
	require.NoError(t, c.Add(leche))
	c.SetCustomer("cust-1")

	c.Subtract([]domain.SaleItem{{ProductID: "p", Quantity: 1}, {ProductID: "q", Quantity: 1}, {ProductID: "zz", Quantity: 3}})
	require.Len(t, c.Lines, 1)
	assert.Equal(t, "p", c.Lines[0].ProductID)
	assert.Equal(t, 1, c.Lines[0].Quantity)
	assert.Equal(t, "cust-1", c.CustomerID)

	c.Subtract([]domain.SaleItem{{ProductID: "p", Quantity: 5}})
	assert.True(t, c.IsEmpty())
	assert.Empty(t, c.CustomerID)
}
