package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// IsDeliveryLike reports whether an order of the given type leaves the shop.
// Everything except dine-in and take-away counts; an empty type does not.
func IsDeliveryLike(orderType string) bool {
	key := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_', '.':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(orderType)))

	switch key {
	case "", "dinein", "takeaway", "takeout":
		return false
	default:
		return true
	}
}

// NormalizePaymentParts drops entries without a method or with a
// non-positive amount. Amounts are kept as entered: a partial payment is
// never inflated to the order total.
func NormalizePaymentParts(parts []PaymentPart) []PaymentPart {
	normalized := make([]PaymentPart, 0, len(parts))
	for _, part := range parts {
		method := strings.TrimSpace(part.Method)
		if method == "" || !(part.Amount > 0) {
			continue
		}
		normalized = append(normalized, PaymentPart{
			Method: method,
			Amount: decimal.NewFromFloat(part.Amount).Round(2).InexactFloat64(),
		})
	}
	return normalized
}

// PrimaryPayment is the label shown for the order's payment.
func PrimaryPayment(parts []PaymentPart, fallback string) string {
	method := ""
	for _, part := range parts {
		if method == "" {
			method = part.Method
			continue
		}
		if !strings.EqualFold(method, part.Method) {
			return PaymentSplit
		}
	}
	if method == "" {
		return fallback
	}
	return method
}

// PaidAmount sums payment parts exactly.
func PaidAmount(parts []PaymentPart) float64 {
	sum := decimal.Zero
	for _, part := range parts {
		sum = sum.Add(decimal.NewFromFloat(part.Amount))
	}
	return sum.Round(2).InexactFloat64()
}

// ChangeDue returns max(0, cashReceived - total) in exact cents.
func ChangeDue(total float64, cashReceived float64) float64 {
	change := decimal.NewFromFloat(cashReceived).Sub(decimal.NewFromFloat(total))
	if change.IsNegative() {
		return 0
	}
	return change.Round(2).InexactFloat64()
}

// Clone deep-copies the order's slices and pointers.
func (o Order) Clone() Order {
	dup := o
	if o.PaymentParts != nil {
		dup.PaymentParts = append([]PaymentPart(nil), o.PaymentParts...)
	}
	if o.Cart != nil {
		dup.Cart = make([]CartLine, len(o.Cart))
		for i, line := range o.Cart {
			dup.Cart[i] = line
			if line.Extras != nil {
				dup.Cart[i].Extras = append([]CartExtra(nil), line.Extras...)
			}
		}
	}
	if o.CashReceived != nil {
		v := *o.CashReceived
		dup.CashReceived = &v
	}
	if o.ChangeDue != nil {
		v := *o.ChangeDue
		dup.ChangeDue = &v
	}
	if o.RestockedAt != nil {
		v := *o.RestockedAt
		dup.RestockedAt = &v
	}
	return dup
}
