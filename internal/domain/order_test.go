package domain

import "testing"

func TestIsDeliveryLike(t *testing.T) {
	cases := map[string]bool{
		"Dine-In":   false,
		"dine in":   false,
		"Take-Away": false,
		"takeaway":  false,
		"":          false,
		"Delivery":  true,
		"GrabFood":  true,
		"Talabat":   true,
	}
	for orderType, want := range cases {
		if got := IsDeliveryLike(orderType); got != want {
			t.Fatalf("IsDeliveryLike(%q) = %t, want %t", orderType, got, want)
		}
	}
}

func TestNormalizePaymentPartsKeepsPartialCash(t *testing.T) {
	total := 95.0
	parts := NormalizePaymentParts([]PaymentPart{{Method: "Cash", Amount: 50}})
	if len(parts) != 1 {
		t.Fatalf("expected one payment part, got %d", len(parts))
	}
	if parts[0].Method != "Cash" || parts[0].Amount != 50 {
		t.Fatalf("expected {Cash 50}, got %+v", parts[0])
	}
	if PaidAmount(parts) >= total {
		t.Fatalf("partial payment must not be inflated to the total")
	}
}

func TestNormalizePaymentPartsDropsEmptyEntries(t *testing.T) {
	parts := NormalizePaymentParts([]PaymentPart{
		{Method: " ", Amount: 10},
		{Method: "Card", Amount: 0},
		{Method: "Card", Amount: -5},
		{Method: " Card ", Amount: 20.005},
	})
	if len(parts) != 1 || parts[0].Method != "Card" {
		t.Fatalf("unexpected parts: %+v", parts)
	}
}

func TestPrimaryPayment(t *testing.T) {
	if got := PrimaryPayment(nil, PaymentCash); got != PaymentCash {
		t.Fatalf("expected fallback, got %s", got)
	}
	single := []PaymentPart{{Method: "Card", Amount: 10}, {Method: "card", Amount: 5}}
	if got := PrimaryPayment(single, PaymentCash); got != "Card" {
		t.Fatalf("expected Card, got %s", got)
	}
	split := []PaymentPart{{Method: "Card", Amount: 10}, {Method: "Cash", Amount: 5}}
	if got := PrimaryPayment(split, PaymentCash); got != PaymentSplit {
		t.Fatalf("expected Split, got %s", got)
	}
}

func TestChangeDue(t *testing.T) {
	if got := ChangeDue(95, 50); got != 0 {
		t.Fatalf("expected no change on partial payment, got %v", got)
	}
	if got := ChangeDue(0.3, 1); got != 0.7 {
		t.Fatalf("expected 0.7, got %v", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	cash := 10.0
	src := Order{
		OrderNo:      1,
		CashReceived: &cash,
		PaymentParts: []PaymentPart{{Method: "Cash", Amount: 10}},
		Cart:         []CartLine{{ID: "a", Extras: []CartExtra{{ID: "x"}}}},
	}
	dup := src.Clone()
	*dup.CashReceived = 99
	dup.PaymentParts[0].Amount = 1
	dup.Cart[0].Extras[0].ID = "y"
	if *src.CashReceived != 10 || src.PaymentParts[0].Amount != 10 || src.Cart[0].Extras[0].ID != "x" {
		t.Fatalf("clone shares memory with source")
	}
}
