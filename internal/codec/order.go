package codec

import (
	"possync/internal/domain"
)

// NormalizeForRemote converts an order into the document persisted remotely.
// Dates become ISO strings, absent optional fields become nil and every list
// is present. The cloud id is not part of the body: it is the document key.
func NormalizeForRemote(o domain.Order) domain.Document {
	date := o.Date
	if date.IsZero() {
		date = now()
	}

	return domain.Document{
		"orderNo":         o.OrderNo,
		"worker":          o.Worker,
		"payment":         o.Payment,
		"paymentParts":    packPaymentParts(o.PaymentParts),
		"orderType":       o.OrderType,
		"deliveryFee":     o.DeliveryFee,
		"deliveryName":    o.DeliveryName,
		"deliveryPhone":   o.DeliveryPhone,
		"deliveryAddress": o.DeliveryAddress,
		"deliveryZoneId":  o.DeliveryZoneID,
		"total":           o.Total,
		"itemsTotal":      o.ItemsTotal,
		"cashReceived":    nullableFloat(o.CashReceived),
		"changeDue":       nullableFloat(o.ChangeDue),
		"done":            o.Done,
		"voided":          o.Voided,
		"voidReason":      o.VoidReason,
		"note":            o.Note,
		"date":            FormatTime(date),
		"restockedAt":     formatOptional(o.RestockedAt),
		"cart":            packCart(o.Cart),
		"idemKey":         o.IdemKey,
	}
}

// FromRemote rebuilds an order from a stored document. Numeric fields stored
// as strings are coerced, a malformed date falls back to now and a malformed
// restock time to nil. id becomes the order's CloudID; when empty the body's
// own cloudId is used.
func FromRemote(id string, doc domain.Document) domain.Order {
	cloudID := id
	if cloudID == "" {
		cloudID = String(doc["cloudId"])
	}

	return domain.Order{
		OrderNo:         Int(doc["orderNo"], 0),
		Worker:          String(doc["worker"]),
		Payment:         String(doc["payment"]),
		PaymentParts:    unpackPaymentParts(doc["paymentParts"]),
		OrderType:       String(doc["orderType"]),
		DeliveryFee:     Number(doc["deliveryFee"], 0),
		DeliveryName:    String(doc["deliveryName"]),
		DeliveryPhone:   String(doc["deliveryPhone"]),
		DeliveryAddress: String(doc["deliveryAddress"]),
		DeliveryZoneID:  String(doc["deliveryZoneId"]),
		Total:           Number(doc["total"], 0),
		ItemsTotal:      Number(doc["itemsTotal"], 0),
		CashReceived:    NullableNumber(doc["cashReceived"]),
		ChangeDue:       NullableNumber(doc["changeDue"]),
		Done:            Bool(doc["done"]),
		Voided:          Bool(doc["voided"]),
		VoidReason:      String(doc["voidReason"]),
		Note:            String(doc["note"]),
		Date:            primaryTime(doc["date"]),
		RestockedAt:     optionalTime(doc["restockedAt"]),
		Cart:            unpackCart(doc["cart"]),
		IdemKey:         String(doc["idemKey"]),
		CloudID:         cloudID,
	}
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func packPaymentParts(parts []domain.PaymentPart) []any {
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		out = append(out, map[string]any{"method": p.Method, "amount": p.Amount})
	}
	return out
}

func unpackPaymentParts(v any) []domain.PaymentPart {
	items := list(v)
	out := make([]domain.PaymentPart, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		out = append(out, domain.PaymentPart{
			Method: String(m["method"]),
			Amount: Number(m["amount"], 0),
		})
	}
	return out
}

func packCart(lines []domain.CartLine) []any {
	out := make([]any, 0, len(lines))
	for _, line := range lines {
		extras := make([]any, 0, len(line.Extras))
		for _, e := range line.Extras {
			extras = append(extras, map[string]any{"id": e.ID, "name": e.Name, "price": e.Price})
		}
		out = append(out, map[string]any{
			"id":     line.ID,
			"name":   line.Name,
			"price":  line.Price,
			"qty":    int64(line.Qty),
			"size":   line.Size,
			"note":   line.Note,
			"extras": extras,
		})
	}
	return out
}

func unpackCart(v any) []domain.CartLine {
	items := list(v)
	out := make([]domain.CartLine, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		rawExtras := list(m["extras"])
		extras := make([]domain.CartExtra, 0, len(rawExtras))
		for _, raw := range rawExtras {
			em, ok := asMap(raw)
			if !ok {
				continue
			}
			extras = append(extras, domain.CartExtra{
				ID:    String(em["id"]),
				Name:  String(em["name"]),
				Price: Number(em["price"], 0),
			})
		}
		out = append(out, domain.CartLine{
			ID:     String(m["id"]),
			Name:   String(m["name"]),
			Price:  Number(m["price"], 0),
			Qty:    int(Int(m["qty"], 1)),
			Size:   String(m["size"]),
			Note:   String(m["note"]),
			Extras: extras,
		})
	}
	return out
}
