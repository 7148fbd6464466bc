package codec

import (
	"time"

	"possync/internal/domain"
)

// SchemaVersion is written into every packed state document.
const SchemaVersion = 3

// PackState serializes the full application state for the remote store.
// updatedAt carries the server-timestamp sentinel so the store stamps it.
func PackState(s domain.ApplicationState) domain.Document {
	orders := make([]any, 0, len(s.Orders))
	for _, o := range s.Orders {
		doc := NormalizeForRemote(o)
		if o.CloudID != "" {
			doc["cloudId"] = o.CloudID
		}
		orders = append(orders, map[string]any(doc))
	}

	pins := make(map[string]any, len(s.AdminPins))
	for k, v := range s.AdminPins {
		pins[k] = v
	}

	return domain.Document{
		"menu":               packDocuments(s.Menu),
		"extraList":          packDocuments(s.Extras),
		"orders":             orders,
		"inventory":          packInventory(s.Inventory),
		"workers":            anyStrings(s.Workers),
		"paymentMethods":     anyStrings(s.PaymentMethods),
		"orderTypes":         anyStrings(s.OrderTypes),
		"dayMeta":            packDayMeta(s.DayMeta),
		"expenses":           packExpenses(s.Expenses),
		"purchases":          packPurchases(s.Purchases),
		"purchaseCategories": anyStrings(s.PurchaseCategories),
		"customers":          packCustomers(s.Customers),
		"deliveryZones":      packZones(s.DeliveryZones),
		"bankTx":             packBankTransactions(s.BankTransactions),
		"adminPins":          pins,
		"inventoryLocked":    s.InventoryLocked,
		"inventoryLockedAt":  formatOptional(s.InventoryLockedAt),
		"inventorySnapshot":  packInventory(s.InventorySnapshot),
		"version":            SchemaVersion,
		"updatedAt":          domain.ServerTimestamp,
	}
}

// UnpackState overlays the fields present in remote onto base. Absent keys
// leave base untouched, except dayMeta which falls back to fallbackDay.
func UnpackState(remote domain.Document, base domain.ApplicationState, fallbackDay domain.DayMeta) domain.ApplicationState {
	out := base

	if v, ok := present(remote, "menu"); ok {
		out.Menu = unpackDocuments(v)
	}
	if v, ok := present(remote, "extraList"); ok {
		out.Extras = unpackDocuments(v)
	}
	if v, ok := present(remote, "orders"); ok {
		items := list(v)
		out.Orders = make([]domain.Order, 0, len(items))
		for _, item := range items {
			if m, ok := asMap(item); ok {
				out.Orders = append(out.Orders, FromRemote("", m))
			}
		}
	}
	if v, ok := present(remote, "inventory"); ok {
		out.Inventory = unpackInventory(v)
	}
	if v, ok := present(remote, "workers"); ok {
		out.Workers = stringList(v)
	}
	if v, ok := present(remote, "paymentMethods"); ok {
		out.PaymentMethods = stringList(v)
	}
	if v, ok := present(remote, "orderTypes"); ok {
		out.OrderTypes = stringList(v)
	}
	if v, ok := present(remote, "dayMeta"); ok {
		out.DayMeta = unpackDayMeta(v, fallbackDay)
	} else {
		out.DayMeta = fallbackDay
	}
	if v, ok := present(remote, "expenses"); ok {
		out.Expenses = unpackExpenses(v)
	}
	if v, ok := present(remote, "purchases"); ok {
		out.Purchases = unpackPurchases(v)
	}
	if v, ok := present(remote, "purchaseCategories"); ok {
		out.PurchaseCategories = stringList(v)
	}
	if v, ok := present(remote, "customers"); ok {
		out.Customers = unpackCustomers(v)
	}
	if v, ok := present(remote, "deliveryZones"); ok {
		out.DeliveryZones = unpackZones(v)
	}
	if v, ok := present(remote, "bankTx"); ok {
		out.BankTransactions = unpackBankTransactions(v)
	}
	if v, ok := present(remote, "adminPins"); ok {
		if m, ok := asMap(v); ok {
			out.AdminPins = make(map[string]string, len(m))
			for k, pin := range m {
				out.AdminPins[k] = String(pin)
			}
		}
	}
	if v, ok := present(remote, "inventoryLocked"); ok {
		out.InventoryLocked = Bool(v)
	}
	if v, ok := remote["inventoryLockedAt"]; ok {
		out.InventoryLockedAt = optionalTime(v)
	}
	if v, ok := present(remote, "inventorySnapshot"); ok {
		out.InventorySnapshot = unpackInventory(v)
	}

	return out
}

// DefaultDayMeta starts a fresh business day at t.
func DefaultDayMeta(t time.Time, worker string) domain.DayMeta {
	return domain.DayMeta{
		StartedAt:    t.UTC(),
		ActiveWorker: worker,
		ShiftChanges: []domain.ShiftChange{},
	}
}

func present(doc domain.Document, key string) (any, bool) {
	v, ok := doc[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func packDocuments(docs []domain.Document) []any {
	out := make([]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, map[string]any(d))
	}
	return out
}

func unpackDocuments(v any) []domain.Document {
	items := list(v)
	out := make([]domain.Document, 0, len(items))
	for _, item := range items {
		if m, ok := asMap(item); ok {
			out = append(out, domain.Document(m))
		}
	}
	return out
}

func packInventory(items []domain.InventoryItem) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, map[string]any{
			"id":   it.ID,
			"name": it.Name,
			"unit": it.Unit,
			"qty":  it.Qty,
			"min":  it.Min,
		})
	}
	return out
}

func unpackInventory(v any) []domain.InventoryItem {
	items := list(v)
	out := make([]domain.InventoryItem, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		out = append(out, domain.InventoryItem{
			ID:   String(m["id"]),
			Name: String(m["name"]),
			Unit: String(m["unit"]),
			Qty:  Number(m["qty"], 0),
			Min:  Number(m["min"], 0),
		})
	}
	return out
}

func packDayMeta(d domain.DayMeta) map[string]any {
	shifts := make([]any, 0, len(d.ShiftChanges))
	for _, sc := range d.ShiftChanges {
		shifts = append(shifts, map[string]any{
			"at":   FormatTime(sc.At),
			"from": sc.From,
			"to":   sc.To,
		})
	}
	started := d.StartedAt
	if started.IsZero() {
		started = now()
	}
	return map[string]any{
		"startedAt":    FormatTime(started),
		"endedAt":      formatOptional(d.EndedAt),
		"lastReportAt": formatOptional(d.LastReportAt),
		"resetAt":      formatOptional(d.ResetAt),
		"activeWorker": d.ActiveWorker,
		"shiftChanges": shifts,
	}
}

func unpackDayMeta(v any, fallback domain.DayMeta) domain.DayMeta {
	m, ok := asMap(v)
	if !ok {
		return fallback
	}
	rawShifts := list(m["shiftChanges"])
	shifts := make([]domain.ShiftChange, 0, len(rawShifts))
	for _, raw := range rawShifts {
		sm, ok := asMap(raw)
		if !ok {
			continue
		}
		shifts = append(shifts, domain.ShiftChange{
			At:   primaryTime(sm["at"]),
			From: String(sm["from"]),
			To:   String(sm["to"]),
		})
	}
	return domain.DayMeta{
		StartedAt:    primaryTime(m["startedAt"]),
		EndedAt:      optionalTime(m["endedAt"]),
		LastReportAt: optionalTime(m["lastReportAt"]),
		ResetAt:      optionalTime(m["resetAt"]),
		ActiveWorker: String(m["activeWorker"]),
		ShiftChanges: shifts,
	}
}

func packExpenses(expenses []domain.Expense) []any {
	out := make([]any, 0, len(expenses))
	for _, e := range expenses {
		out = append(out, map[string]any{
			"id":       e.ID,
			"date":     FormatTime(e.Date),
			"amount":   e.Amount,
			"category": e.Category,
			"note":     e.Note,
			"orderNo":  e.OrderNo,
		})
	}
	return out
}

func unpackExpenses(v any) []domain.Expense {
	items := list(v)
	out := make([]domain.Expense, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		out = append(out, domain.Expense{
			ID:       String(m["id"]),
			Date:     primaryTime(m["date"]),
			Amount:   Number(m["amount"], 0),
			Category: String(m["category"]),
			Note:     String(m["note"]),
			OrderNo:  Int(m["orderNo"], 0),
		})
	}
	return out
}

func packPurchases(purchases []domain.Purchase) []any {
	out := make([]any, 0, len(purchases))
	for _, p := range purchases {
		out = append(out, map[string]any{
			"id":       p.ID,
			"date":     FormatTime(p.Date),
			"item":     p.Item,
			"category": p.Category,
			"qty":      p.Qty,
			"cost":     p.Cost,
			"supplier": p.Supplier,
		})
	}
	return out
}

func unpackPurchases(v any) []domain.Purchase {
	items := list(v)
	out := make([]domain.Purchase, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		out = append(out, domain.Purchase{
			ID:       String(m["id"]),
			Date:     primaryTime(m["date"]),
			Item:     String(m["item"]),
			Category: String(m["category"]),
			Qty:      Number(m["qty"], 0),
			Cost:     Number(m["cost"], 0),
			Supplier: String(m["supplier"]),
		})
	}
	return out
}

func packCustomers(customers []domain.Customer) []any {
	out := make([]any, 0, len(customers))
	for _, c := range customers {
		out = append(out, map[string]any{
			"name":    c.Name,
			"phone":   c.Phone,
			"address": c.Address,
			"zoneId":  c.ZoneID,
		})
	}
	return out
}

func unpackCustomers(v any) []domain.Customer {
	items := list(v)
	out := make([]domain.Customer, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		out = append(out, domain.Customer{
			Name:    String(m["name"]),
			Phone:   String(m["phone"]),
			Address: String(m["address"]),
			ZoneID:  String(m["zoneId"]),
		})
	}
	return out
}

func packZones(zones []domain.DeliveryZone) []any {
	out := make([]any, 0, len(zones))
	for _, z := range zones {
		out = append(out, map[string]any{"id": z.ID, "name": z.Name, "fee": z.Fee})
	}
	return out
}

func unpackZones(v any) []domain.DeliveryZone {
	items := list(v)
	out := make([]domain.DeliveryZone, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		out = append(out, domain.DeliveryZone{
			ID:   String(m["id"]),
			Name: String(m["name"]),
			Fee:  Number(m["fee"], 0),
		})
	}
	return out
}

func packBankTransactions(txs []domain.BankTransaction) []any {
	out := make([]any, 0, len(txs))
	for _, tx := range txs {
		out = append(out, map[string]any{
			"id":     tx.ID,
			"date":   FormatTime(tx.Date),
			"kind":   tx.Kind,
			"amount": tx.Amount,
			"note":   tx.Note,
		})
	}
	return out
}

func unpackBankTransactions(v any) []domain.BankTransaction {
	items := list(v)
	out := make([]domain.BankTransaction, 0, len(items))
	for _, item := range items {
		m, ok := asMap(item)
		if !ok {
			continue
		}
		out = append(out, domain.BankTransaction{
			ID:     String(m["id"]),
			Date:   primaryTime(m["date"]),
			Kind:   String(m["kind"]),
			Amount: Number(m["amount"], 0),
			Note:   String(m["note"]),
		})
	}
	return out
}
