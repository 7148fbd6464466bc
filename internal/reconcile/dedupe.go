// Package reconcile merges the order lists seen by different terminals.
package reconcile

import (
	"sort"

	"possync/internal/domain"
)

// Dedupe keeps one order per order number: the one with the latest date.
// Ties on date are broken deterministically so every terminal picks the same
// record: an order with a cloud id wins over one without, then the greater
// cloud id, then the greater idempotency key. Orders without a positive order
// number cannot collide and are kept as-is. The result is sorted newest first.
func Dedupe(orders []domain.Order) []domain.Order {
	if len(orders) == 0 {
		return []domain.Order{}
	}

	winners := make(map[int64]int, len(orders))
	out := make([]domain.Order, 0, len(orders))
	for _, order := range orders {
		if order.OrderNo <= 0 {
			out = append(out, order)
			continue
		}
		idx, seen := winners[order.OrderNo]
		if !seen {
			winners[order.OrderNo] = len(out)
			out = append(out, order)
			continue
		}
		if newer(order, out[idx]) {
			out[idx] = order
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].OrderNo > out[j].OrderNo
	})
	return out
}

func newer(candidate, current domain.Order) bool {
	if !candidate.Date.Equal(current.Date) {
		return candidate.Date.After(current.Date)
	}
	if (candidate.CloudID == "") != (current.CloudID == "") {
		return candidate.CloudID != ""
	}
	if candidate.CloudID != current.CloudID {
		return candidate.CloudID > current.CloudID
	}
	return candidate.IdemKey > current.IdemKey
}
