// Package events hands materialized orders to downstream consumers such as
// receipt printers, exporters and mailers.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"possync/internal/domain"
)

type Publisher interface {
	Publish(ctx context.Context, event domain.OrderEvent) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, domain.OrderEvent) error { return nil }
func (NoopPublisher) Close() error                                     { return nil }

// routingKey is "<type>.<storeId>", e.g. "order.created.main-store".
func routingKey(event domain.OrderEvent) string {
	return event.Type + "." + event.StoreID
}

// messageKey keeps every event of one order on the same partition.
func messageKey(event domain.OrderEvent) string {
	if event.Order != nil && event.Order.OrderNo > 0 {
		return fmt.Sprintf("%s-order-%d", event.StoreID, event.Order.OrderNo)
	}
	return event.StoreID + "-" + event.Type
}

func encode(event domain.OrderEvent) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.Type, err)
	}
	return body, nil
}
