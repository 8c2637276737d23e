package order

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/example/shopcore/pkg/models"
	"github.com/example/shopcore/pkg/repository"
)

const exportPageSize = 200

var exportHeader = []string{
	"order_number", "created_at", "status", "payment_status", "customer_name",
	"customer_email", "customer_phone", "shipping_city", "items", "subtotal",
	"shipping_cost", "total_amount", "remaining_balance", "currency",
	"payment_method", "delivery_option", "tracking_number",
}

// ExportCSV writes every order matching filter, ignoring its paging.
func (s *Service) ExportCSV(ctx context.Context, filter repository.OrderFilter, w io.Writer) (int, error) {
	out := csv.NewWriter(w)
	if err := out.Write(exportHeader); err != nil {
		return 0, err
	}

	filter.Page = 1
	filter.Limit = exportPageSize
	written := 0
	for {
		orders, total, err := s.store.ListOrders(ctx, filter)
		if err != nil {
			return written, fmt.Errorf("failed to list orders: %w", err)
		}
		for i := range orders {
			if err := out.Write(exportRow(&orders[i])); err != nil {
				return written, err
			}
			written++
		}
		if len(orders) == 0 || int64(filter.Page*filter.Limit) >= total {
			break
		}
		filter.Page++
	}

	out.Flush()
	return written, out.Error()
}

func exportRow(o *models.Order) []string {
	return []string{
		o.OrderNumber,
		o.CreatedAt.Format(time.RFC3339),
		string(o.Status),
		string(o.PaymentStatus),
		o.CustomerFullName(),
		o.CustomerEmail,
		o.CustomerPhone,
		o.ShippingCity(),
		strconv.Itoa(len(o.Items)),
		o.Subtotal.StringFixed(2),
		o.ShippingCost.StringFixed(2),
		o.TotalAmount.StringFixed(2),
		o.RemainingBalance.StringFixed(2),
		o.Currency,
		string(o.PaymentMethod),
		string(o.DeliveryOption),
		o.TrackingNumber,
	}
}
