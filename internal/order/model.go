package order

import (
	"time"

	"gozon/fulfillment/internal/apperr"
	"gozon/fulfillment/internal/stock"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return st, true
	}
	return "", false
}

type CustomDesign struct {
	ImageURL string `json:"image_url,omitempty"`
	Notes    string `json:"notes,omitempty"`
	Position string `json:"position,omitempty"`
}

type LineItem struct {
	ProductID    string        `json:"product_id"`
	Name         string        `json:"name"`
	Quantity     int           `json:"quantity"`
	UnitPrice    int64         `json:"unit_price"`
	Size         string        `json:"size,omitempty"`
	Color        string        `json:"color,omitempty"`
	CustomDesign *CustomDesign `json:"custom_design,omitempty"`
}

type ShippingAddress struct {
	FullName   string `json:"full_name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// Amounts are in the currency's minor unit.
type Totals struct {
	ItemsPrice    int64 `json:"items_price"`
	TaxPrice      int64 `json:"tax_price"`
	ShippingPrice int64 `json:"shipping_price"`
	Discount      int64 `json:"discount"`
	TotalPrice    int64 `json:"total_price"`
}

type Order struct {
	ID                 string          `json:"id"`
	OrderNumber        string          `json:"order_number"`
	UserID             string          `json:"user_id"`
	Items              []LineItem      `json:"items"`
	ShippingAddress    ShippingAddress `json:"shipping_address"`
	Totals
	Currency           string     `json:"currency"`
	Status             Status     `json:"status"`
	IsPaid             bool       `json:"is_paid"`
	PaidAt             *time.Time `json:"paid_at,omitempty"`
	PaymentReference   string     `json:"payment_reference,omitempty"`
	IsDelivered        bool       `json:"is_delivered"`
	DeliveredAt        *time.Time `json:"delivered_at,omitempty"`
	TrackingNumber     string     `json:"tracking_number,omitempty"`
	CancellationReason string     `json:"cancellation_reason,omitempty"`
	CancelledAt        *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (o *Order) StockItems() []stock.Item {
	items := make([]stock.Item, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, stock.Item{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return items
}

func (o *Order) clone() *Order {
	c := *o
	c.Items = make([]LineItem, len(o.Items))
	for i, it := range o.Items {
		c.Items[i] = it
		if it.CustomDesign != nil {
			d := *it.CustomDesign
			c.Items[i].CustomDesign = &d
		}
	}
	return &c
}

// Bounds on checkout input, in minor currency units. They keep every
// product and sum in Validate far inside int64.
const (
	maxLineQuantity = 10_000
	maxAmount       = int64(100_000_000_000_000)
)

// Draft is what the cart hands to checkout.
type Draft struct {
	UserID          string
	Items           []LineItem
	ShippingAddress ShippingAddress
	Totals          Totals
}

func (d Draft) Validate() error {
	if d.UserID == "" {
		return apperr.Validation("user id required")
	}
	if len(d.Items) == 0 {
		return apperr.Validation("order has no items")
	}
	var items int64
	for _, it := range d.Items {
		if it.ProductID == "" {
			return apperr.Validation("line item product id required")
		}
		if it.Quantity <= 0 {
			return apperr.Validation("line item quantity must be positive")
		}
		if it.Quantity > maxLineQuantity {
			return apperr.Validation("line item quantity too large")
		}
		if it.UnitPrice < 0 {
			return apperr.Validation("line item unit price must not be negative")
		}
		if it.UnitPrice > maxAmount {
			return apperr.Validation("line item unit price too large")
		}
		items += it.UnitPrice * int64(it.Quantity)
		if items > maxAmount {
			return apperr.Validation("items price too large")
		}
	}
	t := d.Totals
	if t.TaxPrice < 0 || t.ShippingPrice < 0 || t.Discount < 0 {
		return apperr.Validation("tax, shipping and discount must not be negative")
	}
	if t.ItemsPrice > maxAmount || t.TaxPrice > maxAmount || t.ShippingPrice > maxAmount || t.Discount > maxAmount {
		return apperr.Validation("order amounts too large")
	}
	if t.ItemsPrice != items {
		return apperr.Validation("items price does not match line items")
	}
	if t.TotalPrice != t.ItemsPrice+t.TaxPrice+t.ShippingPrice-t.Discount {
		return apperr.Validation("total price does not add up")
	}
	if t.TotalPrice <= 0 {
		return apperr.Validation("total price must be positive")
	}
	if d.ShippingAddress.FullName == "" || d.ShippingAddress.Address == "" || d.ShippingAddress.City == "" || d.ShippingAddress.Country == "" {
		return apperr.Validation("shipping address incomplete")
	}
	return nil
}
