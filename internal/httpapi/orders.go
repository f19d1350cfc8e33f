package httpapi

import (
	"net/http"

	"gozon/fulfillment/internal/auth"
	"gozon/fulfillment/internal/order"
)

type customDesignRequest struct {
	ImageURL string `json:"image_url" validate:"omitempty,url"`
	Notes    string `json:"notes"`
	Position string `json:"position"`
}

type lineItemRequest struct {
	ProductID    string               `json:"product_id" validate:"required"`
	Name         string               `json:"name" validate:"required"`
	Quantity     int                  `json:"quantity" validate:"gt=0"`
	UnitPrice    int64                `json:"unit_price" validate:"gte=0"`
	Size         string               `json:"size"`
	Color        string               `json:"color"`
	CustomDesign *customDesignRequest `json:"custom_design"`
}

type addressRequest struct {
	FullName   string `json:"full_name" validate:"required"`
	Address    string `json:"address" validate:"required"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country" validate:"required"`
	Phone      string `json:"phone"`
}

type checkoutRequest struct {
	Items           []lineItemRequest `json:"items" validate:"min=1,dive"`
	ShippingAddress addressRequest    `json:"shipping_address"`
	ItemsPrice      int64             `json:"items_price" validate:"gte=0"`
	TaxPrice        int64             `json:"tax_price" validate:"gte=0"`
	ShippingPrice   int64             `json:"shipping_price" validate:"gte=0"`
	Discount        int64             `json:"discount" validate:"gte=0"`
	TotalPrice      int64             `json:"total_price" validate:"gt=0"`
}

func (req checkoutRequest) draft(userID string) order.Draft {
	items := make([]order.LineItem, 0, len(req.Items))
	for _, it := range req.Items {
		li := order.LineItem{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Size:      it.Size,
			Color:     it.Color,
		}
		if it.CustomDesign != nil {
			li.CustomDesign = &order.CustomDesign{
				ImageURL: it.CustomDesign.ImageURL,
				Notes:    it.CustomDesign.Notes,
				Position: it.CustomDesign.Position,
			}
		}
		items = append(items, li)
	}
	a := req.ShippingAddress
	return order.Draft{
		UserID: userID,
		Items:  items,
		ShippingAddress: order.ShippingAddress{
			FullName:   a.FullName,
			Address:    a.Address,
			City:       a.City,
			State:      a.State,
			PostalCode: a.PostalCode,
			Country:    a.Country,
			Phone:      a.Phone,
		},
		Totals: order.Totals{
			ItemsPrice:    req.ItemsPrice,
			TaxPrice:      req.TaxPrice,
			ShippingPrice: req.ShippingPrice,
			Discount:      req.Discount,
			TotalPrice:    req.TotalPrice,
		},
	}
}

func (s *Server) checkout(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req checkoutRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	o, err := s.orders.Checkout(r.Context(), req.draft(p.UserID))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	orders, err := s.orders.List(r.Context(), p.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if orders == nil {
		orders = []order.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

func (s *Server) getOrder(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	o, ok := s.ownedOrder(w, r, p, r.PathValue("orderID"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// cancelOrder lets the buyer withdraw an order nobody has started on yet.
// Admins may also cancel once processing has begun.
func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req cancelRequest
	if err := s.decodeOptional(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	o, ok := s.ownedOrder(w, r, p, r.PathValue("orderID"))
	if !ok {
		return
	}
	from := []order.Status{order.StatusPending}
	if p.IsAdmin() {
		from = append(from, order.StatusProcessing)
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by customer"
	}
	updated, err := s.orders.UpdateStatus(r.Context(), o.ID, order.StatusUpdate{
		Status:      order.StatusCancelled,
		Reason:      reason,
		AllowedFrom: from,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type statusUpdateRequest struct {
	Status         string `json:"status" validate:"required,oneof=pending processing shipped delivered cancelled"`
	TrackingNumber string `json:"trackingNumber"`
	Reason         string `json:"reason"`
}

func (s *Server) updateOrderStatus(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	var req statusUpdateRequest
	if err := s.decode(w, r, &req); err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	status, _ := order.ParseStatus(req.Status)
	o, err := s.orders.UpdateStatus(r.Context(), r.PathValue("orderID"), order.StatusUpdate{
		Status:         status,
		TrackingNumber: req.TrackingNumber,
		Reason:         req.Reason,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// ownedOrder loads the order and writes the error response itself when the
// caller may not see it.
func (s *Server) ownedOrder(w http.ResponseWriter, r *http.Request, p auth.Principal, id string) (*order.Order, bool) {
	o, err := s.orders.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, r, err)
		return nil, false
	}
	if !p.CanAccess(o.UserID) {
		s.writeDomainError(w, r, auth.ErrForbidden)
		return nil, false
	}
	return o, true
}
