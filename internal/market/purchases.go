package market

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/ticketmarket/internal/store"
)

type createPurchaseRequest struct {
	TicketID string `json:"ticketId"`
	Quantity int    `json:"quantity"`
}

// HandleCreatePurchase buys tickets for the caller
func (api *API) HandleCreatePurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := api.requireUser(w, r)
	if !ok {
		return
	}

	var req createPurchaseRequest
	if !api.decodeJSON(w, r, &req) {
		return
	}
	if req.TicketID == "" || req.Quantity < 1 {
		api.writeError(ctx, w, http.StatusBadRequest, "Invalid input")
		return
	}

	p, err := api.store.CreatePurchase(ctx, req.TicketID, uid, req.Quantity, api.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		api.writeError(ctx, w, http.StatusNotFound, "Ticket not found")
	case errors.Is(err, store.ErrInsufficient):
		api.writeError(ctx, w, http.StatusBadRequest, "Not enough tickets available")
	case err != nil:
		api.internalError(ctx, w, err, "Failed to create purchase")
	default:
		if api.metrics != nil {
			api.metrics.IncPurchases()
		}
		api.writeJSON(ctx, w, http.StatusCreated, p)
	}
}

// HandleListPurchases returns the caller's purchases
func (api *API) HandleListPurchases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := api.requireUser(w, r)
	if !ok {
		return
	}

	purchases, err := api.store.ListPurchases(ctx, uid)
	if err != nil {
		api.internalError(ctx, w, err, "Failed to fetch purchases")
		return
	}
	if purchases == nil {
		purchases = []store.Purchase{}
	}
	api.writeJSON(ctx, w, http.StatusOK, purchases)
}

type purchaseSummary struct {
	ID         string    `json:"id"`
	Quantity   int       `json:"quantity"`
	TotalPrice float64   `json:"totalPrice"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"createdAt"`
}

type ticketSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	EventDate time.Time `json:"eventDate"`
	Location  string    `json:"location"`
	Category  string    `json:"category"`
}

type qrCodeResponse struct {
	QRCode          string          `json:"qrCode"`
	QRCodeScanned   bool            `json:"qrCodeScanned"`
	QRCodeScannedAt *time.Time      `json:"qrCodeScannedAt"`
	Purchase        purchaseSummary `json:"purchase"`
	Ticket          ticketSummary   `json:"ticket"`
}

func summarizePurchase(p *store.Purchase) purchaseSummary {
	return purchaseSummary{
		ID:         p.ID,
		Quantity:   p.Quantity,
		TotalPrice: p.TotalPrice,
		Status:     p.Status,
		CreatedAt:  p.CreatedAt,
	}
}

func summarizeTicket(t *store.Ticket) ticketSummary {
	if t == nil {
		return ticketSummary{}
	}
	return ticketSummary{
		ID:        t.ID,
		Title:     t.Title,
		EventDate: t.EventDate,
		Location:  t.Location,
		Category:  t.Category,
	}
}

// HandleGetQRCode returns the entry code for a purchase to its buyer or the event's seller
func (api *API) HandleGetQRCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := api.requireUser(w, r)
	if !ok {
		return
	}

	p, err := api.store.GetPurchase(ctx, chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		api.writeError(ctx, w, http.StatusNotFound, "Purchase not found")
		return
	}
	if err != nil {
		api.internalError(ctx, w, err, "Failed to fetch QR code")
		return
	}

	if p.BuyerID != uid && (p.Ticket == nil || p.Ticket.SellerID != uid) {
		api.writeError(ctx, w, http.StatusForbidden, "Unauthorized - You can only access your own purchase QR codes")
		return
	}
	if p.QRCode == nil {
		api.writeError(ctx, w, http.StatusNotFound, store.ErrQRCodeUnavailable.Error())
		return
	}

	api.writeJSON(ctx, w, http.StatusOK, qrCodeResponse{
		QRCode:          *p.QRCode,
		QRCodeScanned:   p.QRCodeScanned,
		QRCodeScannedAt: p.QRCodeScannedAt,
		Purchase:        summarizePurchase(p),
		Ticket:          summarizeTicket(p.Ticket),
	})
}
