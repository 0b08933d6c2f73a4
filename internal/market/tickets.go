package market

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/ticketmarket/internal/store"
)

type createTicketRequest struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	EventDate   time.Time `json:"eventDate"`
	Location    string    `json:"location"`
	Category    string    `json:"category"`
	Quantity    int       `json:"quantity"`
	ImageURL    *string   `json:"imageUrl"`
}

func (req createTicketRequest) validate() string {
	switch {
	case strings.TrimSpace(req.Title) == "":
		return "Title is required"
	case req.Price < 0:
		return "Price must not be negative"
	case req.Quantity < 1:
		return "Quantity must be at least 1"
	case req.EventDate.IsZero():
		return "Event date is required"
	}
	return ""
}

// HandleListTickets returns all tickets, optionally filtered by ?category=
func (api *API) HandleListTickets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tickets, err := api.store.ListTickets(ctx, r.URL.Query().Get("category"))
	if err != nil {
		api.internalError(ctx, w, err, "Failed to fetch tickets")
		return
	}
	if tickets == nil {
		tickets = []store.Ticket{}
	}
	api.writeJSON(ctx, w, http.StatusOK, tickets)
}

// HandleCreateTicket lists a new ticket for sale by the caller
func (api *API) HandleCreateTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := api.requireUser(w, r)
	if !ok {
		return
	}

	var req createTicketRequest
	if !api.decodeJSON(w, r, &req) {
		return
	}
	if msg := req.validate(); msg != "" {
		api.writeError(ctx, w, http.StatusBadRequest, msg)
		return
	}

	t := &store.Ticket{
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		Price:       req.Price,
		EventDate:   req.EventDate.UTC(),
		Location:    req.Location,
		Category:    req.Category,
		Quantity:    req.Quantity,
		ImageURL:    req.ImageURL,
		SellerID:    uid,
	}
	if err := api.store.CreateTicket(ctx, t); err != nil {
		api.internalError(ctx, w, err, "Failed to create ticket")
		return
	}
	api.writeJSON(ctx, w, http.StatusCreated, t)
}

func (api *API) HandleGetTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := api.store.GetTicket(ctx, chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		api.writeError(ctx, w, http.StatusNotFound, "Ticket not found")
	case err != nil:
		api.internalError(ctx, w, err, "Failed to fetch ticket")
	default:
		api.writeJSON(ctx, w, http.StatusOK, t)
	}
}

// HandleDeleteTicket removes an unsold ticket owned by the caller. Only
// verified users may delete.
func (api *API) HandleDeleteTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := api.requireVerifiedUser(w, r)
	if !ok {
		return
	}

	err := api.store.DeleteTicket(ctx, chi.URLParam(r, "id"), uid)
	switch {
	case errors.Is(err, store.ErrNotFound):
		api.writeError(ctx, w, http.StatusNotFound, "Ticket not found")
	case errors.Is(err, store.ErrForbidden):
		api.writeError(ctx, w, http.StatusForbidden, "Forbidden: You can only delete your own tickets")
	case errors.Is(err, store.ErrHasPurchases):
		api.writeError(ctx, w, http.StatusBadRequest, "Cannot delete ticket with existing purchases")
	case err != nil:
		api.internalError(ctx, w, err, "Failed to delete ticket")
	default:
		api.writeJSON(ctx, w, http.StatusOK, messageBody{Message: "Ticket deleted successfully"})
	}
}
