package market

import (
	"errors"
	"net/http"
	"time"

	"github.com/keithlinneman/ticketmarket/internal/qrcode"
	"github.com/keithlinneman/ticketmarket/internal/store"
)

// verification results, used as the metrics label
const (
	verifyInvalid        = "invalid_format"
	verifyNotFound       = "not_found"
	verifyForbidden      = "forbidden"
	verifyBuyerView      = "buyer_view"
	verifyAlreadyScanned = "already_scanned"
	verifyScanned        = "scanned"
	verifyValid          = "valid"
)

type verifyRequest struct {
	QRCode        string `json:"qrCode"`
	MarkAsScanned bool   `json:"markAsScanned"`
}

type userSummary struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type verifyResponse struct {
	Valid          bool            `json:"valid"`
	Scanned        bool            `json:"scanned"`
	AlreadyScanned bool            `json:"alreadyScanned,omitempty"`
	ScannedAt      *time.Time      `json:"scannedAt"`
	Purchase       purchaseSummary `json:"purchase"`
	Ticket         ticketSummary   `json:"ticket"`
	Buyer          *userSummary    `json:"buyer,omitempty"`
	Message        string          `json:"message"`
}

func summarizeUser(u *store.User) *userSummary {
	if u == nil {
		return nil
	}
	return &userSummary{ID: u.ID, Name: u.Name, Email: u.Email}
}

// HandleVerifyQRCode checks an entry code. The event's seller may mark it
// scanned; the buyer may only view it.
func (api *API) HandleVerifyQRCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := api.requireUser(w, r)
	if !ok {
		return
	}

	var req verifyRequest
	if !api.decodeJSON(w, r, &req) {
		return
	}
	if req.QRCode == "" {
		api.writeError(ctx, w, http.StatusBadRequest, "QR code is required")
		return
	}
	if _, err := qrcode.Parse(req.QRCode); err != nil {
		api.observeVerify(verifyInvalid)
		api.writeError(ctx, w, http.StatusBadRequest, "Invalid QR code format")
		return
	}

	p, err := api.store.FindPurchaseByQRCode(ctx, req.QRCode)
	if errors.Is(err, store.ErrNotFound) {
		api.observeVerify(verifyNotFound)
		api.writeError(ctx, w, http.StatusNotFound, "QR code not found")
		return
	}
	if err != nil {
		api.internalError(ctx, w, err, "Failed to verify QR code")
		return
	}

	resp := verifyResponse{
		Valid:     true,
		Scanned:   p.QRCodeScanned,
		ScannedAt: p.QRCodeScannedAt,
		Purchase:  summarizePurchase(p),
		Ticket:    summarizeTicket(p.Ticket),
		Buyer:     summarizeUser(p.Buyer),
	}

	isSeller := p.Ticket != nil && p.Ticket.SellerID == uid
	if !isSeller {
		if p.BuyerID == uid && !req.MarkAsScanned {
			api.observeVerify(verifyBuyerView)
			resp.Message = "This is your ticket. Only the event organizer can mark it as scanned."
			api.writeJSON(ctx, w, http.StatusOK, resp)
			return
		}
		api.observeVerify(verifyForbidden)
		api.writeError(ctx, w, http.StatusForbidden, "Unauthorized - Only the event organizer can verify tickets for entry")
		return
	}

	if !req.MarkAsScanned {
		api.observeVerify(verifyValid)
		resp.Message = "Ticket is valid"
		api.writeJSON(ctx, w, http.StatusOK, resp)
		return
	}

	updated, already, err := api.store.MarkScanned(ctx, p.ID, api.now())
	if err != nil {
		api.internalError(ctx, w, err, "Failed to verify QR code")
		return
	}
	resp.Scanned = updated.QRCodeScanned
	resp.ScannedAt = updated.QRCodeScannedAt
	resp.Purchase = summarizePurchase(updated)
	if already {
		api.observeVerify(verifyAlreadyScanned)
		resp.Valid = false
		resp.AlreadyScanned = true
		resp.Message = "This ticket has already been used for entry"
		api.writeJSON(ctx, w, http.StatusOK, resp)
		return
	}

	api.observeVerify(verifyScanned)
	resp.Message = "Ticket successfully verified for entry"
	api.writeJSON(ctx, w, http.StatusOK, resp)
}

func (api *API) observeVerify(result string) {
	if api.metrics != nil {
		api.metrics.IncQRCodeVerification(result)
	}
}
