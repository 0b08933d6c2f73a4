package market

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/ticketmarket/internal/store"
)

type createReviewRequest struct {
	PurchaseID string  `json:"purchaseId"`
	Rating     int     `json:"rating"`
	Comment    *string `json:"comment"`
}

type reviewCreatedResponse struct {
	Message string        `json:"message"`
	Review  *store.Review `json:"review"`
}

const (
	defaultReviewPage = 50
	maxReviewPage     = 100
)

type reviewPageResponse struct {
	Reviews []store.Review `json:"reviews"`
	Total   int64          `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

type userReviewsResponse struct {
	Reviews []store.Review    `json:"reviews"`
	Stats   store.RatingStats `json:"stats"`
}

// HandleCreateReview lets a buyer rate the seller of a completed purchase
func (api *API) HandleCreateReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := api.requireUser(w, r)
	if !ok {
		return
	}

	var req createReviewRequest
	if !api.decodeJSON(w, r, &req) {
		return
	}
	if req.PurchaseID == "" || req.Rating == 0 {
		api.writeError(ctx, w, http.StatusBadRequest, "Purchase ID and rating are required")
		return
	}
	if req.Comment != nil && strings.TrimSpace(*req.Comment) == "" {
		req.Comment = nil
	}

	review, err := api.store.CreateReview(ctx, req.PurchaseID, uid, req.Rating, req.Comment)
	switch {
	case errors.Is(err, store.ErrInvalidRating):
		api.writeError(ctx, w, http.StatusBadRequest, "Rating must be between 1 and 5")
	case errors.Is(err, store.ErrNotFound):
		api.writeError(ctx, w, http.StatusNotFound, "Purchase not found")
	case errors.Is(err, store.ErrForbidden):
		api.writeError(ctx, w, http.StatusForbidden, "You can only review your own purchases")
	case errors.Is(err, store.ErrNotCompleted):
		api.writeError(ctx, w, http.StatusBadRequest, "You can only review completed purchases")
	case errors.Is(err, store.ErrAlreadyReviewed):
		api.writeError(ctx, w, http.StatusBadRequest, "You have already reviewed this purchase")
	case errors.Is(err, store.ErrSelfReview):
		api.writeError(ctx, w, http.StatusBadRequest, "You cannot review yourself")
	case err != nil:
		api.internalError(ctx, w, err, "Failed to create review")
	default:
		api.writeJSON(ctx, w, http.StatusCreated, reviewCreatedResponse{
			Message: "Review created successfully",
			Review:  review,
		})
	}
}

// HandleUserReviews returns the reviews a user received with rating stats
func (api *API) HandleUserReviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := chi.URLParam(r, "id")

	reviews, err := api.store.ListReviewsForUser(ctx, userID)
	if err != nil {
		api.internalError(ctx, w, err, "Failed to fetch user reviews")
		return
	}
	stats, err := api.store.SellerRating(ctx, userID)
	if err != nil {
		api.internalError(ctx, w, err, "Failed to fetch user reviews")
		return
	}
	if reviews == nil {
		reviews = []store.Review{}
	}
	api.writeJSON(ctx, w, http.StatusOK, userReviewsResponse{Reviews: reviews, Stats: stats})
}

// HandleListReviews pages through reviews, newest first. ?userId= restricts
// to reviews that user received, ?limit= and ?offset= page.
func (api *API) HandleListReviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	limit, ok := queryInt(q.Get("limit"), defaultReviewPage)
	if !ok || limit < 1 {
		api.writeError(ctx, w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	limit = min(limit, maxReviewPage)
	offset, ok := queryInt(q.Get("offset"), 0)
	if !ok || offset < 0 {
		api.writeError(ctx, w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	reviews, total, err := api.store.ListReviews(ctx, q.Get("userId"), limit, offset)
	if err != nil {
		api.internalError(ctx, w, err, "Failed to fetch reviews")
		return
	}
	if reviews == nil {
		reviews = []store.Review{}
	}
	api.writeJSON(ctx, w, http.StatusOK, reviewPageResponse{
		Reviews: reviews,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

func queryInt(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	return n, err == nil
}
