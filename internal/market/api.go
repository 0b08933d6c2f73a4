package market

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/ticketmarket/internal/httpmw"
	"github.com/keithlinneman/ticketmarket/internal/log"
	"github.com/keithlinneman/ticketmarket/internal/policy"
	"github.com/keithlinneman/ticketmarket/internal/store"
)

// Store is the persistence the API needs, implemented by *store.Store
type Store interface {
	Ping(ctx context.Context) error
	Dialect() string
	Counts(ctx context.Context) (store.Counts, error)
	EnsureUser(ctx context.Context, u store.User) (*store.User, error)
	MarkEmailVerified(ctx context.Context, id string) error

	ListTickets(ctx context.Context, category string) ([]store.Ticket, error)
	CreateTicket(ctx context.Context, t *store.Ticket) error
	GetTicket(ctx context.Context, id string) (*store.Ticket, error)
	DeleteTicket(ctx context.Context, id, sellerID string) error

	CreatePurchase(ctx context.Context, ticketID, buyerID string, quantity int, now time.Time) (*store.Purchase, error)
	GetPurchase(ctx context.Context, id string) (*store.Purchase, error)
	ListPurchases(ctx context.Context, buyerID string) ([]store.Purchase, error)
	FindPurchaseByQRCode(ctx context.Context, code string) (*store.Purchase, error)
	MarkScanned(ctx context.Context, id string, at time.Time) (*store.Purchase, bool, error)

	CreateReview(ctx context.Context, purchaseID, reviewerID string, rating int, comment *string) (*store.Review, error)
	ListReviewsForUser(ctx context.Context, userID string) ([]store.Review, error)
	ListReviews(ctx context.Context, revieweeID string, limit, offset int) ([]store.Review, int64, error)
	SellerRating(ctx context.Context, userID string) (store.RatingStats, error)
}

// Guards hands out rate limit middleware by policy name, implemented by *ratelimit.Registry
type Guards interface {
	Guard(name string) func(http.Handler) http.Handler
}

// Metrics is implemented by the metrics package
type Metrics interface {
	IncPurchases()
	IncQRCodeVerification(result string)
	SetDatabaseUp(up bool)
}

type Options struct {
	Store    Store
	Guards   Guards
	Identity Identity
	Metrics  Metrics
	Logger   log.Logger

	// PolicyInfo and TrackedKeys feed the detailed health report
	PolicyInfo  httpmw.PolicyInfo
	TrackedKeys func() int

	Environment string
	Version     string

	// Clock overrides time.Now
	Clock func() time.Time
}

// API implements the marketplace endpoints
type API struct {
	store    Store
	guards   Guards
	identity Identity
	metrics  Metrics
	logger   log.Logger

	policyInfo  httpmw.PolicyInfo
	trackedKeys func() int
	environment string
	version     string

	now       func() time.Time
	startedAt time.Time
}

func NewAPI(opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Identity == nil {
		opts.Identity = HeaderIdentity{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &API{
		store:       opts.Store,
		guards:      opts.Guards,
		identity:    opts.Identity,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		policyInfo:  opts.PolicyInfo,
		trackedKeys: opts.TrackedKeys,
		environment: opts.Environment,
		version:     opts.Version,
		now:         opts.Clock,
		startedAt:   opts.Clock(),
	}
}

// Policies lists every rate limit policy the routes reference
func (api *API) Policies() []string {
	return []string{
		policy.Auth,
		policy.TicketsList, policy.TicketsCreate, policy.TicketsGet, policy.TicketsDelete,
		policy.PurchasesCreate, policy.PurchasesList,
		policy.QRCodeFetch, policy.QRCodeVerify,
		policy.ReviewsCreate, policy.ReviewsList,
	}
}

// RegisterRoutes attaches the marketplace endpoints to the router
func (api *API) RegisterRoutes(r chi.Router) {
	r.With(api.route(policy.Auth, "auth.session")).Get("/api/auth/session", api.HandleSession)
	r.With(api.route(policy.Auth, "auth.check_verification")).Post("/api/auth/check-verification", api.HandleCheckVerification)

	r.With(api.route(policy.TicketsList, "tickets.list")).Get("/api/tickets", api.HandleListTickets)
	r.With(api.route(policy.TicketsCreate, "tickets.create")).Post("/api/tickets", api.HandleCreateTicket)
	r.With(api.route(policy.TicketsGet, "tickets.get")).Get("/api/tickets/{id}", api.HandleGetTicket)
	r.With(api.route(policy.TicketsDelete, "tickets.delete")).Delete("/api/tickets/{id}", api.HandleDeleteTicket)

	r.With(api.route(policy.PurchasesCreate, "purchases.create")).Post("/api/purchases", api.HandleCreatePurchase)
	r.With(api.route(policy.PurchasesList, "purchases.list")).Get("/api/purchases", api.HandleListPurchases)
	r.With(api.route(policy.QRCodeFetch, "qrcode.fetch")).Get("/api/purchases/{id}/qrcode", api.HandleGetQRCode)
	r.With(api.route(policy.QRCodeVerify, "qrcode.verify")).Post("/api/qrcode/verify", api.HandleVerifyQRCode)

	r.With(api.route(policy.ReviewsCreate, "reviews.create")).Post("/api/reviews", api.HandleCreateReview)
	r.With(api.route(policy.ReviewsList, "reviews.list")).Get("/api/reviews", api.HandleListReviews)
	r.With(api.route(policy.ReviewsList, "reviews.user")).Get("/api/reviews/user/{id}", api.HandleUserReviews)

	r.With(httpmw.Scope("health")).Get("/api/health", api.HandleHealth)
	r.With(httpmw.Scope("health.detailed")).Get("/api/health/detailed", api.HandleHealthDetailed)
}

// route scopes the handler then applies the named policy. With no Guards
// configured routes run unlimited, which only tests should do.
func (api *API) route(policyName, handler string) func(http.Handler) http.Handler {
	scope := httpmw.Scope(handler)
	if api.guards == nil {
		return scope
	}
	guard := api.guards.Guard(policyName)
	return func(next http.Handler) http.Handler {
		return scope(guard(next))
	}
}

type errorBody struct {
	Error string `json:"error"`
}

type messageBody struct {
	Message string `json:"message"`
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}

func (api *API) writeError(ctx context.Context, w http.ResponseWriter, status int, msg string) {
	api.writeJSON(ctx, w, status, errorBody{Error: msg})
}

// internalError logs err with the request logger and writes a generic 500
func (api *API) internalError(ctx context.Context, w http.ResponseWriter, err error, msg string) {
	log.FromContext(ctx).Error(ctx, err, msg)
	api.writeError(ctx, w, http.StatusInternalServerError, msg)
}

// decodeJSON reads a JSON body into dst, writing the 4xx itself on failure
func (api *API) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "Request body too large")
			return false
		}
		api.writeError(r.Context(), w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

// resolveUser loads the caller's user row, creating it on first sight. A
// verification reported by the identity provider is persisted, never revoked.
func (api *API) resolveUser(r *http.Request) (*store.User, bool, error) {
	ctx := r.Context()
	id, ok := api.identity.UserID(r)
	if !ok {
		return nil, false, nil
	}
	u, err := api.store.EnsureUser(ctx, store.User{ID: id})
	if err != nil {
		return nil, true, err
	}
	if vi, ok := api.identity.(VerifiedIdentity); ok && !u.EmailVerified && vi.EmailVerified(r) {
		if err := api.store.MarkEmailVerified(ctx, id); err != nil {
			return nil, true, err
		}
		u.EmailVerified = true
	}
	return u, true, nil
}

// requireUser resolves the caller and makes sure a user row exists for them
func (api *API) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	u, ok := api.requireUserRow(w, r)
	if !ok {
		return "", false
	}
	return u.ID, true
}

func (api *API) requireUserRow(w http.ResponseWriter, r *http.Request) (*store.User, bool) {
	ctx := r.Context()
	u, authed, err := api.resolveUser(r)
	switch {
	case !authed:
		api.writeError(ctx, w, http.StatusUnauthorized, "Unauthorized")
		return nil, false
	case err != nil:
		api.internalError(ctx, w, err, "Failed to resolve user")
		return nil, false
	}
	return u, true
}

// requireVerifiedUser is requireUser plus a 403 for unverified email addresses
func (api *API) requireVerifiedUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	u, ok := api.requireUserRow(w, r)
	if !ok {
		return "", false
	}
	if !u.EmailVerified {
		api.writeError(r.Context(), w, http.StatusForbidden, "Email verification required")
		return "", false
	}
	return u.ID, true
}

// HandleSession reports the authenticated caller
func (api *API) HandleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := api.requireUser(w, r)
	if !ok {
		return
	}
	api.writeJSON(r.Context(), w, http.StatusOK, map[string]string{"userId": id})
}

type verificationResponse struct {
	Verified bool `json:"verified"`
}

// HandleCheckVerification reports whether the caller's email is verified
func (api *API) HandleCheckVerification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, authed, err := api.resolveUser(r)
	switch {
	case !authed:
		api.writeJSON(ctx, w, http.StatusUnauthorized, verificationResponse{})
	case err != nil:
		log.FromContext(ctx).Error(ctx, err, "check verification")
		api.writeJSON(ctx, w, http.StatusInternalServerError, verificationResponse{})
	default:
		api.writeJSON(ctx, w, http.StatusOK, verificationResponse{Verified: u.EmailVerified})
	}
}
