// Package store persists users, tickets, purchases and reviews with gorm.
// SQLite is the default; DSNs starting with postgres:// or postgresql://
// open PostgreSQL instead.
package store

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/keithlinneman/ticketmarket/internal/log"
	"github.com/keithlinneman/ticketmarket/internal/qrcode"
	"github.com/keithlinneman/ticketmarket/internal/xerrors"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInsufficient      = errors.New("not enough tickets available")
	ErrHasPurchases      = errors.New("ticket has existing purchases")
	ErrInvalidRating     = errors.New("rating must be between 1 and 5")
	ErrNotCompleted      = errors.New("purchase is not completed")
	ErrAlreadyReviewed   = errors.New("purchase already reviewed")
	ErrSelfReview        = errors.New("cannot review yourself")
	ErrInvalidQuantity   = errors.New("quantity must be at least 1")
	ErrQRCodeUnavailable = errors.New("QR code not generated for this purchase")
)

const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

type Store struct {
	db      *gorm.DB
	dialect string
}

type Options struct {
	DSN    string
	Logger log.Logger

	// SlowQuery logs statements slower than this at warn, zero uses 200ms
	SlowQuery time.Duration
}

// Open connects and migrates the schema
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, xerrors.New("database DSN is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.SlowQuery <= 0 {
		opts.SlowQuery = 200 * time.Millisecond
	}

	dialector, dialect := dialectorFor(opts.DSN)
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(opts.Logger, opts.SlowQuery),
		TranslateError: true,
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "open %s database", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.db.WithContext(ctx).AutoMigrate(&User{}, &Ticket{}, &Purchase{}, &Review{}); err != nil {
		_ = s.Close()
		return nil, xerrors.Wrap(err, "migrate schema")
	}
	return s, nil
}

func dialectorFor(dsn string) (gorm.Dialector, string) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(dsn), DialectPostgres
	}
	return sqlite.Open(dsn), DialectSQLite
}

// Dialect returns "sqlite" or "postgres"
func (s *Store) Dialect() string { return s.dialect }

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection with a round trip
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

type Counts struct {
	Users     int64 `json:"users"`
	Tickets   int64 `json:"tickets"`
	Purchases int64 `json:"purchases"`
	Reviews   int64 `json:"reviews"`
}

// Counts returns row counts for each table
func (s *Store) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	db := s.db.WithContext(ctx)
	for _, q := range []struct {
		model any
		dst   *int64
	}{
		{&User{}, &c.Users},
		{&Ticket{}, &c.Tickets},
		{&Purchase{}, &c.Purchases},
		{&Review{}, &c.Reviews},
	} {
		if err := db.Model(q.model).Count(q.dst).Error; err != nil {
			return Counts{}, xerrors.Wrap(err, "count rows")
		}
	}
	return c, nil
}

// EnsureUser creates u if no user with its id exists and returns the stored row
func (s *Store) EnsureUser(ctx context.Context, u User) (*User, error) {
	if u.ID == "" {
		return nil, xerrors.New("user id is required")
	}
	out := u
	err := s.db.WithContext(ctx).Where(User{ID: u.ID}).Attrs(u).FirstOrCreate(&out).Error
	if err != nil {
		return nil, xerrors.Wrapf(err, "ensure user %s", u.ID)
	}
	return &out, nil
}

// MarkEmailVerified records that the user's email address has been verified
func (s *Store) MarkEmailVerified(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Update("email_verified", true)
	if res.Error != nil {
		return xerrors.Wrapf(res.Error, "mark user %s verified", id)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTickets returns tickets newest first, optionally filtered by category
func (s *Store) ListTickets(ctx context.Context, category string) ([]Ticket, error) {
	q := s.db.WithContext(ctx).Preload("Seller").Order("created_at desc")
	if category != "" {
		q = q.Where("category = ?", category)
	}
	var out []Ticket
	if err := q.Find(&out).Error; err != nil {
		return nil, xerrors.Wrap(err, "list tickets")
	}
	return out, nil
}

// CreateTicket inserts t with all of its quantity available
func (s *Store) CreateTicket(ctx context.Context, t *Ticket) error {
	if t.Quantity < 1 {
		return ErrInvalidQuantity
	}
	t.Available = t.Quantity
	if err := s.db.WithContext(ctx).Create(t).Error; err != nil {
		return xerrors.Wrap(err, "create ticket")
	}
	if err := s.db.WithContext(ctx).Preload("Seller").First(t, "id = ?", t.ID).Error; err != nil {
		return xerrors.Wrap(err, "reload ticket")
	}
	return nil
}

func (s *Store) GetTicket(ctx context.Context, id string) (*Ticket, error) {
	var t Ticket
	err := s.db.WithContext(ctx).Preload("Seller").First(&t, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "get ticket")
	}
	return &t, nil
}

// DeleteTicket removes a ticket owned by sellerID that has never been sold
func (s *Store) DeleteTicket(ctx context.Context, id, sellerID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Ticket
		if err := tx.First(&t, "id = ?", id).Error; err != nil {
			return notFound(err, "get ticket")
		}
		if t.SellerID != sellerID {
			return ErrForbidden
		}
		var n int64
		if err := tx.Model(&Purchase{}).Where("ticket_id = ?", id).Count(&n).Error; err != nil {
			return xerrors.Wrap(err, "count purchases")
		}
		if n > 0 {
			return ErrHasPurchases
		}
		if err := tx.Delete(&Ticket{}, "id = ?", id).Error; err != nil {
			return xerrors.Wrap(err, "delete ticket")
		}
		return nil
	})
}

// CreatePurchase decrements availability and records a completed purchase
// with its entry code, atomically
func (s *Store) CreatePurchase(ctx context.Context, ticketID, buyerID string, quantity int, now time.Time) (*Purchase, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	var p Purchase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var t Ticket
		q := tx
		if s.dialect == DialectPostgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		if err := q.First(&t, "id = ?", ticketID).Error; err != nil {
			return notFound(err, "get ticket")
		}

		// guarded decrement so concurrent buyers can not oversell
		res := tx.Model(&Ticket{}).
			Where("id = ? AND available >= ?", ticketID, quantity).
			Update("available", gorm.Expr("available - ?", quantity))
		if res.Error != nil {
			return xerrors.Wrap(res.Error, "reserve tickets")
		}
		if res.RowsAffected == 0 {
			return ErrInsufficient
		}

		p = Purchase{
			ID:         ensureID(""),
			Quantity:   quantity,
			TotalPrice: math.Round(t.Price*float64(quantity)*100) / 100,
			Status:     PurchaseCompleted,
			BuyerID:    buyerID,
			TicketID:   ticketID,
		}
		code := qrcode.Generate(p.ID, ticketID, buyerID, now)
		p.QRCode = &code
		if err := tx.Create(&p).Error; err != nil {
			return xerrors.Wrap(err, "create purchase")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetPurchase(ctx, p.ID)
}

// GetPurchase loads a purchase with its ticket, seller and buyer
func (s *Store) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	var p Purchase
	err := s.db.WithContext(ctx).
		Preload("Ticket.Seller").
		Preload("Buyer").
		First(&p, "id = ?", id).Error
	if err != nil {
		return nil, notFound(err, "get purchase")
	}
	return &p, nil
}

// ListPurchases returns purchases newest first, all of them when buyerID is empty
func (s *Store) ListPurchases(ctx context.Context, buyerID string) ([]Purchase, error) {
	q := s.db.WithContext(ctx).Preload("Ticket").Preload("Buyer").Order("created_at desc")
	if buyerID != "" {
		q = q.Where("buyer_id = ?", buyerID)
	}
	var out []Purchase
	if err := q.Find(&out).Error; err != nil {
		return nil, xerrors.Wrap(err, "list purchases")
	}
	return out, nil
}

func (s *Store) FindPurchaseByQRCode(ctx context.Context, code string) (*Purchase, error) {
	var p Purchase
	err := s.db.WithContext(ctx).
		Preload("Ticket.Seller").
		Preload("Buyer").
		First(&p, "qr_code = ?", code).Error
	if err != nil {
		return nil, notFound(err, "find purchase by QR code")
	}
	return &p, nil
}

// MarkScanned flags a purchase as used for entry. The bool reports whether
// it had already been scanned, in which case nothing changes.
func (s *Store) MarkScanned(ctx context.Context, id string, at time.Time) (*Purchase, bool, error) {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&Purchase{}).
		Where("id = ? AND qr_code_scanned = ?", id, false).
		Updates(map[string]any{"qr_code_scanned": true, "qr_code_scanned_at": at})
	if res.Error != nil {
		return nil, false, xerrors.Wrap(res.Error, "mark scanned")
	}
	p, err := s.GetPurchase(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return p, res.RowsAffected == 0, nil
}

// CreateReview records a buyer's rating of the seller of a completed purchase
func (s *Store) CreateReview(ctx context.Context, purchaseID, reviewerID string, rating int, comment *string) (*Review, error) {
	if rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}

	var r Review
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p Purchase
		if err := tx.Preload("Ticket").First(&p, "id = ?", purchaseID).Error; err != nil {
			return notFound(err, "get purchase")
		}
		if p.BuyerID != reviewerID {
			return ErrForbidden
		}
		if p.Status != PurchaseCompleted {
			return ErrNotCompleted
		}
		if p.Ticket == nil {
			return xerrors.Newf("purchase %s has no ticket", purchaseID)
		}
		if p.Ticket.SellerID == reviewerID {
			return ErrSelfReview
		}

		var n int64
		if err := tx.Model(&Review{}).Where("purchase_id = ?", purchaseID).Count(&n).Error; err != nil {
			return xerrors.Wrap(err, "count reviews")
		}
		if n > 0 {
			return ErrAlreadyReviewed
		}

		r = Review{
			Rating:     rating,
			Comment:    comment,
			ReviewerID: reviewerID,
			RevieweeID: p.Ticket.SellerID,
			PurchaseID: purchaseID,
		}
		if err := tx.Create(&r).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyReviewed
			}
			return xerrors.Wrap(err, "create review")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out Review
	if err := s.db.WithContext(ctx).Preload("Reviewer").Preload("Reviewee").First(&out, "id = ?", r.ID).Error; err != nil {
		return nil, notFound(err, "get review")
	}
	return &out, nil
}

// ListReviewsForUser returns reviews received by userID, newest first
func (s *Store) ListReviewsForUser(ctx context.Context, userID string) ([]Review, error) {
	var out []Review
	err := s.db.WithContext(ctx).
		Preload("Reviewer").
		Preload("Purchase.Ticket").
		Where("reviewee_id = ?", userID).
		Order("created_at desc").
		Find(&out).Error
	if err != nil {
		return nil, xerrors.Wrap(err, "list reviews")
	}
	return out, nil
}

// ListReviews pages through reviews newest first. A non-empty revieweeID
// restricts the page and the total to reviews that user received.
func (s *Store) ListReviews(ctx context.Context, revieweeID string, limit, offset int) ([]Review, int64, error) {
	scope := func(db *gorm.DB) *gorm.DB {
		if revieweeID != "" {
			return db.Where("reviewee_id = ?", revieweeID)
		}
		return db
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&Review{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, xerrors.Wrap(err, "count reviews")
	}

	var out []Review
	err := s.db.WithContext(ctx).
		Scopes(scope).
		Preload("Reviewer").
		Preload("Reviewee").
		Preload("Purchase.Ticket").
		Order("created_at desc, id desc").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, 0, xerrors.Wrap(err, "list reviews")
	}
	return out, total, nil
}

type RatingStats struct {
	TotalReviews       int64         `json:"totalReviews"`
	AverageRating      float64       `json:"averageRating"`
	RatingDistribution map[int]int64 `json:"ratingDistribution"`
}

// SellerRating aggregates the ratings userID has received
func (s *Store) SellerRating(ctx context.Context, userID string) (RatingStats, error) {
	var rows []struct {
		Rating int
		N      int64
	}
	err := s.db.WithContext(ctx).Model(&Review{}).
		Select("rating, count(*) as n").
		Where("reviewee_id = ?", userID).
		Group("rating").
		Scan(&rows).Error
	if err != nil {
		return RatingStats{}, xerrors.Wrap(err, "aggregate ratings")
	}

	st := RatingStats{RatingDistribution: map[int]int64{1: 0, 2: 0, 3: 0, 4: 0, 5: 0}}
	var sum int64
	for _, r := range rows {
		st.RatingDistribution[r.Rating] += r.N
		st.TotalReviews += r.N
		sum += int64(r.Rating) * r.N
	}
	if st.TotalReviews > 0 {
		avg := float64(sum) / float64(st.TotalReviews)
		st.AverageRating = math.Round(avg*100) / 100
	}
	return st, nil
}

func notFound(err error, op string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return xerrors.Wrap(err, op)
}
