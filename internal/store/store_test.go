package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/ticketmarket/internal/log"
	"github.com/keithlinneman/ticketmarket/internal/qrcode"
)

var dbSeq atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:store-test-%d-%d?mode=memory&cache=shared&_foreign_keys=on", time.Now().UnixNano(), dbSeq.Add(1))
	s, err := Open(context.Background(), Options{DSN: dsn, Logger: log.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedUser(t *testing.T, s *Store, id string) *User {
	t.Helper()
	u, err := s.EnsureUser(context.Background(), User{ID: id, Email: id + "@example.com", Name: id})
	require.NoError(t, err)
	return u
}

func seedTicket(t *testing.T, s *Store, sellerID, category string, qty int) *Ticket {
	t.Helper()
	tk := &Ticket{
		Title:     "Show " + category,
		Price:     12.5,
		EventDate: time.Date(2026, 12, 1, 20, 0, 0, 0, time.UTC),
		Location:  "Hall",
		Category:  category,
		Quantity:  qty,
		SellerID:  sellerID,
	}
	require.NoError(t, s.CreateTicket(context.Background(), tk))
	return tk
}

func TestOpen_RequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), Options{})
	require.Error(t, err)
}

func TestDialectorFor(t *testing.T) {
	_, d := dialectorFor("postgres://u:p@localhost/db")
	assert.Equal(t, DialectPostgres, d)
	_, d = dialectorFor("postgresql://localhost/db")
	assert.Equal(t, DialectPostgres, d)
	_, d = dialectorFor("file:x.db")
	assert.Equal(t, DialectSQLite, d)
}

func TestPingAndDialect(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
	assert.Equal(t, DialectSQLite, s.Dialect())
}

func TestEnsureUser_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u1, err := s.EnsureUser(ctx, User{ID: "u1", Email: "first@example.com"})
	require.NoError(t, err)
	u2, err := s.EnsureUser(ctx, User{ID: "u1", Email: "second@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "first@example.com", u2.Email)
	assert.Equal(t, u1.ID, u2.ID)

	_, err = s.EnsureUser(ctx, User{})
	require.Error(t, err)
}

func TestTickets_CreateListGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "seller")

	a := seedTicket(t, s, "seller", "concert", 10)
	b := seedTicket(t, s, "seller", "sports", 3)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, 10, a.Available)
	require.NotNil(t, a.Seller)
	assert.Equal(t, "seller", a.Seller.ID)

	all, err := s.ListTickets(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	sports, err := s.ListTickets(ctx, "sports")
	require.NoError(t, err)
	require.Len(t, sports, 1)
	assert.Equal(t, b.ID, sports[0].ID)

	got, err := s.GetTicket(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Show concert", got.Title)

	_, err = s.GetTicket(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateTicket_InvalidQuantity(t *testing.T) {
	s := newTestStore(t)
	seedUser(t, s, "seller")
	err := s.CreateTicket(context.Background(), &Ticket{Title: "x", SellerID: "seller"})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestDeleteTicket(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "seller")
	seedUser(t, s, "buyer")

	tk := seedTicket(t, s, "seller", "concert", 5)
	assert.ErrorIs(t, s.DeleteTicket(ctx, tk.ID, "buyer"), ErrForbidden)
	assert.ErrorIs(t, s.DeleteTicket(ctx, "missing", "seller"), ErrNotFound)

	sold := seedTicket(t, s, "seller", "concert", 5)
	_, err := s.CreatePurchase(ctx, sold.ID, "buyer", 1, time.Now())
	require.NoError(t, err)
	assert.ErrorIs(t, s.DeleteTicket(ctx, sold.ID, "seller"), ErrHasPurchases)

	require.NoError(t, s.DeleteTicket(ctx, tk.ID, "seller"))
	_, err = s.GetTicket(ctx, tk.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreatePurchase(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "seller")
	seedUser(t, s, "buyer")
	tk := seedTicket(t, s, "seller", "concert", 5)

	now := time.UnixMilli(1767225600000)
	p, err := s.CreatePurchase(ctx, tk.ID, "buyer", 2, now)
	require.NoError(t, err)

	assert.Equal(t, PurchaseCompleted, p.Status)
	assert.Equal(t, 25.0, p.TotalPrice)
	require.NotNil(t, p.QRCode)
	code, err := qrcode.Parse(*p.QRCode)
	require.NoError(t, err)
	assert.Equal(t, p.ID, code.PurchaseID)
	assert.True(t, code.Verify(tk.ID, "buyer"))

	require.NotNil(t, p.Ticket)
	assert.Equal(t, 3, p.Ticket.Available)
	require.NotNil(t, p.Ticket.Seller)
	assert.Equal(t, "seller", p.Ticket.Seller.ID)
	require.NotNil(t, p.Buyer)

	_, err = s.CreatePurchase(ctx, tk.ID, "buyer", 4, now)
	assert.ErrorIs(t, err, ErrInsufficient)
	_, err = s.CreatePurchase(ctx, tk.ID, "buyer", 0, now)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = s.CreatePurchase(ctx, "missing", "buyer", 1, now)
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Available)
}

func TestCreatePurchase_NoOversell(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "seller")
	seedUser(t, s, "buyer")
	tk := seedTicket(t, s, "seller", "concert", 3)

	var wg sync.WaitGroup
	var ok atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.CreatePurchase(ctx, tk.ID, "buyer", 1, time.Now()); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	got, err := s.GetTicket(ctx, tk.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.Available, 0)
	assert.Equal(t, 3-int(ok.Load()), got.Available)
}

func TestListPurchases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "seller")
	seedUser(t, s, "b1")
	seedUser(t, s, "b2")
	tk := seedTicket(t, s, "seller", "concert", 10)

	_, err := s.CreatePurchase(ctx, tk.ID, "b1", 1, time.Now())
	require.NoError(t, err)
	_, err = s.CreatePurchase(ctx, tk.ID, "b2", 1, time.Now())
	require.NoError(t, err)

	all, err := s.ListPurchases(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	mine, err := s.ListPurchases(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "b1", mine[0].BuyerID)
	assert.NotNil(t, mine[0].Ticket)
}

func TestQRCode_FindAndMarkScanned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "seller")
	seedUser(t, s, "buyer")
	tk := seedTicket(t, s, "seller", "concert", 10)
	p, err := s.CreatePurchase(ctx, tk.ID, "buyer", 1, time.Now())
	require.NoError(t, err)

	found, err := s.FindPurchaseByQRCode(ctx, *p.QRCode)
	require.NoError(t, err)
	assert.Equal(t, p.ID, found.ID)
	assert.False(t, found.QRCodeScanned)

	_, err = s.FindPurchaseByQRCode(ctx, "TICKET-nope-1-deadbeef")
	assert.ErrorIs(t, err, ErrNotFound)

	at := time.Date(2026, 12, 1, 19, 30, 0, 0, time.UTC)
	scanned, already, err := s.MarkScanned(ctx, p.ID, at)
	require.NoError(t, err)
	assert.False(t, already)
	assert.True(t, scanned.QRCodeScanned)
	require.NotNil(t, scanned.QRCodeScannedAt)
	assert.True(t, scanned.QRCodeScannedAt.Equal(at))

	again, already, err := s.MarkScanned(ctx, p.ID, at.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, already)
	assert.True(t, again.QRCodeScannedAt.Equal(at))
}

func TestReviews(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "seller")
	seedUser(t, s, "buyer")
	seedUser(t, s, "other")
	tk := seedTicket(t, s, "seller", "concert", 10)
	p, err := s.CreatePurchase(ctx, tk.ID, "buyer", 1, time.Now())
	require.NoError(t, err)

	_, err = s.CreateReview(ctx, p.ID, "buyer", 6, nil)
	assert.ErrorIs(t, err, ErrInvalidRating)
	_, err = s.CreateReview(ctx, "missing", "buyer", 5, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.CreateReview(ctx, p.ID, "other", 5, nil)
	assert.ErrorIs(t, err, ErrForbidden)

	comment := "great seller"
	r, err := s.CreateReview(ctx, p.ID, "buyer", 4, &comment)
	require.NoError(t, err)
	assert.Equal(t, "seller", r.RevieweeID)
	require.NotNil(t, r.Reviewer)
	assert.Equal(t, "buyer", r.Reviewer.ID)

	_, err = s.CreateReview(ctx, p.ID, "buyer", 5, nil)
	assert.ErrorIs(t, err, ErrAlreadyReviewed)

	list, err := s.ListReviewsForUser(ctx, "seller")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.NotNil(t, list[0].Purchase)
	assert.Equal(t, tk.ID, list[0].Purchase.Ticket.ID)
}

func TestCreateReview_SelfReview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "seller")
	tk := seedTicket(t, s, "seller", "concert", 10)
	p, err := s.CreatePurchase(ctx, tk.ID, "seller", 1, time.Now())
	require.NoError(t, err)

	_, err = s.CreateReview(ctx, p.ID, "seller", 5, nil)
	assert.ErrorIs(t, err, ErrSelfReview)
}

func TestSellerRating(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "seller")
	tk := seedTicket(t, s, "seller", "concert", 10)

	empty, err := s.SellerRating(ctx, "seller")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalReviews)
	assert.Zero(t, empty.AverageRating)
	assert.Len(t, empty.RatingDistribution, 5)

	for i, rating := range []int{5, 4, 4} {
		buyer := fmt.Sprintf("buyer-%d", i)
		seedUser(t, s, buyer)
		p, err := s.CreatePurchase(ctx, tk.ID, buyer, 1, time.Now())
		require.NoError(t, err)
		_, err = s.CreateReview(ctx, p.ID, buyer, rating, nil)
		require.NoError(t, err)
	}

	st, err := s.SellerRating(ctx, "seller")
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.TotalReviews)
	assert.Equal(t, 4.33, st.AverageRating)
	assert.Equal(t, int64(2), st.RatingDistribution[4])
	assert.Equal(t, int64(1), st.RatingDistribution[5])
	assert.Equal(t, int64(0), st.RatingDistribution[1])
}

func TestCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedUser(t, s, "seller")
	seedUser(t, s, "buyer")
	tk := seedTicket(t, s, "seller", "concert", 10)
	_, err := s.CreatePurchase(ctx, tk.ID, "buyer", 1, time.Now())
	require.NoError(t, err)

	c, err := s.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Users: 2, Tickets: 1, Purchases: 1, Reviews: 0}, c)
}

func TestMarkEmailVerified(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := seedUser(t, s, "seller")
	assert.False(t, u.EmailVerified)

	require.NoError(t, s.MarkEmailVerified(ctx, "seller"))
	got, err := s.EnsureUser(ctx, User{ID: "seller"})
	require.NoError(t, err)
	assert.True(t, got.EmailVerified)

	assert.ErrorIs(t, s.MarkEmailVerified(ctx, "nobody"), ErrNotFound)
}

func TestListReviews_Paging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"seller-a", "seller-b"} {
		seedUser(t, s, id)
	}
	a := seedTicket(t, s, "seller-a", "concert", 10)
	b := seedTicket(t, s, "seller-b", "sports", 10)
	for i := range 5 {
		buyer := fmt.Sprintf("buyer-%d", i)
		seedUser(t, s, buyer)
		tk := a
		if i >= 3 {
			tk = b
		}
		p, err := s.CreatePurchase(ctx, tk.ID, buyer, 1, time.Now())
		require.NoError(t, err)
		_, err = s.CreateReview(ctx, p.ID, buyer, 5, nil)
		require.NoError(t, err)
	}

	all, total, err := s.ListReviews(ctx, "", 50, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	assert.Len(t, all, 5)

	page, total, err := s.ListReviews(ctx, "seller-a", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, page, 2)
	for _, r := range page {
		assert.Equal(t, "seller-a", r.RevieweeID)
		require.NotNil(t, r.Reviewee)
		require.NotNil(t, r.Reviewer)
		require.NotNil(t, r.Purchase)
		assert.Equal(t, a.ID, r.Purchase.Ticket.ID)
	}

	rest, total, err := s.ListReviews(ctx, "seller-a", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, rest, 1)
	assert.NotEqual(t, page[0].ID, rest[0].ID)
	assert.NotEqual(t, page[1].ID, rest[0].ID)

	none, total, err := s.ListReviews(ctx, "seller-a", 2, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Empty(t, none)
}
