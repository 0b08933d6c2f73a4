package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PurchaseCompleted is the only status purchases are created with
const PurchaseCompleted = "completed"

type User struct {
	ID            string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Email         string    `gorm:"index" json:"email"`
	Name          string    `json:"name"`
	EmailVerified bool      `json:"emailVerified"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

type Ticket struct {
	ID          string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Title       string    `gorm:"not null" json:"title"`
	Description string    `gorm:"type:text" json:"description"`
	Price       float64   `json:"price"`
	EventDate   time.Time `json:"eventDate"`
	Location    string    `json:"location"`
	Category    string    `gorm:"index" json:"category"`
	Quantity    int       `json:"quantity"`
	Available   int       `json:"available"`
	ImageURL    *string   `gorm:"column:image_url" json:"imageUrl"`
	SellerID    string    `gorm:"type:varchar(36);index;not null" json:"sellerId"`
	Seller      *User     `gorm:"foreignKey:SellerID" json:"seller,omitempty"`
	CreatedAt   time.Time `gorm:"index" json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Purchase struct {
	ID              string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	Quantity        int        `json:"quantity"`
	TotalPrice      float64    `json:"totalPrice"`
	Status          string     `gorm:"index" json:"status"`
	BuyerID         string     `gorm:"type:varchar(36);index;not null" json:"buyerId"`
	Buyer           *User      `gorm:"foreignKey:BuyerID" json:"buyer,omitempty"`
	TicketID        string     `gorm:"type:varchar(36);index;not null" json:"ticketId"`
	Ticket          *Ticket    `gorm:"foreignKey:TicketID" json:"ticket,omitempty"`
	QRCode          *string    `gorm:"column:qr_code;uniqueIndex" json:"qrCode,omitempty"`
	QRCodeScanned   bool       `gorm:"column:qr_code_scanned" json:"qrCodeScanned"`
	QRCodeScannedAt *time.Time `gorm:"column:qr_code_scanned_at" json:"qrCodeScannedAt"`
	CreatedAt       time.Time  `gorm:"index" json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

type Review struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	Rating     int       `json:"rating"`
	Comment    *string   `gorm:"type:text" json:"comment"`
	ReviewerID string    `gorm:"type:varchar(36);index;not null" json:"reviewerId"`
	Reviewer   *User     `gorm:"foreignKey:ReviewerID" json:"reviewer,omitempty"`
	RevieweeID string    `gorm:"type:varchar(36);index;not null" json:"revieweeId"`
	Reviewee   *User     `gorm:"foreignKey:RevieweeID" json:"reviewee,omitempty"`
	PurchaseID string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"purchaseId"`
	Purchase   *Purchase `gorm:"foreignKey:PurchaseID" json:"purchase,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"createdAt"`
}

func (u *User) BeforeCreate(*gorm.DB) error {
	u.ID = ensureID(u.ID)
	return nil
}

func (t *Ticket) BeforeCreate(*gorm.DB) error {
	t.ID = ensureID(t.ID)
	return nil
}

func (p *Purchase) BeforeCreate(*gorm.DB) error {
	p.ID = ensureID(p.ID)
	return nil
}

func (r *Review) BeforeCreate(*gorm.DB) error {
	r.ID = ensureID(r.ID)
	return nil
}

func ensureID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}
