// Package qrcode builds and checks the entry codes attached to purchases.
//
// A code has the form TICKET-{purchaseID}-{unixMillis}-{hash}, where hash is
// the first 8 hex characters of sha256("{purchaseID}:{ticketID}:{buyerID}:{unixMillis}").
package qrcode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/keithlinneman/ticketmarket/internal/xerrors"
)

const prefix = "TICKET-"

// purchase ids are uuids, so the id group allows dashes; the timestamp and
// hash groups anchor the match from the right
var pattern = regexp.MustCompile(`^TICKET-([A-Za-z0-9-]+)-(\d+)-([a-f0-9]{8})$`)

// Code is a parsed entry code
type Code struct {
	PurchaseID string
	IssuedAt   time.Time
	Hash       string
}

// Generate returns the entry code for a purchase issued at now
func Generate(purchaseID, ticketID, buyerID string, now time.Time) string {
	ms := now.UnixMilli()
	return fmt.Sprintf("%s%s-%d-%s", prefix, purchaseID, ms, digest(purchaseID, ticketID, buyerID, ms))
}

// Parse checks the format of code and extracts its parts. It cannot check
// the hash without the ticket and buyer, see Verify.
func Parse(code string) (Code, error) {
	m := pattern.FindStringSubmatch(code)
	if m == nil {
		return Code{}, xerrors.New("invalid QR code format")
	}
	ms, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return Code{}, xerrors.Wrap(err, "invalid QR code timestamp")
	}
	return Code{
		PurchaseID: m[1],
		IssuedAt:   time.UnixMilli(ms).UTC(),
		Hash:       m[3],
	}, nil
}

// Verify reports whether c was generated for this ticket and buyer
func (c Code) Verify(ticketID, buyerID string) bool {
	want := digest(c.PurchaseID, ticketID, buyerID, c.IssuedAt.UnixMilli())
	return want == c.Hash
}

func digest(purchaseID, ticketID, buyerID string, ms int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%d", purchaseID, ticketID, buyerID, ms)))
	return hex.EncodeToString(sum[:])[:8]
}
