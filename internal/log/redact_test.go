package log

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/keithlinneman/ticketmarket/internal/cryptoutil"
)

func TestRedact_DefaultKeys(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{JsonFormat: true})

	l.Info(context.Background(), "ticket fetched",
		"qr_code", "TM-QR-8f2a91",
		"email", "buyer@example.com",
		"ticket_id", "t-42",
	)
	m := lastRecord(t, &buf)

	wantQR := "redacted:" + cryptoutil.SHA256Hex([]byte("TM-QR-8f2a91"))[:8]
	if m["qr_code"] != wantQR {
		t.Fatalf("qr_code = %v, want %s", m["qr_code"], wantQR)
	}
	if email, _ := m["email"].(string); !strings.HasPrefix(email, "redacted:") || len(email) != len("redacted:")+8 {
		t.Fatalf("email = %v", m["email"])
	}
	if m["ticket_id"] != "t-42" {
		t.Fatalf("ticket_id should be untouched, got %v", m["ticket_id"])
	}
	if strings.Contains(buf.String(), "buyer@example.com") || strings.Contains(buf.String(), "TM-QR-8f2a91") {
		t.Fatalf("secret leaked: %s", buf.String())
	}
}

func TestRedact_ExtraKeysCaseInsensitive(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{JsonFormat: true, Redact: []string{" Seller_Phone ", ""}})

	l.With("SELLER_PHONE", "+1-555-0100").Info(context.Background(), "listing created", "Authorization", "Bearer abc")
	m := lastRecord(t, &buf)
	for _, k := range []string{"SELLER_PHONE", "Authorization"} {
		if v, _ := m[k].(string); !strings.HasPrefix(v, "redacted:") {
			t.Errorf("%s = %v, want masked", k, m[k])
		}
	}
}

func TestRedact_StableDigest(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{JsonFormat: true})
	ctx := context.Background()

	l.Info(ctx, "first", "qrcode", "same-code")
	a := lastRecord(t, &buf)["qrcode"]
	l.Info(ctx, "second", "qrcode", "same-code")
	b := lastRecord(t, &buf)["qrcode"]
	l.Info(ctx, "third", "qrcode", "other-code")
	c := lastRecord(t, &buf)["qrcode"]

	if a != b {
		t.Fatalf("same value masked differently: %v vs %v", a, b)
	}
	if a == c {
		t.Fatal("different values share a digest")
	}
}

func TestMask_Empty(t *testing.T) {
	if got := mask(""); got != "" {
		t.Fatalf("mask(\"\") = %q, want empty", got)
	}
}
