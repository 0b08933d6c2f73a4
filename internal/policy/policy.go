package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/ticketmarket/internal/ratelimit"
	"github.com/keithlinneman/ticketmarket/internal/xerrors"
)

// Route policy names
const (
	Auth            = "auth"
	AuthResend      = "auth-resend"
	TicketsCreate   = "tickets-create"
	TicketsList     = "tickets-list"
	TicketsGet      = "tickets-get"
	TicketsDelete   = "tickets-delete"
	PurchasesCreate = "purchases-create"
	PurchasesList   = "purchases-list"
	QRCodeVerify    = "qrcode-verify"
	QRCodeFetch     = "qrcode-fetch"
	ReviewsCreate   = "reviews-create"
	ReviewsList     = "reviews-list"
)

// DefaultsVersion is reported when only the built-in policies are active
const DefaultsVersion = "builtin"

// maxDocumentBytes bounds policy documents read from disk or S3
const maxDocumentBytes = 1 << 20

// Set is a versioned collection of named limiter configs
type Set struct {
	Version  string
	Policies map[string]ratelimit.Config
}

// Defaults returns the built-in per-route policies
func Defaults() Set {
	return Set{
		Version: DefaultsVersion,
		Policies: map[string]ratelimit.Config{
			Auth:            {Window: 15 * time.Minute, MaxRequests: 20},
			AuthResend:      {Window: time.Minute, MaxRequests: 2},
			TicketsCreate:   {Window: time.Minute, MaxRequests: 10},
			TicketsList:     {Window: time.Minute, MaxRequests: 30},
			TicketsGet:      {Window: time.Minute, MaxRequests: 60},
			TicketsDelete:   {Window: time.Minute, MaxRequests: 10},
			PurchasesCreate: {Window: time.Minute, MaxRequests: 5},
			PurchasesList:   {Window: time.Minute, MaxRequests: 30},
			QRCodeVerify:    {Window: time.Minute, MaxRequests: 20},
			QRCodeFetch:     {Window: time.Minute, MaxRequests: 30},
			ReviewsCreate:   {Window: time.Minute, MaxRequests: 10},
			ReviewsList:     {Window: time.Minute, MaxRequests: 30},
		},
	}
}

// Names returns the policy names in the set, sorted
func (s Set) Names() []string {
	out := make([]string, 0, len(s.Policies))
	for n := range s.Policies {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Validate reports every invalid entry at once
func (s Set) Validate() error {
	var errs []error
	if len(s.Policies) == 0 {
		errs = append(errs, errors.New("no policies defined"))
	}
	for _, name := range s.Names() {
		if name == "" {
			errs = append(errs, errors.New("policy name must not be empty"))
			continue
		}
		if err := s.Policies[name].Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policy %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Merge returns base with every policy in override applied on top.
// The override version wins when set.
func Merge(base, override Set) Set {
	out := Set{
		Version:  base.Version,
		Policies: make(map[string]ratelimit.Config, len(base.Policies)+len(override.Policies)),
	}
	for n, c := range base.Policies {
		out.Policies[n] = c
	}
	for n, c := range override.Policies {
		out.Policies[n] = c
	}
	if override.Version != "" {
		out.Version = override.Version
	}
	return out
}

type document struct {
	Version  string               `yaml:"version"`
	Policies map[string]docPolicy `yaml:"policies"`
}

type docPolicy struct {
	Window      string `yaml:"window"`
	MaxRequests int    `yaml:"max_requests"`
}

// Parse decodes a YAML policy document. Unknown fields are rejected and
// all validation problems are returned together.
func Parse(data []byte) (Set, error) {
	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Set{}, xerrors.New("policy document is empty")
		}
		return Set{}, xerrors.Wrap(err, "decode policy document")
	}

	set := Set{Version: doc.Version, Policies: make(map[string]ratelimit.Config, len(doc.Policies))}
	var errs []error
	for name, p := range doc.Policies {
		window, err := time.ParseDuration(p.Window)
		if err != nil {
			errs = append(errs, fmt.Errorf("policy %q: window %q: %w", name, p.Window, err))
			continue
		}
		set.Policies[name] = ratelimit.Config{Window: window, MaxRequests: p.MaxRequests}
	}
	if err := set.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return Set{}, errors.Join(errs...)
	}
	return set, nil
}

// Encode renders the set as a policy document that Parse accepts
func Encode(s Set) ([]byte, error) {
	doc := document{Version: s.Version, Policies: make(map[string]docPolicy, len(s.Policies))}
	for n, c := range s.Policies {
		doc.Policies[n] = docPolicy{Window: c.Window.String(), MaxRequests: c.MaxRequests}
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, xerrors.Wrap(err, "encode policy document")
	}
	return out, nil
}

// LoadFile reads and parses a policy document from disk, returning the raw
// bytes alongside so callers can hash them
func LoadFile(path string) (Set, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Set{}, nil, xerrors.Wrapf(err, "open policy file %s", path)
	}
	defer f.Close()

	data, err := readLimited(f)
	if err != nil {
		return Set{}, nil, xerrors.Wrapf(err, "read policy file %s", path)
	}
	set, err := Parse(data)
	if err != nil {
		return Set{}, nil, xerrors.Wrapf(err, "parse policy file %s", path)
	}
	return set, data, nil
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocumentBytes {
		return nil, xerrors.Newf("policy document exceeds %d bytes", maxDocumentBytes)
	}
	return data, nil
}
