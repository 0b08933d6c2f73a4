package policy

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keithlinneman/ticketmarket/internal/cryptoutil"
	"github.com/keithlinneman/ticketmarket/internal/ratelimit"
	"github.com/keithlinneman/ticketmarket/internal/xerrors"
)

type Source string

const (
	SourceUnknown  Source = "unknown"
	SourceDefaults Source = "defaults"
	SourceFile     Source = "file"
	SourceS3       Source = "s3"
)

type Meta struct {
	Version    string    `json:"version,omitempty"`
	SHA256     string    `json:"sha256,omitempty"`
	Source     Source    `json:"source,omitempty"`
	Signed     bool      `json:"signed"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
}

// Snapshot is one loaded policy set plus where it came from
type Snapshot struct {
	Set      Set
	Meta     Meta
	LoadedAt time.Time
}

// DefaultsSnapshot wraps the built-in policies, hashed over their encoded form
func DefaultsSnapshot() (Snapshot, error) {
	return snapshotFromSet(Defaults(), SourceDefaults)
}

// FileSnapshot loads path and merges it over the built-in policies
func FileSnapshot(path string) (Snapshot, error) {
	set, data, err := LoadFile(path)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Set: Merge(Defaults(), set),
		Meta: Meta{
			Version:    set.Version,
			SHA256:     cryptoutil.SHA256Hex(data),
			Source:     SourceFile,
			VerifiedAt: time.Now().UTC(),
		},
	}, nil
}

func snapshotFromSet(set Set, src Source) (Snapshot, error) {
	data, err := Encode(set)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Set: set,
		Meta: Meta{
			Version: set.Version,
			SHA256:  cryptoutil.SHA256Hex(data),
			Source:  src,
		},
	}, nil
}

// Replacer installs limiter configs, implemented by *ratelimit.Registry
type Replacer interface {
	Replace(policies map[string]ratelimit.Config) error
}

// Manager holds the active snapshot and keeps the registry in step with it
type Manager struct {
	registry Replacer

	// serializes Apply so the registry and active snapshot never disagree
	mu     sync.Mutex
	active atomic.Pointer[Snapshot]
}

func NewManager(registry Replacer) *Manager { return &Manager{registry: registry} }

// Apply validates snap, installs it into the registry, then makes it active.
// On error the previous snapshot stays in force.
func (m *Manager) Apply(snap Snapshot) error {
	if err := snap.Set.Validate(); err != nil {
		return xerrors.Wrapf(err, "policy set %s", snap.Meta.Version)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registry != nil {
		if err := m.registry.Replace(snap.Set.Policies); err != nil {
			return xerrors.Wrap(err, "install policies")
		}
	}

	cp := new(Snapshot)
	*cp = snap
	if cp.LoadedAt.IsZero() {
		cp.LoadedAt = time.Now().UTC()
	}
	m.active.Store(cp)
	return nil
}

// Get retrieves the active snapshot
func (m *Manager) Get() (*Snapshot, bool) {
	s := m.active.Load()
	return s, s != nil
}

// PolicyVersion implements httpmw.PolicyInfo
func (m *Manager) PolicyVersion() string {
	s := m.active.Load()
	if s == nil {
		return ""
	}
	return s.Meta.Version
}

// PolicyHash implements httpmw.PolicyInfo
func (m *Manager) PolicyHash() string {
	s := m.active.Load()
	if s == nil {
		return ""
	}
	return s.Meta.SHA256
}

// Source returns where the active policies came from
func (m *Manager) Source() Source {
	s := m.active.Load()
	if s == nil {
		return SourceUnknown
	}
	return s.Meta.Source
}

type policyView struct {
	Window        string  `json:"window"`
	WindowSeconds float64 `json:"window_seconds"`
	MaxRequests   int     `json:"max_requests"`
}

type snapshotView struct {
	Meta     Meta                  `json:"meta"`
	LoadedAt time.Time             `json:"loaded_at"`
	Policies map[string]policyView `json:"policies"`
}

// Handler serves the active snapshot as JSON for the admin listener
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "application/json; charset=utf-8")

		s, ok := m.Get()
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no policies loaded"})
			return
		}

		view := snapshotView{
			Meta:     s.Meta,
			LoadedAt: s.LoadedAt,
			Policies: make(map[string]policyView, len(s.Set.Policies)),
		}
		for n, c := range s.Set.Policies {
			view.Policies[n] = policyView{
				Window:        c.Window.String(),
				WindowSeconds: c.Window.Seconds(),
				MaxRequests:   c.MaxRequests,
			}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(view)
	})
}
