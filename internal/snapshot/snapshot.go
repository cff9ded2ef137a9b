// Package snapshot keeps an immutable, atomically swapped view of all rules
// so the render and resolve paths never hit the store for rule lookups.
package snapshot

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/TimurManjosov/gopersonalize/internal/rules"
	"github.com/TimurManjosov/gopersonalize/internal/telemetry"
)

type Snapshot struct {
	ETag      string               `json:"etag"`
	Rules     map[int64]rules.Rule `json:"rules"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// Rule looks up a rule by id.
func (s *Snapshot) Rule(id int64) (rules.Rule, bool) {
	r, ok := s.Rules[id]
	return r, ok
}

// List returns the rules ordered by id.
func (s *Snapshot) List() []rules.Rule {
	out := make([]rules.Rule, 0, len(s.Rules))
	for _, r := range s.Rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Build creates a snapshot. The ETag only depends on the rules' content.
func Build(list []rules.Rule) *Snapshot {
	byID := make(map[int64]rules.Rule, len(list))
	for _, r := range list {
		byID[r.ID] = r
	}
	s := &Snapshot{Rules: byID, UpdatedAt: time.Now().UTC()}

	// encoding/json sorts map keys, so the blob is stable
	blob, _ := json.Marshal(byID)
	s.ETag = `W/"` + strconv.FormatUint(xxhash.Sum64(blob), 16) + `"`
	return s
}

// Holder publishes the current snapshot.
type Holder struct {
	current atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs map[subCh]struct{}
}

// Load returns the current snapshot, an empty one before the first Update.
func (h *Holder) Load() *Snapshot {
	if s := h.current.Load(); s != nil {
		return s
	}
	return &Snapshot{Rules: map[int64]rules.Rule{}, UpdatedAt: time.Now().UTC()}
}

// Update installs s and notifies subscribers when the ETag changed.
func (h *Holder) Update(s *Snapshot) {
	prev := h.current.Swap(s)
	telemetry.RulesSnapshotSize.Set(float64(len(s.Rules)))
	if prev == nil || prev.ETag != s.ETag {
		h.publish(s.ETag)
	}
}

// Rule looks up a rule in the current snapshot.
func (h *Holder) Rule(id int64) (rules.Rule, bool) {
	return h.Load().Rule(id)
}

// Source lists every stored rule.
type Source interface {
	ListRules(ctx context.Context) ([]rules.Rule, error)
}

// Refresh rebuilds the snapshot from src. The previous snapshot stays in
// place on error.
func (h *Holder) Refresh(ctx context.Context, src Source) (*Snapshot, error) {
	list, err := src.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	s := Build(list)
	h.Update(s)
	return s, nil
}
