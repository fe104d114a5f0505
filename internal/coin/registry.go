// SPDX-License-Identifier: MIT

// Package coin coordinates the distributed coin acceptors: the registry of
// pulse sources and the aggregation state machine that folds their pulses
// into a single credit transaction.
package coin

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	xlog "github.com/pisonet/pisond/internal/log"
	"github.com/pisonet/pisond/internal/persistence/sqlite"
)

// LocalSourceID identifies the on-appliance coin slot.
const LocalSourceID = "hardware"

// RemoteSourcePrefix prefixes sub-device source identifiers.
const RemoteSourcePrefix = "remote:"

// onlineWindow is the heartbeat staleness threshold.
const onlineWindow = 70 * time.Second

// Source describes one coin origin.
type Source struct {
	ID              string
	Name            string
	Local           bool
	PulseValuePesos int // pesos contributed per pulse
	RateDownKbps    int // optional per-source bandwidth override
	RateUpKbps      int
	VisibleRateIDs  []int64
	LastActiveAt    time.Time
}

// Online reports whether the source heartbeat is fresh at now.
func (s Source) Online(now time.Time) bool {
	if s.Local {
		return true
	}
	return !s.LastActiveAt.IsZero() && now.Sub(s.LastActiveAt) < onlineWindow
}

// Registry tracks the local slot and remote sub-devices. The local slot is
// always registered; remote sources self-register on authenticated heartbeat
// and are never deleted, only marked offline by staleness.
type Registry struct {
	mu      sync.RWMutex
	store   *sqlite.Store
	sources map[string]*Source
	logger  zerolog.Logger
	now     func() time.Time
}

// NewRegistry builds a registry, loading persisted sources from the store.
func NewRegistry(ctx context.Context, store *sqlite.Store) (*Registry, error) {
	r := &Registry{
		store:   store,
		sources: make(map[string]*Source),
		logger:  xlog.WithComponent("coin.registry"),
		now:     time.Now,
	}
	r.sources[LocalSourceID] = &Source{
		ID:              LocalSourceID,
		Name:            "Coin Slot",
		Local:           true,
		PulseValuePesos: 1,
	}
	if store == nil {
		return r, nil
	}
	rows, err := store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("coin: load sources: %w", err)
	}
	for _, row := range rows {
		src := &Source{
			ID:              row.ID,
			Name:            row.Name,
			Local:           row.ID == LocalSourceID,
			PulseValuePesos: row.PulseValuePesos,
			RateDownKbps:    row.RateDownKbps,
			RateUpKbps:      row.RateUpKbps,
			LastActiveAt:    row.LastActiveAt,
		}
		ids, err := store.GetSourceRates(ctx, row.ID)
		if err != nil {
			return nil, fmt.Errorf("coin: load source rates: %w", err)
		}
		src.VisibleRateIDs = ids
		r.sources[row.ID] = src
	}
	return r, nil
}

// Heartbeat upserts a remote source and refreshes its liveness. The caller
// has already verified the shared secret. The display name arrives from
// untrusted firmware, so it is NFC-normalized and trimmed before storage.
func (r *Registry) Heartbeat(ctx context.Context, id, name string, pulseValue int) error {
	if !strings.HasPrefix(id, RemoteSourcePrefix) {
		return fmt.Errorf("coin: invalid remote source id %q", id)
	}
	if pulseValue < 1 {
		pulseValue = 1
	}
	if pulseValue > 100 {
		pulseValue = 100
	}
	name = strings.TrimSpace(norm.NFC.String(name))
	if name == "" {
		name = id
	}

	r.mu.Lock()
	src, ok := r.sources[id]
	if !ok {
		src = &Source{ID: id}
		r.sources[id] = src
		r.logger.Info().
			Str("event", "registry.source_registered").
			Str("source", id).
			Msg("remote source registered")
	}
	src.Name = name
	src.PulseValuePesos = pulseValue
	src.LastActiveAt = r.now()
	row := sqlite.SourceRow{
		ID:              src.ID,
		Name:            src.Name,
		PulseValuePesos: src.PulseValuePesos,
		RateDownKbps:    src.RateDownKbps,
		RateUpKbps:      src.RateUpKbps,
		LastActiveAt:    src.LastActiveAt,
	}
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	return r.store.UpsertSource(ctx, row)
}

// Touch refreshes liveness for a known source without changing its config.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if src, ok := r.sources[id]; ok {
		src.LastActiveAt = r.now()
	}
}

// Known reports whether the source id is registered.
func (r *Registry) Known(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sources[id]
	return ok
}

// PulseValue returns the pesos contributed per pulse for a source,
// defaulting to 1 for unknown ids.
func (r *Registry) PulseValue(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if src, ok := r.sources[id]; ok && src.PulseValuePesos > 0 {
		return src.PulseValuePesos
	}
	return 1
}

// Override returns the per-source bandwidth override in kbps, if one is set.
func (r *Registry) Override(id string) (downKbps, upKbps int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, found := r.sources[id]
	if !found || (src.RateDownKbps == 0 && src.RateUpKbps == 0) {
		return 0, 0, false
	}
	return src.RateDownKbps, src.RateUpKbps, true
}

// Get returns a copy of the source, if registered.
func (r *Registry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	if !ok {
		return Source{}, false
	}
	return *src, true
}

// Snapshot returns copies of all sources, local slot first.
func (r *Registry) Snapshot() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.sources))
	if local, ok := r.sources[LocalSourceID]; ok {
		out = append(out, *local)
	}
	for id, src := range r.sources {
		if id == LocalSourceID {
			continue
		}
		out = append(out, *src)
	}
	return out
}

// SetOverride sets the per-source bandwidth override in kbps.
func (r *Registry) SetOverride(ctx context.Context, id string, downKbps, upKbps int) error {
	r.mu.Lock()
	src, ok := r.sources[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("coin: unknown source %q", id)
	}
	src.RateDownKbps = downKbps
	src.RateUpKbps = upKbps
	row := sqlite.SourceRow{
		ID:              src.ID,
		Name:            src.Name,
		PulseValuePesos: src.PulseValuePesos,
		RateDownKbps:    src.RateDownKbps,
		RateUpKbps:      src.RateUpKbps,
		LastActiveAt:    src.LastActiveAt,
	}
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	return r.store.UpsertSource(ctx, row)
}
