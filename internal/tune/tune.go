// Package tune writes tuning profiles to a connected controller.
package tune

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chaz8081/trumoto/internal/ble/protocol"
	"github.com/chaz8081/trumoto/internal/log"
	"github.com/chaz8081/trumoto/internal/profile"
)

// ErrNoActiveProfile is returned by ApplyActive when nothing is selected.
var ErrNoActiveProfile = errors.New("tune: no active profile")

// Writer is the part of the connection manager that sends settings.
type Writer interface {
	WriteThrottleCurve(curve protocol.ThrottleCurve) error
	WriteRegen(strength float64) error
}

// Applier writes profiles through a Writer.
type Applier struct {
	writer Writer
	logger log.Logger

	mu   sync.Mutex
	last profile.Profile // most recently applied; zero if none
}

// NewApplier creates an Applier backed by the given writer.
// Panics if writer is nil (programmer error).
func NewApplier(writer Writer, logger log.Logger) *Applier {
	if writer == nil {
		panic("tune: NewApplier called with nil writer")
	}
	if logger == nil {
		logger = log.Std().WithName("tune")
	}
	return &Applier{writer: writer, logger: logger}
}

// Apply writes the profile's throttle curve, then its regen strength.
// The regen write is skipped if the curve write fails.
func (a *Applier) Apply(p profile.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := a.writer.WriteThrottleCurve(p.ThrottleCurve); err != nil {
		return fmt.Errorf("tune: applying %s curve: %w", p.ID, err)
	}
	if err := a.writer.WriteRegen(p.RegenBraking); err != nil {
		return fmt.Errorf("tune: applying %s regen: %w", p.ID, err)
	}

	a.mu.Lock()
	a.last = p
	a.mu.Unlock()
	a.logger.Info("profile applied", "id", p.ID, "name", p.Name)
	return nil
}

// ApplyActive applies the catalog's active profile.
func (a *Applier) ApplyActive(c *profile.Catalog) error {
	p, ok := c.Active()
	if !ok {
		return ErrNoActiveProfile
	}
	return a.Apply(p)
}

// Sync applies the active profile only if it differs from the one last
// applied. It is meant as a profile.Catalog Watch callback; failures are
// logged.
func (a *Applier) Sync(c *profile.Catalog) {
	p, ok := c.Active()
	if !ok {
		return
	}

	a.mu.Lock()
	same := a.last.ID == p.ID && a.last.ThrottleCurve == p.ThrottleCurve && a.last.RegenBraking == p.RegenBraking
	a.mu.Unlock()
	if same {
		return
	}

	if err := a.Apply(p); err != nil {
		a.logger.Warn("applying changed profile failed", "id", p.ID, "error", err)
	}
}

// Last returns the most recently applied profile.
func (a *Applier) Last() (profile.Profile, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, a.last.ID != ""
}
