// Package profile manages the catalog of tuning profiles: named pairs of
// throttle curve and regen strength that can be written to a controller.
package profile

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/chaz8081/trumoto/internal/ble/protocol"
)

var (
	// ErrNotFound is returned for an unknown profile id.
	ErrNotFound = errors.New("profile: not found")
	// ErrInvalid is returned when a profile fails validation.
	ErrInvalid = errors.New("profile: invalid")
)

// Profile is one tuning preset.
type Profile struct {
	ID            string                 `json:"id" yaml:"id"`
	Name          string                 `json:"name" yaml:"name"`
	ThrottleCurve protocol.ThrottleCurve `json:"throttle_curve" yaml:"throttle_curve,flow"`
	RegenBraking  float64                `json:"regen_braking" yaml:"regen_braking"`
	CreatedAt     time.Time              `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at" yaml:"updated_at"`
}

// Validate checks name and value ranges. Curve points and regen are ratios
// in [0,1].
func (p Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalid)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: %s: empty name", ErrInvalid, p.ID)
	}
	for i, v := range p.ThrottleCurve {
		if !inUnitRange(v) {
			return fmt.Errorf("%w: %s: throttle point %d is %v, want [0,1]", ErrInvalid, p.ID, i, v)
		}
	}
	if !inUnitRange(p.RegenBraking) {
		return fmt.Errorf("%w: %s: regen %v, want [0,1]", ErrInvalid, p.ID, p.RegenBraking)
	}
	return nil
}

func inUnitRange(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Defaults returns the built-in eco, street and sport profiles stamped
// with now.
func Defaults(now time.Time) []Profile {
	return []Profile{
		{ID: "eco", Name: "Eco Mode", ThrottleCurve: protocol.ThrottleCurve{0, 0.3, 0.5, 0.7, 0.8}, RegenBraking: 0.8, CreatedAt: now, UpdatedAt: now},
		{ID: "street", Name: "Street Mode", ThrottleCurve: protocol.ThrottleCurve{0, 0.4, 0.6, 0.8, 1.0}, RegenBraking: 0.5, CreatedAt: now, UpdatedAt: now},
		{ID: "sport", Name: "Sport Mode", ThrottleCurve: protocol.ThrottleCurve{0, 0.6, 0.8, 0.9, 1.0}, RegenBraking: 0.3, CreatedAt: now, UpdatedAt: now},
	}
}

// newID returns profile_<unix millis>_<9 random base36 chars>.
func newID(now time.Time) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	suffix := strconv.FormatUint(binary.BigEndian.Uint64(b[:]), 36)
	for len(suffix) < 9 {
		suffix = "0" + suffix
	}
	return fmt.Sprintf("profile_%d_%s", now.UnixMilli(), suffix[:9])
}
