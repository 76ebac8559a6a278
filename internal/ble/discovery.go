package ble

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chaz8081/trumoto/internal/log"
)

// DefaultScanTimeout is how long a scan listens for advertisements.
const DefaultScanTimeout = 5 * time.Second

// Filter selects which advertisements a scan keeps. A device must match
// both the service and the name substring.
type Filter struct {
	ServiceUUID  string
	NameContains string
	Timeout      time.Duration
}

// DefaultFilter matches TruMoto controllers for DefaultScanTimeout.
func DefaultFilter() Filter {
	return Filter{
		ServiceUUID:  ServiceUUID,
		NameContains: DefaultNameContains,
		Timeout:      DefaultScanTimeout,
	}
}

// Scanner runs one discovery at a time against an Adapter.
type Scanner struct {
	adapter  Adapter
	logger   log.Logger
	scanning atomic.Bool
}

// NewScanner creates a Scanner. A nil logger uses the global logger.
func NewScanner(adapter Adapter, logger log.Logger) *Scanner {
	if logger == nil {
		logger = log.Std().WithName("scan")
	}
	return &Scanner{adapter: adapter, logger: logger}
}

// Scan listens for filter.Timeout and returns matching devices in discovery
// order. The scan always stops at the deadline; an empty result is not an
// error. Concurrent calls fail with ErrScanInProgress.
func (s *Scanner) Scan(ctx context.Context, filter Filter) ([]Device, error) {
	if !s.scanning.CompareAndSwap(false, true) {
		return nil, ErrScanInProgress
	}
	defer s.scanning.Store(false)

	if filter.ServiceUUID == "" {
		filter.ServiceUUID = ServiceUUID
	}
	if filter.Timeout <= 0 {
		filter.Timeout = DefaultScanTimeout
	}

	if err := s.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("%w: enable adapter: %w", ErrTransportUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, filter.Timeout)
	defer cancel()

	s.logger.Debug("scan started", "service", filter.ServiceUUID, "name", filter.NameContains, "timeout", filter.Timeout)
	found, err := s.adapter.Scan(ctx, filter.ServiceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	devices := filterDevices(found, filter)
	s.logger.Info("scan finished", "advertised", len(found), "matched", len(devices))
	return devices, nil
}

// Scanning reports whether a scan is in flight.
func (s *Scanner) Scanning() bool {
	return s.scanning.Load()
}

// filterDevices keeps devices advertising the service whose name contains
// the substring, dropping repeated addresses. Order is preserved.
func filterDevices(found []Device, filter Filter) []Device {
	devices := make([]Device, 0, len(found))
	seen := make(map[string]bool, len(found))
	for _, d := range found {
		if !advertises(d, filter.ServiceUUID) {
			continue
		}
		if !strings.Contains(d.Name, filter.NameContains) {
			continue
		}
		if seen[d.Address] {
			continue
		}
		seen[d.Address] = true
		devices = append(devices, d)
	}
	return devices
}

func advertises(d Device, serviceUUID string) bool {
	for _, s := range d.Services {
		if strings.EqualFold(s, serviceUUID) {
			return true
		}
	}
	return false
}
