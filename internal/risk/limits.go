package risk

import (
	"time"

	"main/internal/schema"
)

// Limits is the versioned per-account risk configuration. It is read-only to
// the pipeline; every decision cites the version it evaluated against.
type Limits struct {
	Version   uint64 `json:"version"`
	UpdatedAt int64  `json:"updatedAt"`

	// MaxPositionSize caps the absolute exposure per instrument, pending
	// reservations included.
	MaxPositionSize schema.Quantity `json:"maxPositionSize"`
	// MaxAggregateNotional caps total exposure across instruments.
	MaxAggregateNotional schema.Notional `json:"maxAggregateNotional"`
	// BaseSize anchors the confidence-scaled quantity cap.
	BaseSize schema.Quantity `json:"baseSize"`
	// MaxOrdersPerWindow bounds order submission rate per account.
	MaxOrdersPerWindow int           `json:"maxOrdersPerWindow"`
	OrderRateWindow    time.Duration `json:"orderRateWindow"`
	// FreshnessWindow is how old limits may be before decisions refuse to
	// cite them. Zero disables the check.
	FreshnessWindow time.Duration `json:"freshnessWindow"`
}

// Stale reports whether the limits are older than the freshness window.
func (l Limits) Stale(now int64) bool {
	if l.FreshnessWindow <= 0 {
		return false
	}
	return now-l.UpdatedAt > int64(l.FreshnessWindow)
}
