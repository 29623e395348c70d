// Package strategy implements the zone-based signal generator: a per-session
// calibration window that fixes a price band, and a pair of directional
// gates that turn boundary crossings into entry signals.
package strategy

import (
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/util"
)

// ErrZoneCalculation is returned when the calibration window closes without
// any index ticks; no signals may be produced for the session until the next
// daily reset.
var ErrZoneCalculation = errors.New("strategy: no index ticks observed during calibration window")

// ZoneState is the calibration state machine's position.
type ZoneState int

const (
	// AwaitingCalibration means the calibration window has not yet closed.
	AwaitingCalibration ZoneState = iota
	// ZonesSet is terminal for the day: the band is fixed.
	ZonesSet
)

// ZoneCalculator buffers index ticks through a fixed calibration window and
// computes the session's zone band exactly once, on the first tick observed
// after the window closes.
type ZoneCalculator struct {
	indexSymbol string
	offset      float64
	strikeStep  float64
	windowStart util.ClockTime
	windowEnd   util.ClockTime
	loc         *time.Location
	log         *slog.Logger

	state        ZoneState
	indexLast    float64
	sawIndexTick bool
	failed       bool
	zones        *domain.ZoneSnapshot
}

// NewZoneCalculator creates a calculator for the given index symbol and
// calibration window. Window times are interpreted in loc.
func NewZoneCalculator(indexSymbol string, offset, strikeStep float64, windowStart, windowEnd util.ClockTime, loc *time.Location) *ZoneCalculator {
	return &ZoneCalculator{
		indexSymbol: indexSymbol,
		offset:      offset,
		strikeStep:  strikeStep,
		windowStart: windowStart,
		windowEnd:   windowEnd,
		loc:         loc,
		log:         slog.Default().With("component", "zones"),
	}
}

// State returns the current calibration state.
func (z *ZoneCalculator) State() ZoneState { return z.state }

// Zones returns the session's snapshot, or nil before ZonesSet.
func (z *ZoneCalculator) Zones() *domain.ZoneSnapshot { return z.zones }

// Failed reports whether this session's calculation failed for lack of
// calibration data.
func (z *ZoneCalculator) Failed() bool { return z.failed }

// Observe feeds a tick through the state machine. During the window it
// updates the running index price; on the first tick at or after the window
// end it computes the zones once. It returns ErrZoneCalculation exactly once
// if the window closed empty. After ZonesSet (or failure) it is a no-op.
func (z *ZoneCalculator) Observe(tick domain.Tick) error {
	if z.state == ZonesSet || z.failed {
		return nil
	}

	tickTime := tick.Timestamp.In(z.loc)
	windowEnd := z.windowEnd.On(tick.Timestamp, z.loc)

	if tickTime.Before(windowEnd) {
		// Still calibrating; only ticks inside the window count.
		if !tickTime.Before(z.windowStart.On(tick.Timestamp, z.loc)) && tick.Symbol == z.indexSymbol {
			z.indexLast = tick.LastPrice
			z.sawIndexTick = true
		}
		return nil
	}

	// Window closed: compute once from the most recent index price.
	if !z.sawIndexTick {
		z.failed = true
		z.log.Error("zone calculation failed: calibration window closed with no index ticks")
		return ErrZoneCalculation
	}

	base := z.indexLast
	z.zones = &domain.ZoneSnapshot{
		Base:         base,
		Upper:        base + z.offset,
		Lower:        base - z.offset,
		CalculatedAt: tick.Timestamp,
	}
	if z.strikeStep > 0 {
		z.zones.ATMStrike = math.Round(base/z.strikeStep) * z.strikeStep
	}
	z.state = ZonesSet

	z.log.Info("zones calculated",
		"base", z.zones.Base,
		"upper", z.zones.Upper,
		"lower", z.zones.Lower,
		"atm_strike", z.zones.ATMStrike,
	)
	return nil
}

// ResetDaily clears the session state so the next day calibrates afresh.
func (z *ZoneCalculator) ResetDaily() {
	z.state = AwaitingCalibration
	z.indexLast = 0
	z.sawIndexTick = false
	z.failed = false
	z.zones = nil
	z.log.Info("zone calculator reset for new trading day")
}
