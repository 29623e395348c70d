package strategy

import (
	"log/slog"
	"math"
	"time"

	"github.com/RishikeshWadkar/nifty-options-algo/internal/domain"
	"github.com/RishikeshWadkar/nifty-options-algo/internal/util"
)

// Params are the tunable knobs for the zone strategy.
type Params struct {
	IndexSymbol      string
	ZoneOffset       float64
	StrikeStep       float64
	MiddleTolerance  float64
	CalibrationStart util.ClockTime
	CalibrationEnd   util.ClockTime
}

// ZoneStrategy turns index ticks into option entry signals. A call gate and
// a put gate (both initially open) latch shut after an entry in the opposite
// direction so a trending market cannot whipsaw both sides; the gates reopen
// when price returns to the middle of the band.
type ZoneStrategy struct {
	params Params
	zones  *ZoneCalculator
	loc    *time.Location
	log    *slog.Logger

	callGateOpen bool
	putGateOpen  bool

	// lastOrderID tracks the most recent outstanding session order so each
	// new signal can carry a cancel-and-replace instruction.
	lastOrderID string
}

// New creates a ZoneStrategy with both gates open.
func New(params Params, loc *time.Location) *ZoneStrategy {
	return &ZoneStrategy{
		params: params,
		zones: NewZoneCalculator(
			params.IndexSymbol, params.ZoneOffset, params.StrikeStep,
			params.CalibrationStart, params.CalibrationEnd, loc,
		),
		loc:          loc,
		log:          slog.Default().With("component", "strategy"),
		callGateOpen: true,
		putGateOpen:  true,
	}
}

// Zones exposes the underlying calculator.
func (s *ZoneStrategy) Zones() *ZoneCalculator { return s.zones }

// NotePendingOrder records the order the strategy's last signal produced, so
// the next signal can request its cancellation.
func (s *ZoneStrategy) NotePendingOrder(orderID string) {
	s.lastOrderID = orderID
}

// ClearPendingOrder forgets the tracked order (call when it fills or is
// cancelled).
func (s *ZoneStrategy) ClearPendingOrder(orderID string) {
	if s.lastOrderID == orderID {
		s.lastOrderID = ""
	}
}

// OnTick processes one tick and returns at most one entry signal. Before the
// zones are set it feeds the calibration step; ErrZoneCalculation passes
// through and blocks signals for the rest of the session.
func (s *ZoneStrategy) OnTick(tick domain.Tick) (*domain.Signal, error) {
	if s.zones.State() != ZonesSet {
		if err := s.zones.Observe(tick); err != nil {
			return nil, err
		}
		if s.zones.State() != ZonesSet {
			return nil, nil
		}
		// Zones were just computed from this tick; fall through so the
		// same tick can trigger an entry.
	}
	if tick.Symbol != s.params.IndexSymbol {
		return nil, nil
	}

	zones := s.zones.Zones()
	price := tick.LastPrice

	// Neutral re-arm: price back at the middle reopens both gates.
	if math.Abs(price-zones.Base) <= s.params.MiddleTolerance {
		if !s.callGateOpen || !s.putGateOpen {
			s.log.Info("price returned to middle zone, reopening gates", "price", price)
		}
		s.callGateOpen = true
		s.putGateOpen = true
		return nil, nil
	}

	switch {
	case price >= zones.Upper && s.callGateOpen:
		// Upper crossing: call entry, and shut the put gate so the
		// opposite side cannot fire until price re-arms at the middle.
		s.putGateOpen = false
		s.callGateOpen = false
		return s.signal(domain.SignalCallEntry, tick), nil

	case price <= zones.Lower && s.putGateOpen:
		s.callGateOpen = false
		s.putGateOpen = false
		return s.signal(domain.SignalPutEntry, tick), nil
	}
	return nil, nil
}

func (s *ZoneStrategy) signal(kind domain.SignalType, tick domain.Tick) *domain.Signal {
	zones := s.zones.Zones()
	sig := &domain.Signal{
		Symbol:        OptionSymbol(s.params.IndexSymbol, kind, zones.ATMStrike, tick.Timestamp.In(s.loc)),
		Timestamp:     tick.Timestamp,
		Type:          kind,
		Strength:      1.0,
		CancelOrderID: s.lastOrderID,
		Zones:         zones,
	}
	s.log.Info("entry signal",
		"type", string(kind),
		"symbol", sig.Symbol,
		"index_price", tick.LastPrice,
		"cancel_pending", sig.CancelOrderID != "",
	)
	return sig
}

// ResetDaily reopens both gates and resets the calibration for a new
// session.
func (s *ZoneStrategy) ResetDaily() {
	s.zones.ResetDaily()
	s.callGateOpen = true
	s.putGateOpen = true
	s.lastOrderID = ""
}
