package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Phase gauge values.
var phaseValues = map[string]float64{
	"IDLE":        0,
	"ENTERING":    1,
	"IN_POSITION": 2,
	"EXITING":     3,
	"PAUSED":      4,
}

// Recorder holds the raw counters of one engine instance. A nil *Recorder
// records nothing.
type Recorder struct {
	candles       prometheus.Counter
	duplicates    prometheus.Counter
	entries       prometheus.Counter
	exits         *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	orderFailures *prometheus.CounterVec
	orderAttempts *prometheus.CounterVec
	phase         prometheus.Gauge
	dailyPnLR     prometheus.Gauge
	tradesToday   prometheus.Gauge
}

func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		candles:       prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_candles_total", Help: "Final candles evaluated"}),
		duplicates:    prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_duplicate_candles_total", Help: "Candles ignored as already processed"}),
		entries:       prometheus.NewCounter(prometheus.CounterOpts{Name: "bot_entries_total", Help: "Positions opened"}),
		exits:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_exits_total", Help: "Positions closed by exit reason"}, []string{"reason"}),
		rejections:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_entry_rejections_total", Help: "Entry signals not traded, by reason"}, []string{"reason"}),
		orderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_order_failures_total", Help: "Venue calls that failed after retries"}, []string{"op"}),
		orderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "bot_venue_calls_total", Help: "Venue calls attempted"}, []string{"op"}),
		phase:         prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_lifecycle_phase", Help: "0=idle 1=entering 2=in_position 3=exiting 4=paused"}),
		dailyPnLR:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_daily_pnl_r", Help: "Realised R for the current trading day"}),
		tradesToday:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "bot_trades_closed_today", Help: "Trades closed in the current trading day"}),
	}
	if reg != nil {
		reg.MustRegister(
			r.candles, r.duplicates, r.entries, r.exits, r.rejections,
			r.orderFailures, r.orderAttempts, r.phase, r.dailyPnLR, r.tradesToday,
		)
	}
	return r
}

func (r *Recorder) Candle() {
	if r != nil {
		r.candles.Inc()
	}
}

func (r *Recorder) Duplicate() {
	if r != nil {
		r.duplicates.Inc()
	}
}

func (r *Recorder) Entry() {
	if r != nil {
		r.entries.Inc()
	}
}

func (r *Recorder) Exit(reason string) {
	if r != nil {
		r.exits.WithLabelValues(reason).Inc()
	}
}

func (r *Recorder) Rejection(reason string) {
	if r != nil {
		r.rejections.WithLabelValues(reason).Inc()
	}
}

func (r *Recorder) VenueCall(op string) {
	if r != nil {
		r.orderAttempts.WithLabelValues(op).Inc()
	}
}

func (r *Recorder) VenueFailure(op string) {
	if r != nil {
		r.orderFailures.WithLabelValues(op).Inc()
	}
}

func (r *Recorder) Lifecycle(phase string, pnlR float64, trades int) {
	if r == nil {
		return
	}
	r.phase.Set(phaseValues[phase])
	r.dailyPnLR.Set(pnlR)
	r.tradesToday.Set(float64(trades))
}
