package top

import (
	"time"

	"github.com/tinytelemetry/ingress/internal/model"
)

// dispositionOrder is the stacking order of the rate chart, bottom first.
var dispositionOrder = []model.Disposition{
	model.Accepted,
	model.RejectedMalformed,
	model.RejectedOverload,
	model.Failed,
	model.DeadlineExceeded,
	model.Cancelled,
}

// ratePoint is the per-second rate of each disposition between two samples.
type ratePoint struct {
	at    time.Time
	rates map[string]float64
}

func (p ratePoint) total() float64 {
	var t float64
	for _, r := range p.rates {
		t += r
	}
	return t
}

// rateWindow turns cumulative disposition counters into a bounded series of
// rates.
type rateWindow struct {
	size   int
	prevAt time.Time
	prev   map[string]uint64
	points []ratePoint
}

func newRateWindow(size int) *rateWindow {
	return &rateWindow{size: size}
}

// observe records one stats sample. The first sample and any sample where
// a counter went backwards, as after a daemon restart, only set the base.
func (w *rateWindow) observe(stats model.IngressStats, at time.Time) {
	defer func() {
		w.prev = make(map[string]uint64, len(stats.Dispositions))
		for k, v := range stats.Dispositions {
			w.prev[k] = v
		}
		w.prevAt = at
	}()
	if w.prev == nil {
		return
	}
	secs := at.Sub(w.prevAt).Seconds()
	if secs <= 0 {
		return
	}
	p := ratePoint{at: at, rates: make(map[string]float64, len(dispositionOrder))}
	for _, d := range dispositionOrder {
		cur, last := stats.Dispositions[d.String()], w.prev[d.String()]
		if cur < last {
			return
		}
		p.rates[d.String()] = float64(cur-last) / secs
	}
	w.points = append(w.points, p)
	if len(w.points) > w.size {
		w.points = w.points[len(w.points)-w.size:]
	}
}

func (w *rateWindow) latest() (ratePoint, bool) {
	if len(w.points) == 0 {
		return ratePoint{}, false
	}
	return w.points[len(w.points)-1], true
}

func (w *rateWindow) peak() float64 {
	var m float64
	for _, p := range w.points {
		m = max(m, p.total())
	}
	return m
}
