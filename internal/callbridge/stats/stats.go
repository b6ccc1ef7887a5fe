// Package stats holds the per-call media statistics shared by the device
// pushes and the transports.
package stats

// RTT is the round-trip time summary in seconds.
type RTT struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
}

// Counter summarises one media direction.
type Counter struct {
	Total      int64 `json:"total"`
	TotalBytes int64 `json:"total_bytes"`
	Loss       int64 `json:"loss"`
}

// Report is the aggregate statistics snapshot of a call.
type Report struct {
	RTT RTT     `json:"rtt"`
	TX  Counter `json:"tx"`
	RX  Counter `json:"rx"`
}

// LegRTT is the device push form where RTT is split between the client leg
// and the phone-network leg.
type LegRTT struct {
	Client   RTT `json:"client"`
	WhatsApp RTT `json:"whatsapp"`
}

// Combined sums both legs into one end-to-end RTT.
func (l LegRTT) Combined() RTT {
	return RTT{
		Min: l.Client.Min + l.WhatsApp.Min,
		Max: l.Client.Max + l.WhatsApp.Max,
		Avg: l.Client.Avg + l.WhatsApp.Avg,
	}
}

// RunningRTT folds RTT samples into a Report's RTT triple.
//
// The average is an online mean: avg_n = avg_{n-1} + (x_n - avg_{n-1}) / n.
// Min is zero until the first sample.
type RunningRTT struct {
	n   int
	rtt RTT
}

// Add folds one sample and returns the updated summary.
func (r *RunningRTT) Add(sample float64) RTT {
	r.n++
	return r.AddWithCount(sample, r.n)
}

// AddWithCount folds a sample using an externally supplied measurement
// count, as reported by peer connections that track their own count.
func (r *RunningRTT) AddWithCount(sample float64, n int) RTT {
	if n <= 0 {
		return r.rtt
	}
	r.n = n
	r.rtt.Avg += (sample - r.rtt.Avg) / float64(n)
	if r.rtt.Min == 0 || sample < r.rtt.Min {
		r.rtt.Min = sample
	}
	if sample > r.rtt.Max {
		r.rtt.Max = sample
	}
	return r.rtt
}

// Value returns the current summary.
func (r *RunningRTT) Value() RTT {
	return r.rtt
}

// Count returns the number of samples folded so far.
func (r *RunningRTT) Count() int {
	return r.n
}
