package metrics

import "time"

// Window accumulates timing and accuracy stats across multiple steps.
type Window struct {
	samples  int
	correct  int
	data     time.Duration
	compute  time.Duration
	steps    int
	lastLoss float64
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize, correct int, dataTime, computeTime time.Duration, loss float64) {
	w.samples += batchSize
	w.correct += correct
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	w.lastLoss = loss
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	if w.samples > 0 {
		snap.Accuracy = float64(w.correct) / float64(w.samples)
	}
	snap.LastLoss = w.lastLoss

	*w = Window{}
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	LastLoss     float64
	Accuracy     float64
}

// Mean tracks sample-weighted loss and accuracy over a whole pass, the way
// epoch summaries are reported.
type Mean struct {
	samples int
	correct int
	lossSum float64
}

// Add folds one batch into the mean. loss is the batch mean.
func (m *Mean) Add(batchSize, correct int, loss float64) {
	m.samples += batchSize
	m.correct += correct
	m.lossSum += loss * float64(batchSize)
}

// Samples returns the number of samples seen.
func (m *Mean) Samples() int {
	return m.samples
}

// Loss returns the mean loss, or 0 before any sample.
func (m *Mean) Loss() float64 {
	if m.samples == 0 {
		return 0
	}
	return m.lossSum / float64(m.samples)
}

// Accuracy returns the fraction of correct predictions, or 0 before any sample.
func (m *Mean) Accuracy() float64 {
	if m.samples == 0 {
		return 0
	}
	return float64(m.correct) / float64(m.samples)
}
