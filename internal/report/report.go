// Package report carries run progress to observers and the cooperative
// cancellation flag back to the scheduler.
package report

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot is a point-in-time copy of a run's progress.
type Snapshot struct {
	FileNo            int           `json:"file_no"`
	FilesCount        int           `json:"files_count"`
	ChemNo            int           `json:"chem_no"`
	ChemsCount        int           `json:"chems_count"`
	CASNo             int           `json:"cas_no"`
	CASCount          int           `json:"cas_count"`
	CurrentFile       string        `json:"current_file"`
	CurrentIdentifier string        `json:"current_identifier"`
	Elapsed           time.Duration `json:"elapsed_ns"`
	Finished          bool          `json:"finished"`
	Cancelled         bool          `json:"cancelled"`
	Errors            []string      `json:"errors,omitempty"`
}

// Fraction is the share of compounds processed, in [0, 1].
func (s Snapshot) Fraction() float64 {
	if s.ChemsCount <= 0 {
		return 0
	}
	f := float64(s.ChemNo) / float64(s.ChemsCount)
	if f > 1 {
		return 1
	}
	return f
}

// Reporter renders progress.
type Reporter interface {
	ReportProgress(s Snapshot)
	ReportFinal(elapsed time.Duration)
	ReportError(msg string)
}

// Multi fans every call out to each reporter in order.
type Multi []Reporter

var _ Reporter = Multi(nil)

// ReportProgress implements Reporter.
func (m Multi) ReportProgress(s Snapshot) {
	for _, r := range m {
		r.ReportProgress(s)
	}
}

// ReportFinal implements Reporter.
func (m Multi) ReportFinal(elapsed time.Duration) {
	for _, r := range m {
		r.ReportFinal(elapsed)
	}
}

// ReportError implements Reporter.
func (m Multi) ReportError(msg string) {
	for _, r := range m {
		r.ReportError(msg)
	}
}

// Nop discards everything.
type Nop struct{}

// ReportProgress implements Reporter.
func (Nop) ReportProgress(Snapshot) {}

// ReportFinal implements Reporter.
func (Nop) ReportFinal(time.Duration) {}

// ReportError implements Reporter.
func (Nop) ReportError(string) {}

// RunReport is the live state of one run. The scheduler is its only writer;
// Snapshot may be called from any goroutine.
type RunReport struct {
	mu    sync.RWMutex
	snap  Snapshot
	start time.Time
	now   func() time.Time
	out   Reporter
}

// NewRunReport starts the clock. files, compounds and registry numbers are
// the batch totals known up front.
func NewRunReport(out Reporter, files, compounds, registryNumbers int) *RunReport {
	if out == nil {
		out = Nop{}
	}
	r := &RunReport{now: time.Now, out: out}
	r.start = r.now()
	r.snap = Snapshot{FilesCount: files, ChemsCount: compounds, CASCount: registryNumbers}
	return r
}

// WithClock replaces the clock and restarts it.
func (r *RunReport) WithClock(now func() time.Time) *RunReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	r.start = now()
	return r
}

// Snapshot returns a copy of the current state.
func (r *RunReport) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.snap
	s.Errors = append([]string(nil), r.snap.Errors...)
	if !s.Finished {
		s.Elapsed = r.now().Sub(r.start)
	}
	return s
}

// BeginFile marks file number fileNo (1-based) as current.
func (r *RunReport) BeginFile(fileNo int, name string) {
	r.mu.Lock()
	r.snap.FileNo = fileNo
	r.snap.CurrentFile = name
	r.snap.CurrentIdentifier = ""
	r.mu.Unlock()
}

// JobDone counts one processed compound and emits progress.
func (r *RunReport) JobDone(identifier string, registryNumber bool) {
	r.mu.Lock()
	r.snap.ChemNo++
	if registryNumber {
		r.snap.CASNo++
	}
	r.snap.CurrentIdentifier = identifier
	r.mu.Unlock()
	r.out.ReportProgress(r.Snapshot())
}

// FileDone emits progress after a file completes.
func (r *RunReport) FileDone() {
	r.out.ReportProgress(r.Snapshot())
}

// Error records a file or validation failure.
func (r *RunReport) Error(msg string) {
	r.mu.Lock()
	r.snap.Errors = append(r.snap.Errors, msg)
	r.mu.Unlock()
	r.out.ReportError(msg)
}

// Cancelled marks the run as stopped by the user.
func (r *RunReport) Cancelled() {
	r.finish(true)
}

// Final stops the clock and emits ReportFinal.
func (r *RunReport) Final() time.Duration {
	elapsed := r.finish(false)
	r.out.ReportFinal(elapsed)
	return elapsed
}

func (r *RunReport) finish(cancelled bool) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.snap.Finished {
		r.snap.Elapsed = r.now().Sub(r.start)
		r.snap.Finished = true
	}
	r.snap.Cancelled = r.snap.Cancelled || cancelled
	return r.snap.Elapsed
}

// CancelSignal is a set-once cooperative cancellation flag.
type CancelSignal struct {
	set atomic.Bool
}

// Cancel raises the flag. It reports whether this call raised it.
func (c *CancelSignal) Cancel() bool {
	return c.set.CompareAndSwap(false, true)
}

// Requested reports whether the flag is raised.
func (c *CancelSignal) Requested() bool {
	return c != nil && c.set.Load()
}
