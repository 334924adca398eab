package pm

import (
	"io"
	"time"
)

// Progress is an immutable snapshot of an operation, delivered to observers.
type Progress struct {
	OperationID string    `json:"operation_id"`
	Kind        Kind      `json:"kind"`
	Phase       Phase     `json:"phase"`
	Status      Status    `json:"status"`
	Percent     int       `json:"percent"`
	Detail      string    `json:"detail,omitempty"`
	Current     int64     `json:"current,omitempty"`
	Total       int64     `json:"total,omitempty"`
	Error       string    `json:"error,omitempty"`
	At          time.Time `json:"at"`

	// Err is the terminal error on a failed update.
	Err error `json:"-"`
}

// tracker turns phase transitions and in-phase counters into percent updates.
// It is owned by the pipeline goroutine.
type tracker struct {
	op     *operation
	clock  Clock
	phases []phaseWeight

	idx  int
	base float64 // sum of weights of completed phases
	last Progress
}

func newTracker(op *operation, clock Clock) *tracker {
	phases := exportPhases
	if op.kind == KindImport {
		phases = importPhases
	}
	return &tracker{op: op, clock: clock, phases: phases, idx: -1}
}

// enter moves to phase and emits an update at the phase's starting percent.
// Phases must be entered in pipeline order.
func (t *tracker) enter(phase Phase, detail string) {
	for t.idx+1 < len(t.phases) {
		if t.idx >= 0 {
			t.base += float64(t.phases[t.idx].weight)
		}
		t.idx++
		if t.phases[t.idx].phase == phase {
			break
		}
	}
	t.publish(Progress{Phase: phase, Status: StatusRunning, Detail: detail}, 0)
}

// advance reports current of total units done within the current phase.
// Updates that would not change the visible percent or detail are dropped,
// except the one that completes the phase.
func (t *tracker) advance(current, total int64, detail string) {
	frac := 1.0
	if total > 0 {
		frac = float64(current) / float64(total)
	}
	p := Progress{Phase: t.last.Phase, Status: StatusRunning, Detail: detail, Current: current, Total: total}
	if t.percent(frac) == t.last.Percent && detail == t.last.Detail && current != total {
		return
	}
	t.publish(p, frac)
}

// finish emits the terminal update. Completed operations report 100; canceled
// and failed ones keep the last percent reached.
func (t *tracker) finish(status Status, err error) Progress {
	p := t.last
	p.Status = status
	p.Detail = ""
	if status == StatusCompleted {
		p.Phase = PhaseComplete
		p.Percent = 100
		p.Current, p.Total = 0, 0
	}
	if err != nil {
		p.Err = err
		p.Error = err.Error()
	}
	p.At = t.clock.Now()
	t.last = p
	t.op.emit(p)
	return p
}

func (t *tracker) percent(frac float64) int {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	var w float64
	if t.idx >= 0 && t.idx < len(t.phases) {
		w = float64(t.phases[t.idx].weight)
	}
	pct := int(t.base + w*frac)
	if pct > 99 {
		pct = 99
	}
	if pct < t.last.Percent {
		pct = t.last.Percent
	}
	return pct
}

func (t *tracker) publish(p Progress, frac float64) {
	p.OperationID = t.op.id
	p.Kind = t.op.kind
	p.Percent = t.percent(frac)
	p.At = t.clock.Now()
	t.last = p
	t.op.emit(p)
}

// progressReader reports bytes read through it to a tracker.
type progressReader struct {
	r      io.Reader
	t      *tracker
	read   int64
	total  int64
	detail string
}

func (t *tracker) reader(r io.Reader, total int64, detail string) *progressReader {
	return &progressReader{r: r, t: t, total: total, detail: detail}
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		cur := pr.read
		if cur > pr.total {
			cur = pr.total
		}
		pr.t.advance(cur, pr.total, pr.detail)
	}
	return n, err
}
