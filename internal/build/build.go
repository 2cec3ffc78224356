package build

// Result is a build outcome as reported by the host CI engine.
type Result string

const (
	ResultSuccess  Result = "SUCCESS"
	ResultUnstable Result = "UNSTABLE"
	ResultFailure  Result = "FAILURE"
	ResultNotBuilt Result = "NOT_BUILT"
	ResultAborted  Result = "ABORTED"
)

// Known reports whether r is one of the defined outcomes.
func (r Result) Known() bool {
	switch r {
	case ResultSuccess, ResultUnstable, ResultFailure, ResultNotBuilt, ResultAborted:
		return true
	}
	return false
}

// Cause kinds with dedicated handling. Any other kind is carried verbatim
// and only used for the human-readable cause label.
const (
	CauseKindUser     = "UserIdCause"
	CauseKindUpstream = "UpstreamCause"
)

// Cause describes one entry of a run's ordered cause list. Upstream-triggered
// causes carry their own upstream chain, which may nest arbitrarily deep.
type Cause struct {
	Kind     string
	UserName string
	UserID   string
	Upstream []*Cause
}

// Run is the host CI engine's view of a single build. Implementations wrap
// the engine's native run object; all accessors are snapshots taken when the
// lifecycle event fired.
type Run interface {
	JobName() string
	Number() int

	// Result is the current outcome; meaningful only on completion events.
	Result() Result
	// PreviousResult reports the previous build's outcome. ok is false for
	// the first build in a job's history.
	PreviousResult() (r Result, ok bool)

	Causes() []*Cause
	Env() map[string]string

	// SetResult overrides the build outcome. Used exclusively by the
	// fail-on-error policy.
	SetResult(Result)
}

// Snapshot is a plain-value Run for hosts that hand over data rather than a
// live handle, and for tests.
type Snapshot struct {
	Job       string
	Num       int
	Outcome   Result
	Previous  *Result
	CauseList []*Cause
	EnvVars   map[string]string

	// Final holds the outcome written through SetResult, if any.
	Final *Result
}

func (s *Snapshot) JobName() string { return s.Job }
func (s *Snapshot) Number() int     { return s.Num }
func (s *Snapshot) Result() Result  { return s.Outcome }

func (s *Snapshot) PreviousResult() (Result, bool) {
	if s.Previous == nil {
		return "", false
	}
	return *s.Previous, true
}

func (s *Snapshot) Causes() []*Cause       { return s.CauseList }
func (s *Snapshot) Env() map[string]string { return s.EnvVars }
func (s *Snapshot) SetResult(r Result)     { s.Final = &r }
