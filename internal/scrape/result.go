package scrape

import "time"

// State is a step of the per-source state machine.
type State string

// Source states.
const (
	StateIdle           State = "Idle"
	StateAuthenticating State = "Authenticating"
	StateFetching       State = "Fetching"
	StatePaginating     State = "Paginating"
	StateDraining       State = "Draining"
	StateDone           State = "Done"
	StateFailed         State = "Failed"
)

// SourceResult reports one source of a run.
type SourceResult struct {
	Name          string    `json:"name"`
	Domain        string    `json:"domain"`
	Family        string    `json:"family"`
	State         State     `json:"state"`
	Reason        string    `json:"reason,omitempty"`
	Error         string    `json:"error,omitempty"`
	Posts         int       `json:"posts"`
	Assets        int       `json:"assets"`
	AssetsSkipped int       `json:"assets_skipped"`
	AssetsFailed  int       `json:"assets_failed"`
	FailedItems   int       `json:"failed_items"`
	Steps         int       `json:"steps"`
	Started       time.Time `json:"started"`
	Finished      time.Time `json:"finished"`
}

// RunResult is the summary of one scrape run.
type RunResult struct {
	RunID    string         `json:"run_id"`
	Started  time.Time      `json:"started"`
	Finished time.Time      `json:"finished"`
	Sources  []SourceResult `json:"sources"`
}

// Succeeded counts sources that reached Done.
func (r RunResult) Succeeded() int {
	n := 0
	for _, s := range r.Sources {
		if s.State == StateDone {
			n++
		}
	}
	return n
}

// Failed counts sources that ended in Failed.
func (r RunResult) Failed() int {
	n := 0
	for _, s := range r.Sources {
		if s.State == StateFailed {
			n++
		}
	}
	return n
}

// Posts totals captured posts.
func (r RunResult) Posts() int {
	n := 0
	for _, s := range r.Sources {
		n += s.Posts
	}
	return n
}

// FailedItems totals items that could not be fetched or written.
func (r RunResult) FailedItems() int {
	n := 0
	for _, s := range r.Sources {
		n += s.FailedItems
	}
	return n
}

// Source returns the result for the named source.
func (r RunResult) Source(name string) (SourceResult, bool) {
	for _, s := range r.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceResult{}, false
}
