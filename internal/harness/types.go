package harness

// Trace phases.
const (
	PhaseSetup  = "setup"
	PhaseEvents = "events"
)

// TraceEvent records what the projector did with one scenario step.
type TraceEvent struct {
	Phase         string `json:"phase"`
	TransactionID string `json:"transaction_id"`
	Code          string `json:"code"`
	Seq           int64  `json:"seq"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason,omitempty"`
	Status        string `json:"status,omitempty"`
	Version       int64  `json:"version"`
}

// FinalView is the stored view of one transaction after the run.
type FinalView struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	LastApplied   int64  `json:"last_applied"`
	Version       int64  `json:"version"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace has one entry per applied setup and event step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Views holds the final view of every transaction the scenario touched,
	// sorted by transaction id. Transactions without a stored view are absent.
	Views []FinalView `json:"views"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		Views:  []FinalView{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// View returns the final view of transactionID.
func (r *Result) View(transactionID string) (FinalView, bool) {
	for _, v := range r.Views {
		if v.TransactionID == transactionID {
			return v, true
		}
	}
	return FinalView{}, false
}
