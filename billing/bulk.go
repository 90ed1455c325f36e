package billing

import (
	"github.com/warp/condo-billing/generic"
)

// Skip reasons reported by bulk operations.
const (
	SkipNotPermitted        = "not_permitted"
	SkipNotFound            = "not_found"
	SkipAmountRequired      = "amount_required"
	SkipAlreadyMaterialized = "already_materialized"
)

// SendResult reports what happened to one slip in a bulk send.
type SendResult struct {
	SlipID  generic.SlipID
	From    State
	Applied bool
	Reason  string // set when skipped
	Detail  string
	Events  []generic.DomainEvent
}

// SendMany applies send to each slip independently. A slip whose state does
// not permit send is reported as skipped; partial success is the normal
// outcome and never an error.
func (m *Machine) SendMany(slips []*Slip) []SendResult {
	results := make([]SendResult, 0, len(slips))
	for _, s := range slips {
		r := SendResult{SlipID: s.id, From: s.state}
		_, events, err := m.Apply(s, TransitionSend)
		if err != nil {
			r.Reason = SkipNotPermitted
			r.Detail = err.Error()
		} else {
			r.Applied = true
			r.Events = events
		}
		results = append(results, r)
	}
	return results
}
