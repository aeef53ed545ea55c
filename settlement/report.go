package settlement

import (
	"fmt"
)

// Sweep item statuses.
const (
	ItemSettled        = "settled"
	ItemNoWinner       = "no_winner"
	ItemAlreadySettled = "already_settled"
	ItemSkipped        = "skipped"
	ItemError          = "error"
)

// SweepItem is the outcome of one auction or settlement within a sweep.
type SweepItem struct {
	AuctionID string `json:"auction_id"`
	ResultID  string `json:"result_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// SweepReport lists every item a sweep touched. Failed items do not stop the sweep.
type SweepReport struct {
	Items []SweepItem `json:"items"`
}

func (r *SweepReport) add(item SweepItem) {
	r.Items = append(r.Items, item)
}

// Errors counts the items that failed.
func (r *SweepReport) Errors() int {
	n := 0
	for _, item := range r.Items {
		if item.Status == ItemError {
			n++
		}
	}
	return n
}

// isolate runs fn and converts a panic into an error so one item cannot abort a sweep.
func isolate(fn func() (string, error)) (status string, err error) {
	defer func() {
		if r := recover(); r != nil {
			status, err = ItemError, fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
