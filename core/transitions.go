package core

// settlementTransitions lists the allowed status moves of a SettlementResult.
//
//	pending_payment   -> paid | failed_payment
//	failed_payment    -> fallback_offered | failed_all_fallbacks
//	fallback_offered  -> fallback_accepted | failed_payment | paid
//	fallback_accepted -> paid | failed_payment
var settlementTransitions = map[SettlementStatus][]SettlementStatus{
	StatusPendingPayment:   {StatusPaid, StatusFailedPayment},
	StatusFailedPayment:    {StatusFallbackOffered, StatusFailedAllFallbacks},
	StatusFallbackOffered:  {StatusFallbackAccepted, StatusFailedPayment, StatusPaid},
	StatusFallbackAccepted: {StatusPaid, StatusFailedPayment},
}

// CanTransition reports whether a SettlementResult may move from one status to another.
func CanTransition(from, to SettlementStatus) bool {
	for _, next := range settlementTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SettlementStatus) IsTerminal() bool {
	return s == StatusPaid || s == StatusFailedAllFallbacks
}

// Confirmable reports whether payment may be confirmed from this status.
func (s SettlementStatus) Confirmable() bool {
	return CanTransition(s, StatusPaid)
}
