package validation

// BaseValidationResult contains the signature checks shared by every receipt validation
type BaseValidationResult struct {
	SignatureValid    bool
	KeyIDValid        bool
	ValidationDetails []string
}

// ReceiptValidationResult contains validation results for a settlement receipt
type ReceiptValidationResult struct {
	BaseValidationResult
	PaidValid     bool
	ResultIDValid bool
	WinnerValid   bool
	AmountValid   bool
}

// IsValid returns true if all receipt validation checks passed
func (r *ReceiptValidationResult) IsValid() bool {
	return r.SignatureValid && r.KeyIDValid && r.PaidValid && r.ResultIDValid && r.WinnerValid && r.AmountValid
}

// CommitmentValidationResult reports whether an opening reproduces a commitment
type CommitmentValidationResult struct {
	HashValid         bool
	ComputedHash      string
	ValidationDetails []string
}

func (r *CommitmentValidationResult) IsValid() bool {
	return r.HashValid
}
