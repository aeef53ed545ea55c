package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloudx-io/sealedbid/settlementapi"
	"github.com/cloudx-io/sealedbid/validation"
)

const (
	exitValid   = 0
	exitInvalid = 1
	exitError   = 2
)

// exitCodeError carries the process exit code out of a cobra command.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func inputError(format string, args ...any) error {
	return &exitCodeError{code: exitError, err: fmt.Errorf(format, args...)}
}

var outputFormat string

func main() {
	rootCmd := &cobra.Command{
		Use:           "settlement-validator",
		Short:         "Verify settlement receipts and commitment openings offline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "text", "output format: text or json")

	rootCmd.AddCommand(receiptCommand())
	rootCmd.AddCommand(commitmentCommand())

	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			if exitErr.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", exitErr.err)
			}
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}

// readInput returns the contents of input when it names a file, else input itself.
func readInput(input string) []byte {
	if data, err := os.ReadFile(input); err == nil {
		return data
	}
	return []byte(input)
}

func receiptCommand() *cobra.Command {
	var (
		responseInput string
		receiptInput  string
		encoding      string
		publicKey     string
		input         validation.ReceiptValidationInput
	)

	cmd := &cobra.Command{
		Use:   "receipt",
		Short: "Verify a COSE_Sign1 settlement receipt",
		Long: `Verifies the signature of a settlement receipt and checks its contents.

The receipt and key can come from a saved receipt endpoint response (--response) or be
given separately (--receipt and --public-key). Each flag accepts a file path or an inline value.

Exit codes: 0 valid, 1 invalid, 2 input or runtime error.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if responseInput != "" {
				var resp settlementapi.ReceiptResponse
				if err := json.Unmarshal(readInput(responseInput), &resp); err != nil {
					return inputError("parse receipt response: %w", err)
				}
				input.ReceiptCOSEBase64 = resp.ReceiptCOSEBase64
				input.PublicKeyPEM = resp.PublicKey
			}
			if receiptInput != "" {
				value := strings.TrimSpace(string(readInput(receiptInput)))
				input.ReceiptCOSEBase64 = ""
				switch encoding {
				case "base64":
					input.ReceiptCOSEBase64 = settlementapi.ReceiptCOSEBase64(value)
				case "url":
					input.ReceiptURLBase64 = settlementapi.ReceiptCOSEURLBase64(value)
				case "gzip":
					input.ReceiptGzip = settlementapi.ReceiptCOSEGzip(value)
				default:
					return inputError("unknown receipt encoding %q", encoding)
				}
			}
			if publicKey != "" {
				input.PublicKeyPEM = string(readInput(publicKey))
			}
			if input.PublicKeyPEM == "" || (input.ReceiptCOSEBase64 == "" && input.ReceiptURLBase64 == "" && input.ReceiptGzip == "") {
				_ = cmd.Usage()
				return inputError("a receipt and a public key are required (--response, or --receipt and --public-key)")
			}

			result, err := validation.ValidateSettlementReceipt(&input)
			if err != nil {
				return inputError("validation error: %w", err)
			}

			checks := []check{
				{"Signature Valid", "signature_valid", result.SignatureValid},
				{"Key ID Valid", "key_id_valid", result.KeyIDValid},
				{"Paid Valid", "paid_valid", result.PaidValid},
				{"Settlement ID Valid", "result_id_valid", result.ResultIDValid},
				{"Winner Valid", "winner_valid", result.WinnerValid},
				{"Amount Valid", "amount_valid", result.AmountValid},
			}
			return report("Settlement Receipt Validator", result.IsValid(), checks, result.ValidationDetails, nil)
		},
	}

	cmd.Flags().StringVar(&responseInput, "response", "", "receipt endpoint JSON response (file path or inline JSON)")
	cmd.Flags().StringVar(&receiptInput, "receipt", "", "encoded COSE receipt (file path or inline)")
	cmd.Flags().StringVar(&encoding, "encoding", "base64", "encoding of --receipt: base64, url or gzip")
	cmd.Flags().StringVar(&publicKey, "public-key", "", "PEM public key of the receipt signer (file path or inline PEM)")
	cmd.Flags().StringVar(&input.ResultID, "result-id", "", "expected settlement ID")
	cmd.Flags().StringVar(&input.WinnerAddress, "winner", "", "expected winner address")
	cmd.Flags().StringVar(&input.WinningAmount, "amount", "", "expected winning amount")
	return cmd
}

func commitmentCommand() *cobra.Command {
	var input validation.CommitmentValidationInput

	cmd := &cobra.Command{
		Use:   "commitment",
		Short: "Check that a bid opening reproduces a commitment hash",
		Long: `Recomputes keccak256(amount in wei, secret, nonce) and compares it with the commitment.

Exit codes: 0 valid, 1 invalid, 2 input or runtime error.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if input.Commitment == "" || input.BidAmount == "" || input.Secret == "" || input.Nonce == "" {
				_ = cmd.Usage()
				return inputError("--commitment, --amount, --secret and --nonce are required")
			}
			result, err := validation.ValidateCommitmentOpening(&input)
			if err != nil {
				return inputError("validation error: %w", err)
			}
			checks := []check{{"Hash Valid", "hash_valid", result.HashValid}}
			extra := map[string]any{"computed_hash": result.ComputedHash}
			return report("Commitment Opening Validator", result.IsValid(), checks, result.ValidationDetails, extra)
		},
	}

	cmd.Flags().StringVar(&input.Commitment, "commitment", "", "0x-prefixed commitment hash")
	cmd.Flags().StringVar(&input.BidAmount, "amount", "", "revealed bid amount")
	cmd.Flags().StringVar(&input.Secret, "secret", "", "0x-prefixed 32-byte secret")
	cmd.Flags().StringVar(&input.Nonce, "nonce", "", "decimal nonce")
	return cmd
}

type check struct {
	label string
	key   string
	ok    bool
}

// report prints the result and maps it onto the exit code.
func report(title string, valid bool, checks []check, details []string, extra map[string]any) error {
	var err error
	if outputFormat == "json" {
		err = outputJSON(valid, checks, details, extra)
	} else {
		outputText(title, valid, checks, details)
	}
	if err != nil {
		return &exitCodeError{code: exitError, err: err}
	}
	if !valid {
		return &exitCodeError{code: exitInvalid}
	}
	return nil
}

func outputText(title string, valid bool, checks []check, details []string) {
	rule := strings.Repeat("=", len(title))
	fmt.Println(title)
	fmt.Println(rule)
	fmt.Println()

	fmt.Println("Summary:")
	for _, c := range checks {
		fmt.Printf("  %-24s %v\n", c.label+":", c.ok)
	}

	fmt.Println()
	fmt.Println("Details:")
	for _, detail := range details {
		fmt.Printf("  - %s\n", detail)
	}

	fmt.Println()
	fmt.Println(rule)
	if valid {
		fmt.Println("VALIDATION: ✓ PASSED")
		fmt.Printf("Exit Code: %d\n", exitValid)
	} else {
		fmt.Println("VALIDATION: ✗ FAILED")
		fmt.Printf("Exit Code: %d\n", exitInvalid)
	}
}

func outputJSON(valid bool, checks []check, details []string, extra map[string]any) error {
	output := map[string]any{
		"valid":   valid,
		"details": details,
	}
	for _, c := range checks {
		output[c.key] = c.ok
	}
	for k, v := range extra {
		output[k] = v
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
