package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/receipt"
	"github.com/cloudx-io/sealedbid/settlement"
	"github.com/cloudx-io/sealedbid/settlementapi"
	"github.com/cloudx-io/sealedbid/settlementapi/parsing"
)

// Error codes in ErrorResponse.Code.
const (
	CodeMalformed             = "malformed_request"
	CodeInvalidSignature      = "invalid_signature"
	CodeForbidden             = "forbidden"
	CodeNotFound              = "not_found"
	CodeNoMatchingCommitment  = "no_matching_commitment"
	CodeBidTooLow             = "bid_too_low"
	CodeAuctionClosed         = "auction_closed"
	CodeDuplicateCommitment   = "duplicate_commitment"
	CodeInvalidState          = "invalid_state"
	CodeOfferExpired          = "offer_expired"
	CodeValidationUnavailable = "validation_unavailable"
	CodeInternal              = "internal_error"
)

type errorMapping struct {
	target error
	status int
	code   string
}

var errorMappings = []errorMapping{
	{parsing.ErrMalformed, http.StatusBadRequest, CodeMalformed},
	{settlement.ErrInvalidResponse, http.StatusBadRequest, CodeMalformed},
	{settlement.ErrInvalidSignature, http.StatusUnauthorized, CodeInvalidSignature},
	{settlement.ErrForbidden, http.StatusForbidden, CodeForbidden},
	{settlement.ErrNotFound, http.StatusNotFound, CodeNotFound},
	{settlement.ErrNoMatchingCommitment, http.StatusUnprocessableEntity, CodeNoMatchingCommitment},
	{settlement.ErrBidTooLow, http.StatusUnprocessableEntity, CodeBidTooLow},
	{settlement.ErrAuctionClosed, http.StatusConflict, CodeAuctionClosed},
	{settlement.ErrDuplicateCommitment, http.StatusConflict, CodeDuplicateCommitment},
	{settlement.ErrInvalidState, http.StatusConflict, CodeInvalidState},
	{receipt.ErrNotPaid, http.StatusConflict, CodeInvalidState},
	{settlement.ErrOfferExpired, http.StatusGone, CodeOfferExpired},
	{settlement.ErrValidationUnavailable, http.StatusServiceUnavailable, CodeValidationUnavailable},
}

func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func respondMalformed(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusBadRequest, settlementapi.ErrorResponse{Error: message, Code: CodeMalformed})
}

// respondError maps a service error onto its status code. Unmapped errors are logged
// and reported without detail.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		body := settlementapi.ErrorResponse{Error: err.Error(), Code: m.code}
		var tooLow *core.BidTooLowError
		if errors.As(err, &tooLow) {
			minimum := tooLow.Minimum
			body.MinimumBid = &minimum
		}
		respondJSON(w, m.status, body)
		return
	}

	s.logger.Error("request failed",
		"component", "server",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	respondJSON(w, http.StatusInternalServerError, settlementapi.ErrorResponse{
		Error: "internal error",
		Code:  CodeInternal,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
