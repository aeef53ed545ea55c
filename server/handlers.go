package server

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cloudx-io/sealedbid/settlement"
	"github.com/cloudx-io/sealedbid/settlementapi"
	"github.com/cloudx-io/sealedbid/settlementapi/parsing"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "component", "server", "error", err)
			respondJSON(w, http.StatusServiceUnavailable, settlementapi.HealthResponse{Status: "unhealthy"})
			return
		}
	}
	respondJSON(w, http.StatusOK, settlementapi.HealthResponse{Status: "healthy"})
}

func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) {
	var req settlementapi.CreateAuctionRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondMalformed(w, "invalid request body")
		return
	}
	if req.TicketID == "" {
		respondMalformed(w, "ticket_id is required")
		return
	}
	if req.CutoffTime.IsZero() {
		respondMalformed(w, "cutoff_time is required")
		return
	}

	auction, err := s.svc.CreateAuction(r.Context(), req.TicketID, req.CutoffTime)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, auction)
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	auction, err := s.svc.GetAuction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, auction)
}

func (s *Server) commit(w http.ResponseWriter, r *http.Request) {
	var body settlementapi.CommitRequest
	if err := decodeBody(w, r, &body); err != nil {
		respondMalformed(w, "invalid request body")
		return
	}
	req, err := parsing.CommitRequest(mux.Vars(r)["id"], body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	commitment, err := s.svc.Commit(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, settlementapi.CommitmentResponse{Commitment: commitment})
}

func (s *Server) reveal(w http.ResponseWriter, r *http.Request) {
	var body settlementapi.RevealRequest
	if err := decodeBody(w, r, &body); err != nil {
		respondMalformed(w, "invalid request body")
		return
	}
	req, err := parsing.RevealRequest(mux.Vars(r)["id"], body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	commitment, err := s.svc.Reveal(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementapi.CommitmentResponse{Commitment: commitment})
}

func (s *Server) placeBid(w http.ResponseWriter, r *http.Request) {
	var body settlementapi.BidRequest
	if err := decodeBody(w, r, &body); err != nil {
		respondMalformed(w, "invalid request body")
		return
	}
	req, err := parsing.BidRequest(mux.Vars(r)["id"], body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	bid, err := s.svc.PlaceBid(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, settlementapi.BidResponse{
		Bid:        bid,
		MinimumBid: s.svc.MinimumNextBid(bid.Amount.Decimal),
	})
}

func (s *Server) getSettlementByAuction(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetSettlementByAuction(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementResponse(view))
}

func (s *Server) getSettlement(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetSettlement(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementResponse(view))
}

func settlementResponse(view *settlement.SettlementView) settlementapi.SettlementResponse {
	return settlementapi.SettlementResponse{
		Result:      view.Result,
		FallbackLog: view.Fallback,
		Final:       view.Result.Status.IsTerminal(),
	}
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request) {
	var body settlementapi.RespondRequest
	if err := decodeBody(w, r, &body); err != nil {
		respondMalformed(w, "invalid request body")
		return
	}
	vars := mux.Vars(r)
	req, err := parsing.RespondRequest(vars["id"], vars["logId"], body)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	outcome, err := s.svc.Respond(r.Context(), req)
	if errors.Is(err, settlement.ErrOfferExpired) && outcome != nil {
		respondJSON(w, http.StatusGone, settlementapi.RespondResponse{
			Result:  outcome.Result,
			Entry:   outcome.Entry,
			Cascade: outcome.Cascade,
			Expired: true,
		})
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, settlementapi.RespondResponse{
		Result:  outcome.Result,
		Entry:   outcome.Entry,
		Cascade: outcome.Cascade,
	})
}

func (s *Server) confirmPayment(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.ConfirmPayment(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.GetSettlement(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	coseBytes, err := s.issuer.Issue(view.Result, view.Fallback)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	compressed, err := coseBytes.CompressGzip()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	publicKey, err := s.issuer.Keys().PublicKeyPEM()
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, settlementapi.ReceiptResponse{
		ReceiptCOSEBase64: coseBytes.EncodeBase64(),
		ReceiptGzip:       compressed,
		PublicKey:         publicKey,
	})
}

func (s *Server) closeSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.CloseDueAuctions(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

func (s *Server) fallbackSweep(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.RunFallbackSweep(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
