package rpc

import (
	"errors"
	"log/slog"
	"net/http"

	"escrowsim/native/escrow"
	"escrowsim/observability/logging"
)

const (
	codeEscrowInvalidParams     = -32021
	codeEscrowNotFound          = -32022
	codeEscrowForbidden         = -32023
	codeEscrowConflict          = -32024
	codeEscrowInternal          = -32025
	codeEscrowInsufficientFunds = -32026
)

type escrowCreateParams struct {
	Seller   string `json:"seller"`
	Buyer    string `json:"buyer"`
	Item     string `json:"item"`
	Price    string `json:"price"`
	Deadline int64  `json:"deadline"`
}

type escrowIDParams struct {
	ID string `json:"id"`
}

type escrowActorParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
}

type escrowPayParams struct {
	ID     string `json:"id"`
	Caller string `json:"caller"`
	Amount string `json:"amount"`
}

type escrowCreateResult struct {
	ID string `json:"id"`
}

type escrowTimeRemainingResult struct {
	ID      string `json:"id"`
	Seconds int64  `json:"seconds"`
}

type escrowErrorData struct {
	Code   string `json:"code"`
	Class  string `json:"class,omitempty"`
	Detail string `json:"detail"`
}

func classLabel(class error) string {
	switch {
	case errors.Is(class, escrow.ErrPreconditionViolation):
		return "precondition"
	case errors.Is(class, escrow.ErrConservationViolation):
		return "conservation"
	case errors.Is(class, escrow.ErrAtomicityFailure):
		return "atomicity"
	default:
		return ""
	}
}

func writeEscrowError(w http.ResponseWriter, id interface{}, err error) {
	data := escrowErrorData{Code: escrow.ErrorCode(err), Class: classLabel(escrow.ErrorClass(err)), Detail: err.Error()}
	switch {
	case errors.Is(err, escrow.ErrContractNotFound):
		data.Code = "not_found"
		writeError(w, http.StatusNotFound, id, codeEscrowNotFound, "not_found", data)
	case errors.Is(err, escrow.ErrNotAParty), errors.Is(err, escrow.ErrNotBuyer):
		writeError(w, http.StatusForbidden, id, codeEscrowForbidden, "forbidden", data)
	case errors.Is(err, escrow.ErrInvalidParty), errors.Is(err, escrow.ErrSameParty),
		errors.Is(err, escrow.ErrInvalidPrice), errors.Is(err, escrow.ErrInvalidDeadline), errors.Is(err, escrow.ErrEscrowParty),
		errors.Is(err, escrow.ErrWrongAmount):
		writeError(w, http.StatusBadRequest, id, codeEscrowInvalidParams, "invalid_params", data)
	case errors.Is(err, escrow.ErrPreconditionViolation):
		writeError(w, http.StatusConflict, id, codeEscrowConflict, "conflict", data)
	case errors.Is(err, escrow.ErrConservationViolation):
		writeError(w, http.StatusConflict, id, codeEscrowInsufficientFunds, "insufficient_funds", data)
	default:
		writeError(w, http.StatusInternalServerError, id, codeEscrowInternal, "internal_error", data)
	}
}

func (s *Server) escrowResult(snap escrow.Snapshot) escrowJSON {
	out := escrowJSON{
		ID:        snap.ID,
		Seller:    snap.Seller,
		Buyer:     snap.Buyer,
		Item:      snap.Item,
		Price:     snap.Price.Dec(),
		Deadline:  snap.Deadline,
		CreatedAt: snap.CreatedAt,
		State:     snap.State.String(),
		HeldFunds: snap.HeldFunds.Dec(),
		Events:    snap.Events,
	}
	if balance, err := s.ledger.BalanceOf(snap.ID); err == nil {
		out.EscrowBalance = balance.Dec()
	}
	return out
}

func (s *Server) lookupContract(w http.ResponseWriter, req *RPCRequest, id string) (*escrow.Contract, bool) {
	contract, err := s.registry.Get(id)
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return nil, false
	}
	return contract, true
}

func (s *Server) logTransition(r *http.Request, contract *escrow.Contract, actor string) {
	s.logger.LogAttrs(r.Context(), slog.LevelInfo, "escrow transition",
		slog.String("component", "escrow"),
		slog.String("escrow", contract.ID()),
		slog.String("actor", actor),
		slog.String("state", contract.State().String()),
		slog.String("request_id", requestIDFrom(r.Context())),
	)
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowCreateParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	if authErr := s.auth.requireActor(r, params.Seller); authErr != nil {
		writeAuthError(w, req.ID, authErr)
		return
	}
	price, err := parseAmount(params.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	contract, err := s.registry.Open(escrow.Params{
		Seller:   params.Seller,
		Buyer:    params.Buyer,
		Item:     params.Item,
		Price:    price,
		Deadline: params.Deadline,
	}, s.now())
	if err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logger.LogAttrs(r.Context(), slog.LevelInfo, "escrow created",
		slog.String("component", "escrow"),
		slog.String("escrow", contract.ID()),
		slog.String("actor", contract.Seller()),
		logging.MaskField("item", contract.Item()),
		slog.String("request_id", requestIDFrom(r.Context())),
	)
	writeResult(w, req.ID, escrowCreateResult{ID: contract.ID()})
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	contract, ok := s.lookupContract(w, req, params.ID)
	if !ok {
		return
	}
	writeResult(w, req.ID, s.escrowResult(contract.Snapshot()))
}

// handleActorTransition covers sign, confirmDelivery and cancel, which differ
// only in the contract method invoked.
func (s *Server) handleActorTransition(w http.ResponseWriter, r *http.Request, req *RPCRequest, apply func(*escrow.Contract, string, int64) error) {
	var params escrowActorParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	if authErr := s.auth.requireActor(r, params.Caller); authErr != nil {
		writeAuthError(w, req.ID, authErr)
		return
	}
	contract, ok := s.lookupContract(w, req, params.ID)
	if !ok {
		return
	}
	if err := apply(contract, params.Caller, s.now()); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logTransition(r, contract, params.Caller)
	writeResult(w, req.ID, s.escrowResult(contract.Snapshot()))
}

func (s *Server) handleEscrowSign(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleActorTransition(w, r, req, (*escrow.Contract).Sign)
}

func (s *Server) handleEscrowConfirmDelivery(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleActorTransition(w, r, req, (*escrow.Contract).ConfirmDelivery)
}

func (s *Server) handleEscrowCancel(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	s.handleActorTransition(w, r, req, (*escrow.Contract).Cancel)
}

func (s *Server) handleEscrowPay(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params escrowPayParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	if authErr := s.auth.requireActor(r, params.Caller); authErr != nil {
		writeAuthError(w, req.ID, authErr)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeEscrowInvalidParams, "invalid_params", err.Error())
		return
	}
	contract, ok := s.lookupContract(w, req, params.ID)
	if !ok {
		return
	}
	if err := contract.Pay(params.Caller, amount, s.now()); err != nil {
		writeEscrowError(w, req.ID, err)
		return
	}
	s.logTransition(r, contract, params.Caller)
	writeResult(w, req.ID, s.escrowResult(contract.Snapshot()))
}

func (s *Server) handleEscrowTimeRemaining(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	contract, ok := s.lookupContract(w, req, params.ID)
	if !ok {
		return
	}
	writeResult(w, req.ID, escrowTimeRemainingResult{ID: contract.ID(), Seconds: contract.TimeRemaining(s.now())})
}

func (s *Server) handleEscrowListEvents(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params escrowIDParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	contract, ok := s.lookupContract(w, req, params.ID)
	if !ok {
		return
	}
	out := make([]escrowEventJSON, 0, contract.EventCount())
	for evt := range contract.Events() {
		out = append(out, escrowEventJSON{
			Sequence:  evt.Sequence,
			Kind:      string(evt.Kind),
			Actor:     evt.Actor,
			Amount:    evt.Amount.Dec(),
			Timestamp: evt.Timestamp,
		})
	}
	writeResult(w, req.ID, out)
}

func (s *Server) handleEscrowList(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	contracts := s.registry.List()
	out := make([]escrowJSON, 0, len(contracts))
	for _, contract := range contracts {
		out = append(out, s.escrowResult(contract.Snapshot()))
	}
	writeResult(w, req.ID, out)
}
