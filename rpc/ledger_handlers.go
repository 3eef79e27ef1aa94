package rpc

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/holiman/uint256"

	"escrowsim/native/ledger"
)

const (
	codeLedgerInvalidParams     = -32030
	codeLedgerNotFound          = -32031
	codeLedgerInsufficientFunds = -32032
	codeLedgerForbidden         = -32033
	codeLedgerConflict          = -32034
)

type ledgerAccountParams struct {
	ID      string `json:"id"`
	Balance string `json:"balance,omitempty"`
}

type ledgerTransferParams struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type ledgerDepositParams struct {
	ID     string `json:"id"`
	Amount string `json:"amount"`
}

func parseAmount(value string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return amount, nil
}

func writeLedgerError(w http.ResponseWriter, id interface{}, err error) {
	switch {
	case errors.Is(err, ledger.ErrUnknownAccount):
		writeError(w, http.StatusNotFound, id, codeLedgerNotFound, "not_found", err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, id, codeLedgerInsufficientFunds, "insufficient_funds", err.Error())
	case errors.Is(err, ledger.ErrBalanceOverflow):
		writeError(w, http.StatusConflict, id, codeLedgerConflict, "overflow", err.Error())
	case errors.Is(err, ledger.ErrControlledAccount):
		writeError(w, http.StatusForbidden, id, codeLedgerForbidden, "forbidden", err.Error())
	case errors.Is(err, ledger.ErrDuplicateAccount):
		writeError(w, http.StatusConflict, id, codeLedgerConflict, "conflict", err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAccount):
		writeError(w, http.StatusBadRequest, id, codeLedgerInvalidParams, "invalid_params", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, id, codeServerError, "internal_error", err.Error())
	}
}

func accountResult(acct ledger.Account) accountJSON {
	return accountJSON{ID: acct.ID, Balance: acct.Balance.Dec(), Controlled: acct.Controlled}
}

func (s *Server) handleLedgerCreateAccount(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.auth.requireScope(r, ScopeAdmin); authErr != nil {
		writeAuthError(w, req.ID, authErr)
		return
	}
	var params ledgerAccountParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	initial := new(uint256.Int)
	if strings.TrimSpace(params.Balance) != "" {
		amount, err := parseAmount(params.Balance)
		if err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeLedgerInvalidParams, "invalid_params", err.Error())
			return
		}
		initial = amount
	}
	if err := s.ledger.CreateAccount(params.ID, initial); err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, accountJSON{ID: strings.TrimSpace(params.ID), Balance: initial.Dec()})
}

func (s *Server) handleLedgerBalanceOf(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	var params ledgerAccountParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	balance, err := s.ledger.BalanceOf(params.ID)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, accountJSON{ID: strings.TrimSpace(params.ID), Balance: balance.Dec()})
}

func (s *Server) handleLedgerTransfer(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	var params ledgerTransferParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	if authErr := s.auth.requireActor(r, params.From); authErr != nil {
		writeAuthError(w, req.ID, authErr)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeLedgerInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.ledger.Transfer(params.From, params.To, amount); err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, map[string]string{"from": params.From, "to": params.To, "amount": amount.Dec()})
}

func (s *Server) handleLedgerDeposit(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if authErr := s.auth.requireScope(r, ScopeAdmin); authErr != nil {
		writeAuthError(w, req.ID, authErr)
		return
	}
	var params ledgerDepositParams
	if rpcErr := decodeParams(req, &params); rpcErr != nil {
		writeRPCError(w, http.StatusBadRequest, req.ID, rpcErr)
		return
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeLedgerInvalidParams, "invalid_params", err.Error())
		return
	}
	if err := s.ledger.Deposit(params.ID, amount); err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	balance, err := s.ledger.BalanceOf(params.ID)
	if err != nil {
		writeLedgerError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, accountJSON{ID: strings.TrimSpace(params.ID), Balance: balance.Dec()})
}

func (s *Server) handleLedgerAccounts(w http.ResponseWriter, _ *http.Request, req *RPCRequest) {
	accounts := s.ledger.Accounts()
	out := make([]accountJSON, 0, len(accounts))
	for _, acct := range accounts {
		out = append(out, accountResult(acct))
	}
	writeResult(w, req.ID, out)
}
