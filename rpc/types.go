package rpc

import (
	"encoding/json"
	"net/http"
)

const jsonRPCVersion = "2.0"

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return e.Message }

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if rec, ok := w.(*responseRecorder); ok {
		rec.code = code
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeRPCError(w http.ResponseWriter, status int, id interface{}, rpcErr *RPCError) {
	writeError(w, status, id, rpcErr.Code, rpcErr.Message, rpcErr.Data)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// responseRecorder remembers the HTTP status and JSON-RPC error code written
// by a handler so the dispatcher can report them.
type responseRecorder struct {
	http.ResponseWriter
	status int
	code   int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type accountJSON struct {
	ID         string `json:"id"`
	Balance    string `json:"balance"`
	Controlled bool   `json:"controlled,omitempty"`
}

type escrowJSON struct {
	ID            string `json:"id"`
	Seller        string `json:"seller"`
	Buyer         string `json:"buyer"`
	Item          string `json:"item"`
	Price         string `json:"price"`
	Deadline      int64  `json:"deadline"`
	CreatedAt     int64  `json:"createdAt"`
	State         string `json:"state"`
	HeldFunds     string `json:"heldFunds"`
	EscrowBalance string `json:"escrowBalance"`
	Events        int    `json:"events"`
}

type escrowEventJSON struct {
	Sequence  uint64 `json:"sequence"`
	Kind      string `json:"kind"`
	Actor     string `json:"actor"`
	Amount    string `json:"amount"`
	Timestamp int64  `json:"timestamp"`
}
