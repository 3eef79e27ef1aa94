package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"escrowsim/rpc"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func main() {
	defaultRPC := strings.TrimSpace(os.Getenv("ESCROW_RPC_URL"))
	if defaultRPC == "" {
		defaultRPC = "http://127.0.0.1:8545/rpc"
	}
	defaultAuth := strings.TrimSpace(os.Getenv("ESCROW_RPC_TOKEN"))

	root := flag.NewFlagSet("escrowctl", flag.ExitOnError)
	rpcURL := root.String("rpc", defaultRPC, "JSON-RPC endpoint")
	authToken := root.String("auth", defaultAuth, "Bearer token for authenticated RPC calls")
	root.Parse(os.Args[1:])

	args := root.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage())
		os.Exit(1)
	}

	client := &cli{rpcURL: *rpcURL, auth: *authToken, out: os.Stdout, errOut: os.Stderr}
	code := 0
	switch args[0] {
	case "create":
		code = client.runCreate(args[1:])
	case "sign":
		code = client.runActor("escrow_sign", args[1:])
	case "pay":
		code = client.runPay(args[1:])
	case "confirm":
		code = client.runActor("escrow_confirmDelivery", args[1:])
	case "cancel":
		code = client.runActor("escrow_cancel", args[1:])
	case "get":
		code = client.runByID("escrow_get", args[1:])
	case "events":
		code = client.runByID("escrow_listEvents", args[1:])
	case "remaining":
		code = client.runByID("escrow_timeRemaining", args[1:])
	case "list":
		code = client.call("escrow_list", nil)
	case "balance":
		code = client.runBalance(args[1:])
	case "fund":
		code = client.runFund(args[1:])
	case "token":
		code = runToken(os.Stdout, os.Stderr, args[1:])
	case "demo":
		if err := runDemo(os.Stdout, time.Now().Unix()); err != nil {
			fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
			code = 1
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		fmt.Fprintln(os.Stderr, usage())
		code = 1
	}
	if code != 0 {
		os.Exit(code)
	}
}

type cli struct {
	rpcURL string
	auth   string
	out    io.Writer
	errOut io.Writer
}

func (c *cli) runCreate(args []string) int {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	seller := fs.String("seller", "", "seller account")
	buyer := fs.String("buyer", "", "buyer account")
	item := fs.String("item", "", "item description")
	price := fs.String("price", "", "agreed price in base units")
	deadline := fs.String("deadline", "1h", "deadline as a duration from now or a unix timestamp")
	fs.Parse(args)
	if strings.TrimSpace(*seller) == "" || strings.TrimSpace(*buyer) == "" || strings.TrimSpace(*price) == "" {
		fmt.Fprintln(c.errOut, "--seller, --buyer and --price are required")
		return 1
	}
	ts, err := parseDeadline(*deadline, time.Now())
	if err != nil {
		fmt.Fprintf(c.errOut, "invalid --deadline: %v\n", err)
		return 1
	}
	return c.call("escrow_create", map[string]interface{}{
		"seller":   strings.TrimSpace(*seller),
		"buyer":    strings.TrimSpace(*buyer),
		"item":     *item,
		"price":    strings.TrimSpace(*price),
		"deadline": ts,
	})
}

func (c *cli) runActor(method string, args []string) int {
	fs := flag.NewFlagSet(method, flag.ExitOnError)
	id := fs.String("id", "", "escrow identifier")
	caller := fs.String("caller", "", "acting party")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" || strings.TrimSpace(*caller) == "" {
		fmt.Fprintln(c.errOut, "--id and --caller are required")
		return 1
	}
	return c.call(method, map[string]string{"id": strings.TrimSpace(*id), "caller": strings.TrimSpace(*caller)})
}

func (c *cli) runPay(args []string) int {
	fs := flag.NewFlagSet("pay", flag.ExitOnError)
	id := fs.String("id", "", "escrow identifier")
	caller := fs.String("caller", "", "paying buyer")
	amount := fs.String("amount", "", "amount in base units; must equal the price")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" || strings.TrimSpace(*caller) == "" || strings.TrimSpace(*amount) == "" {
		fmt.Fprintln(c.errOut, "--id, --caller and --amount are required")
		return 1
	}
	return c.call("escrow_pay", map[string]string{
		"id":     strings.TrimSpace(*id),
		"caller": strings.TrimSpace(*caller),
		"amount": strings.TrimSpace(*amount),
	})
}

func (c *cli) runByID(method string, args []string) int {
	fs := flag.NewFlagSet(method, flag.ExitOnError)
	id := fs.String("id", "", "escrow identifier")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		fmt.Fprintln(c.errOut, "--id is required")
		return 1
	}
	return c.call(method, map[string]string{"id": strings.TrimSpace(*id)})
}

func (c *cli) runBalance(args []string) int {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	id := fs.String("account", "", "account identifier (omit to list every account)")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		return c.call("ledger_accounts", nil)
	}
	return c.call("ledger_balanceOf", map[string]string{"id": strings.TrimSpace(*id)})
}

func (c *cli) runFund(args []string) int {
	fs := flag.NewFlagSet("fund", flag.ExitOnError)
	id := fs.String("account", "", "account identifier")
	amount := fs.String("amount", "", "amount in base units")
	create := fs.Bool("create", false, "open the account with --amount instead of depositing into it")
	fs.Parse(args)
	if strings.TrimSpace(*id) == "" {
		fmt.Fprintln(c.errOut, "--account is required")
		return 1
	}
	if *create {
		return c.call("ledger_createAccount", map[string]string{"id": strings.TrimSpace(*id), "balance": strings.TrimSpace(*amount)})
	}
	if strings.TrimSpace(*amount) == "" {
		fmt.Fprintln(c.errOut, "--amount is required")
		return 1
	}
	return c.call("ledger_deposit", map[string]string{"id": strings.TrimSpace(*id), "amount": strings.TrimSpace(*amount)})
}

func runToken(out, errOut io.Writer, args []string) int {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	secret := fs.String("secret", os.Getenv("ESCROW_AUTH_SECRET"), "HMAC secret shared with escrowd")
	subject := fs.String("sub", "", "account the token acts for")
	scope := fs.String("scope", "", "space separated scopes, e.g. admin")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	fs.Parse(args)
	if strings.TrimSpace(*secret) == "" || strings.TrimSpace(*subject) == "" {
		fmt.Fprintln(errOut, "--secret and --sub are required")
		return 1
	}
	token, err := rpc.IssueToken(*secret, strings.TrimSpace(*subject), *ttl, strings.Fields(*scope)...)
	if err != nil {
		fmt.Fprintf(errOut, "issue token: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, token)
	return 0
}

func parseDeadline(raw string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if d, err := time.ParseDuration(trimmed); err == nil {
		return now.Add(d).Unix(), nil
	}
	var ts int64
	if _, err := fmt.Sscanf(trimmed, "%d", &ts); err != nil || ts <= 0 {
		return 0, fmt.Errorf("%q is neither a duration nor a unix timestamp", raw)
	}
	return ts, nil
}

func (c *cli) call(method string, params interface{}) int {
	var list []interface{}
	if params != nil {
		list = []interface{}{params}
	}
	result, rpcErr, err := callRPC(c.rpcURL, c.auth, method, list)
	if err != nil {
		fmt.Fprintf(c.errOut, "RPC call failed: %v\n", err)
		return 1
	}
	if rpcErr != nil {
		printRPCError(c.errOut, rpcErr)
		return 1
	}
	if err := printJSON(c.out, result); err != nil {
		fmt.Fprintf(c.errOut, "print response: %v\n", err)
		return 1
	}
	return 0
}

func callRPC(rpcURL, authToken, method string, params []interface{}) (json.RawMessage, *rpcError, error) {
	if params == nil {
		params = []interface{}{}
	}
	reqBody := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: int(time.Now().UnixNano())}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, err
	}
	httpReq, err := http.NewRequest(http.MethodPost, rpcURL, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(authToken) != "" {
		httpReq.Header.Set("Authorization", "Bearer "+strings.TrimSpace(authToken))
	}
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, nil, fmt.Errorf("rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error, nil
	}
	return rpcResp.Result, nil, nil
}

func printRPCError(w io.Writer, err *rpcError) {
	if err == nil {
		return
	}
	fmt.Fprintf(w, "RPC error (%d): %s\n", err.Code, err.Message)
	if len(err.Data) > 0 && string(err.Data) != "null" {
		fmt.Fprintf(w, "Details: %s\n", strings.TrimSpace(string(err.Data)))
	}
}

func printJSON(w io.Writer, raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	_, err := fmt.Fprintln(w, buf.String())
	return err
}

func usage() string {
	return `escrowctl usage:
  escrowctl [--rpc URL] [--auth TOKEN] <command> [options]

Commands:
  create --seller S --buyer B --price P [--item TEXT] [--deadline 1h|UNIX]
  sign --id E --caller A           Activate a draft agreement as either party
  pay --id E --caller B --amount P Move the price from the buyer into escrow
  confirm --id E --caller B        Release held funds to the seller
  cancel --id E --caller A         Cancel and refund any held funds
  get --id E                       Show one agreement
  events --id E                    Show an agreement's audit log
  remaining --id E                 Seconds left before the deadline
  list                             Show every agreement
  balance [--account A]            Show one or all ledger balances
  fund --account A --amount X [--create]
  token --secret S --sub A [--scope admin] [--ttl 1h]
  demo                             Run the purchase walkthrough in-process
`
}
