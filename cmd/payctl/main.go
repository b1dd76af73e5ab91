// Command payctl is the operator CLI for the payment gateway. It drives the
// admin surface over HTTP (payout runs, webhook retries, reconcile review,
// job triggers) and carries local keystore tooling for the escrow signer.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

var adminEndpoint = defaultAdminEndpoint()
var adminToken = os.Getenv("PARAPAY_ADMIN_TOKEN")

func main() {
	args, err := applyGlobalFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	var code int
	switch args[0] {
	case "payout":
		code = runPayoutCommand(args[1:], os.Stdout, os.Stderr)
	case "webhook":
		code = runWebhookCommand(args[1:], os.Stdout, os.Stderr)
	case "recon":
		code = runReconCommand(args[1:], os.Stdout, os.Stderr)
	case "reconcile":
		code = runReconcileCommand(args[1:], os.Stdout, os.Stderr)
	case "key":
		code = runKeyCommand(args[1:], os.Stdout, os.Stderr)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", args[0])
		printUsage()
		code = 1
	}
	os.Exit(code)
}

func defaultAdminEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("PARAPAY_ADMIN_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:9090"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--admin" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --admin")
			}
			adminEndpoint = strings.TrimRight(args[i+1], "/")
			i++
			continue
		}
		if strings.HasPrefix(arg, "--admin=") {
			adminEndpoint = strings.TrimRight(strings.TrimPrefix(arg, "--admin="), "/")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func runPayoutCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "run" {
		fmt.Fprintln(stderr, "Usage: payctl payout run [merchant-id]")
		return 1
	}
	var body interface{}
	if len(args) >= 2 && strings.TrimSpace(args[1]) != "" {
		body = map[string]string{"merchant_id": strings.TrimSpace(args[1])}
	}
	result, err := callAdmin(http.MethodPost, "/admin/payouts/run", body)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var payload struct {
		Submitted int `json:"submitted"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		fmt.Fprintf(stderr, "decode response: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "payouts submitted: %d\n", payload.Submitted)
	return 0
}

func runWebhookCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 || args[0] != "retry" {
		fmt.Fprintln(stderr, "Usage: payctl webhook retry <event-id>")
		return 1
	}
	result, err := callAdmin(http.MethodPost, "/admin/webhooks/"+strings.TrimSpace(args[1])+"/retry", nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	printJSONResult(stdout, result)
	return 0
}

func runReconCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "export" {
		fmt.Fprintln(stderr, "Usage: payctl recon export")
		return 1
	}
	result, err := callAdmin(http.MethodPost, "/admin/jobs/recon-export/run", nil)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	var payload struct {
		Triggered bool `json:"triggered"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		fmt.Fprintf(stderr, "decode response: %v\n", err)
		return 1
	}
	if !payload.Triggered {
		fmt.Fprintln(stdout, "recon export already running, not retriggered")
		return 0
	}
	fmt.Fprintln(stdout, "recon export completed")
	return 0
}

func runReconcileCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: payctl reconcile <list|ack> ...")
		return 1
	}
	switch strings.ToLower(args[0]) {
	case "list":
		result, err := callAdmin(http.MethodGet, "/admin/intents/reconcile-required", nil)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		printJSONResult(stdout, result)
		return 0
	case "ack":
		if len(args) < 2 {
			fmt.Fprintln(stderr, "Usage: payctl reconcile ack <intent-id>")
			return 1
		}
		result, err := callAdmin(http.MethodPost, "/admin/intents/"+strings.TrimSpace(args[1])+"/reconcile-ack", nil)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		printJSONResult(stdout, result)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown reconcile subcommand %q\n", args[0])
		return 1
	}
}

// callAdmin issues one admin API request and unwraps the response envelope.
func callAdmin(method, path string, body interface{}) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, adminEndpoint+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token := strings.TrimSpace(adminToken)
	if token == "" {
		return nil, fmt.Errorf("admin calls require PARAPAY_ADMIN_TOKEN to be set")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, adminEndpoint+path, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("gateway returned status %d with unreadable body", resp.StatusCode)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("gateway error %s: %s", envelope.Error.Code, envelope.Error.Message)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return envelope.Data, nil
}

func printJSONResult(stdout io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(stdout, "No result.")
		return
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Fprintln(stdout, string(result))
		return
	}
	fmt.Fprintln(stdout, buf.String())
}

func printUsage() {
	fmt.Println("Usage: payctl [--admin <url>] <command> [arguments]")
	fmt.Println()
	fmt.Println("Admin commands authenticate with PARAPAY_ADMIN_TOKEN against the gateway")
	fmt.Println("admin listener (default http://localhost:9090, override with --admin or")
	fmt.Println("PARAPAY_ADMIN_URL).")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  payout run [merchant-id]     - Batch settled intents into payouts; with a")
	fmt.Println("                                 merchant ID, settle that merchant immediately")
	fmt.Println("  webhook retry <event-id>     - Re-arm a dead webhook event for delivery")
	fmt.Println("  recon export                 - Run the reconciliation report out of band")
	fmt.Println("  reconcile list               - List intents flagged for operator review")
	fmt.Println("  reconcile ack <intent-id>    - Clear an intent's reconcile flag")
	fmt.Println("  key import <hex-file> <out>  - Encrypt a raw hex signer key into a keystore")
}
