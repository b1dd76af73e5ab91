package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// withAdmin points the CLI globals at a test server for the duration of t.
func withAdmin(t *testing.T, handler http.Handler) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	origEndpoint, origToken := adminEndpoint, adminToken
	adminEndpoint = srv.URL
	adminToken = "test-operator-token"
	t.Cleanup(func() {
		adminEndpoint = origEndpoint
		adminToken = origToken
	})
}

func envelopeOK(t *testing.T, w http.ResponseWriter, data interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	}); err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
}

func TestPayoutRunCommand(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody []byte
	withAdmin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		envelopeOK(t, w, map[string]int{"submitted": 3})
	}))

	var stdout, stderr bytes.Buffer
	if code := runPayoutCommand([]string{"run", "m1"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr %q", code, stderr.String())
	}
	if gotPath != "/admin/payouts/run" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotAuth != "Bearer test-operator-token" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if !strings.Contains(string(gotBody), `"merchant_id":"m1"`) {
		t.Fatalf("body = %s", gotBody)
	}
	if !strings.Contains(stdout.String(), "payouts submitted: 3") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestAdminErrorSurfaced(t *testing.T) {
	withAdmin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error": map[string]string{
				"code":    "PAYMENT_INTENT_NOT_FOUND",
				"message": "webhook event not found",
			},
		})
	}))

	var stdout, stderr bytes.Buffer
	if code := runWebhookCommand([]string{"retry", "we_missing"}, &stdout, &stderr); code != 1 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(stderr.String(), "PAYMENT_INTENT_NOT_FOUND") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestReconExportCommand(t *testing.T) {
	var gotPath string
	withAdmin(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		envelopeOK(t, w, map[string]bool{"triggered": true})
	}))

	var stdout, stderr bytes.Buffer
	if code := runReconCommand([]string{"export"}, &stdout, &stderr); code != 0 {
		t.Fatalf("exit code %d, stderr %q", code, stderr.String())
	}
	if gotPath != "/admin/jobs/recon-export/run" {
		t.Fatalf("path = %q", gotPath)
	}
	if !strings.Contains(stdout.String(), "recon export completed") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestCommandUsageErrors(t *testing.T) {
	cases := []struct {
		name string
		run  func([]string, *bytes.Buffer, *bytes.Buffer) int
		args []string
	}{
		{"payout no subcommand", func(a []string, o, e *bytes.Buffer) int { return runPayoutCommand(a, o, e) }, nil},
		{"webhook missing id", func(a []string, o, e *bytes.Buffer) int { return runWebhookCommand(a, o, e) }, []string{"retry"}},
		{"reconcile unknown", func(a []string, o, e *bytes.Buffer) int { return runReconcileCommand(a, o, e) }, []string{"defrag"}},
		{"key missing args", func(a []string, o, e *bytes.Buffer) int { return runKeyCommand(a, o, e) }, []string{"import", "only-one"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := tc.run(tc.args, &stdout, &stderr); code != 1 {
				t.Fatalf("exit code %d, want 1", code)
			}
			if stderr.Len() == 0 {
				t.Fatal("expected usage output on stderr")
			}
		})
	}
}

func TestGlobalAdminFlag(t *testing.T) {
	args, err := applyGlobalFlags([]string{"--admin", "http://ops.internal:9090/", "payout", "run"})
	if err != nil {
		t.Fatalf("applyGlobalFlags: %v", err)
	}
	if adminEndpoint != "http://ops.internal:9090" {
		t.Fatalf("adminEndpoint = %q", adminEndpoint)
	}
	if len(args) != 2 || args[0] != "payout" {
		t.Fatalf("remaining args = %v", args)
	}
}

func TestImportKeyRoundTrip(t *testing.T) {
	origN, origP := scryptN, scryptP
	scryptN, scryptP = keystore.LightScryptN, keystore.LightScryptP
	t.Cleanup(func() { scryptN, scryptP = origN, origP })
	t.Setenv(passphraseEnv, "test passphrase")

	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	dir := t.TempDir()
	hexPath := filepath.Join(dir, "signer.hex")
	material := "0x" + hex.EncodeToString(ethcrypto.FromECDSA(priv))
	if err := os.WriteFile(hexPath, []byte(material), 0o600); err != nil {
		t.Fatalf("write hex: %v", err)
	}
	outPath := filepath.Join(dir, "signer.keystore")

	var stdout bytes.Buffer
	if err := importKey(hexPath, outPath, &stdout); err != nil {
		t.Fatalf("importKey: %v", err)
	}
	if !strings.Contains(stdout.String(), "Wrote keystore") {
		t.Fatalf("stdout = %q", stdout.String())
	}

	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read keystore: %v", err)
	}
	decrypted, err := keystore.DecryptKey(raw, "test passphrase")
	if err != nil {
		t.Fatalf("decrypt keystore: %v", err)
	}
	want := ethcrypto.PubkeyToAddress(priv.PublicKey)
	if decrypted.Address != want {
		t.Fatalf("address = %s, want %s", decrypted.Address.Hex(), want.Hex())
	}

	// A second import must refuse to clobber the keystore.
	if err := importKey(hexPath, outPath, &stdout); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected already-exists error, got %v", err)
	}
}
