package chain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"parapay/chain/noncestore"
)

const (
	testChainID      = 8888
	testContractAddr = "0x00000000000000000000000000000000000000e5"
)

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      json.RawMessage   `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// newChainStub serves a minimal JSON-RPC endpoint. eth_chainId is answered
// automatically; everything else goes through the handler.
func newChainStub(t *testing.T, handler func(method string, params []json.RawMessage) (interface{}, *rpcError)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": json.RawMessage(req.ID)}
		if req.Method == "eth_chainId" {
			resp["result"] = hexutil.EncodeUint64(testChainID)
		} else if result, rpcErr := handler(req.Method, req.Params); rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode rpc response: %v", err)
		}
	}))
}

func newTestClient(t *testing.T, urls []string, ledger *noncestore.Ledger) *Client {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	c, err := New(Config{
		RPCURLs:       urls,
		ContractAddr:  testContractAddr,
		ChainID:       testChainID,
		FinalityDepth: 12,
		Key:           key,
		NonceLedger:   ledger,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func decodeRawTx(t *testing.T, params []json.RawMessage) *gethtypes.Transaction {
	t.Helper()
	var rawHex string
	if err := json.Unmarshal(params[0], &rawHex); err != nil {
		t.Fatalf("decode raw tx param: %v", err)
	}
	raw, err := hexutil.Decode(rawHex)
	if err != nil {
		t.Fatalf("decode raw tx hex: %v", err)
	}
	tx := new(gethtypes.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		t.Fatalf("unmarshal tx: %v", err)
	}
	return tx
}

func TestFinalizedBlockAppliesDepth(t *testing.T) {
	head := uint64(100)
	srv := newChainStub(t, func(method string, _ []json.RawMessage) (interface{}, *rpcError) {
		if method == "eth_blockNumber" {
			return hexutil.EncodeUint64(head), nil
		}
		return nil, &rpcError{Code: -32601, Message: "unexpected " + method}
	})
	defer srv.Close()

	c := newTestClient(t, []string{srv.URL}, nil)
	got, err := c.FinalizedBlock(context.Background())
	if err != nil {
		t.Fatalf("finalized: %v", err)
	}
	if got != 88 {
		t.Fatalf("expected 88, got %d", got)
	}

	head = 5 // below the finality depth
	got, err = c.FinalizedBlock(context.Background())
	if err != nil || got != 0 {
		t.Fatalf("expected 0 for shallow chain, got %d %v", got, err)
	}
}

func TestEscrowLogsDecode(t *testing.T) {
	created, err := escrowABI.Events["PaymentCreated"].Inputs.NonIndexed().Pack(
		big.NewInt(2_000_000), big.NewInt(250))
	if err != nil {
		t.Fatalf("pack created data: %v", err)
	}
	deposited, err := escrowABI.Events["Deposited"].Inputs.NonIndexed().Pack(big.NewInt(2_000_000))
	if err != nil {
		t.Fatalf("pack deposited data: %v", err)
	}
	merchant := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	payer := common.HexToAddress("0x00000000000000000000000000000000000000bb")

	logEntry := func(topic0 common.Hash, indexed common.Address, data []byte, idx uint64) map[string]interface{} {
		return map[string]interface{}{
			"address":          testContractAddr,
			"topics":           []string{topic0.Hex(), hexutil.Encode(common.BigToHash(big.NewInt(7)).Bytes()), common.BytesToHash(indexed.Bytes()).Hex()},
			"data":             hexutil.Encode(data),
			"blockNumber":      "0x10",
			"transactionHash":  common.BytesToHash([]byte{0x12}).Hex(),
			"transactionIndex": "0x0",
			"blockHash":        common.BytesToHash([]byte{0x34}).Hex(),
			"logIndex":         hexutil.EncodeUint64(idx),
			"removed":          false,
		}
	}

	srv := newChainStub(t, func(method string, _ []json.RawMessage) (interface{}, *rpcError) {
		if method == "eth_getLogs" {
			return []map[string]interface{}{
				logEntry(topicPaymentCreated, merchant, created, 0),
				logEntry(topicDeposited, payer, deposited, 1),
			}, nil
		}
		return nil, &rpcError{Code: -32601, Message: "unexpected " + method}
	})
	defer srv.Close()

	c := newTestClient(t, []string{srv.URL}, nil)
	events, err := c.EscrowLogs(context.Background(), 1, 20)
	if err != nil {
		t.Fatalf("escrow logs: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	first := events[0]
	if first.Kind != EventPaymentCreated || first.PaymentID != 7 || first.Merchant != merchant {
		t.Fatalf("bad created event %+v", first)
	}
	if first.Amount.Int64() != 2_000_000 || first.FeeBps.Int64() != 250 {
		t.Fatalf("bad created values %+v", first)
	}
	second := events[1]
	if second.Kind != EventDeposited || second.From != payer || second.Amount.Int64() != 2_000_000 {
		t.Fatalf("bad deposit event %+v", second)
	}
	if second.BlockNumber != 16 || second.LogIndex != 1 {
		t.Fatalf("bad chain position %+v", second)
	}
}

func TestPaymentStateView(t *testing.T) {
	merchant := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	packed, err := escrowABI.Methods["payments"].Outputs.Pack(
		merchant, big.NewInt(500), big.NewInt(500), uint8(EscrowFunded))
	if err != nil {
		t.Fatalf("pack view output: %v", err)
	}
	srv := newChainStub(t, func(method string, _ []json.RawMessage) (interface{}, *rpcError) {
		if method == "eth_call" {
			return hexutil.Encode(packed), nil
		}
		return nil, &rpcError{Code: -32601, Message: "unexpected " + method}
	})
	defer srv.Close()

	c := newTestClient(t, []string{srv.URL}, nil)
	view, err := c.PaymentState(context.Background(), 7)
	if err != nil {
		t.Fatalf("payment state: %v", err)
	}
	if view.Merchant != merchant || view.Amount.Int64() != 500 || view.State != EscrowFunded {
		t.Fatalf("bad view %+v", view)
	}
}

func TestSubmitUsesLedgerFloorAndSigns(t *testing.T) {
	ledger, err := noncestore.Open(filepath.Join(t.TempDir(), "nonces"))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer ledger.Close()

	var sent *gethtypes.Transaction
	srv := newChainStub(t, func(method string, params []json.RawMessage) (interface{}, *rpcError) {
		switch method {
		case "eth_getTransactionCount":
			return "0x2", nil
		case "eth_gasPrice":
			return "0x3b9aca00", nil
		case "eth_sendRawTransaction":
			sent = decodeRawTx(t, params)
			return sent.Hash().Hex(), nil
		}
		return nil, &rpcError{Code: -32601, Message: "unexpected " + method}
	})
	defer srv.Close()

	c := newTestClient(t, []string{srv.URL}, ledger)
	if err := ledger.Record(c.SignerAddress().Hex(), 5); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}

	hash, err := c.Release(context.Background(), 7)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if sent == nil || hash != sent.Hash().Hex() {
		t.Fatalf("hash mismatch: %s", hash)
	}
	// Persisted floor (5) wins over the node's pending nonce (2).
	if sent.Nonce() != 5 {
		t.Fatalf("expected nonce 5, got %d", sent.Nonce())
	}
	if sent.To() == nil || *sent.To() != common.HexToAddress(testContractAddr) {
		t.Fatalf("wrong destination %v", sent.To())
	}
	wantSelector := escrowABI.Methods["release"].ID
	if len(sent.Data()) < 4 || string(sent.Data()[:4]) != string(wantSelector) {
		t.Fatalf("wrong selector %x", sent.Data()[:4])
	}
	floor, ok, err := ledger.Floor(c.SignerAddress().Hex())
	if err != nil || !ok || floor != 6 {
		t.Fatalf("floor not advanced: %d %v %v", floor, ok, err)
	}
}

func TestCreatePaymentPacksArguments(t *testing.T) {
	var sent *gethtypes.Transaction
	srv := newChainStub(t, func(method string, params []json.RawMessage) (interface{}, *rpcError) {
		switch method {
		case "eth_getTransactionCount":
			return "0x0", nil
		case "eth_gasPrice":
			return "0x3b9aca00", nil
		case "eth_sendRawTransaction":
			sent = decodeRawTx(t, params)
			return sent.Hash().Hex(), nil
		}
		return nil, &rpcError{Code: -32601, Message: "unexpected " + method}
	})
	defer srv.Close()

	c := newTestClient(t, []string{srv.URL}, nil)
	merchant := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	amount := new(big.Int).Mul(big.NewInt(20), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))

	if _, err := c.CreatePayment(context.Background(), merchant, amount, 250); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	vals, err := escrowABI.Methods["createPayment"].Inputs.Unpack(sent.Data()[4:])
	if err != nil {
		t.Fatalf("unpack args: %v", err)
	}
	if vals[0].(common.Address) != merchant {
		t.Fatalf("wrong merchant %v", vals[0])
	}
	if vals[1].(*big.Int).Cmp(amount) != 0 {
		t.Fatalf("wrong amount %v", vals[1])
	}
	if vals[2].(*big.Int).Int64() != 250 {
		t.Fatalf("wrong fee bps %v", vals[2])
	}
}

func TestTxStatusStates(t *testing.T) {
	bloom := "0x" + strings.Repeat("0", 512)
	receipt := map[string]interface{}{}
	srv := newChainStub(t, func(method string, _ []json.RawMessage) (interface{}, *rpcError) {
		if method == "eth_getTransactionReceipt" {
			if len(receipt) == 0 {
				return nil, nil
			}
			return receipt, nil
		}
		return nil, &rpcError{Code: -32601, Message: "unexpected " + method}
	})
	defer srv.Close()

	c := newTestClient(t, []string{srv.URL}, nil)
	txHash := common.BytesToHash([]byte{0x99}).Hex()

	state, err := c.TxStatus(context.Background(), txHash)
	if err != nil || state != TxPending {
		t.Fatalf("expected pending, got %s %v", state, err)
	}

	receipt = map[string]interface{}{
		"status": "0x1", "cumulativeGasUsed": "0x5208", "gasUsed": "0x5208",
		"logsBloom": bloom, "logs": []interface{}{}, "type": "0x0",
		"transactionHash": txHash, "transactionIndex": "0x0",
		"blockHash": common.BytesToHash([]byte{0x34}).Hex(), "blockNumber": "0x10",
	}
	state, err = c.TxStatus(context.Background(), txHash)
	if err != nil || state != TxSucceeded {
		t.Fatalf("expected succeeded, got %s %v", state, err)
	}

	receipt["status"] = "0x0"
	state, err = c.TxStatus(context.Background(), txHash)
	if err != nil || state != TxFailed {
		t.Fatalf("expected failed, got %s %v", state, err)
	}
}

func TestFailoverRotatesToNextEndpoint(t *testing.T) {
	srv := newChainStub(t, func(method string, _ []json.RawMessage) (interface{}, *rpcError) {
		if method == "eth_blockNumber" {
			return "0x64", nil
		}
		return nil, &rpcError{Code: -32601, Message: "unexpected " + method}
	})
	defer srv.Close()

	// First endpoint refuses connections; dial must move on to the second.
	c := newTestClient(t, []string{"http://127.0.0.1:1", srv.URL}, nil)
	got, err := c.FinalizedBlock(context.Background())
	if err != nil {
		t.Fatalf("finalized with failover: %v", err)
	}
	if got != 88 {
		t.Fatalf("expected 88, got %d", got)
	}
}

func TestRevertBecomesTypedError(t *testing.T) {
	srv := newChainStub(t, func(method string, _ []json.RawMessage) (interface{}, *rpcError) {
		if method == "eth_call" {
			return nil, &rpcError{Code: 3, Message: "execution reverted: payment not funded"}
		}
		return nil, &rpcError{Code: -32601, Message: "unexpected " + method}
	})
	defer srv.Close()

	c := newTestClient(t, []string{srv.URL}, nil)
	_, err := c.PaymentState(context.Background(), 404)
	var revert *RevertError
	if !errors.As(err, &revert) {
		t.Fatalf("expected revert error, got %v", err)
	}
	if revert.Reason != "payment not funded" {
		t.Fatalf("unexpected reason %q", revert.Reason)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("revert must not classify as unavailable")
	}
}

func TestHeaderHashAt(t *testing.T) {
	blockHash := common.BytesToHash([]byte{0x77})
	srv := newChainStub(t, func(method string, params []json.RawMessage) (interface{}, *rpcError) {
		if method == "eth_getBlockByNumber" {
			var number string
			_ = json.Unmarshal(params[0], &number)
			if number == "0x10" {
				return map[string]interface{}{"hash": blockHash.Hex()}, nil
			}
			return nil, nil
		}
		return nil, &rpcError{Code: -32601, Message: "unexpected " + method}
	})
	defer srv.Close()

	c := newTestClient(t, []string{srv.URL}, nil)
	hash, err := c.HeaderHashAt(context.Background(), 16)
	if err != nil {
		t.Fatalf("header hash: %v", err)
	}
	if hash != blockHash.Hex() {
		t.Fatalf("unexpected hash %s", hash)
	}
	if _, err := c.HeaderHashAt(context.Background(), 999); err == nil {
		t.Fatalf("expected unknown block error")
	}
}
