// Package chain wraps the EVM-compatible escrow chain behind a typed client:
// finality-aware log fetching, contract submissions with a persistent nonce
// ledger, view calls, and receipt checks. All transport failures surface as
// ErrUnavailable so callers can distinguish "try later" from a real revert.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"parapay/chain/noncestore"
)

const defaultGasLimit = 300_000

// TxState summarises a submitted transaction's fate.
type TxState string

const (
	TxPending   TxState = "PENDING"
	TxSucceeded TxState = "SUCCEEDED"
	TxFailed    TxState = "FAILED"
)

// Config carries everything needed to talk to the escrow chain.
type Config struct {
	// RPCURLs is a failover-ordered endpoint list. The client sticks with
	// the first healthy endpoint and rotates on transport failures.
	RPCURLs       []string
	ContractAddr  string
	ChainID       int64
	FinalityDepth uint64
	GasLimit      uint64
	Key           *ecdsa.PrivateKey
	NonceLedger   *noncestore.Ledger
	Logger        *slog.Logger
}

type endpoint struct {
	url string
	rpc *rpc.Client
	eth *ethclient.Client
}

// Client is safe for concurrent use. Submissions are serialised internally so
// two goroutines can never race the signer nonce.
type Client struct {
	cfg      Config
	contract common.Address
	signerAt common.Address
	signer   gethtypes.Signer
	logger   *slog.Logger

	mu     sync.Mutex
	active int
	ep     *endpoint

	sendMu sync.Mutex
}

// New validates the configuration and returns a client. No connection is made
// until the first call so a briefly unreachable node does not block start-up.
func New(cfg Config) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, fmt.Errorf("chain: at least one rpc url required")
	}
	if !common.IsHexAddress(cfg.ContractAddr) {
		return nil, fmt.Errorf("chain: invalid contract address %q", cfg.ContractAddr)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("chain: signing key required")
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = defaultGasLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		contract: common.HexToAddress(cfg.ContractAddr),
		signerAt: ethcrypto.PubkeyToAddress(cfg.Key.PublicKey),
		signer:   gethtypes.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		logger:   cfg.Logger,
	}, nil
}

// SignerAddress returns the hot wallet address used for submissions.
func (c *Client) SignerAddress() common.Address { return c.signerAt }

// ContractAddress returns the escrow contract address, which doubles as the
// deposit address surfaced to buyers.
func (c *Client) ContractAddress() common.Address { return c.contract }

// Close tears down the active endpoint connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ep != nil {
		c.ep.rpc.Close()
		c.ep = nil
	}
}

func (c *Client) endpoint(ctx context.Context) (*endpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ep != nil {
		return c.ep, nil
	}
	var lastErr error
	for i := 0; i < len(c.cfg.RPCURLs); i++ {
		idx := (c.active + i) % len(c.cfg.RPCURLs)
		url := strings.TrimSpace(c.cfg.RPCURLs[idx])
		if url == "" {
			continue
		}
		rpcClient, err := rpc.DialContext(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		eth := ethclient.NewClient(rpcClient)
		chainID, err := eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			lastErr = err
			continue
		}
		if chainID.Int64() != c.cfg.ChainID {
			rpcClient.Close()
			lastErr = fmt.Errorf("endpoint %s reports chain id %s, want %d", url, chainID, c.cfg.ChainID)
			continue
		}
		c.active = idx
		c.ep = &endpoint{url: url, rpc: rpcClient, eth: eth}
		c.logger.Info("chain endpoint connected", "url", url, "chain_id", c.cfg.ChainID)
		return c.ep, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable endpoints")
	}
	return nil, fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// dropEndpoint discards the active connection so the next call rotates to the
// following URL in the failover list.
func (c *Client) dropEndpoint(failed *endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ep == failed && c.ep != nil {
		c.ep.rpc.Close()
		c.ep = nil
		c.active = (c.active + 1) % len(c.cfg.RPCURLs)
	}
}

// call runs fn against the active endpoint, rotating once on a transient
// transport failure.
func (c *Client) call(ctx context.Context, fn func(*endpoint) error) error {
	for attempt := 0; attempt < 2; attempt++ {
		ep, err := c.endpoint(ctx)
		if err != nil {
			return err
		}
		err = classify(fn(ep))
		if err == nil {
			return nil
		}
		if isTransient(err) && attempt == 0 {
			c.logger.Warn("chain endpoint failed, rotating", "url", ep.url, "error", err)
			c.dropEndpoint(ep)
			continue
		}
		return err
	}
	return fmt.Errorf("%w: all endpoints exhausted", ErrUnavailable)
}

// FinalizedBlock returns the newest block number considered final, i.e. the
// head minus the configured finality depth.
func (c *Client) FinalizedBlock(ctx context.Context) (uint64, error) {
	var head uint64
	err := c.call(ctx, func(ep *endpoint) error {
		n, err := ep.eth.BlockNumber(ctx)
		if err != nil {
			return err
		}
		head = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	if head < c.cfg.FinalityDepth {
		return 0, nil
	}
	return head - c.cfg.FinalityDepth, nil
}

// HeaderHashAt returns the hash of the block at the given height. Used by the
// ingestor to detect reorgs across restarts.
func (c *Client) HeaderHashAt(ctx context.Context, number uint64) (string, error) {
	var header struct {
		Hash common.Hash `json:"hash"`
	}
	err := c.call(ctx, func(ep *endpoint) error {
		raw := make(map[string]interface{})
		if err := ep.rpc.CallContext(ctx, &raw, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false); err != nil {
			return err
		}
		if raw == nil || raw["hash"] == nil {
			return fmt.Errorf("block %d unknown", number)
		}
		hash, ok := raw["hash"].(string)
		if !ok {
			return fmt.Errorf("block %d malformed hash", number)
		}
		header.Hash = common.HexToHash(hash)
		return nil
	})
	if err != nil {
		return "", err
	}
	return header.Hash.Hex(), nil
}

// Head returns the latest block number and its timestamp. The health probe
// uses the head's age to notice a stalled node before submissions start
// failing.
func (c *Client) Head(ctx context.Context) (uint64, time.Time, error) {
	var (
		number uint64
		at     time.Time
	)
	err := c.call(ctx, func(ep *endpoint) error {
		header, err := ep.eth.HeaderByNumber(ctx, nil)
		if err != nil {
			return err
		}
		number = header.Number.Uint64()
		at = time.Unix(int64(header.Time), 0).UTC()
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	return number, at, nil
}

// EscrowLogs fetches and decodes every escrow event in [from, to], ordered as
// the node returns them (block number, then log index).
func (c *Client) EscrowLogs(ctx context.Context, from, to uint64) ([]Event, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{escrowTopics},
	}
	var logs []gethtypes.Log
	err := c.call(ctx, func(ep *endpoint) error {
		out, err := ep.eth.FilterLogs(ctx, query)
		if err != nil {
			return err
		}
		logs = out
		return nil
	})
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		ev, ok, err := parseEscrowLog(log)
		if err != nil {
			c.logger.Warn("skipping undecodable escrow log",
				"block", log.BlockNumber, "index", log.Index, "error", err)
			continue
		}
		if !ok {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// PaymentState reads the contract's view of an escrow payment.
func (c *Client) PaymentState(ctx context.Context, paymentID uint64) (PaymentView, error) {
	data, err := escrowABI.Pack("payments", paymentID)
	if err != nil {
		return PaymentView{}, fmt.Errorf("chain: pack payments: %w", err)
	}
	var out []byte
	err = c.call(ctx, func(ep *endpoint) error {
		res, err := ep.eth.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: data}, nil)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return PaymentView{}, err
	}
	vals, err := escrowABI.Unpack("payments", out)
	if err != nil {
		return PaymentView{}, fmt.Errorf("chain: unpack payments: %w", err)
	}
	if len(vals) != 4 {
		return PaymentView{}, fmt.Errorf("chain: payments returned %d values", len(vals))
	}
	view := PaymentView{}
	var ok bool
	if view.Merchant, ok = vals[0].(common.Address); !ok {
		return PaymentView{}, fmt.Errorf("chain: payments merchant malformed")
	}
	if view.Amount, ok = vals[1].(*big.Int); !ok {
		return PaymentView{}, fmt.Errorf("chain: payments amount malformed")
	}
	if view.Deposited, ok = vals[2].(*big.Int); !ok {
		return PaymentView{}, fmt.Errorf("chain: payments deposited malformed")
	}
	state, ok := vals[3].(uint8)
	if !ok {
		return PaymentView{}, fmt.Errorf("chain: payments state malformed")
	}
	view.State = EscrowState(state)
	return view, nil
}

// TxStatus reports whether a submitted transaction is still pending, landed
// successfully, or reverted.
func (c *Client) TxStatus(ctx context.Context, txHash string) (TxState, error) {
	hash := common.HexToHash(txHash)
	var state TxState
	err := c.call(ctx, func(ep *endpoint) error {
		receipt, err := ep.eth.TransactionReceipt(ctx, hash)
		if errors.Is(err, ethereum.NotFound) {
			state = TxPending
			return nil
		}
		if err != nil {
			return err
		}
		if receipt.Status == gethtypes.ReceiptStatusSuccessful {
			state = TxSucceeded
		} else {
			state = TxFailed
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return state, nil
}

// CreatePayment submits createPayment(merchant, amount, feeBps) and returns
// the transaction hash. The payment id is assigned on chain and arrives with
// the PaymentCreated event.
func (c *Client) CreatePayment(ctx context.Context, merchant common.Address, amount *big.Int, feeBps uint32) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("chain: escrow amount must be positive")
	}
	return c.submit(ctx, "createPayment", merchant, amount, new(big.Int).SetUint64(uint64(feeBps)))
}

// Release submits release(paymentId).
func (c *Client) Release(ctx context.Context, paymentID uint64) (string, error) {
	return c.submit(ctx, "release", paymentID)
}

// Refund submits refund(paymentId).
func (c *Client) Refund(ctx context.Context, paymentID uint64) (string, error) {
	return c.submit(ctx, "refund", paymentID)
}

// Cancel submits cancel(paymentId).
func (c *Client) Cancel(ctx context.Context, paymentID uint64) (string, error) {
	return c.submit(ctx, "cancel", paymentID)
}

// SubmitPayout sends a native value transfer from the hot wallet. The
// reserved nonce is returned alongside the hash so the payout record can be
// matched to the broadcast transaction after a crash.
func (c *Client) SubmitPayout(ctx context.Context, to common.Address, amount *big.Int) (string, uint64, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", 0, fmt.Errorf("chain: payout amount must be positive")
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var (
		hash  string
		nonce uint64
	)
	err := c.call(ctx, func(ep *endpoint) error {
		n, err := c.reserveNonce(ctx, ep)
		if err != nil {
			return err
		}
		gasPrice, err := ep.eth.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		tx := gethtypes.NewTransaction(n, to, amount, 21_000, gasPrice, nil)
		signed, err := gethtypes.SignTx(tx, c.signer, c.cfg.Key)
		if err != nil {
			return err
		}
		if err := ep.eth.SendTransaction(ctx, signed); err != nil {
			return err
		}
		hash = signed.Hash().Hex()
		nonce = n
		return c.recordNonce(n + 1)
	})
	if err != nil {
		return "", 0, err
	}
	return hash, nonce, nil
}

func (c *Client) submit(ctx context.Context, method string, args ...interface{}) (string, error) {
	data, err := escrowABI.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("chain: pack %s: %w", method, err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var hash string
	err = c.call(ctx, func(ep *endpoint) error {
		nonce, err := c.reserveNonce(ctx, ep)
		if err != nil {
			return err
		}
		gasPrice, err := ep.eth.SuggestGasPrice(ctx)
		if err != nil {
			return err
		}
		tx := gethtypes.NewTransaction(nonce, c.contract, big.NewInt(0), c.cfg.GasLimit, gasPrice, data)
		signed, err := gethtypes.SignTx(tx, c.signer, c.cfg.Key)
		if err != nil {
			return err
		}
		if err := ep.eth.SendTransaction(ctx, signed); err != nil {
			return err
		}
		hash = signed.Hash().Hex()
		return c.recordNonce(nonce + 1)
	})
	if err != nil {
		return "", err
	}
	c.logger.Info("chain transaction submitted", "method", method, "tx", hash)
	return hash, nil
}

// reserveNonce takes the max of the node's pending nonce and the persisted
// floor, covering both a lagging node and a restarted process.
func (c *Client) reserveNonce(ctx context.Context, ep *endpoint) (uint64, error) {
	pending, err := ep.eth.PendingNonceAt(ctx, c.signerAt)
	if err != nil {
		return 0, err
	}
	if c.cfg.NonceLedger == nil {
		return pending, nil
	}
	floor, ok, err := c.cfg.NonceLedger.Floor(c.signerAt.Hex())
	if err != nil {
		return 0, err
	}
	if ok && floor > pending {
		return floor, nil
	}
	return pending, nil
}

func (c *Client) recordNonce(next uint64) error {
	if c.cfg.NonceLedger == nil {
		return nil
	}
	return c.cfg.NonceLedger.Record(c.signerAt.Hex(), next)
}
