package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// escrowABIJSON describes the escrow contract surface the gateway consumes:
// four mutating calls, one view, and the five lifecycle events.
const escrowABIJSON = `[
  {"type":"function","name":"createPayment","stateMutability":"nonpayable","inputs":[{"name":"merchant","type":"address"},{"name":"amount","type":"uint256"},{"name":"feeBps","type":"uint256"}],"outputs":[{"name":"paymentId","type":"uint64"}]},
  {"type":"function","name":"release","stateMutability":"nonpayable","inputs":[{"name":"paymentId","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"paymentId","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"cancel","stateMutability":"nonpayable","inputs":[{"name":"paymentId","type":"uint64"}],"outputs":[]},
  {"type":"function","name":"payments","stateMutability":"view","inputs":[{"name":"paymentId","type":"uint64"}],"outputs":[{"name":"merchant","type":"address"},{"name":"amount","type":"uint256"},{"name":"deposited","type":"uint256"},{"name":"state","type":"uint8"}]},
  {"type":"event","name":"PaymentCreated","anonymous":false,"inputs":[{"name":"paymentId","type":"uint64","indexed":true},{"name":"merchant","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"feeBps","type":"uint256","indexed":false}]},
  {"type":"event","name":"Deposited","anonymous":false,"inputs":[{"name":"paymentId","type":"uint64","indexed":true},{"name":"from","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentReleased","anonymous":false,"inputs":[{"name":"paymentId","type":"uint64","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"fee","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentRefunded","anonymous":false,"inputs":[{"name":"paymentId","type":"uint64","indexed":true},{"name":"to","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"PaymentCanceled","anonymous":false,"inputs":[{"name":"paymentId","type":"uint64","indexed":true}]}
]`

var escrowABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(escrowABIJSON))
	if err != nil {
		panic(fmt.Sprintf("chain: parse escrow abi: %v", err))
	}
	return parsed
}()

// EventKind names an escrow lifecycle event.
type EventKind string

const (
	EventPaymentCreated  EventKind = "PaymentCreated"
	EventDeposited       EventKind = "Deposited"
	EventPaymentReleased EventKind = "PaymentReleased"
	EventPaymentRefunded EventKind = "PaymentRefunded"
	EventPaymentCanceled EventKind = "PaymentCanceled"
)

var (
	topicPaymentCreated  = escrowABI.Events["PaymentCreated"].ID
	topicDeposited       = escrowABI.Events["Deposited"].ID
	topicPaymentReleased = escrowABI.Events["PaymentReleased"].ID
	topicPaymentRefunded = escrowABI.Events["PaymentRefunded"].ID
	topicPaymentCanceled = escrowABI.Events["PaymentCanceled"].ID
)

// escrowTopics lists every event signature the ingestor subscribes to.
var escrowTopics = []common.Hash{
	topicPaymentCreated,
	topicDeposited,
	topicPaymentReleased,
	topicPaymentRefunded,
	topicPaymentCanceled,
}

// Event is a decoded escrow contract log together with its chain position.
// Which value fields are populated depends on the kind: Merchant and FeeBps
// for creations, From for deposits, To and Fee for releases and refunds.
type Event struct {
	Kind      EventKind
	PaymentID uint64

	Merchant common.Address
	From     common.Address
	To       common.Address
	Amount   *big.Int
	Fee      *big.Int
	FeeBps   *big.Int

	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
	LogIndex    uint
}

// parseEscrowLog decodes a raw log into an Event. Logs emitted by other
// contracts or with unknown signatures are reported as not ours.
func parseEscrowLog(log gethtypes.Log) (Event, bool, error) {
	if len(log.Topics) == 0 {
		return Event{}, false, nil
	}
	ev := Event{
		BlockNumber: log.BlockNumber,
		BlockHash:   log.BlockHash,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}
	switch log.Topics[0] {
	case topicPaymentCreated:
		if len(log.Topics) < 3 {
			return Event{}, false, fmt.Errorf("chain: PaymentCreated log missing topics")
		}
		ev.Kind = EventPaymentCreated
		ev.PaymentID = paymentIDFromTopic(log.Topics[1])
		ev.Merchant = common.BytesToAddress(log.Topics[2].Bytes())
		vals, err := escrowABI.Events["PaymentCreated"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return Event{}, false, fmt.Errorf("chain: unpack PaymentCreated: %w", err)
		}
		ev.Amount = vals[0].(*big.Int)
		ev.FeeBps = vals[1].(*big.Int)
	case topicDeposited:
		if len(log.Topics) < 3 {
			return Event{}, false, fmt.Errorf("chain: Deposited log missing topics")
		}
		ev.Kind = EventDeposited
		ev.PaymentID = paymentIDFromTopic(log.Topics[1])
		ev.From = common.BytesToAddress(log.Topics[2].Bytes())
		vals, err := escrowABI.Events["Deposited"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return Event{}, false, fmt.Errorf("chain: unpack Deposited: %w", err)
		}
		ev.Amount = vals[0].(*big.Int)
	case topicPaymentReleased:
		if len(log.Topics) < 3 {
			return Event{}, false, fmt.Errorf("chain: PaymentReleased log missing topics")
		}
		ev.Kind = EventPaymentReleased
		ev.PaymentID = paymentIDFromTopic(log.Topics[1])
		ev.To = common.BytesToAddress(log.Topics[2].Bytes())
		vals, err := escrowABI.Events["PaymentReleased"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return Event{}, false, fmt.Errorf("chain: unpack PaymentReleased: %w", err)
		}
		ev.Amount = vals[0].(*big.Int)
		ev.Fee = vals[1].(*big.Int)
	case topicPaymentRefunded:
		if len(log.Topics) < 3 {
			return Event{}, false, fmt.Errorf("chain: PaymentRefunded log missing topics")
		}
		ev.Kind = EventPaymentRefunded
		ev.PaymentID = paymentIDFromTopic(log.Topics[1])
		ev.To = common.BytesToAddress(log.Topics[2].Bytes())
		vals, err := escrowABI.Events["PaymentRefunded"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return Event{}, false, fmt.Errorf("chain: unpack PaymentRefunded: %w", err)
		}
		ev.Amount = vals[0].(*big.Int)
	case topicPaymentCanceled:
		if len(log.Topics) < 2 {
			return Event{}, false, fmt.Errorf("chain: PaymentCanceled log missing topics")
		}
		ev.Kind = EventPaymentCanceled
		ev.PaymentID = paymentIDFromTopic(log.Topics[1])
	default:
		return Event{}, false, nil
	}
	return ev, true, nil
}

func paymentIDFromTopic(topic common.Hash) uint64 {
	return new(big.Int).SetBytes(topic.Bytes()).Uint64()
}

// EscrowState mirrors the contract's payment state enum.
type EscrowState uint8

const (
	EscrowNone EscrowState = iota
	EscrowCreated
	EscrowFunded
	EscrowReleased
	EscrowRefunded
	EscrowCanceled
)

// String renders the state for logs and reconciliation reports.
func (s EscrowState) String() string {
	switch s {
	case EscrowNone:
		return "none"
	case EscrowCreated:
		return "created"
	case EscrowFunded:
		return "funded"
	case EscrowReleased:
		return "released"
	case EscrowRefunded:
		return "refunded"
	case EscrowCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// PaymentView is the decoded result of the payments(uint64) view call.
type PaymentView struct {
	Merchant  common.Address
	Amount    *big.Int
	Deposited *big.Int
	State     EscrowState
}
