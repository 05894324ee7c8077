package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"pongrelay/internal/relay"
)

const relayABIJSON = `[
  {"type":"event","name":"RequestRaised","anonymous":false,"inputs":[]},
  {"type":"event","name":"ResponseRecorded","anonymous":false,"inputs":[
    {"name":"payloadId","type":"bytes32","indexed":false}
  ]},
  {"type":"function","name":"request","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"respond","stateMutability":"nonpayable","inputs":[
    {"name":"payloadId","type":"bytes32"}
  ],"outputs":[]}
]`

var (
	RequestRaisedTopic    = crypto.Keccak256Hash([]byte("RequestRaised()"))
	ResponseRecordedTopic = crypto.Keccak256Hash([]byte("ResponseRecorded(bytes32)"))
)

func parseRelayABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(relayABIJSON))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("relay abi parse: %w", err)
	}
	return parsed, nil
}

func requestQuery(contract common.Address) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{RequestRaisedTopic}},
	}
}

func responseQuery(contract common.Address) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{ResponseRecordedTopic}},
	}
}

// DecodeRequestLog turns a RequestRaised log into the event it announces.
// The event id is the hash of the emitting transaction.
func DecodeRequestLog(vLog types.Log) (relay.Event, error) {
	if len(vLog.Topics) < 1 || vLog.Topics[0] != RequestRaisedTopic {
		return relay.Event{}, fmt.Errorf("not a RequestRaised log (topics=%d)", len(vLog.Topics))
	}
	if vLog.TxHash == (common.Hash{}) {
		return relay.Event{}, fmt.Errorf("RequestRaised log without tx hash at block %d", vLog.BlockNumber)
	}
	return relay.Event{
		ID:          vLog.TxHash,
		BlockNumber: vLog.BlockNumber,
		LogIndex:    vLog.Index,
	}, nil
}

// DecodeResponsePayload reads the payload id of a ResponseRecorded log.
//
// topics:
// 0: event sig
// data:
// 0: payloadId (bytes32, not indexed)
func DecodeResponsePayload(vLog types.Log) (common.Hash, error) {
	if len(vLog.Topics) < 1 || vLog.Topics[0] != ResponseRecordedTopic {
		return common.Hash{}, fmt.Errorf("not a ResponseRecorded log (topics=%d)", len(vLog.Topics))
	}
	if len(vLog.Data) < 32 {
		return common.Hash{}, fmt.Errorf("unexpected data len=%d", len(vLog.Data))
	}
	return common.BytesToHash(vLog.Data[:32]), nil
}
