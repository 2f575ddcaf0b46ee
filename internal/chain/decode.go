package chain

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event argument lists for the four contracts' emitted events. None of
// these events index any argument, so every field decodes out of the
// log's Data blob via plain ABI unpacking — the same mechanism abigen's
// generated UnpackLog uses under the hood.
var (
	argsAddrU32U32  = mustArgs("address", "uint32", "uint32")
	argsAddrI256U256 = mustArgs("address", "int256", "uint256")
	argsAddrBool    = mustArgs("address", "bool")
	argsStringU256  = mustArgs("string", "uint256")
	argsE3Requested = mustArgs("uint256", "uint32", "uint32", "bytes32", "bytes")
	argsCommittee   = mustArgs("uint256", "address[]")
	argsCiphertext  = mustArgs("uint256", "bytes")
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("chain: bad abi type %q: %v", t, err))
	}
	return typ
}

func mustArgs(types ...string) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		args[i] = abi.Argument{Type: mustType(t)}
	}
	return args
}

// decodeLog ABI-decodes l.Data for kind and marshals it into the JSON
// shape every downstream actor (nodestate, sortition, aggregator) expects
// — exported Go field names, no json tags, matching this runtime's event
// body convention throughout.
func decodeLog(kind string, l types.Log) ([]byte, error) {
	switch kind {
	case "CiphernodeAdded", "CiphernodeRemoved":
		vals, err := argsAddrU32U32.Unpack(l.Data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Operator string
			Index    uint32
			NumNodes uint32
		}{
			Operator: vals[0].(common.Address).Hex(),
			Index:    vals[1].(uint32),
			NumNodes: vals[2].(uint32),
		})

	case "TicketBalanceUpdated":
		vals, err := argsAddrI256U256.Unpack(l.Data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Operator   string
			Delta      string
			NewBalance string
		}{
			Operator:   vals[0].(common.Address).Hex(),
			Delta:      vals[1].(*big.Int).String(),
			NewBalance: vals[2].(*big.Int).String(),
		})

	case "OperatorActivationChanged":
		vals, err := argsAddrBool.Unpack(l.Data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Operator string
			Active   bool
		}{
			Operator: vals[0].(common.Address).Hex(),
			Active:   vals[1].(bool),
		})

	case "ConfigurationUpdated":
		vals, err := argsStringU256.Unpack(l.Data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			Parameter string
			New       string
		}{
			Parameter: vals[0].(string),
			New:       vals[1].(*big.Int).String(),
		})

	case "E3Requested":
		vals, err := argsE3Requested.Unpack(l.Data)
		if err != nil {
			return nil, err
		}
		seed := vals[3].([32]byte)
		return json.Marshal(struct {
			E3ID   uint64
			M      uint32
			N      uint32
			Seed   string
			Params json.RawMessage
		}{
			E3ID:   vals[0].(*big.Int).Uint64(),
			M:      vals[1].(uint32),
			N:      vals[2].(uint32),
			Seed:   common.Bytes2Hex(seed[:]),
			Params: vals[4].([]byte),
		})

	case "CommitteeFinalized":
		vals, err := argsCommittee.Unpack(l.Data)
		if err != nil {
			return nil, err
		}
		addrs := vals[1].([]common.Address)
		committee := make([]string, len(addrs))
		for i, a := range addrs {
			committee[i] = a.Hex()
		}
		return json.Marshal(struct {
			E3ID      uint64
			Committee []string
		}{
			E3ID:      vals[0].(*big.Int).Uint64(),
			Committee: committee,
		})

	case "CiphertextOutputPublished":
		vals, err := argsCiphertext.Unpack(l.Data)
		if err != nil {
			return nil, err
		}
		return json.Marshal(struct {
			E3ID       uint64
			Ciphertext []byte
		}{
			E3ID:       vals[0].(*big.Int).Uint64(),
			Ciphertext: vals[1].([]byte),
		})

	default:
		return nil, fmt.Errorf("chain: no decoder for event kind %q", kind)
	}
}
