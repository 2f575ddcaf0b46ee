package chain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Topic hashes for the four contracts this adapter watches (spec.md §4.C).
// Each corresponds one-to-one with a bus event kind; Reader.translate maps a
// log's topic0 to its kind, and decodeLog ABI-decodes the log into that
// kind's JSON body before it is published to the bus.
var topicKinds = map[common.Hash]string{
	crypto.Keccak256Hash([]byte("CiphernodeAdded(address,uint32,uint32)")):             "CiphernodeAdded",
	crypto.Keccak256Hash([]byte("CiphernodeRemoved(address,uint32,uint32)")):           "CiphernodeRemoved",
	crypto.Keccak256Hash([]byte("TicketBalanceUpdated(address,int256,uint256)")):       "TicketBalanceUpdated",
	crypto.Keccak256Hash([]byte("OperatorActivationChanged(address,bool)")):            "OperatorActivationChanged",
	crypto.Keccak256Hash([]byte("ConfigurationUpdated(string,uint256)")):                "ConfigurationUpdated",
	crypto.Keccak256Hash([]byte("E3Requested(uint256,uint32,uint32,bytes32,bytes)")):   "E3Requested",
	crypto.Keccak256Hash([]byte("CommitteeFinalized(uint256,address[])")):              "CommitteeFinalized",
	crypto.Keccak256Hash([]byte("CiphertextOutputPublished(uint256,bytes)")):           "CiphertextOutputPublished",
}

// watchedTopics is topicKinds' key set, used to build the FilterQuery.
func watchedTopics() []common.Hash {
	out := make([]common.Hash, 0, len(topicKinds))
	for t := range topicKinds {
		out = append(out, t)
	}
	return out
}
