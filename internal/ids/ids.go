// Package ids defines the typed identifiers shared across the ciphernode
// runtime: chain ids, E3 ids, operator addresses, event ids and party ids.
package ids

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ChainID partitions all node, E3 and committee state.
type ChainID uint64

func (c ChainID) String() string {
	return fmt.Sprintf("chain-%d", uint64(c))
}

// E3ID identifies one threshold-FHE computation, unique per chain.
type E3ID uint64

func (e E3ID) String() string {
	return fmt.Sprintf("e3-%d", uint64(e))
}

// Address is an operator's blockchain address (20 bytes).
type Address = common.Address

// EventID is the 32-byte content hash of an event body.
type EventID = common.Hash

// PartyID is a committee member's 0-based slot in the threshold scheme.
type PartyID uint32

// ChainE3 is the composite key under which E3 requests, committees and
// keyshare state are namespaced.
type ChainE3 struct {
	Chain ChainID
	E3    E3ID
}

func (k ChainE3) String() string {
	return fmt.Sprintf("%d/%d", uint64(k.Chain), uint64(k.E3))
}
