package bus

import (
	"encoding/gob"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/enclave-xyz/ciphernode/internal/ids"
)

// Scope controls whether an event is gossiped to peers in addition to local
// delivery (spec.md §4.D: events published with a "network" scope).
type Scope int

const (
	ScopeLocal Scope = iota
	ScopeNetwork
)

// Event is the bus's universal payload: a chain id, a kind discriminator,
// an opaque body, and a content-addressed id computed from the chain id,
// kind and body (the scope is not part of the id).
type Event struct {
	ChainID ids.ChainID
	Kind    string
	Body    []byte
	Scope   Scope
	id      ids.EventID
	hasID   bool
}

// ID returns the event's content-addressed id, computing it on first call.
// Two events with equal ChainID, Kind and Body always produce the same id
// (spec.md §8 property 1), which is the basis of bus deduplication.
func (e *Event) ID() ids.EventID {
	if !e.hasID {
		e.id = computeID(e.ChainID, e.Kind, e.Body)
		e.hasID = true
	}
	return e.id
}

func computeID(chainID ids.ChainID, kind string, body []byte) ids.EventID {
	buf := make([]byte, 0, 8+len(kind)+len(body))
	var chainBytes [8]byte
	c := uint64(chainID)
	for i := 0; i < 8; i++ {
		chainBytes[7-i] = byte(c)
		c >>= 8
	}
	buf = append(buf, chainBytes[:]...)
	buf = append(buf, []byte(kind)...)
	buf = append(buf, body...)
	return crypto.Keccak256Hash(buf)
}

// NewEvent constructs an Event and eagerly computes its id.
func NewEvent(chainID ids.ChainID, kind string, body []byte, scope Scope) *Event {
	e := &Event{ChainID: chainID, Kind: kind, Body: body, Scope: scope}
	e.ID()
	return e
}

// storedEvent is the gob-encoded form persisted to /bus/history/<seq>.
type storedEvent struct {
	ChainID uint64
	Kind    string
	Body    []byte
	Scope   Scope
	ID      ids.EventID
}

func init() {
	gob.Register(storedEvent{})
}

func toStored(e *Event) storedEvent {
	return storedEvent{
		ChainID: uint64(e.ChainID),
		Kind:    e.Kind,
		Body:    e.Body,
		Scope:   e.Scope,
		ID:      e.ID(),
	}
}

func fromStored(s storedEvent) *Event {
	e := &Event{
		ChainID: ids.ChainID(s.ChainID),
		Kind:    s.Kind,
		Body:    s.Body,
		Scope:   s.Scope,
		id:      s.ID,
		hasID:   true,
	}
	return e
}
