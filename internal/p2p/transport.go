// Package p2p implements the gossip overlay of spec.md §4.D: every event
// published to the local bus with network scope is signed with this node's
// long-lived network key and gossiped to peers over one topic per chain;
// received messages are signature-verified and re-injected into the local
// bus, where content-addressed dedup prevents rebroadcast loops.
package p2p

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/gob"
	"fmt"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/luxfi/log"

	"github.com/enclave-xyz/ciphernode/internal/bus"
	"github.com/enclave-xyz/ciphernode/internal/ids"
)

// envelope is the wire form gossiped over a chain's topic. PubKey is the
// sender's long-lived network public key, embedded so a recipient that has
// never exchanged keys out of band can still verify the signature; this
// authenticates "a consistent sender identity across messages" rather than
// "a registered operator", since spec.md defines no on-chain binding from
// network key to operator address.
type envelope struct {
	ChainID   uint64
	Kind      string
	Body      []byte
	PubKey    []byte
	Signature []byte
}

func init() {
	gob.Register(envelope{})
}

func signedPayload(chainID uint64, kind string, body []byte) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(struct {
		ChainID uint64
		Kind    string
		Body    []byte
	}{chainID, kind, body})
	return buf.Bytes()
}

// Transport is one libp2p host joined to one gossipsub topic per chain this
// node participates in.
type Transport struct {
	log    log.Logger
	host   host.Host
	ps     *pubsub.PubSub
	b      *bus.Bus
	key    ed25519.PrivateKey
	topics map[ids.ChainID]*pubsub.Topic
}

// New creates a libp2p host listening on listenAddr, dials bootstrapPeers,
// and joins no topics yet (Join does that per chain). signKey is this
// node's ed25519 network key, parsed at bootstrap from the secrets file's
// network_private_key.
func New(ctx context.Context, listenAddr string, bootstrapPeers []string, signKey ed25519.PrivateKey, b *bus.Bus, logger log.Logger) (*Transport, error) {
	h, err := libp2p.New(libp2p.ListenAddrStrings(listenAddr))
	if err != nil {
		return nil, fmt.Errorf("p2p: create host: %w", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("p2p: create gossipsub: %w", err)
	}
	t := &Transport{
		log:    logger,
		host:   h,
		ps:     ps,
		b:      b,
		key:    signKey,
		topics: make(map[ids.ChainID]*pubsub.Topic),
	}
	for _, addr := range bootstrapPeers {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			logger.Error("p2p: invalid bootstrap peer", "addr", addr, "err", err)
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			logger.Error("p2p: dial bootstrap peer failed", "addr", addr, "err", err)
		}
	}
	return t, nil
}

func topicName(chainID ids.ChainID) string {
	return fmt.Sprintf("enclave/%d/events", uint64(chainID))
}

// Join subscribes this node to chainID's gossip topic: outbound events
// published to the local bus with network scope are gossiped on it, and
// inbound messages are re-injected into the local bus.
func (t *Transport) Join(ctx context.Context, chainID ids.ChainID) error {
	topic, err := t.ps.Join(topicName(chainID))
	if err != nil {
		return fmt.Errorf("p2p: join topic for chain %d: %w", uint64(chainID), err)
	}
	t.topics[chainID] = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("p2p: subscribe topic for chain %d: %w", uint64(chainID), err)
	}
	go t.receiveLoop(ctx, sub)

	t.b.SubscribeAll(ctx, func(e *bus.Event) bool {
		return e.ChainID == chainID && e.Scope == bus.ScopeNetwork
	}, t.handleOutbound)
	return nil
}

func (t *Transport) handleOutbound(ctx context.Context, e *bus.Event) {
	topic, ok := t.topics[e.ChainID]
	if !ok {
		return
	}
	payload := signedPayload(uint64(e.ChainID), e.Kind, e.Body)
	sig := ed25519.Sign(t.key, payload)
	env := envelope{
		ChainID:   uint64(e.ChainID),
		Kind:      e.Kind,
		Body:      e.Body,
		PubKey:    append([]byte{}, t.key.Public().(ed25519.PublicKey)...),
		Signature: sig,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		t.log.Error("p2p: encode envelope failed", "err", err)
		return
	}
	if err := topic.Publish(ctx, buf.Bytes()); err != nil {
		t.log.Error("p2p: publish failed", "kind", e.Kind, "err", err)
	}
}

func (t *Transport) receiveLoop(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // ctx cancelled or subscription torn down
		}
		if msg.ReceivedFrom == t.host.ID() {
			continue // gossipsub already suppresses this, but be explicit
		}
		var env envelope
		if err := gob.NewDecoder(bytes.NewReader(msg.Data)).Decode(&env); err != nil {
			continue // malformed message, drop silently
		}
		if len(env.PubKey) != ed25519.PublicKeySize || len(env.Signature) != ed25519.SignatureSize {
			continue
		}
		payload := signedPayload(env.ChainID, env.Kind, env.Body)
		if !ed25519.Verify(ed25519.PublicKey(env.PubKey), payload, env.Signature) {
			continue // signature failure: drop silently (spec.md §4.D)
		}
		e := bus.NewEvent(ids.ChainID(env.ChainID), env.Kind, env.Body, bus.ScopeNetwork)
		if _, err := t.b.Publish(e); err != nil {
			t.log.Error("p2p: republish to local bus failed", "kind", env.Kind, "err", err)
		}
	}
}

// Close tears down the libp2p host.
func (t *Transport) Close() error {
	return t.host.Close()
}
