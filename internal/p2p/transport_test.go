package p2p

import (
	"bytes"
	"crypto/ed25519"
	"encoding/gob"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/enclave-xyz/ciphernode/internal/ids"
)

func TestTopicNamePerChain(t *testing.T) {
	require.Equal(t, "enclave/1/events", topicName(ids.ChainID(1)))
	require.Equal(t, "enclave/7/events", topicName(ids.ChainID(7)))
}

func TestSignedPayloadDeterministic(t *testing.T) {
	a := signedPayload(1, "TicketGenerated", []byte("body"))
	b := signedPayload(1, "TicketGenerated", []byte("body"))
	require.Equal(t, a, b)

	c := signedPayload(1, "TicketGenerated", []byte("other"))
	require.NotEqual(t, a, c)

	d := signedPayload(2, "TicketGenerated", []byte("body"))
	require.NotEqual(t, a, d)
}

// TestEnvelopeSignVerifyRoundTrip exercises the same sign/encode/decode/
// verify path handleOutbound and receiveLoop use, without standing up a
// libp2p host: it is the deterministic, fast-to-verify part of the
// transport. A full two-host gossipsub integration test is left to manual
// / end-to-end testing, since gossipsub mesh formation between two
// in-process hosts is inherently timing-dependent.
func TestEnvelopeSignVerifyRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := signedPayload(9, "PublicKeyAggregated", []byte(`{"E3ID":9}`))
	sig := ed25519.Sign(priv, payload)

	env := envelope{
		ChainID:   9,
		Kind:      "PublicKeyAggregated",
		Body:      []byte(`{"E3ID":9}`),
		PubKey:    append([]byte{}, pub...),
		Signature: sig,
	}

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(env))

	var decoded envelope
	require.NoError(t, gob.NewDecoder(bytes.NewReader(buf.Bytes())).Decode(&decoded))

	reconstructed := signedPayload(decoded.ChainID, decoded.Kind, decoded.Body)
	require.True(t, ed25519.Verify(ed25519.PublicKey(decoded.PubKey), reconstructed, decoded.Signature))
}

func TestEnvelopeVerifyRejectsTamperedBody(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := signedPayload(1, "TicketGenerated", []byte("original"))
	sig := ed25519.Sign(priv, payload)

	tampered := signedPayload(1, "TicketGenerated", []byte("tampered"))
	require.False(t, ed25519.Verify(pub, tampered, sig))
}

func TestEnvelopeVerifyRejectsWrongKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	payload := signedPayload(1, "TicketGenerated", []byte("body"))
	sig := ed25519.Sign(priv, payload)

	require.False(t, ed25519.Verify(otherPub, payload, sig))
}
