// Package fhe wraps the multiparty BFV primitive spec.md §1 treats as an
// external collaborator: per-E3 secret/public key-share generation,
// aggregation, decryption-share generation, and plaintext aggregation.
// Grounded on lattigo's dbfv collective-key-generation and collective
// key-switching protocols (see DESIGN.md).
package fhe

import (
	"encoding/binary"
	"fmt"

	"github.com/ldsec/lattigo/v2/bfv"
	"github.com/ldsec/lattigo/v2/dbfv"
	"github.com/ldsec/lattigo/v2/drlwe"
	"github.com/ldsec/lattigo/v2/ring"
	"github.com/ldsec/lattigo/v2/rlwe"
	"github.com/ldsec/lattigo/v2/utils"

	"github.com/enclave-xyz/ciphernode/internal/ids"
)

// smudgingSigma is the noise parameter used by the collective
// key-switching protocols, matching the reference usage in lattigo's own
// multiparty examples.
const smudgingSigma = 3.19

// Params is a thin handle around a BFV parameter set, built at bootstrap
// from a chain's configured Literal.
type Params struct {
	bfv bfv.Parameters
}

// Literal mirrors the wire representation of the encryption parameters
// blob in an E3 request.
type Literal struct {
	LogN  int
	T     uint64
	LogQP []int
}

// NewParams builds a BFV parameter set from lattigo's PN14QP438 default
// with lit.T as the plaintext modulus; lit.LogN and lit.LogQP are not
// applied.
func NewParams(lit Literal) (*Params, error) {
	def := bfv.PN14QP438
	def.T = lit.T
	params, err := bfv.NewParametersFromLiteral(def)
	if err != nil {
		return nil, fmt.Errorf("fhe: build parameters: %w", err)
	}
	return &Params{bfv: params}, nil
}

// CommonRandomPoly derives the shared reference polynomial used by every
// committee member's key-share generation, from (e3id, seed): spec.md
// §4.I step 2 calls this "the common-random-polynomial derived from
// (e3_id, seed, params)". Every honest node derives the identical
// polynomial because the PRNG is keyed deterministically.
func (p *Params) CommonRandomPoly(e3id ids.E3ID, seed []byte) (*ring.Poly, error) {
	key := make([]byte, 8+len(seed))
	binary.BigEndian.PutUint64(key[:8], uint64(e3id))
	copy(key[8:], seed)

	prng, err := utils.NewKeyedPRNG(key)
	if err != nil {
		return nil, fmt.Errorf("fhe: derive crs prng: %w", err)
	}
	ringQP, err := ring.NewRing(1<<p.bfv.LogN(), append(p.bfv.Q(), p.bfv.P()...))
	if err != nil {
		return nil, fmt.Errorf("fhe: build crs ring: %w", err)
	}
	sampler := ring.NewUniformSampler(prng, ringQP)
	return sampler.ReadNew(), nil
}

// SecretKey is a committee member's private BFV share.
type SecretKey = rlwe.SecretKey

// GenerateSecretKey draws a fresh random secret polynomial (spec.md §4.I
// step 2).
func (p *Params) GenerateSecretKey() *SecretKey {
	return bfv.NewKeyGenerator(p.bfv).GenSecretKey()
}

// PubKeyShare is one committee member's contribution to the collective
// public key.
type PubKeyShare = drlwe.CKGShare

// PublicKeyShare computes this member's collective-key-generation share
// against the common random polynomial (spec.md §4.I step 2 / §4.J).
func (p *Params) PublicKeyShare(sk *SecretKey, crs *ring.Poly) *PubKeyShare {
	ckg := dbfv.NewCKGProtocol(p.bfv)
	share := ckg.AllocateShares()
	ckg.GenShare(sk, crs, share)
	return share
}

// AggregatePublicKey combines committee public-key shares (already ordered
// into committee order by the caller, per spec.md §4.J step 1) into the
// E3's aggregated BFV public key.
func (p *Params) AggregatePublicKey(shares []*PubKeyShare, crs *ring.Poly) (*rlwe.PublicKey, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("fhe: aggregate public key: no shares")
	}
	ckg := dbfv.NewCKGProtocol(p.bfv)
	combined := ckg.AllocateShares()
	for _, s := range shares {
		ckg.AggregateShares(s, combined, combined)
	}
	pk := rlwe.NewPublicKey(p.bfv.Parameters)
	ckg.GenPublicKey(combined, crs, pk)
	return pk, nil
}

// DecryptionShare is one committee member's contribution toward
// threshold-decrypting a ciphertext.
type DecryptionShare = drlwe.CKSShare

// Ciphertext is the homomorphic output published on-chain for
// decryption.
type Ciphertext = bfv.Ciphertext

// zeroSecretKey is the implicit "target" of the collective key-switch used
// to decrypt: switching a ciphertext from the collective secret key to the
// all-zero key yields (plaintext + smudging noise) directly decodable by
// the plaintext aggregator, without any single party ever holding the
// collective secret key.
func (p *Params) zeroSecretKey() *rlwe.SecretKey {
	sk := rlwe.NewSecretKey(p.bfv.Parameters)
	return sk
}

// DecryptionShare computes this member's decryption share for ct
// (spec.md §4.I step 2, on CiphertextOutputPublished).
func (p *Params) DecryptionShare(sk *SecretKey, ct *Ciphertext) *DecryptionShare {
	cks := dbfv.NewCKSProtocol(p.bfv, smudgingSigma)
	share := cks.AllocateShare()
	cks.GenShare(sk, p.zeroSecretKey(), ct, share)
	return share
}

// AggregatePlaintext combines decryption shares (ordered to committee
// order by the caller, per spec.md §4.K step 1) into the decoded
// plaintext.
func (p *Params) AggregatePlaintext(shares []*DecryptionShare, ct *Ciphertext) ([]uint64, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("fhe: aggregate plaintext: no shares")
	}
	cks := dbfv.NewCKSProtocol(p.bfv, smudgingSigma)
	combined := cks.AllocateShare()
	for _, s := range shares {
		cks.AggregateShares(s, combined, combined)
	}
	out := bfv.NewCiphertext(p.bfv, 1)
	cks.KeySwitch(combined, ct, out)

	encoder := bfv.NewEncoder(p.bfv)
	decryptor := bfv.NewDecryptor(p.bfv, p.zeroSecretKey())
	pt := bfv.NewPlaintext(p.bfv)
	decryptor.Decrypt(out, pt)
	return encoder.DecodeUintNew(pt), nil
}

// AllocatePublicKey returns a zero-valued public key sized for these
// parameters, ready to have wire bytes unmarshaled into it.
func (p *Params) AllocatePublicKey() *rlwe.PublicKey {
	return rlwe.NewPublicKey(p.bfv.Parameters)
}

// EncryptForTest encrypts values under the collective public key pk. It
// exists for tests exercising the decryption-share and aggregation flow
// without a live multiparty key-generation round.
func (p *Params) EncryptForTest(pk *rlwe.PublicKey, values []uint64) *Ciphertext {
	encoder := bfv.NewEncoder(p.bfv)
	pt := bfv.NewPlaintext(p.bfv)
	encoder.EncodeUint(values, pt)
	encryptor := bfv.NewEncryptorFromPk(p.bfv, pk)
	ct := bfv.NewCiphertext(p.bfv, 1)
	encryptor.Encrypt(pt, ct)
	return ct
}
