// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package crypto

import (
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/pkg/errors"

	sha256 "github.com/minio/sha256-simd"
)

type secp256k1Public struct{ k *secp256k1.PublicKey }

func (p *secp256k1Public) Type() KeyType { return Secp256k1 }
func (p *secp256k1Public) Raw() []byte   { return p.k.SerializeCompressed() }

// Verify checks a DER encoded ECDSA signature over sha256(data).
func (p *secp256k1Public) Verify(data, sig []byte) (bool, error) {
	s, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, errors.Wrap(ErrSignature, err.Error())
	}
	digest := sha256.Sum256(data)
	return s.Verify(digest[:], p.k), nil
}

type secp256k1Pair struct {
	sk  *secp256k1.PrivateKey
	pub *secp256k1Public
}

func generateSecp256k1() (KeyPair, error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "secp256k1.GeneratePrivateKey")
	}
	return &secp256k1Pair{sk: sk, pub: &secp256k1Public{sk.PubKey()}}, nil
}

func unmarshalSecp256k1Private(b []byte) (KeyPair, error) {
	if len(b) != secp256k1.PrivKeyBytesLen {
		return nil, errors.Wrapf(ErrInvalidKey, "secp256k1 secret of %d bytes", len(b))
	}
	sk := secp256k1.PrivKeyFromBytes(b)
	return &secp256k1Pair{sk: sk, pub: &secp256k1Public{sk.PubKey()}}, nil
}

func unmarshalSecp256k1Public(b []byte) (PublicKey, error) {
	k, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidKey, err.Error())
	}
	return &secp256k1Public{k}, nil
}

func (k *secp256k1Pair) Type() KeyType { return Secp256k1 }

func (k *secp256k1Pair) Sign(data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return ecdsa.Sign(k.sk, digest[:]).Serialize(), nil
}

func (k *secp256k1Pair) Verify(data, sig []byte) (bool, error) { return k.pub.Verify(data, sig) }
func (k *secp256k1Pair) Public() PublicKey                     { return k.pub }
func (k *secp256k1Pair) PublicMaterial() []byte                { return MarshalPublicKey(k.pub) }
func (k *secp256k1Pair) Secret() []byte                        { return k.sk.Serialize() }
