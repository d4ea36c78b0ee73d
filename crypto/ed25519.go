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
	"crypto/ed25519"
	"crypto/rand"

	"github.com/pkg/errors"
)

type ed25519Public struct{ k ed25519.PublicKey }

func (p *ed25519Public) Type() KeyType { return Ed25519 }
func (p *ed25519Public) Raw() []byte   { return append([]byte(nil), p.k...) }

func (p *ed25519Public) Verify(data, sig []byte) (bool, error) {
	return ed25519.Verify(p.k, data, sig), nil
}

type ed25519Pair struct {
	sk  ed25519.PrivateKey
	pub *ed25519Public
}

func generateEd25519() (KeyPair, error) {
	pub, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "ed25519.GenerateKey")
	}
	return &ed25519Pair{sk: sk, pub: &ed25519Public{pub}}, nil
}

func unmarshalEd25519Private(b []byte) (KeyPair, error) {
	var sk ed25519.PrivateKey
	switch len(b) {
	case ed25519.SeedSize:
		sk = ed25519.NewKeyFromSeed(b)
	case ed25519.PrivateKeySize:
		sk = ed25519.PrivateKey(append([]byte(nil), b...))
	default:
		return nil, errors.Wrapf(ErrInvalidKey, "ed25519 secret of %d bytes", len(b))
	}
	return &ed25519Pair{sk: sk, pub: &ed25519Public{sk.Public().(ed25519.PublicKey)}}, nil
}

func unmarshalEd25519Public(b []byte) (PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, errors.Wrapf(ErrInvalidKey, "ed25519 public key of %d bytes", len(b))
	}
	return &ed25519Public{ed25519.PublicKey(append([]byte(nil), b...))}, nil
}

func (k *ed25519Pair) Type() KeyType { return Ed25519 }

func (k *ed25519Pair) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(k.sk, data), nil
}

func (k *ed25519Pair) Verify(data, sig []byte) (bool, error) { return k.pub.Verify(data, sig) }
func (k *ed25519Pair) Public() PublicKey                     { return k.pub }
func (k *ed25519Pair) PublicMaterial() []byte                { return MarshalPublicKey(k.pub) }
func (k *ed25519Pair) Secret() []byte                        { return append([]byte(nil), k.sk.Seed()...) }
