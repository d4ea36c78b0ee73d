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

// Package plaintext authenticates a channel without encrypting it: each side
// signs a nonce chosen by the other. Meant for tests and links that are
// already private.
package plaintext

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/xtaci/upmux/channel"
	"github.com/xtaci/upmux/crypto"
)

// ID is the protocol id of this handshake.
const ID = "/plaintext/1.0.0"

const nonceSize = 32

// Upgrader exchanges signed identities in the clear.
type Upgrader struct {
	Key crypto.KeyPair
}

// New returns an Upgrader proving the identity of key.
func New(key crypto.KeyPair) *Upgrader {
	return &Upgrader{Key: key}
}

func (u *Upgrader) ID() string { return ID }

// Upgrade authenticates in. in is closed on failure.
func (u *Upgrader) Upgrade(ctx context.Context, in channel.Basic) (channel.Secure, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := in.SetDeadline(deadline); err == nil {
			defer in.SetDeadline(time.Time{})
		}
	}
	remote, err := u.exchange(in)
	if err != nil {
		in.Close()
		return nil, err
	}
	return channel.NewSecure(in, channel.Identity{LocalKey: u.Key, RemotePublicKey: remote})
}

func (u *Upgrader) exchange(rw channel.Basic) (crypto.PublicKey, error) {
	local := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, local); err != nil {
		return nil, errors.WithStack(err)
	}
	remoteNonce := make([]byte, nonceSize)

	initiator := rw.Direction() == channel.Outbound
	if initiator {
		if _, err := rw.Write(local); err != nil {
			return nil, errors.Wrap(err, "send nonce")
		}
	}
	if _, err := io.ReadFull(rw, remoteNonce); err != nil {
		return nil, errors.Wrap(err, "receive nonce")
	}
	if !initiator {
		if _, err := rw.Write(local); err != nil {
			return nil, errors.Wrap(err, "send nonce")
		}
	}

	proof, err := u.proof(remoteNonce)
	if err != nil {
		return nil, err
	}
	var remoteProof []byte
	if initiator {
		if err = writeBlock(rw, proof); err == nil {
			remoteProof, err = readBlock(rw)
		}
	} else {
		if remoteProof, err = readBlock(rw); err == nil {
			err = writeBlock(rw, proof)
		}
	}
	if err != nil {
		return nil, errors.Wrap(err, "exchange proof")
	}
	return verify(remoteProof, local)
}

// proof is |2B key length|key|signature over nonce|.
func (u *Upgrader) proof(nonce []byte) ([]byte, error) {
	sig, err := u.Key.Sign(nonce)
	if err != nil {
		return nil, errors.Wrap(err, "sign nonce")
	}
	key := u.Key.PublicMaterial()
	out := make([]byte, 2, 2+len(key)+len(sig))
	binary.BigEndian.PutUint16(out, uint16(len(key)))
	out = append(out, key...)
	return append(out, sig...), nil
}

func verify(proof, nonce []byte) (crypto.PublicKey, error) {
	if len(proof) < 2 {
		return nil, errors.New("plaintext: short proof")
	}
	n := int(binary.BigEndian.Uint16(proof))
	if len(proof) < 2+n {
		return nil, errors.New("plaintext: truncated key")
	}
	pk, err := crypto.UnmarshalPublicKey(proof[2 : 2+n])
	if err != nil {
		return nil, err
	}
	ok, err := pk.Verify(nonce, proof[2+n:])
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.New("plaintext: nonce signature mismatch")
	}
	return pk, nil
}

func writeBlock(w io.Writer, b []byte) error {
	buf := make([]byte, 2+len(b))
	binary.BigEndian.PutUint16(buf, uint16(len(b)))
	copy(buf[2:], b)
	_, err := w.Write(buf)
	return err
}

func readBlock(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	_, err := io.ReadFull(r, buf)
	return buf, err
}
