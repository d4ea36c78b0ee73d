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

// Package noise secures a channel with a Noise XX handshake. Each side's
// static Diffie-Hellman key is bound to its long-term identity by a signature
// carried in the handshake payload.
package noise

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"io"
	"time"

	"github.com/flynn/noise"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/xtaci/upmux/channel"
	"github.com/xtaci/upmux/crypto"
)

// ID is the protocol id of this handshake.
const ID = "/noise/xx/1.0.0"

const payloadSigPrefix = "upmux-noise-static-key:"

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// Upgrader performs the handshake as initiator on outbound channels and as
// responder on inbound ones.
type Upgrader struct {
	Key crypto.KeyPair
}

// New returns an Upgrader proving the identity of key.
func New(key crypto.KeyPair) *Upgrader {
	return &Upgrader{Key: key}
}

func (u *Upgrader) ID() string { return ID }

// Upgrade runs the three handshake messages over in and returns the encrypted
// channel. in is closed on failure.
func (u *Upgrader) Upgrade(ctx context.Context, in channel.Basic) (channel.Secure, error) {
	sc, err := u.upgrade(ctx, in)
	if err != nil {
		in.Close()
		return nil, err
	}
	return sc, nil
}

func (u *Upgrader) upgrade(ctx context.Context, in channel.Basic) (channel.Secure, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := in.SetDeadline(deadline); err == nil {
			defer in.SetDeadline(time.Time{})
		}
	}

	static, err := cipherSuite.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generate static key")
	}
	initiator := in.Direction() == channel.Outbound
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, errors.Wrap(err, "handshake state")
	}

	payload, err := u.payload(static.Public)
	if err != nil {
		return nil, err
	}

	var send, recv *noise.CipherState
	var remotePayload []byte
	if initiator {
		send, recv, remotePayload, err = initiatorHandshake(in, hs, payload)
	} else {
		send, recv, remotePayload, err = responderHandshake(in, hs, payload)
	}
	if err != nil {
		return nil, err
	}

	remoteKey, err := verifyPayload(remotePayload, hs.PeerStatic())
	if err != nil {
		return nil, err
	}

	zap.L().Named("noise").Debug("handshake complete",
		zap.Bool("initiator", initiator),
		zap.String("remote", string(crypto.PeerIDFromPublicKey(remoteKey))))

	return channel.NewSecure(newConn(in, send, recv), channel.Identity{
		LocalKey:        u.Key,
		RemotePublicKey: remoteKey,
	})
}

// payload is |2B key length|key|signature over prefix+static|.
func (u *Upgrader) payload(static []byte) ([]byte, error) {
	sig, err := u.Key.Sign(append([]byte(payloadSigPrefix), static...))
	if err != nil {
		return nil, errors.Wrap(err, "sign static key")
	}
	key := u.Key.PublicMaterial()
	out := make([]byte, 2, 2+len(key)+len(sig))
	binary.BigEndian.PutUint16(out, uint16(len(key)))
	out = append(out, key...)
	return append(out, sig...), nil
}

func verifyPayload(payload, remoteStatic []byte) (crypto.PublicKey, error) {
	if len(payload) < 2 {
		return nil, errors.New("noise: short handshake payload")
	}
	n := int(binary.BigEndian.Uint16(payload))
	if len(payload) < 2+n {
		return nil, errors.New("noise: truncated identity key")
	}
	pk, err := crypto.UnmarshalPublicKey(payload[2 : 2+n])
	if err != nil {
		return nil, errors.Wrap(err, "remote identity key")
	}
	ok, err := pk.Verify(append([]byte(payloadSigPrefix), remoteStatic...), payload[2+n:])
	if err != nil {
		return nil, errors.Wrap(err, "verify remote identity")
	}
	if !ok {
		return nil, errors.New("noise: static key not signed by remote identity")
	}
	return pk, nil
}

func initiatorHandshake(rw io.ReadWriter, hs *noise.HandshakeState, payload []byte) (send, recv *noise.CipherState, remote []byte, err error) {
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "write message 1")
	}
	if err = writeFrame(rw, msg); err != nil {
		return nil, nil, nil, errors.Wrap(err, "send message 1")
	}

	if msg, err = readFrame(rw); err != nil {
		return nil, nil, nil, errors.Wrap(err, "receive message 2")
	}
	if remote, _, _, err = hs.ReadMessage(nil, msg); err != nil {
		return nil, nil, nil, errors.Wrap(err, "read message 2")
	}

	msg, cs1, cs2, err := hs.WriteMessage(nil, payload)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "write message 3")
	}
	if err = writeFrame(rw, msg); err != nil {
		return nil, nil, nil, errors.Wrap(err, "send message 3")
	}
	return cs1, cs2, remote, nil
}

func responderHandshake(rw io.ReadWriter, hs *noise.HandshakeState, payload []byte) (send, recv *noise.CipherState, remote []byte, err error) {
	msg, err := readFrame(rw)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "receive message 1")
	}
	if _, _, _, err = hs.ReadMessage(nil, msg); err != nil {
		return nil, nil, nil, errors.Wrap(err, "read message 1")
	}

	if msg, _, _, err = hs.WriteMessage(nil, payload); err != nil {
		return nil, nil, nil, errors.Wrap(err, "write message 2")
	}
	if err = writeFrame(rw, msg); err != nil {
		return nil, nil, nil, errors.Wrap(err, "send message 2")
	}

	if msg, err = readFrame(rw); err != nil {
		return nil, nil, nil, errors.Wrap(err, "receive message 3")
	}
	remote, cs1, cs2, err := hs.ReadMessage(nil, msg)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "read message 3")
	}
	return cs2, cs1, remote, nil
}

func writeFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(buf, uint16(len(data)))
	copy(buf[2:], data)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	buf := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
