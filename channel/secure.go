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

package channel

import (
	"github.com/pkg/errors"

	"github.com/xtaci/upmux/crypto"
)

// ErrIdentity is returned by NewSecure for an identity that does not hold
// together.
var ErrIdentity = errors.New("channel: inconsistent identity")

// Identity is what a security handshake establishes about both ends.
type Identity struct {
	LocalKey        crypto.KeyPair
	RemotePublicKey crypto.PublicKey
}

type secureConn struct {
	Basic
	localKey   crypto.KeyPair
	localPeer  crypto.PeerID
	remoteKey  crypto.PublicKey
	remotePeer crypto.PeerID
}

// NewSecure binds an authenticated identity to an (already encrypted, if the
// protocol encrypts) channel. Peer ids are derived from the keys, never taken
// from the caller, so the remote peer always matches the key the handshake
// verified.
func NewSecure(b Basic, id Identity) (Secure, error) {
	if b == nil {
		return nil, errors.WithStack(ErrIdentity)
	}
	if id.LocalKey == nil || id.RemotePublicKey == nil {
		return nil, errors.Wrap(ErrIdentity, "missing key")
	}
	return &secureConn{
		Basic:      b,
		localKey:   id.LocalKey,
		localPeer:  crypto.PeerIDFromPublicKey(id.LocalKey.Public()),
		remoteKey:  id.RemotePublicKey,
		remotePeer: crypto.PeerIDFromPublicKey(id.RemotePublicKey),
	}, nil
}

func (s *secureConn) LocalPeer() crypto.PeerID          { return s.localPeer }
func (s *secureConn) LocalKey() crypto.KeyPair          { return s.localKey }
func (s *secureConn) RemotePeer() crypto.PeerID         { return s.remotePeer }
func (s *secureConn) RemotePublicKey() crypto.PublicKey { return s.remoteKey }
