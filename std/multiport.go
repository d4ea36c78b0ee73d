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

package std

import (
	"math/rand/v2"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var multiPortMatcher = regexp.MustCompile(`^(.*):([0-9]{1,5})(?:-([0-9]{1,5}))?$`)

// MultiPort is a host with an inclusive port range, written host:min-max.
type MultiPort struct {
	Host    string
	MinPort uint64
	MaxPort uint64
}

// ParseMultiPort parses host:port or host:minport-maxport. A bracketed IPv6
// host is stored without its brackets.
func ParseMultiPort(addr string) (*MultiPort, error) {
	matches := multiPortMatcher.FindStringSubmatch(addr)
	if matches == nil {
		return nil, errors.Errorf("malformed address:%v", addr)
	}

	minPort, err := strconv.Atoi(matches[2])
	if err != nil {
		return nil, err
	}
	maxPort := minPort
	if matches[3] != "" {
		if maxPort, err = strconv.Atoi(matches[3]); err != nil {
			return nil, err
		}
	}
	if minPort > maxPort || maxPort > 65535 || minPort == 0 {
		return nil, errors.Errorf("invalid port range specified: minport:%v -> maxport %v", minPort, maxPort)
	}

	return &MultiPort{
		Host:    strings.TrimSuffix(strings.TrimPrefix(matches[1], "["), "]"),
		MinPort: uint64(minPort),
		MaxPort: uint64(maxPort),
	}, nil
}

// Addr is host:port for one port of the range.
func (mp *MultiPort) Addr(port uint64) string {
	return net.JoinHostPort(mp.Host, strconv.FormatUint(port, 10))
}

// Addrs lists every address in the range, lowest port first.
func (mp *MultiPort) Addrs() []string {
	addrs := make([]string, 0, mp.MaxPort-mp.MinPort+1)
	for port := mp.MinPort; port <= mp.MaxPort; port++ {
		addrs = append(addrs, mp.Addr(port))
	}
	return addrs
}

// Random picks one address of the range uniformly, so dialers spread their
// connections over every port.
func (mp *MultiPort) Random() string {
	return mp.Addr(mp.MinPort + rand.Uint64N(mp.MaxPort-mp.MinPort+1))
}
