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

// Package tunnel holds what the client and server binaries share: the common
// part of their configuration, and the code that turns it into a transport,
// an upgrade pipeline and process-wide logging.
package tunnel

import (
	"encoding/json"
	"os"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/xtaci/upmux/crypto"
	"github.com/xtaci/upmux/std"
)

// maxSmuxVer guards against negotiating unsupported smux protocol versions.
const maxSmuxVer = 2

// Config is the configuration both ends of a tunnel must agree on, plus the
// process settings they both have.
type Config struct {
	Transport    string `json:"transport"`
	Key          string `json:"key"`
	Crypt        string `json:"crypt"`
	Mode         string `json:"mode"`
	MTU          int    `json:"mtu"`
	SndWnd       int    `json:"sndwnd"`
	RcvWnd       int    `json:"rcvwnd"`
	DataShard    int    `json:"datashard"`
	ParityShard  int    `json:"parityshard"`
	DSCP         int    `json:"dscp"`
	NoComp       bool   `json:"nocomp"`
	AckNodelay   bool   `json:"acknodelay"`
	NoDelay      int    `json:"nodelay"`
	Interval     int    `json:"interval"`
	Resend       int    `json:"resend"`
	NoCongestion int    `json:"nc"`
	SockBuf      int    `json:"sockbuf"`
	TCP          bool   `json:"tcp"`

	Security string `json:"security"`
	Identity string `json:"identity"`
	KeyType  string `json:"keytype"`

	Mux       string `json:"mux"`
	SmuxVer   int    `json:"smuxver"`
	SmuxBuf   int    `json:"smuxbuf"`
	StreamBuf int    `json:"streambuf"`
	FrameSize int    `json:"framesize"`
	KeepAlive int    `json:"keepalive"`
	QueueSize int    `json:"queuesize"`
	Backlog   int    `json:"backlog"`

	QPP       bool `json:"qpp"`
	QPPCount  int  `json:"qpp-count"`
	CloseWait int  `json:"closewait"`

	Log        string `json:"log"`
	LogLevel   string `json:"loglevel"`
	LogFormat  string `json:"logformat"`
	SnmpLog    string `json:"snmplog"`
	SnmpPeriod int    `json:"snmpperiod"`
	Pprof      bool   `json:"pprof"`
	Metrics    string `json:"metrics"`
	Quiet      bool   `json:"quiet"`
}

// Flags are the command line flags for every Config field.
func Flags() []cli.Flag {
	return []cli.Flag{
		cli.StringFlag{
			Name:  "transport",
			Value: "kcp",
			Usage: "kcp, tcp, ws",
		},
		cli.StringFlag{
			Name:   "key",
			Value:  "it's a secrect",
			Usage:  "pre-shared secret between client and server",
			EnvVar: "UPMUX_KEY",
		},
		cli.StringFlag{
			Name:  "crypt",
			Value: "aes",
			Usage: strings.Join(std.Ciphers(), ", "),
		},
		cli.StringFlag{
			Name:  "mode",
			Value: "fast",
			Usage: "profiles: fast3, fast2, fast, normal, manual",
		},
		cli.IntFlag{
			Name:  "mtu",
			Value: 1350,
			Usage: "set maximum transmission unit for UDP packets",
		},
		cli.IntFlag{
			Name:  "sndwnd",
			Value: 128,
			Usage: "set send window size(num of packets)",
		},
		cli.IntFlag{
			Name:  "rcvwnd",
			Value: 512,
			Usage: "set receive window size(num of packets)",
		},
		cli.IntFlag{
			Name:  "datashard,ds",
			Value: 10,
			Usage: "set reed-solomon erasure coding - datashard",
		},
		cli.IntFlag{
			Name:  "parityshard,ps",
			Value: 3,
			Usage: "set reed-solomon erasure coding - parityshard",
		},
		cli.IntFlag{
			Name:  "dscp",
			Value: 0,
			Usage: "set DSCP(6bit)",
		},
		cli.BoolFlag{
			Name:  "nocomp",
			Usage: "disable compression",
		},
		cli.BoolFlag{
			Name:   "acknodelay",
			Usage:  "flush ack immediately when a packet is received",
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "nodelay",
			Value:  0,
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "interval",
			Value:  50,
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "resend",
			Value:  0,
			Hidden: true,
		},
		cli.IntFlag{
			Name:   "nc",
			Value:  0,
			Hidden: true,
		},
		cli.IntFlag{
			Name:  "sockbuf",
			Value: 4194304, // default socket buffer size in bytes
			Usage: "per-socket buffer in bytes",
		},
		cli.BoolFlag{
			Name:  "tcp",
			Usage: "to emulate a TCP connection(linux)",
		},
		cli.StringFlag{
			Name:  "security",
			Value: "noise",
			Usage: "preferred handshake: noise, plaintext",
		},
		cli.StringFlag{
			Name:  "identity",
			Value: "",
			Usage: "identity key file, created on first use; empty for an ephemeral identity",
		},
		cli.StringFlag{
			Name:  "keytype",
			Value: "ed25519",
			Usage: "type of a newly generated identity: ed25519, secp256k1",
		},
		cli.StringFlag{
			Name:  "mux",
			Value: "smux",
			Usage: "stream multiplexer: frame, smux, yamux",
		},
		cli.IntFlag{
			Name:  "smuxver",
			Value: 2,
			Usage: "specify smux version, available 1,2",
		},
		cli.IntFlag{
			Name:  "smuxbuf",
			Value: 4194304,
			Usage: "the overall de-mux buffer in bytes",
		},
		cli.IntFlag{
			Name:  "streambuf",
			Value: 2097152,
			Usage: "per stream receive buffer in bytes, smux v2+",
		},
		cli.IntFlag{
			Name:  "framesize",
			Value: 8192,
			Usage: "smux max frame size",
		},
		cli.IntFlag{
			Name:  "keepalive",
			Value: 10, // NAT keepalive interval in seconds
			Usage: "seconds between heartbeats",
		},
		cli.IntFlag{
			Name:  "queuesize",
			Value: 64,
			Usage: "requests that may wait for a connection's stream owner",
		},
		cli.IntFlag{
			Name:  "backlog",
			Value: 256,
			Usage: "inbound streams kept before they are accepted",
		},
		cli.BoolFlag{
			Name:  "QPP",
			Usage: "enable Quantum Permutation Pads(QPP)",
		},
		cli.IntFlag{
			Name:  "QPPCount",
			Value: 61,
			Usage: "the prime number of pads to use for QPP: The more pads you use, the more secure the encryption. Each pad requires 256 bytes.",
		},
		cli.IntFlag{
			Name:  "closewait",
			Value: 0,
			Usage: "the seconds to wait before tearing down a connection",
		},
		cli.StringFlag{
			Name:  "log",
			Value: "",
			Usage: "specify a log file to output, default goes to stderr",
		},
		cli.StringFlag{
			Name:  "loglevel",
			Value: "info",
			Usage: "debug, info, warn, error",
		},
		cli.StringFlag{
			Name:  "logformat",
			Value: "console",
			Usage: "console, json",
		},
		cli.StringFlag{
			Name:  "snmplog",
			Value: "",
			Usage: "collect snmp to file, aware of timeformat in golang, like: ./snmp-20060102.log",
		},
		cli.IntFlag{
			Name:  "snmpperiod",
			Value: 60,
			Usage: "snmp collect period, in seconds",
		},
		cli.BoolFlag{
			Name:  "pprof",
			Usage: "start profiling server on :6060",
		},
		cli.StringFlag{
			Name:  "metrics",
			Value: "",
			Usage: "serve prometheus metrics on this address, eg: 127.0.0.1:9100",
		},
		cli.BoolFlag{
			Name:  "quiet",
			Usage: "to suppress the 'stream open/close' messages",
		},
	}
}

// FromContext fills c from the parsed command line.
func (c *Config) FromContext(ctx *cli.Context) {
	c.Transport = ctx.String("transport")
	c.Key = ctx.String("key")
	c.Crypt = ctx.String("crypt")
	c.Mode = ctx.String("mode")
	c.MTU = ctx.Int("mtu")
	c.SndWnd = ctx.Int("sndwnd")
	c.RcvWnd = ctx.Int("rcvwnd")
	c.DataShard = ctx.Int("datashard")
	c.ParityShard = ctx.Int("parityshard")
	c.DSCP = ctx.Int("dscp")
	c.NoComp = ctx.Bool("nocomp")
	c.AckNodelay = ctx.Bool("acknodelay")
	c.NoDelay = ctx.Int("nodelay")
	c.Interval = ctx.Int("interval")
	c.Resend = ctx.Int("resend")
	c.NoCongestion = ctx.Int("nc")
	c.SockBuf = ctx.Int("sockbuf")
	c.TCP = ctx.Bool("tcp")
	c.Security = ctx.String("security")
	c.Identity = ctx.String("identity")
	c.KeyType = ctx.String("keytype")
	c.Mux = ctx.String("mux")
	c.SmuxVer = ctx.Int("smuxver")
	c.SmuxBuf = ctx.Int("smuxbuf")
	c.StreamBuf = ctx.Int("streambuf")
	c.FrameSize = ctx.Int("framesize")
	c.KeepAlive = ctx.Int("keepalive")
	c.QueueSize = ctx.Int("queuesize")
	c.Backlog = ctx.Int("backlog")
	c.QPP = ctx.Bool("QPP")
	c.QPPCount = ctx.Int("QPPCount")
	c.CloseWait = ctx.Int("closewait")
	c.Log = ctx.String("log")
	c.LogLevel = ctx.String("loglevel")
	c.LogFormat = ctx.String("logformat")
	c.SnmpLog = ctx.String("snmplog")
	c.SnmpPeriod = ctx.Int("snmpperiod")
	c.Pprof = ctx.Bool("pprof")
	c.Metrics = ctx.String("metrics")
	c.Quiet = ctx.Bool("quiet")
}

// Validate rejects settings that cannot work. The returned warnings describe
// settings that work but weaken the tunnel.
func (c *Config) Validate() (warnings []string, err error) {
	switch c.Transport {
	case "kcp", "tcp", "ws":
	default:
		return nil, errors.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Security {
	case "noise", "plaintext":
	default:
		return nil, errors.Errorf("unknown security %q", c.Security)
	}
	switch c.Mux {
	case "frame", "smux", "yamux":
	default:
		return nil, errors.Errorf("unknown mux %q", c.Mux)
	}
	if c.SmuxVer > maxSmuxVer {
		return nil, errors.Errorf("unsupported smux version: %d", c.SmuxVer)
	}
	if _, err := crypto.ParseKeyType(c.KeyType); err != nil {
		return nil, err
	}
	if c.Transport == "kcp" && !slices.Contains(std.Ciphers(), c.Crypt) {
		warnings = append(warnings, "unknown crypt "+c.Crypt+", aes will be used")
	}
	if c.Security == "plaintext" {
		warnings = append(warnings, "security is plaintext: streams are authenticated but not encrypted")
	}
	if c.QPP {
		qppWarnings, err := std.ValidateQPPParams(c.QPPCount, c.Key)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, qppWarnings...)
	}
	return warnings, nil
}

// LogConfig is the logger setup c asks for.
func (c *Config) LogConfig() std.LogConfig {
	return std.LogConfig{Level: c.LogLevel, Format: c.LogFormat, File: c.Log}
}

// ParseJSONConfig decodes the JSON file at path over config, so it only
// overrides the fields it names.
func ParseJSONConfig(config any, path string) error {
	file, err := os.Open(path) // For read access.
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
