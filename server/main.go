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

package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/xtaci/upmux/conn"
	"github.com/xtaci/upmux/crypto"
	"github.com/xtaci/upmux/mux"
	"github.com/xtaci/upmux/std"
	"github.com/xtaci/upmux/tunnel"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	myApp := cli.NewApp()
	myApp.Name = "upmux"
	myApp.Usage = "server(with upgradeable muxed connections)"
	myApp.Version = VERSION
	myApp.Flags = append([]cli.Flag{
		cli.StringFlag{
			Name:  "listen,l",
			Value: ":29900",
			Usage: `server listen address, eg: "IP:29900" for a single port, "IP:minport-maxport" for port range`,
		},
		cli.StringFlag{
			Name:  "target, t",
			Value: "127.0.0.1:12948",
			Usage: "target server address, or path/to/unix_socket",
		},
	}, tunnel.Flags()...)
	myApp.Flags = append(myApp.Flags, cli.StringFlag{
		Name:  "c",
		Value: "", // when the value is not empty, the config path must exists
		Usage: "config from json file, which will override the command from shell",
	})
	myApp.Action = func(c *cli.Context) error {
		config := Config{}
		config.FromContext(c)
		config.Listen = c.String("listen")
		config.Target = c.String("target")

		if c.String("c") != "" {
			if err := parseJSONConfig(&config, c.String("c")); err != nil {
				return cli.NewExitError(fmt.Sprintf("%+v", err), 1)
			}
		}
		return run(&config)
	}
	myApp.Run(os.Args)
}

func run(config *Config) error {
	logger, err := std.SetupLogger(config.LogConfig())
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("%+v", err), 1)
	}
	defer logger.Sync()
	log := logger.Named("server")

	warnings, err := config.Validate()
	if err != nil {
		log.Error("invalid configuration", zap.Error(err))
		return cli.NewExitError(err.Error(), 1)
	}
	for _, msg := range warnings {
		color.Red(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	tunnel.WatchSignals()
	reg := tunnel.StartDebug(ctx, &config.Config)

	tr, err := config.NewTransport()
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	identity, err := config.LoadIdentity()
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("%+v", err), 1)
	}
	upgrader, err := config.Upgrader(identity, reg)
	if err != nil {
		return cli.NewExitError(err.Error(), 1)
	}
	upgrader.Logger = logger

	l, err := upgrader.Listen(ctx, tr, config.Listen)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("%+v", err), 1)
	}
	defer l.Close()

	log.Info("starting",
		zap.String("version", VERSION),
		zap.Stringer("listen", l.Addr()),
		zap.String("target", config.Target),
		zap.String("peer", string(crypto.PeerIDFromPublicKey(identity.Public()))),
		zap.String("transport", config.Transport),
		zap.String("encryption", config.Crypt),
		zap.String("security", config.Security),
		zap.String("mux", config.Mux),
		zap.Bool("compression", !config.NoComp),
		zap.Bool("qpp", config.QPP),
	)

	relayer := config.NewRelayer(log)
	for {
		c, err := l.Accept(ctx)
		if err != nil {
			log.Info("shutting down", zap.Error(err))
			return nil
		}
		go serveConn(ctx, c, config.Target, relayer)
	}
}

// serveConn relays every stream the client opens on c to target until the
// connection ends.
func serveConn(ctx context.Context, c *conn.Conn, target string, relayer *tunnel.Relayer) {
	log := relayer.Log.With(zap.Stringer("conn", c.ID()), zap.Stringer("remote", c.RemoteAddr()))
	log.Info("connection accepted", zap.String("peer", string(c.RemotePeer())))
	defer c.Close()

	ls := c.ListenStreams()
	defer ls.Close()
	for {
		s, err := ls.Next(ctx)
		if err != nil {
			log.Info("connection ended", zap.Error(err))
			return
		}
		go handleStream(relayer, s, target)
	}
}

// handleStream connects a stream to target, a TCP address or a unix socket.
func handleStream(relayer *tunnel.Relayer, s *mux.Stream, target string) {
	network := "tcp"
	if _, _, err := net.SplitHostPort(target); err != nil {
		network = "unix"
	}
	p2, err := net.Dial(network, target)
	if err != nil {
		relayer.Log.Warn("dial target", zap.String("target", target), zap.Error(err))
		s.Close()
		return
	}
	relayer.Relay(p2, s)
}
