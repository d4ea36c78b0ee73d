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
	"time"

	"github.com/benbjohnson/clock"
	"github.com/fatih/color"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/xtaci/upmux/conn"
	"github.com/xtaci/upmux/crypto"
	"github.com/xtaci/upmux/std"
	"github.com/xtaci/upmux/tunnel"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	myApp := cli.NewApp()
	myApp.Name = "upmux"
	myApp.Usage = "client(with upgradeable muxed connections)"
	myApp.Version = VERSION
	myApp.Flags = append([]cli.Flag{
		cli.StringFlag{
			Name:  "localaddr,l",
			Value: ":12948",
			Usage: "local listen address",
		},
		cli.StringFlag{
			Name:  "remoteaddr, r",
			Value: "vps:29900",
			Usage: `server address, eg: "IP:29900" a for single port, "IP:minport-maxport" for port range`,
		},
		cli.StringFlag{
			Name:  "remotepeer",
			Value: "",
			Usage: "expected server peer id, empty to accept any",
		},
		cli.IntFlag{
			Name:  "conn",
			Value: 1,
			Usage: "set num of connections to server",
		},
		cli.IntFlag{
			Name:  "autoexpire",
			Value: 0,
			Usage: "set auto expiration time(in seconds) for a single connection, 0 to disable",
		},
		cli.IntFlag{
			Name:  "scavengettl",
			Value: 600,
			Usage: "set how long an expired connection can live (in seconds)",
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
		config.LocalAddr = c.String("localaddr")
		config.RemoteAddr = c.String("remoteaddr")
		config.RemotePeer = c.String("remotepeer")
		config.Conn = c.Int("conn")
		config.AutoExpire = c.Int("autoexpire")
		config.ScavengeTTL = c.Int("scavengettl")

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
	log := logger.Named("client")

	warnings, err := config.Validate()
	if err != nil {
		log.Error("invalid configuration", zap.Error(err))
		return cli.NewExitError(err.Error(), 1)
	}
	for _, msg := range warnings {
		color.Red(msg)
	}
	// Ensure scavenger TTL does not exceed the auto-expire window.
	if config.AutoExpire != 0 && config.ScavengeTTL > config.AutoExpire {
		color.Red("WARNING: scavengettl is bigger than autoexpire, connections may race hard to use bandwidth.")
		color.Red("Try limiting scavengettl to a smaller value.")
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

	listener, err := listenLocal(config.LocalAddr)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("%+v", err), 1)
	}
	context.AfterFunc(ctx, func() { listener.Close() })

	log.Info("starting",
		zap.String("version", VERSION),
		zap.Stringer("listen", listener.Addr()),
		zap.String("remote", config.RemoteAddr),
		zap.String("peer", string(crypto.PeerIDFromPublicKey(identity.Public()))),
		zap.String("transport", config.Transport),
		zap.String("encryption", config.Crypt),
		zap.String("security", config.Security),
		zap.String("mux", config.Mux),
		zap.Bool("compression", !config.NoComp),
		zap.Bool("qpp", config.QPP),
		zap.Int("conn", config.Conn),
		zap.Int("autoexpire", config.AutoExpire),
		zap.Int("scavengettl", config.ScavengeTTL),
	)

	dial := func(ctx context.Context) (*conn.Conn, error) {
		return upgrader.Dial(ctx, tr, config.RemoteAddr)
	}
	p := newPool(dial, config.Conn,
		time.Duration(config.AutoExpire)*time.Second,
		time.Duration(config.ScavengeTTL)*time.Second,
		clock.New(), log)
	p.peer = crypto.PeerID(config.RemotePeer)
	// Launch the scavenger only when auto-expiration is enabled.
	if config.AutoExpire > 0 {
		go p.scavenger(ctx)
	}

	relayer := config.NewRelayer(log)
	for {
		p1, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				log.Info("shutting down")
				return nil
			}
			return cli.NewExitError(err.Error(), 1)
		}
		c, err := p.get(ctx)
		if err != nil {
			p1.Close()
			continue
		}
		go handleClient(ctx, relayer, c, p1)
	}
}

// listenLocal listens on a TCP address, or on a unix socket when addr is not
// a host:port pair.
func listenLocal(addr string) (net.Listener, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.Listen("unix", addr)
	}
	return net.Listen("tcp", addr)
}

// handleClient tunnels a single accepted TCP/UNIX client through a new stream.
func handleClient(ctx context.Context, relayer *tunnel.Relayer, c *conn.Conn, p1 net.Conn) {
	defer p1.Close()
	s, err := c.OpenStream().Wait(ctx)
	if err != nil {
		if !relayer.Quiet {
			relayer.Log.Info("open stream", zap.Error(err), zap.Stringer("conn", c.ID()))
		}
		return
	}
	relayer.Relay(p1, s)
}
