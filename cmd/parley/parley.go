// Program parley is a command-line utility for running and exercising
// parley peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/parleyproto/parley"
	"github.com/parleyproto/parley/channel"
	"github.com/parleyproto/parley/handler"
	"github.com/parleyproto/parley/peers"
)

var serveFlags struct {
	Listen  string `flag:"listen,default=localhost:9160,Service address"`
	WS      bool   `flag:"ws,Serve websocket connections instead of raw TCP"`
	Verbose bool   `flag:"v,Enable verbose logging"`
}

var callFlags struct {
	Address string        `flag:"addr,default=localhost:9160,Peer address"`
	WS      bool          `flag:"ws,Dial a websocket connection instead of raw TCP"`
	Timeout time.Duration `flag:"timeout,default=5s,Request timeout"`
	Stream  bool          `flag:"stream,Issue a streaming request and print each item"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Utilities for running and exercising parley peers.",
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Run a demonstration peer that answers echo and time requests.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "call",
				Usage:    "<type> [<data>]",
				Help:     "Send one request to a peer and print the response body.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	return zap.Must(zap.NewDevelopment())
}

// demoService registers the demonstration handlers on a new service.
func demoService(peer *parley.Peer, log *zap.Logger) *handler.Service {
	return handler.New(peer).WithLogger(log).
		Handle("echo", func(_ context.Context, req *handler.Request) ([]byte, error) {
			return req.Data(), nil
		}).
		Handle("time", handler.ResultError(func(context.Context) (string, error) {
			return time.Now().UTC().Format(time.RFC3339Nano), nil
		}))
}

func runServe(env *command.Env) error {
	ctx, cancel := signal.NotifyContext(env.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log := newLogger(serveFlags.Verbose)
	defer log.Sync()

	peer := parley.NewPeer(uint32(time.Now().Unix())).WithLogger(log)
	svc := demoService(peer, log)
	serve := func(ctx context.Context, _ parley.ConnectionID, inbound <-chan *parley.Inbound) {
		svc.Serve(ctx, inbound)
	}

	if serveFlags.WS {
		return serveWebsocket(ctx, peer, serve, log)
	}
	lst, err := net.Listen("tcp", serveFlags.Listen)
	if err != nil {
		return err
	}
	log.Info("listening", zap.String("addr", lst.Addr().String()))
	return peers.Loop(ctx, peers.NetAccepter(lst), peer, nil, serve)
}

func serveWebsocket(ctx context.Context, peer *parley.Peer,
	serve func(context.Context, parley.ConnectionID, <-chan *parley.Inbound), log *zap.Logger) error {
	up := websocket.Upgrader{}
	srv := &http.Server{
		Addr: serveFlags.Listen,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := up.Upgrade(w, r, nil)
			if err != nil {
				log.Warn("websocket upgrade failed", zap.Error(err))
				return
			}
			id, run, inbound := peer.AddConnection(channel.Websocket(conn), nil)
			go serve(ctx, id, inbound)
			if err := run(ctx); err != nil {
				log.Warn("connection failed", zap.Stringer("conn", id), zap.Error(err))
			}
		}),
	}
	go func() { <-ctx.Done(); srv.Close() }()
	log.Info("listening", zap.String("addr", serveFlags.Listen), zap.Bool("ws", true))
	err := srv.ListenAndServe()
	peer.Teardown()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func runCall(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("Missing message type argument")
	} else if len(env.Args) > 2 {
		return env.Usagef("Extra arguments: %q", env.Args[2:])
	}
	typeName := env.Args[0]
	var data []byte
	if len(env.Args) == 2 {
		data = []byte(env.Args[1])
	}

	ctx, cancel := context.WithTimeout(env.Context(), callFlags.Timeout)
	defer cancel()

	stream, err := dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	peer := parley.NewPeer(uint32(time.Now().Unix()))
	id, run, inbound := peer.AddConnection(stream, nil)
	go func() {
		for range inbound {
		}
	}()
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	defer func() { peer.Disconnect(id); <-done }()

	if callFlags.Stream {
		rs, err := peer.RequestStream(id, parley.Message(typeName, data))
		if err != nil {
			return err
		}
		defer rs.Close()
		for {
			rsp, err := rs.Next(ctx)
			if errors.Is(err, io.EOF) {
				return nil
			} else if err != nil {
				return err
			}
			fmt.Printf("%s\n", rsp.Env.Payload.Data)
		}
	}

	rsp, err := peer.Request(ctx, id, parley.Message(typeName, data))
	if err != nil {
		return err
	}
	os.Stdout.Write(rsp.Env.Payload.Data)
	fmt.Println()
	return nil
}

func dial(ctx context.Context) (parley.Stream, error) {
	if callFlags.WS {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+callFlags.Address, nil)
		if err != nil {
			return nil, err
		}
		return channel.Websocket(conn), nil
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", callFlags.Address)
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
