// Command charon-client runs the client-side assembly and exposes it
// locally as a JSON-RPC 2.0 server, so ordinary JSON-RPC tooling can
// talk to a remote charon-server without knowing anything about the
// messaging fabric underneath.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"

	"github.com/xaya/charon/backend"
	"github.com/xaya/charon/client"
	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/logs"
	"github.com/xaya/charon/notify"
	"github.com/xaya/charon/reconnect"
	"github.com/xaya/charon/rpccore"
	"github.com/xaya/charon/transport"
)

func main() {
	var (
		selfFlag     = flag.String("identity", "", "Client account identity (user@host/resource).")
		password     = flag.String("password", "", "Password for the client account.")
		fabricURL    = flag.String("fabric", "", "Websocket URL of the messaging fabric (wss://...).")
		targetFlag   = flag.String("server", "", "Bare identity (user@host) of the charon server to use.")
		version      = flag.String("version", "", "Backend version the client requires the server to advertise.")
		listenAddr   = flag.String("listen", "127.0.0.1:0", "Local address to serve JSON-RPC 2.0 on.")
		methodsFlag  = flag.String("methods", "", "Comma-separated list of methods to forward. Empty forwards everything.")
		callTimeout  = flag.Int("call-timeout-seconds", 3, "Per-call timeout, in seconds.")
		discTimeout  = flag.Int("discovery-timeout-seconds", 10, "Discovery handshake timeout, in seconds.")
		caFile       = flag.String("ca-file", "", "Override root CA bundle for the fabric TLS connection.")
		insecureTLS  = flag.Bool("insecure-tls", false, "Allow a non-TLS or unverified fabric connection (testing only).")
		reconnectSec = flag.Int("reconnect-seconds", 5, "Reconnect supervisor check interval, in seconds.")
		wantState    = flag.Bool("notify-state", false, "Subscribe to the state-change notification type.")
		wantPending  = flag.Bool("notify-pending", false, "Subscribe to the pending-change notification type.")
	)
	flag.Parse()

	self, err := jid.Parse(*selfFlag)
	if err != nil {
		log.Fatalf("charon-client: -identity: %v", err)
	}
	target, err := jid.Parse(*targetFlag)
	if err != nil {
		log.Fatalf("charon-client: -server: %v", err)
	}
	if *fabricURL == "" || *version == "" {
		log.Fatal("charon-client: -fabric and -version are required")
	}

	adapter := transport.NewAdapter(transport.Credentials{Self: self, Password: *password, URL: *fabricURL})
	adapter.SetRootCA(*caFile)
	adapter.AllowInsecureTLS(*insecureTLS)

	c := client.New(adapter, target,
		*version,
		time.Duration(*callTimeout)*time.Second,
		time.Duration(*discTimeout)*time.Second)

	states := map[string]*notify.ClientState{}
	if *wantState {
		states[notify.StateChange.Name] = c.RegisterNotification(notify.StateChange)
	}
	if *wantPending {
		states[notify.PendingChange.Name] = c.RegisterNotification(notify.PendingChange)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if ok, err := c.Connect(ctx); err != nil {
		log.Fatalf("charon-client: initial connect: %v", err)
	} else if !ok {
		log.Fatal("charon-client: initial connect rejected (bad credentials?)")
	}
	logs.Info.Printf("charon-client: connected as %s, targeting %s", self, target)

	sup := reconnect.New(c, time.Duration(*reconnectSec)*time.Second)
	sup.Start()

	allow := backend.NewAllowList(splitNonEmpty(*methodsFlag))
	ln, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Fatalf("charon-client: listening on %s: %v", *listenAddr, err)
	}
	logs.Info.Printf("charon-client: serving local JSON-RPC on %s", ln.Addr())

	go serveLocalRPC(ln, c, states, allow)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	ln.Close()
	sup.Stop()
	logs.Info.Printf("charon-client: shut down cleanly")
}

// serveLocalRPC accepts JSON-RPC connections, serving each on its own
// goroutine and forwarding
// "forwardMethod"-style requests to the charon client and
// "waitForChange" requests to the matching notification state record.
func serveLocalRPC(ln net.Listener, c *client.Client, states map[string]*notify.ClientState, allow *backend.AllowList) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			srv := jrpc2.NewServer(forwardingAssigner{client: c, states: states, allow: allow}, nil)
			srv.Start(channel.RawJSON(conn, conn))
			if err := srv.Wait(); err != nil {
				logs.Info.Printf("charon-client: local connection closed: %v", err)
			}
		}()
	}
}

type forwardingAssigner struct {
	client *client.Client
	states map[string]*notify.ClientState
	allow  *backend.AllowList
}

func (a forwardingAssigner) Assign(ctx context.Context, method string) jrpc2.Method {
	if method == "waitForChange" {
		return waitForChangeMethod{states: a.states}
	}
	if !a.allow.Allows(method) {
		return nil
	}
	return forwardMethod{client: a.client, name: method}
}

func (a forwardingAssigner) Names() []string {
	names := []string{"waitForChange"}
	for n := range a.states {
		names = append(names, n)
	}
	return names
}

type forwardMethod struct {
	client *client.Client
	name   string
}

func (m forwardMethod) Call(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
	var params json.RawMessage
	if err := req.UnmarshalParams(&params); err != nil {
		return nil, jrpc2.InvalidParams.Err()
	}
	result, err := m.client.ForwardMethod(ctx, m.name, params)
	if err != nil {
		if rpcErr, ok := err.(*rpccore.RPCError); ok {
			return nil, jrpc2.Errorf(jrpc2.Code(rpcErr.Code), rpcErr.Message)
		}
		return nil, err
	}
	return result, nil
}

type waitForChangeMethod struct {
	states map[string]*notify.ClientState
}

func (m waitForChangeMethod) Call(ctx context.Context, req *jrpc2.Request) (interface{}, error) {
	var args struct {
		Type  string `json:"type"`
		Known string `json:"known"`
	}
	if err := req.UnmarshalParams(&args); err != nil {
		return nil, jrpc2.InvalidParams.Err()
	}
	state, ok := m.states[args.Type]
	if !ok {
		return nil, jrpc2.InvalidParams.Err()
	}
	return state.WaitForChange(args.Known), nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
