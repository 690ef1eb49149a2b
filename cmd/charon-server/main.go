// Command charon-server runs the server-side assembly: it connects to
// the messaging fabric under a server identity, fronts a backend
// process over JSON-RPC, and answers discovery/request/notification
// traffic from charon clients.
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

	"github.com/xaya/charon/backend"
	"github.com/xaya/charon/jid"
	"github.com/xaya/charon/logs"
	"github.com/xaya/charon/notify"
	"github.com/xaya/charon/reconnect"
	"github.com/xaya/charon/server"
	"github.com/xaya/charon/transport"
)

func main() {
	var (
		selfFlag      = flag.String("identity", "", "Server account identity (user@host/resource).")
		password      = flag.String("password", "", "Password for the server account.")
		fabricURL     = flag.String("fabric", "", "Websocket URL of the messaging fabric (wss://...).")
		version       = flag.String("version", "", "Backend version advertised to clients in pong replies.")
		backendAddr   = flag.String("backend", "", "TCP address of the backend's JSON-RPC 2.0 endpoint.")
		methodsFlag   = flag.String("methods", "", "Comma-separated list of methods to forward. Empty forwards everything.")
		methodsFile   = flag.String("methods-file", "", "Path to a JSON method spec file ([{\"name\":...,\"returns\":{...}}]), minus -exclude-methods.")
		excludeFlag   = flag.String("exclude-methods", "", "Comma-separated list of methods to drop from -methods-file.")
		caFile        = flag.String("ca-file", "", "Override root CA bundle for the fabric TLS connection.")
		insecureTLS   = flag.Bool("insecure-tls", false, "Allow a non-TLS or unverified fabric connection (testing only).")
		reconnectSec  = flag.Int("reconnect-seconds", 5, "Reconnect supervisor check interval, in seconds.")
		stateMethod   = flag.String("notify-state-method", "", "Backend long-polling method for the state-change notification. Empty disables it.")
		pendingMethod = flag.String("notify-pending-method", "", "Backend long-polling method for the pending-change notification. Empty disables it.")
	)
	flag.Parse()

	self, err := jid.Parse(*selfFlag)
	if err != nil {
		log.Fatalf("charon-server: -identity: %v", err)
	}
	if *fabricURL == "" || *version == "" || *backendAddr == "" {
		log.Fatal("charon-server: -fabric, -version and -backend are required")
	}

	allowed, err := methodAllowList(*methodsFlag, *methodsFile, *excludeFlag)
	if err != nil {
		log.Fatalf("charon-server: building method allow list: %v", err)
	}

	conn, err := net.Dial("tcp", *backendAddr)
	if err != nil {
		log.Fatalf("charon-server: dialing backend at %s: %v", *backendAddr, err)
	}
	jrpcBackend := backend.NewJRPC2Backend(conn)
	defer jrpcBackend.Close()
	handler := backend.NewForwardingWrapper(jrpcBackend, allowed)

	adapter := transport.NewAdapter(transport.Credentials{Self: self, Password: *password, URL: *fabricURL})
	adapter.SetRootCA(*caFile)
	adapter.AllowInsecureTLS(*insecureTLS)

	srv := server.New(adapter, *version, handler)
	registerNotifications(srv, jrpcBackend, *stateMethod, *pendingMethod)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if ok, err := srv.Connect(ctx); err != nil {
		log.Fatalf("charon-server: initial connect: %v", err)
	} else if !ok {
		log.Fatal("charon-server: initial connect rejected (bad credentials?)")
	}
	logs.Info.Printf("charon-server: connected as %s, serving version %q", self, *version)

	sup := reconnect.New(srv, time.Duration(*reconnectSec)*time.Second)
	sup.Start()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig

	sup.Stop()
	logs.Info.Printf("charon-server: shut down cleanly")
}

// registerNotifications wires each enabled built-in notification type to
// a backend-facing RpcUpdateWaiter, the production counterpart of
// original_source/src/rpcwaiter.cpp's RpcUpdateWaiter: the long-poll RPC
// method is called with the type's always-block sentinel as its sole
// positional argument.
func registerNotifications(srv *server.Server, h backend.Handler, stateMethod, pendingMethod string) {
	if stateMethod != "" {
		sentinel, _ := json.Marshal(notify.StateChange.AlwaysBlockID)
		srv.RegisterNotification(notify.StateChange, backend.NewRpcUpdateWaiter(h, stateMethod, sentinel))
	}
	if pendingMethod != "" {
		sentinel, _ := json.Marshal(notify.PendingChange.AlwaysBlockID)
		srv.RegisterNotification(notify.PendingChange, backend.NewRpcUpdateWaiter(h, pendingMethod, sentinel))
	}
}

func methodAllowList(methodsFlag, methodsFile, excludeFlag string) (*backend.AllowList, error) {
	methods := splitNonEmpty(methodsFlag)
	if methodsFile != "" {
		f, err := os.Open(methodsFile)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		fromFile, err := backend.ParseMethodSpecFile(f, splitNonEmpty(excludeFlag))
		if err != nil {
			return nil, err
		}
		methods = append(methods, fromFile...)
	}
	return backend.NewAllowList(methods), nil
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
