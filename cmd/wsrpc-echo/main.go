// wsrpc-echo — CLI entry point.
//
// A minimal demonstration of the Router/Client/Server stack: a server hosts
// a "ping" route and can call routes on any connected client; a client
// dials in, serves its own "ping" route, and immediately calls the
// server's.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -addr, -url, -identifier, -secret).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/pterm/pterm"

	"github.com/1ureka/wsrpc/internal/client"
	"github.com/1ureka/wsrpc/internal/config"
	"github.com/1ureka/wsrpc/internal/registry"
	"github.com/1ureka/wsrpc/internal/server"
	"github.com/1ureka/wsrpc/internal/transport"
	"github.com/1ureka/wsrpc/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	role := flag.String("role", "", "Role: server or client")
	addr := flag.String("addr", ":0", "Listen address (server only)")
	url := flag.String("url", "", "WebSocket URL to dial (client only)")
	identifier := flag.String("identifier", "DEFAULT", "Client identifier (client only)")
	secret := flag.String("secret", "", "Shared secret key")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("wsrpc-echo — v%s", version))
	pterm.Println()

	switch *role {
	case "":
		runInteractive(ctx)
	case "server":
		runServer(ctx, *addr, *secret)
	case "client":
		if *url == "" {
			util.LogError("missing -url for client role")
			os.Exit(1)
		}
		runClient(ctx, *url, *identifier, *secret)
	default:
		util.LogError("invalid -role: must be 'server' or 'client'")
		os.Exit(1)
	}

	util.LogInfo("successfully closed")
}

func runInteractive(ctx context.Context) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server — host the ping route", "Client — connect and call it"}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	if strings.HasPrefix(role, "Server") {
		runServer(ctx, ":0", "")
		return
	}

	wsURL, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText("Server WebSocket URL (e.g. ws://localhost:8080/ws)").
		Show()
	pterm.Println()
	runClient(ctx, strings.TrimSpace(wsURL), "DEFAULT", "")
}

// pingRoute answers "ping" with "pong", echoing back any "name" argument if
// present, for both roles to register identically.
func pingRoute(args map[string]any) (any, error) {
	if name, ok := args["name"].(string); ok && name != "" {
		return "pong " + name, nil
	}
	return "pong", nil
}

func runServer(ctx context.Context, addr, secret string) {
	reg := registry.New()
	if err := reg.Add("ping", pingRoute); err != nil {
		util.LogError("failed to register route: %v", err)
		os.Exit(1)
	}

	srv, err := server.New(config.ServerConfig{SecretKey: secret}, reg)
	if err != nil {
		util.LogError("failed to build server: %v", err)
		os.Exit(1)
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			util.LogWarning("upgrade failed: %v", err)
			return
		}
		tr := transport.NewServer(conn)
		identifier, err := srv.ParseIdentify(tr)
		if err != nil {
			util.LogWarning("identify failed: %v", err)
			return
		}
		util.LogSuccess("client %s connected", identifier)
	})

	httpServer := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = httpServer.Close()
	}()

	util.StartStatsReporter(ctx)
	util.LogSuccess("wsrpc-echo server listening on %s/ws", addr)

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.LogError("server stopped: %v", err)
		os.Exit(1)
	}
}

func runClient(ctx context.Context, url, identifier, secret string) {
	reg := registry.New()
	if err := reg.Add("ping", pingRoute); err != nil {
		util.LogError("failed to register route: %v", err)
		os.Exit(1)
	}

	c := client.New(config.ClientConfig{URL: url, Identifier: identifier, SecretKey: secret}, reg)
	if err := c.Start(ctx); err != nil {
		util.LogError("failed to connect: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	util.StartStatsReporter(ctx)
	util.LogSuccess("connected to %s as %s", url, identifier)

	result, err := c.Request("ping", nil)
	if err != nil {
		util.LogError("ping request failed: %v", err)
	} else {
		util.LogInfo("ping response: %v", result)
	}

	select {
	case <-c.BlockUntilClosed():
	case <-ctx.Done():
	}
}
