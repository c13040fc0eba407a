// Peerlink: CLI entry point.
//
// Peerlink runs connection-oriented sessions between peers addressed by
// 64-bit identifiers. Datagrams travel over WebRTC DataChannels; a small
// WebSocket rendezvous server relays the offers and ICE candidates needed to
// open them.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -config, -id, -connect, -signal, -listen).
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/peerlink/internal/config"
	"github.com/1ureka/peerlink/internal/rtc"
	"github.com/1ureka/peerlink/internal/session"
	"github.com/1ureka/peerlink/internal/signaling"
	"github.com/1ureka/peerlink/internal/substrate"
	"github.com/1ureka/peerlink/internal/util"
)

var version = "dev"

var errStdinClosed = errors.New("stdin closed")

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "Path to a TOML config file")
	role := flag.String("role", "", "Role: host, client or signal")
	id := flag.String("id", "", "Local peer id (decimal)")
	connect := flag.String("connect", "", "Host peer id to connect to (client only)")
	signalURL := flag.String("signal", "", "Signaling server WebSocket URL (host and client)")
	listen := flag.String("listen", "", "Listen address (signal only)")
	maxConns := flag.Int("max", 0, "Maximum concurrent connections (host only)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags override the file.
	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = config.Role(*role)
		case "id":
			peer, err := substrate.ParsePeerID(*id)
			if err != nil {
				flagErr = err
				return
			}
			cfg.LocalID = peer
		case "connect":
			cfg.Connect = *connect
		case "signal":
			cfg.SignalURL = *signalURL
		case "listen":
			cfg.SignalListen = *listen
		case "max":
			cfg.MaxConnections = *maxConns
		case "debug":
			cfg.Debug = *debugMode
		}
	})
	if flagErr != nil {
		util.LogError("invalid -id: %v", flagErr)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Peerlink — v%s", version))
	pterm.Println()

	if cfg.Role == "" {
		// No role anywhere → interactive mode.
		cfg = askConfig(cfg)
	}
	if cfg.LocalID == 0 && cfg.Role == config.RoleClient {
		cfg.LocalID = randomPeerID()
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	var err error
	switch cfg.Role {
	case config.RoleSignal:
		err = runSignal(ctx, cfg)
	case config.RoleHost:
		err = runHost(ctx, cfg)
	case config.RoleClient:
		err = runClient(ctx, cfg)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("successfully shut down")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runSignal serves the rendezvous server until Ctrl+C.
func runSignal(ctx context.Context, cfg config.Config) error {
	srv := signaling.NewServer()
	return srv.ListenAndServe(ctx, cfg.SignalListen, func(addr net.Addr) {
		pterm.DefaultBox.WithTitle("Signaling Server").Println(
			fmt.Sprintf("Listening : %s\nEndpoint  : ws://%s/ws", addr, addr))
	})
}

// runHost accepts peers and echoes every datagram back on the channel it
// arrived on.
func runHost(ctx context.Context, cfg config.Config) error {
	ep, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer ep.Close()

	var tr *session.Transport
	events := session.ServerEvents{
		OnConnected: func(id int) {
			util.LogSuccess("[conn %d] connected from %s", id, tr.ServerAddress(id))
		},
		OnDisconnected: func(id int) {
			util.LogInfo("[conn %d] disconnected", id)
		},
		OnData: func(id int, data []byte, channel int) {
			util.LogDebug("[conn %d] %d bytes on channel %d", id, len(data), channel)
			tr.ServerSend([]int{id}, channel, data)
		},
		OnError: func(id int, err error) {
			util.LogWarning("[conn %d] %v", id, err)
		},
	}
	tr = session.NewTransport(ctx, ep, session.OptionsFromConfig(cfg), session.ClientEvents{}, events)
	defer tr.Shutdown()

	if err := tr.ServerStart(cfg.MaxConnections); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}

	util.StartStatsReporter(ctx)
	pterm.DefaultBox.WithTitle("Host").Println(
		fmt.Sprintf("Peer id   : %s\nCapacity  : %d", cfg.LocalID, cfg.MaxConnections))

	<-ctx.Done()
	return nil
}

// runClient connects to the host, sends every stdin line on channel 0 and
// prints what comes back.
func runClient(ctx context.Context, cfg config.Config) error {
	ep, err := dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer ep.Close()

	connected := make(chan struct{}, 1)
	ended := make(chan error, 1)
	events := session.ClientEvents{
		OnConnected: func() { connected <- struct{}{} },
		OnDisconnected: func() {
			select {
			case ended <- errors.New("host closed the connection"):
			default:
			}
		},
		OnData: func(data []byte, channel int) {
			pterm.Printf("[%d] %s\n", channel, data)
		},
		OnError: func(err error) {
			select {
			case ended <- err:
			default:
			}
		},
	}
	tr := session.NewTransport(ctx, ep, session.OptionsFromConfig(cfg), events, session.ServerEvents{})
	defer tr.Shutdown()

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Connecting to %s as %s...", cfg.Connect, cfg.LocalID))
	if err := tr.ClientConnect(cfg.Connect); err != nil {
		spinner.Fail(err.Error())
		return err
	}
	select {
	case <-connected:
		spinner.Success("Connected")
	case err := <-ended:
		spinner.Fail(err.Error())
		return err
	case <-ctx.Done():
		spinner.Stop()
		return ctx.Err()
	}

	util.StartStatsReporter(ctx)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return errStdinClosed
				}
				if !tr.ClientSend(0, []byte(line)) {
					util.LogWarning("line not sent")
				}
			case <-gCtx.Done():
				return gCtx.Err()
			}
		}
	})
	g.Go(func() error {
		select {
		case err := <-ended:
			return err
		case <-gCtx.Done():
			return gCtx.Err()
		}
	})

	if err := g.Wait(); !errors.Is(err, errStdinClosed) {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func dial(ctx context.Context, cfg config.Config) (*rtc.Endpoint, error) {
	ep, err := rtc.Dial(ctx, rtc.Options{
		ID:          cfg.LocalID,
		SignalURL:   cfg.SignalURL,
		STUNServers: cfg.STUNServers,
		Channels:    cfg.Channels,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register with signaling server: %w", err)
	}
	return ep, nil
}

// randomPeerID returns a random non-zero identifier for clients that did
// not pick one.
func randomPeerID() substrate.PeerID {
	limit := new(big.Int).SetUint64(^uint64(0))
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return 1
	}
	return substrate.PeerID(n.Uint64() + 1)
}

// askConfig fills the role-specific fields through interactive prompts.
func askConfig(cfg config.Config) config.Config {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Host   — Accept peer connections",
			"Client — Connect to a host",
			"Signal — Run the rendezvous server",
		}).
		WithDefaultText("Select your role").
		Show()
	pterm.Println()

	switch {
	case strings.HasPrefix(role, "Host"):
		cfg.Role = config.RoleHost
		cfg.LocalID = askPeerID("Your peer id (decimal)")
		cfg.SignalURL = askText("Signaling URL (e.g. ws://203.0.113.7:8787/ws)")
	case strings.HasPrefix(role, "Client"):
		cfg.Role = config.RoleClient
		cfg.Connect = askPeerID("Host peer id (decimal)").String()
		cfg.SignalURL = askText("Signaling URL (e.g. ws://203.0.113.7:8787/ws)")
	default:
		cfg.Role = config.RoleSignal
		if addr := askText(fmt.Sprintf("Listen address (default %s)", cfg.SignalListen)); addr != "" {
			cfg.SignalListen = addr
		}
	}
	return cfg
}

// askPeerID prompts until a valid decimal identifier is entered.
func askPeerID(prompt string) substrate.PeerID {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		peer, err := substrate.ParsePeerID(raw)
		if err == nil {
			pterm.Println()
			return peer
		}

		util.LogWarning("invalid peer id: must be a decimal number")
		pterm.Println()
	}
}

func askText(prompt string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(prompt).
		Show()
	pterm.Println()
	return strings.TrimSpace(raw)
}
