// Copyright 2025 The go-broadcast Authors
// This file is part of go-broadcast.
//
// go-broadcast is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-broadcast is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-broadcast. If not, see <http://www.gnu.org/licenses/>.

// broadcast is the command-line collaborator of the redundancy engine: it
// loads or creates an identity, brings up the configured transports and wires
// stdin lines to the fan-out sender.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/broadcast-dm/go-broadcast/broadcast"
	"github.com/broadcast-dm/go-broadcast/envelope"
	"github.com/broadcast-dm/go-broadcast/identity"
	"github.com/broadcast-dm/go-broadcast/params"
	"github.com/broadcast-dm/go-broadcast/store"
	"github.com/broadcast-dm/go-broadcast/transport"
	"github.com/broadcast-dm/go-broadcast/transport/iroh"
	"github.com/broadcast-dm/go-broadcast/transport/mqtt"
	"github.com/broadcast-dm/go-broadcast/transport/nostr"
	"github.com/broadcast-dm/go-broadcast/transport/waku"
	"github.com/broadcast-dm/go-broadcast/transport/xmtp"
)

var (
	protocolsFlag = &cli.StringFlag{
		Name:  "protocols",
		Usage: "Comma separated transports to enable",
		Value: strings.Join(identity.Protocols, ","),
	}
	userFlag = &cli.StringFlag{
		Name:  "user",
		Usage: "Profile name, selects the identity and evidence database",
		Value: "default",
	}
	chatFlag = &cli.StringFlag{
		Name:  "chat",
		Usage: "Magnet link of the peer to chat with (omit to listen only)",
	}
	verboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "Enable debug logging",
	}
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Directory for identities and evidence databases",
	}
	nostrRelaysFlag = &cli.StringSliceFlag{
		Name:  "nostr.relays",
		Usage: "Nostr relay URLs",
		Value: cli.NewStringSlice(params.DefaultNostrRelays...),
	}
	mqttBrokersFlag = &cli.StringSliceFlag{
		Name:  "mqtt.brokers",
		Usage: "MQTT broker URLs",
		Value: cli.NewStringSlice(params.DefaultMQTTBrokers...),
	}
	wakuBootstrapFlag = &cli.StringSliceFlag{
		Name:  "waku.bootstrap",
		Usage: "Multiaddrs of mesh bootstrap peers",
	}
	wakuListenFlag = &cli.StringFlag{
		Name:  "waku.listen",
		Usage: "Mesh listen multiaddr",
		Value: "/ip4/0.0.0.0/tcp/0",
	}
	irohListenFlag = &cli.StringFlag{
		Name:  "iroh.listen",
		Usage: "UDP listen address of the QUIC endpoint",
		Value: "0.0.0.0:0",
	}
	irohRelayFlag = &cli.StringFlag{
		Name:  "iroh.relay",
		Usage: "Address peers are dialed at (host:port)",
	}
	metricsFlag = &cli.StringFlag{
		Name:  "metrics",
		Usage: "Address to serve Prometheus metrics on (empty disables)",
	}
)

func main() {
	app := &cli.App{
		Name:    "broadcast",
		Usage:   "redundant direct messaging over five transports",
		Version: params.Version,
		Flags: []cli.Flag{
			protocolsFlag, userFlag, chatFlag, verboseFlag, datadirFlag,
			nostrRelaysFlag, mqttBrokersFlag, wakuBootstrapFlag, wakuListenFlag,
			irohListenFlag, irohRelayFlag, metricsFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := log.LevelInfo
	if c.Bool(verboseFlag.Name) {
		level = log.LevelDebug
	}
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, false)))

	enabled, err := parseProtocols(c.String(protocolsFlag.Name))
	if err != nil {
		return err
	}
	datadir := c.String(datadirFlag.Name)
	if datadir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		datadir = filepath.Join(home, ".broadcast")
	}
	userDir := filepath.Join(datadir, c.String(userFlag.Name))
	if err := os.MkdirAll(userDir, 0700); err != nil {
		return fmt.Errorf("create user directory: %w", err)
	}

	id, created, err := loadOrCreateIdentity(filepath.Join(userDir, "identity.json"))
	if err != nil {
		return err
	}
	if created {
		log.Info("New identity generated", "user", c.String(userFlag.Name))
	}
	fmt.Println("Your magnet link:")
	fmt.Println("  " + id.Encode())

	st, err := store.Open(filepath.Join(userDir, "evidence.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	cfg := transport.Config{
		XMTPEnabled:        enabled[identity.ProtocolXMTP],
		NostrEnabled:       enabled[identity.ProtocolNostr],
		MQTTEnabled:        enabled[identity.ProtocolMQTT],
		WakuEnabled:        enabled[identity.ProtocolWaku],
		IrohEnabled:        enabled[identity.ProtocolIroh],
		XMTPDataDir:        userDir,
		NostrRelays:        c.StringSlice(nostrRelaysFlag.Name),
		MQTTBrokers:        c.StringSlice(mqttBrokersFlag.Name),
		WakuBootstrapPeers: c.StringSlice(wakuBootstrapFlag.Name),
		WakuListenAddr:     c.String(wakuListenFlag.Name),
		IrohListenAddr:     c.String(irohListenFlag.Name),
		IrohRelayURL:       c.String(irohRelayFlag.Name),
	}
	b := broadcast.New(id, st, cfg, buildTransports(cfg)...)

	b.OnMessage(func(msg *envelope.Message, via string) {
		if msg.IsAck() {
			fmt.Printf("<< delivered (ack via %s, for %s)\n", via, msg.AckOfUUID)
			return
		}
		fmt.Printf("<< [%s] %s\n", via, msg.Content)
	})
	b.OnReceipt(func(uuid, via string, duplicate bool) {
		if duplicate {
			log.Debug("Duplicate copy", "uuid", uuid, "transport", via)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	b.Initialize(ctx)
	defer b.Shutdown()
	printStatus(b)

	if addr := c.String(metricsFlag.Name); addr != "" {
		go func() {
			log.Info("Metrics server up", "addr", addr)
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				log.Warn("Metrics server down", "err", err)
			}
		}()
	}

	chat := c.String(chatFlag.Name)
	if chat == "" {
		log.Info("Listening only, pass --chat to send")
		<-ctx.Done()
		return nil
	}
	if _, err := identity.Decode(chat); err != nil {
		return fmt.Errorf("invalid --chat magnet link: %w", err)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), params.MaxContentBytes+1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			results, err := b.Send(ctx, chat, line)
			if err != nil {
				log.Error("Send failed", "err", err)
				continue
			}
			delivered := 0
			for _, res := range results {
				if res.Success {
					delivered++
				}
			}
			fmt.Printf(">> sent over %d/%d transports\n", delivered, len(results))
		}
	}
}

// parseProtocols validates the --protocols list against the known transports.
func parseProtocols(list string) (map[string]bool, error) {
	enabled := make(map[string]bool)
	for _, p := range strings.Split(list, ",") {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		if !identity.KnownProtocol(p) {
			return nil, fmt.Errorf("unknown protocol %q (known: %s)", p, strings.Join(identity.Protocols, ", "))
		}
		enabled[p] = true
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no protocols enabled")
	}
	return enabled, nil
}

// buildTransports instantiates a driver per enabled protocol. Disabled ones
// are reported so a typo in --protocols is visible at startup.
func buildTransports(cfg transport.Config) []transport.Transport {
	var out []transport.Transport
	add := func(enabled bool, name string, t transport.Transport) {
		if !enabled {
			log.Info("Transport disabled", "transport", name)
			return
		}
		out = append(out, t)
	}
	// No wire client is linked into this build; the driver reports the
	// failure at Init and the engine proceeds on the remaining transports.
	add(cfg.XMTPEnabled, identity.ProtocolXMTP, xmtp.New(nil))
	add(cfg.NostrEnabled, identity.ProtocolNostr, nostr.New())
	add(cfg.MQTTEnabled, identity.ProtocolMQTT, mqtt.New())
	add(cfg.WakuEnabled, identity.ProtocolWaku, waku.New())
	add(cfg.IrohEnabled, identity.ProtocolIroh, iroh.New())
	return out
}

func printStatus(b *broadcast.Broadcaster) {
	for name, st := range b.Status() {
		log.Info("Transport status", "transport", name, "connected", st.Connected, "endpoints", st.Total)
	}
}

// identityFile is the at-rest encoding of a keypair.
type identityFile struct {
	Secp256k1 string `json:"secp256k1"`
	Ed25519   string `json:"ed25519Seed"`
}

// loadOrCreateIdentity reads the identity file or generates and persists a
// fresh keypair with owner-only permissions.
func loadOrCreateIdentity(path string) (*identity.Identity, bool, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var f identityFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, false, fmt.Errorf("corrupt identity file %s: %w", path, err)
		}
		id, err := identity.FromPrivateKeys(f.Secp256k1, f.Ed25519)
		if err != nil {
			return nil, false, fmt.Errorf("corrupt identity file %s: %w", path, err)
		}
		return id, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, err
	}

	id, err := identity.Generate()
	if err != nil {
		return nil, false, err
	}
	secpHex, edHex := id.PrivateKeysHex()
	data, err = json.MarshalIndent(identityFile{Secp256k1: secpHex, Ed25519: edHex}, "", "  ")
	if err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, false, fmt.Errorf("persist identity: %w", err)
	}
	return id, true, nil
}
