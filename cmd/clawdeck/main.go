package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"clawdeck/internal/adapter/gateway"
	"clawdeck/internal/domain"
	"clawdeck/internal/infra/config"
	"clawdeck/internal/infra/logger"
	"clawdeck/internal/infra/tracer"
	"clawdeck/internal/usecase/eventbus"
	"clawdeck/internal/usecase/eventlog"
	"clawdeck/internal/usecase/poller"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Handle help flag first
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "call":
		if err := runCall(); err != nil {
			fmt.Fprintf(os.Stderr, "call: [%s] %v\n", callErrorCode(err), err)
			os.Exit(1)
		}
	case "encrypt-token":
		if err := runEncryptToken(); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-token: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("clawdeck %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'clawdeck --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`clawdeck - gateway connection client

USAGE:
    clawdeck [COMMAND] [FLAGS]

COMMANDS:
    call            One-shot RPC against the gateway
                    Flags: -method NAME (required), -params JSON
    encrypt-token   Encrypt a bearer token for the config file
                    Usage: clawdeck encrypt-token <token>
                    Requires CLAWDECK_CONFIG_KEY in the environment
    version         Print the version and exit

    (no command) - Connect and stream gateway events until interrupted

FLAGS:
    -h, --help         Show this help message
    -config PATH       Config file path (default: ./config.yaml)
    -log-level LEVEL   Override the configured log level (debug|info|warn|error)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CLAWDECK_* variables override config

EXAMPLES:
    clawdeck                                     # Run with config.yaml
    clawdeck -config /etc/clawdeck/config.yaml   # Run with custom config
    clawdeck call -method session.list           # One-shot RPC
    clawdeck call -method chat.send -params '{"text":"hi"}'
    CLAWDECK_CONFIG_KEY=secret clawdeck encrypt-token my-token`)
}

func run() error {
	// 1. Config
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus & event log
	bus := eventbus.New(logger.Component(log, "eventbus"))
	defer bus.Close()

	history := eventlog.New(cfg.EventLog.Capacity, logger.Component(log, "eventlog"))
	bus.SubscribeAll(history.Handler())

	// 4. Gateway client
	client := gateway.NewClient(gatewayOptions(cfg), bus, logger.Component(log, "gateway"))

	client.OnConnected(func(_ context.Context, _ domain.Event) {
		log.Info("gateway ready", "url", cfg.Gateway.URL)
	})
	client.OnDisconnected(func(_ context.Context, _ domain.Event) {
		log.Info("gateway disconnected")
	})
	client.OnError(func(_ context.Context, e domain.Event) {
		log.Warn("gateway error", "payload", string(e.Payload))
	})
	client.OnAnyMessage(func(_ context.Context, e domain.Event) {
		log.Info("event", "name", string(e.Name), "seq", e.Seq, "state_version", e.StateVersion)
	})

	// 5. Poller
	var polls *poller.Poller
	if cfg.Polls.Enabled {
		sink := func(res poller.Result) {
			if res.Err != nil {
				return // the poller already logged the failure
			}
			history.Append(domain.Event{
				Name:       domain.EventType("poll." + res.Name),
				Payload:    res.Payload,
				ReceiptID:  domain.NewReceiptID(res.Started),
				ReceivedAt: res.Started,
			})
			log.Info("poll result", "name", res.Name, "method", res.Method, "duration", res.Duration)
		}
		polls = poller.New(client, sink, cfg.Polls.RatePerMinute, cfg.Polls.Burst, logger.Component(log, "poller"))
		for _, pc := range cfg.Polls.Entries {
			entry := poller.Entry{Name: pc.Name, Method: pc.Method, Schedule: pc.Schedule}
			if pc.Params != "" {
				entry.Params = json.RawMessage(pc.Params)
			}
			if err := polls.Add(entry); err != nil {
				return fmt.Errorf("polls: %w", err)
			}
		}
	}

	// 6. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 7. Connect and serve until interrupted
	log.Info("clawdeck starting",
		"version", version,
		"url", cfg.Gateway.URL,
		"client_id", cfg.Gateway.Client.ID,
		"polls", len(cfg.Polls.Entries),
	)

	if err := client.Connect(ctx); err != nil {
		// The client keeps retrying on its own; report the first failure.
		log.Warn("initial connect failed, retrying in background", "error", err)
	}
	if polls != nil {
		polls.Start(ctx)
	}

	<-ctx.Done()

	if polls != nil {
		polls.Stop()
	}
	client.Disconnect()

	log.Info("clawdeck stopped",
		"events_held", history.Len(),
		"events_total", history.TotalAppended(),
		"seq_gaps", history.Gaps(),
	)
	return nil
}

// runCall performs a one-shot RPC: connect, wait for the handshake, issue
// the call, print the payload, disconnect.
func runCall() error {
	method, params, err := parseCallFlags()
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	bus := eventbus.New(logger.Component(log, "eventbus"))
	defer bus.Close()

	opts := gatewayOptions(cfg)
	client := gateway.NewClient(opts, bus, logger.Component(log, "gateway"))
	defer client.Disconnect()

	ready := make(chan struct{}, 1)
	client.OnConnected(func(_ context.Context, _ domain.Event) {
		select {
		case ready <- struct{}{}:
		default:
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		return err
	}

	select {
	case <-ready:
	case <-time.After(opts.HandshakeTimeout + 5*time.Second):
		return domain.NewDomainError("call", domain.ErrTimeout, "gateway not ready in time")
	case <-ctx.Done():
		return ctx.Err()
	}

	var raw json.RawMessage
	if params != "" {
		raw = json.RawMessage(params)
	}
	payload, err := client.Call(ctx, method, raw)
	if err != nil {
		return err
	}

	fmt.Println(prettyJSON(payload))
	return nil
}

// callErrorCode picks the code shown to the operator: the gateway's own error
// code when the call was rejected remotely, the domain code otherwise.
func callErrorCode(err error) string {
	var ferr *gateway.FrameError
	if errors.As(err, &ferr) && ferr.Code != "" {
		return ferr.Code
	}
	return string(domain.ErrorCodeOf(err))
}

func runEncryptToken() error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: clawdeck encrypt-token <token>")
	}
	passphrase := os.Getenv("CLAWDECK_CONFIG_KEY")
	if passphrase == "" {
		return fmt.Errorf("CLAWDECK_CONFIG_KEY must be set")
	}

	encrypted, err := config.EncryptValue(os.Args[2], passphrase)
	if err != nil {
		return err
	}
	fmt.Println("enc:" + encrypted)
	return nil
}

// loadConfig reads the config file and applies the -log-level override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if lvl := flagValue("-log-level"); lvl != "" {
		cfg.Logger.Level = lvl
	}
	return cfg, nil
}

// gatewayOptions maps the config onto client options. Load guarantees the
// required fields are set, so the mapping is direct.
func gatewayOptions(cfg *config.Config) gateway.Options {
	g := cfg.Gateway
	opts := gateway.DefaultOptions()
	opts.URL = g.URL
	opts.Token = g.Token
	opts.ReconnectDelay = config.Duration(g.ReconnectDelay, opts.ReconnectDelay)
	opts.CallTimeout = config.Duration(g.CallTimeout, opts.CallTimeout)
	opts.HandshakeTimeout = config.Duration(g.HandshakeTimeout, opts.HandshakeTimeout)
	opts.Client = gateway.ClientIdentity{
		ID:          g.Client.ID,
		DisplayName: g.Client.DisplayName,
		Version:     g.Client.Version,
		Platform:    g.Client.Platform,
		Mode:        g.Client.Mode,
	}
	opts.Role = g.Role
	opts.Scopes = g.Scopes
	opts.Caps = g.Caps
	opts.Commands = g.Commands
	opts.Locale = g.Locale
	opts.UserAgent = g.UserAgent
	return opts
}

func configPath() string {
	if p := flagValue("-config"); p != "" {
		return p
	}
	if p := os.Getenv("CLAWDECK_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// flagValue extracts "-name value" or "-name=value" from os.Args. Also
// accepts the double-dash spelling.
func flagValue(name string) string {
	long := "-" + name
	for i, arg := range os.Args {
		if (arg == name || arg == long) && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, name+"=") {
			return strings.TrimPrefix(arg, name+"=")
		}
		if strings.HasPrefix(arg, long+"=") {
			return strings.TrimPrefix(arg, long+"=")
		}
	}
	return ""
}

func parseCallFlags() (method, params string, err error) {
	method = flagValue("-method")
	params = flagValue("-params")
	if method == "" {
		return "", "", fmt.Errorf("usage: clawdeck call -method NAME [-params JSON]")
	}
	if params != "" && !json.Valid([]byte(params)) {
		return "", "", fmt.Errorf("-params is not valid JSON")
	}
	return method, params, nil
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
