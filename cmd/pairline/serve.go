package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talvik/pairline/internal/command"
	"github.com/talvik/pairline/internal/config"
	"github.com/talvik/pairline/internal/credstore"
	"github.com/talvik/pairline/internal/history"
	"github.com/talvik/pairline/internal/notify"
	"github.com/talvik/pairline/internal/pairing"
	"github.com/talvik/pairline/internal/router"
	"github.com/talvik/pairline/internal/server"
	"github.com/talvik/pairline/internal/supervisor"
	"github.com/talvik/pairline/internal/transport"
	"github.com/talvik/pairline/internal/transport/whatsapp"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Pairline bot and pairing API",
		Long:  "Connects to WhatsApp, supervises the session, and serves the pairing HTTP API.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "pairline.yaml", "path to Pairline config file")
	return cmd
}

// connHandle defers the supervisor reference so the router and the command
// registry can be built before the supervisor that serves them.
type connHandle struct {
	sup *supervisor.Supervisor
}

func (h *connHandle) Send(ctx context.Context, to, text string) error {
	if h.sup == nil {
		return transport.ErrNotConnected
	}
	return h.sup.Send(ctx, to, text)
}

func (h *connHandle) State() transport.State {
	if h.sup == nil {
		return transport.StateIdle
	}
	return h.sup.State()
}

func (h *connHandle) Connected() bool {
	return h.sup != nil && h.sup.Connected()
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	out := cmd.OutOrStdout()

	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	var hist *history.Log
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.Driver, cfg.History.DSN)
		if err != nil {
			return err
		}
	}

	registry := pairing.NewRegistry(pairing.RegistryOpts{
		TTL:        time.Duration(cfg.Pairing.TTLSeconds) * time.Second,
		CodeLength: cfg.Pairing.CodeLength,
		OnExpire: func(req pairing.Request) {
			if hist == nil {
				return
			}
			hist.Record(history.PairingEvent{
				Code:        req.Code,
				PhoneNumber: req.PhoneNumber,
				UserID:      req.UserID,
				Event:       history.EventExpired,
			})
		},
	})

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var client transport.Client
	if cfg.Transport.Mock {
		fmt.Fprintf(out, "transport: using the mock client\n")
		client = transport.NewMockClient()
	} else {
		client, err = whatsapp.New(ctx, whatsapp.Opts{
			StoreDSN:   cfg.Transport.StoreDSN,
			DeviceName: cfg.Transport.DeviceName,
		})
		if err != nil {
			return err
		}
	}

	handle := &connHandle{}

	commands := command.NewRegistry()
	command.RegisterBuiltins(commands, command.BuiltinOpts{
		Prefix:    cfg.CommandPrefix,
		Pairing:   registry,
		Store:     store,
		SessionID: cfg.SessionID,
		Status:    handle,
		History:   hist,
	})

	greeting := ""
	if cfg.Greeting.Enabled {
		greeting = cfg.Greeting.Text
	}

	rt, err := router.New(router.Opts{
		Pairing:  registry,
		Commands: commands,
		Sender:   handle,
		Notifier: notifier,
		History:  hist,
		AdminJID: cfg.AdminJID,
		Prefix:   cfg.CommandPrefix,
		Greeting: greeting,
		Out:      out,
	})
	if err != nil {
		return err
	}

	digestCron := ""
	if cfg.Digest.Enabled {
		digestCron = cfg.Digest.Cron
	}

	sup, err := supervisor.New(supervisor.Opts{
		Client:         client,
		Store:          store,
		SessionID:      cfg.SessionID,
		Handler:        rt,
		Notifier:       notifier,
		AdminJID:       cfg.AdminJID,
		ReconnectDelay: time.Duration(cfg.ReconnectDelayMS) * time.Millisecond,
		DigestCron:     digestCron,
		Out:            out,
	})
	if err != nil {
		return err
	}
	handle.sup = sup

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	go registry.Run(ctx)

	errCh := make(chan error, 2)
	go func() { errCh <- sup.Run(ctx) }()
	go func() {
		errCh <- server.Start(ctx, server.StartOpts{
			Pairing:   registry,
			Store:     store,
			SessionID: cfg.SessionID,
			Conn:      sup,
			History:   hist,
			Port:      cfg.HTTP.Port,
			Out:       out,
		})
	}()

	// The first failure tears down the other half.
	err = <-errCh
	cancel()
	if second := <-errCh; err == nil {
		err = second
	}
	return err
}

// buildStore creates the credential store backend named in the config.
func buildStore(cfg *config.Config) (credstore.Store, error) {
	switch cfg.Storage.Backend {
	case "file":
		return credstore.NewFileStore(credstore.FileStoreOpts{Dir: cfg.Storage.Dir})
	case "redis":
		return credstore.NewRedisStore(credstore.RedisStoreOpts{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}

// buildNotifier assembles the configured notification sinks. Returns nil
// when none are configured.
func buildNotifier(cfg *config.Config) (notify.Notifier, error) {
	var sinks notify.Multi
	if cfg.Notify.Discord.BotToken != "" {
		d, err := notify.NewDiscord(notify.DiscordOpts{
			BotToken:  cfg.Notify.Discord.BotToken,
			ChannelID: cfg.Notify.Discord.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, d)
	}
	if cfg.Notify.Slack.BotToken != "" {
		s, err := notify.NewSlack(notify.SlackOpts{
			BotToken:  cfg.Notify.Slack.BotToken,
			ChannelID: cfg.Notify.Slack.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}
