package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/ai-brain-mailagent/internal/api"
	"github.com/Martian-dev/ai-brain-mailagent/internal/auth"
	"github.com/Martian-dev/ai-brain-mailagent/internal/config"
	natsjs "github.com/Martian-dev/ai-brain-mailagent/internal/nats"
	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
	"github.com/Martian-dev/ai-brain-mailagent/internal/store"
	mailsync "github.com/Martian-dev/ai-brain-mailagent/internal/sync"
)

type flags struct {
	config   string
	interval time.Duration
	verbose  bool
	dryRun   bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "mailagent <user_id>",
		Short: "Poll a user's mailbox and act on new mail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(cmd.Context(), args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.config, "config", "", "path to a YAML config file")
	cmd.Flags().DurationVar(&f.interval, "interval", 0, "poll interval (overrides poller.interval)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "poll once, print normalized messages and exit")
	return cmd
}

func run(ctx context.Context, userID string, f flags) error {
	cfg, v, err := config.Load(f.config)
	if err != nil {
		return err
	}
	if f.interval > 0 {
		cfg.Poller.Interval = f.interval
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logrus.New()
	cfg.ConfigureLogger(logger, f.verbose)
	config.Watch(v, logger, f.verbose)
	log := logrus.NewEntry(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		logger.WithError(err).Fatal("failed to open store")
	}
	defer st.Close()

	oauthCfg := auth.GoogleConfig(cfg.Google.ClientID, cfg.Google.ClientSecret)
	if providers.Name(cfg.Provider) == providers.Microsoft {
		oauthCfg = auth.MicrosoftConfig(cfg.Microsoft.ClientID, cfg.Microsoft.ClientSecret, cfg.Microsoft.Tenant)
	}
	broker := auth.NewBroker(st, auth.NewOAuthRefresher(oauthCfg, cfg.Pipeline.CallTimeout), cfg.RetryPolicy(), log)

	cl, err := newClients(ctx, cfg, broker, st, log)
	if err != nil {
		logger.WithError(err).Fatal("failed to configure analyzer")
	}

	var outbox mailsync.Outbox
	var publisher *natsjs.Publisher
	if cfg.NATS.URL != "" {
		stream := natsjs.DefaultStream()
		stream.Name = cfg.NATS.Stream
		publisher, err = natsjs.NewPublisher(cfg.NATS.URL, stream, log)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to NATS")
		}
		defer publisher.Close()
		if err := publisher.EnsureStream(ctx); err != nil {
			logger.WithError(err).Fatal("failed to ensure stream")
		}
		outbox = st
	}

	poller := mailsync.NewPoller(broker, cl.Mailbox, st, cl, outbox, mailsync.Options{
		Filter:      providers.Filter(cfg.Poller.Filter),
		MaxMessages: cfg.Poller.MaxMessages,
		LockTTL:     cfg.Poller.LockTTL,
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		Policy:      cfg.RetryPolicy(),
	}, log)

	if f.dryRun {
		msgs, err := poller.PollOnce(ctx, userID)
		if err != nil {
			return fmt.Errorf("poll %s: %w", userID, err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}

	manager := mailsync.NewManager(poller, cfg.Poller.Interval, cfg.Poller.LockTTL, log)
	if err := manager.StartSync(ctx, userID); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		manager.StopAll()
		manager.Wait()
		return nil
	})

	if publisher != nil {
		dispatcher := mailsync.NewDispatcher(st, publisher, log)
		g.Go(func() error { return dispatcher.Run(gctx) })
	}

	if cfg.HTTP.Addr != "" {
		var authn api.Authenticator
		if cfg.HTTP.JWKSURL != "" {
			verifier, err := auth.NewJWTVerifier(ctx, cfg.HTTP.JWKSURL, 0)
			if err != nil {
				logger.WithError(err).Fatal("failed to load JWKS")
			}
			authn = verifier
		}
		server := api.NewServer(gctx, st, manager, authn, log)
		g.Go(func() error { return server.Serve(gctx, cfg.HTTP.Addr) })
	}

	log.WithFields(logrus.Fields{
		"user_id":  userID,
		"provider": cfg.Provider,
		"interval": cfg.Poller.Interval.String(),
	}).Info("mail agent started")

	err = g.Wait()
	log.Info("mail agent stopped")
	return err
}
