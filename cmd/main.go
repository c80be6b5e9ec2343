package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"calagg/internal/caldav"
	"calagg/internal/config"
	"calagg/internal/feed"
	"calagg/internal/google"
	"calagg/internal/icsfeed"
	"calagg/internal/logging"
	"calagg/internal/metrics"
	"calagg/internal/models"
	"calagg/internal/oauth"
	"calagg/internal/outlook"
	"calagg/internal/scheduler"
	"calagg/internal/secrets"
	"calagg/internal/server"
	"calagg/internal/store"
	"calagg/internal/syncer"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	// Load .env file first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "calagg",
		Usage: "Merge Google, Outlook, CalDAV and ICS calendars into one subscribable feed.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"CALAGG_CONFIG"}, Usage: "Path to a YAML config file."},
			&cli.StringFlag{Name: "listen", Usage: "HTTP listen address."},
			&cli.StringFlag{Name: "database", Usage: "SQLite database path."},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error."},
		},
		Commands: []*cli.Command{
			serveCommand(),
			syncCommand(),
			migrateCommand(),
			userCommand(),
			oauthClientCommand(),
			settingsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger := logging.New(logging.Config{Level: "error", Format: "console"})
		logger.Error().Err(err).Msg("Application failed.")
		os.Exit(1)
	}
}

// loadConfig reads the config file and environment, then applies the global
// flags on top.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if v := c.String("listen"); v != "" {
		cfg.Listen = v
	}
	if v := c.String("database"); v != "" {
		cfg.DatabasePath = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// services holds the wired service components shared by the commands.
type services struct {
	cfg     *config.Config
	logger  zerolog.Logger
	box     *secrets.Box
	store   *store.Store
	metrics *metrics.Metrics
	google  *google.Fetcher
	outlook *outlook.Fetcher
	caldav  *caldav.Fetcher
	oauth   *oauth.Manager
	syncer  *syncer.Syncer
}

func setup(c *cli.Context) (*services, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log)

	box, err := secrets.New(cfg.SessionSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	st, err := store.Open(c.Context, store.Config{Path: cfg.DatabasePath, Cipher: box})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	rt := &services{
		cfg:     cfg,
		logger:  logger,
		box:     box,
		store:   st,
		metrics: metrics.New(cfg.Metrics.Enabled),
		google:  google.NewFetcher(logging.Component(logger, "google"), cfg.FetchTimeout),
		outlook: outlook.NewFetcher(logging.Component(logger, "outlook"), cfg.FetchTimeout),
		caldav:  caldav.NewFetcher(logging.Component(logger, "caldav"), cfg.FetchTimeout),
	}
	rt.oauth = oauth.NewManager(st, logging.Component(logger, "oauth"), map[models.Provider]oauth.EmailLookup{
		models.ProviderGoogle:  rt.google,
		models.ProviderOutlook: rt.outlook,
	})
	rt.syncer = syncer.New(st, rt.oauth, syncer.Fetchers{
		CalDAV:  rt.caldav,
		ICS:     icsfeed.NewFetcher(logging.Component(logger, "ics"), cfg.FetchTimeout),
		Google:  rt.google,
		Outlook: rt.outlook,
	}, rt.metrics, logging.Component(logger, "syncer"))
	return rt, nil
}

func (rt *services) close() {
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn().Err(err).Msg("Failed to close store.")
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP server and the periodic sync.",
		Action: func(c *cli.Context) error {
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched := scheduler.New(rt.syncer, rt.store, rt.metrics, logging.Component(rt.logger, "scheduler"))
			if err := sched.Start(ctx); err != nil {
				return fmt.Errorf("failed to start scheduler: %w", err)
			}
			defer sched.Stop()

			srv := server.New(server.Deps{
				Store:  rt.store,
				Syncer: rt.syncer,
				Feeds:  feed.NewGenerator(rt.store),
				OAuth:  rt.oauth,
				States: rt.box,
				Calendars: map[models.Provider]server.CalendarLister{
					models.ProviderGoogle:  rt.google,
					models.ProviderOutlook: rt.outlook,
				},
				CalDAV:    rt.caldav,
				Scheduler: sched,
				Metrics:   rt.metrics,
			}, rt.cfg.BaseURL, logging.Component(rt.logger, "http"))
			return srv.Run(ctx, rt.cfg.Listen)
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run one sync pass and exit.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "Only sync the sources of this user."},
		},
		Action: func(c *cli.Context) error {
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.close()

			var scope *int64
			if name := c.String("user"); name != "" {
				u, err := rt.store.GetUserByUsername(c.Context, name)
				if err != nil {
					return fmt.Errorf("failed to find user %q: %w", name, err)
				}
				scope = &u.ID
			}

			results, err := rt.syncer.SyncAll(c.Context, scope)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			for _, name := range syncer.Names(results) {
				r := results[name]
				status := "ok"
				if !r.Success {
					status = "FAILED"
				}
				fmt.Printf("%-6s %s: %s\n", status, name, r.Message)
			}
			ok, _ := syncer.Summarize(results)
			fmt.Printf("Synced %d/%d sources\n", ok, len(results))
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations and exit.",
		Action: func(c *cli.Context) error {
			rt, err := setup(c)
			if err != nil {
				return err
			}
			defer rt.close()
			rt.logger.Info().Str("database", rt.cfg.DatabasePath).Msg("Database is up to date.")
			return nil
		},
	}
}

func userCommand() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Manage users.",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Create a user and print its tokens.",
				ArgsUsage: "USERNAME",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "admin", Usage: "Grant admin rights."},
				},
				Action: func(c *cli.Context) error {
					name := strings.TrimSpace(c.Args().First())
					if name == "" {
						return fmt.Errorf("username is required")
					}
					rt, err := setup(c)
					if err != nil {
						return err
					}
					defer rt.close()

					u, err := rt.store.CreateUser(c.Context, name, c.Bool("admin"))
					if err != nil {
						return err
					}
					fmt.Printf("Created user %s (id %d)\n", u.Username, u.ID)
					fmt.Printf("API token:  %s\n", u.APIToken)
					fmt.Printf("Feed token: %s\n", u.FeedToken)
					return nil
				},
			},
			{
				Name:  "list",
				Usage: "List users.",
				Action: func(c *cli.Context) error {
					rt, err := setup(c)
					if err != nil {
						return err
					}
					defer rt.close()

					users, err := rt.store.ListUsers(c.Context)
					if err != nil {
						return err
					}
					for _, u := range users {
						role := "user"
						if u.IsAdmin {
							role = "admin"
						}
						fmt.Printf("%d\t%s\t%s\n", u.ID, u.Username, role)
					}
					return nil
				},
			},
		},
	}
}

func oauthClientCommand() *cli.Command {
	return &cli.Command{
		Name:  "oauth-client",
		Usage: "Manage OAuth application credentials.",
		Subcommands: []*cli.Command{
			{
				Name:  "set",
				Usage: "Store the OAuth application credentials of a provider.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "provider", Required: true, Usage: "google or outlook."},
					&cli.StringFlag{Name: "client-id", Required: true},
					&cli.StringFlag{Name: "client-secret", EnvVars: []string{"OAUTH_CLIENT_SECRET"}, Required: true},
					&cli.StringFlag{Name: "tenant", Usage: "Microsoft tenant, defaults to " + outlook.DefaultTenant + "."},
				},
				Action: setOAuthClient,
			},
		},
	}
}

func setOAuthClient(c *cli.Context) error {
	p := models.Provider(c.String("provider"))
	if !p.Valid() {
		return fmt.Errorf("unknown provider %q", p)
	}
	rt, err := setup(c)
	if err != nil {
		return err
	}
	defer rt.close()

	err = rt.store.SaveOAuthClient(c.Context, &models.OAuthClient{
		Provider:     p,
		ClientID:     c.String("client-id"),
		ClientSecret: c.String("client-secret"),
		TenantID:     c.String("tenant"),
	})
	if err != nil {
		return err
	}
	rt.logger.Info().Str("provider", string(p)).Msg("Saved OAuth client.")
	return nil
}

func settingsCommand() *cli.Command {
	return &cli.Command{
		Name:  "settings",
		Usage: "Read or change runtime settings.",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "Print every setting.",
				Action: func(c *cli.Context) error {
					rt, err := setup(c)
					if err != nil {
						return err
					}
					defer rt.close()

					settings, err := rt.store.Settings(c.Context)
					if err != nil {
						return err
					}
					delete(settings, store.SettingLegacyFeedToken)
					for _, k := range sortedKeys(settings) {
						fmt.Printf("%s=%s\n", k, settings[k])
					}
					return nil
				},
			},
			{
				Name:      "set",
				Usage:     "Change one setting.",
				ArgsUsage: "KEY VALUE",
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 2 {
						return fmt.Errorf("expected KEY VALUE")
					}
					key, value := c.Args().Get(0), c.Args().Get(1)
					rt, err := setup(c)
					if err != nil {
						return err
					}
					defer rt.close()
					return setSetting(c.Context, rt.store, key, value)
				},
			},
		},
	}
}

// setSetting validates and stores one setting. The sync interval is clamped
// to the scheduler's bounds.
func setSetting(ctx context.Context, st *store.Store, key, value string) error {
	switch key {
	case store.SettingSyncInterval:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		return st.SetSyncInterval(ctx, scheduler.ClampInterval(n))
	case store.SettingLogRetentionDays:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 || n > 3650 {
			return fmt.Errorf("%s must be between 1 and 3650", key)
		}
	case store.SettingBaseURL, store.SettingPublicDomain:
		value = strings.TrimRight(value, "/")
	case store.SettingAppName, store.SettingLegacyFeedToken:
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return st.SetSetting(ctx, key, value)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
