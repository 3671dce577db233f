package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/dshills/foodresolve/internal/config"
	"github.com/dshills/foodresolve/internal/logging"
	"github.com/dshills/foodresolve/internal/mcp"
	"github.com/dshills/foodresolve/internal/storage"
	"github.com/dshills/foodresolve/pkg/types"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "foodresolve: %v\n", err)
		os.Exit(1)
	}
}

// newApp creates the CLI application with all commands. Command output is
// written to out; logs always go to stderr.
func newApp(out io.Writer) *cli.App {
	app := &cli.App{
		Name:    "foodresolve",
		Usage:   "Resolve free-text food descriptions to canonical nutrition records",
		Version: fmt.Sprintf("%s (built %s, %s, driver %s)", version, buildTime, storage.BuildMode, storage.DriverName),
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML or JSON config file",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			resolveCmd(),
			resolveEntryCmd(),
			backfillCmd(),
			indexUSDACmd(),
			migrateCmd(),
		},
	}
	// Errors are printed once by main
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// setup loads configuration and builds the logger
func setup(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withServices runs fn with the fully wired stack and tears it down after
func withServices(c *cli.Context, fn func(s *services) error) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	s, err := newServices(c.Context, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logger.Warn("shutdown incomplete", zap.Error(err))
		}
	}()
	return fn(s)
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the MCP tools on stdio",
		Action: func(c *cli.Context) error {
			return withServices(c, func(s *services) error {
				server, err := mcp.NewServer(mcp.Deps{
					Resolver: s.resolver,
					Searcher: s.searcher,
					Splitter: s.splitter,
					Store:    s.store,
				}, s.logger)
				if err != nil {
					return err
				}

				errCh := make(chan error, 1)
				go func() { errCh <- server.Serve(c.Context) }()
				select {
				case <-c.Context.Done():
					s.logger.Info("shutting down")
					return nil
				case err := <-errCh:
					return err
				}
			})
		},
	}
}

func resolveCmd() *cli.Command {
	return &cli.Command{
		Name:      "resolve",
		Usage:     "Resolve one food description and print the result as JSON",
		ArgsUsage: "<search name>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "brand", Aliases: []string{"b"}, Usage: "Brand or restaurant"},
			&cli.StringFlag{Name: "phrase", Aliases: []string{"p"}, Usage: "The user's words including quantity"},
		},
		Action: func(c *cli.Context) error {
			name := c.Args().First()
			if name == "" {
				return errors.New("search name is required")
			}
			desc := types.FoodDescription{
				SearchName: name,
				Brand:      c.String("brand"),
				Branded:    c.String("brand") != "",
				RawPhrase:  c.String("phrase"),
			}
			return withServices(c, func(s *services) error {
				res, err := s.resolver.Resolve(c.Context, desc)
				if err != nil {
					return userError(err)
				}
				return writeJSON(c.App.Writer, res)
			})
		},
	}
}

func resolveEntryCmd() *cli.Command {
	return &cli.Command{
		Name:      "resolve-entry",
		Usage:     "Resolve a logged entry on behalf of its owner",
		ArgsUsage: "<entry id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Owner of the entry", Required: true},
		},
		Action: func(c *cli.Context) error {
			id, err := strconv.ParseInt(c.Args().First(), 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid entry id %q", c.Args().First())
			}
			return withServices(c, func(s *services) error {
				res, err := s.resolver.ResolveEntry(c.Context, c.String("user"), id)
				if err != nil {
					return userError(err)
				}
				return writeJSON(c.App.Writer, res)
			})
		},
	}
}

func backfillCmd() *cli.Command {
	return &cli.Command{
		Name:  "backfill",
		Usage: "Resolve every pending logged entry",
		Action: func(c *cli.Context) error {
			return withServices(c, func(s *services) error {
				stats, err := s.resolver.Backfill(c.Context)
				if stats != nil {
					if werr := writeJSON(c.App.Writer, stats); werr != nil {
						return werr
					}
				}
				return err
			})
		},
	}
}

func indexUSDACmd() *cli.Command {
	return &cli.Command{
		Name:      "index-usda",
		Usage:     "Load a FoodData Central JSON export into the bulk index",
		ArgsUsage: "<export.json>",
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return errors.New("export path is required")
			}
			return withServices(c, func(s *services) error {
				stats, err := s.indexer.IndexFile(c.Context, path)
				if err != nil {
					return err
				}
				return writeJSON(c.App.Writer, map[string]interface{}{
					"foods_indexed": stats.FoodsIndexed,
					"foods_skipped": stats.FoodsSkipped,
					"foods_failed":  stats.FoodsFailed,
					"batches":       stats.Batches,
					"duration_ms":   stats.Duration.Milliseconds(),
					"errors":        stats.ErrorMessages,
				})
			})
		},
	}
}

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending schema migrations, or roll back the latest one",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "rollback", Usage: "Roll back the most recent migration"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			// Opening the store applies pending migrations
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if c.Bool("rollback") {
				if err := storage.RollbackMigration(c.Context, store.DB()); err != nil {
					return err
				}
				logger.Info("rolled back latest migration")
			}
			status, err := store.GetStatus(c.Context)
			if err != nil {
				return err
			}
			return writeJSON(c.App.Writer, map[string]string{
				"schema_version": status.SchemaVersion,
				"build_mode":     status.BuildMode,
			})
		},
	}
}

// userError keeps only the user-visible message of a resolution failure
func userError(err error) error {
	var re *types.ResolutionError
	if errors.As(err, &re) {
		return fmt.Errorf("%s: %s", re.Code, re.Message)
	}
	return err
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
