package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wilhg/composable/examples/todo"
	"github.com/wilhg/composable/pkg/config"
	"github.com/wilhg/composable/pkg/devtools"
	"github.com/wilhg/composable/pkg/errmodel"
	"github.com/wilhg/composable/pkg/journal"
	"github.com/wilhg/composable/pkg/journal/badgerstore"
	"github.com/wilhg/composable/pkg/journal/sqlstore"
	"github.com/wilhg/composable/pkg/otel"
	"github.com/wilhg/composable/pkg/scheduler"
	"github.com/wilhg/composable/pkg/store"
)

// app is the state shared by every command once the config is loaded.
type app struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
	out        io.Writer
	errOut     io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "composable",
		Short:         "Runtime, inspector and demo for composable stores",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = config.NewLogger(cfg.Log, a.errOut)
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", getEnv("COMPOSABLE_CONFIG", ""), "path to a YAML config file")

	root.AddCommand(
		newVersionCmd(a),
		newServeCmd(a),
		newSessionsCmd(a),
		newReplayCmd(a),
		newDemoCmd(a),
	)
	return root
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(a.out, "composable %s (commit=%s, date=%s)\n", version, commit, date)
			return err
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	var live bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the devtools inspector over the configured journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, live)
		},
	}
	cmd.Flags().BoolVar(&live, "live", false, "run a ticking todo store whose actions stream to /api/live")
	return cmd
}

func (a *app) serve(ctx context.Context, live bool) error {
	tel, err := otel.Init(ctx, otel.Config{
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Traces:         a.cfg.Telemetry.Traces,
		Metrics:        a.cfg.Telemetry.Metrics,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	js, err := openJournal(ctx, a.cfg.Journal, a.logger)
	if err != nil {
		return err
	}
	defer js.Close()

	hub := devtools.NewHub(a.logger, 256)
	defer hub.Close()

	srv := &http.Server{
		Addr: a.cfg.Devtools.Addr,
		Handler: devtools.NewRouter(devtools.Config{
			ServiceName: a.cfg.Telemetry.ServiceName,
			Journal:     js,
			Hub:         hub,
			Metrics:     tel.MetricsHandler(),
			Logger:      a.logger,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("devtools listening", "addr", srv.Addr)
		return devtools.Serve(gctx, srv)
	})
	if live {
		g.Go(func() error { return a.runLive(gctx, js, hub) })
	}
	return g.Wait()
}

// runLive keeps a todo store ticking until ctx is done, journaling it and
// streaming it to the hub.
func (a *app) runLive(ctx context.Context, js journal.Store, hub *devtools.Hub) error {
	rec, err := journal.NewRecorder(ctx, js, journal.NewSessionID(), todo.Codec(),
		journal.WithBatchSize(a.cfg.Journal.BatchSize), journal.WithLogger(a.logger))
	if err != nil {
		return err
	}
	sched := scheduler.NewQueue()
	defer sched.Close()

	s := store.New(todo.State{Filter: todo.All}, todo.Reducer(), todo.Env{Sched: sched},
		store.WithName("todo"),
		store.WithLogger(a.logger),
		store.WithMode(a.cfg.StoreMode()),
		store.WithTap(rec),
		store.WithTap(hub),
	)
	a.logger.Info("live session started", "session", rec.Session())
	s.Send(todo.NewAdd("watch the clock"))
	s.Send(todo.StartClock{})
	<-ctx.Done()
	s.Send(todo.StopClock{})
	s.Close()
	return rec.Close()
}

func newSessionsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			js, err := openJournal(ctx, a.cfg.Journal, a.logger)
			if err != nil {
				return err
			}
			defer js.Close()
			sessions, err := js.Sessions(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.out)
			for _, s := range sessions {
				if err := enc.Encode(s); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newReplayCmd(a *app) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded todo session into a fresh store and print its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			js, err := openJournal(ctx, a.cfg.Journal, a.logger)
			if err != nil {
				return err
			}
			defer js.Close()
			state, err := replayTodo(ctx, js, session, a.logger)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(a.out)
			enc.SetIndent("", "  ")
			return enc.Encode(state)
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id to replay")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func replayTodo(ctx context.Context, js journal.EntryStore, session string, logger *slog.Logger) (todo.State, error) {
	entries, err := journal.ListAll(ctx, js, session)
	if err != nil {
		return todo.State{}, err
	}
	if len(entries) == 0 {
		return todo.State{}, errmodel.Validation("not_found", "session not found", map[string]any{"session": session})
	}
	s := store.New(todo.State{Filter: todo.All}, todo.Reducer(), todo.Env{Sched: scheduler.Immediate()},
		store.WithName("todo"),
		store.WithLogger(logger),
		store.WithMode(store.Release),
	)
	defer s.Close()
	if _, err := journal.ReplayEntries(ctx, entries, todo.Codec(), s); err != nil {
		return todo.State{}, err
	}
	return s.State(), nil
}

func openJournal(ctx context.Context, cfg config.Journal, logger *slog.Logger) (journal.Store, error) {
	switch cfg.Backend {
	case "sql":
		st, err := sqlstore.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate journal: %w", err)
		}
		return st, nil
	case "badger", "memory":
		bcfg := badgerstore.Config{Path: cfg.Dir, Logger: logger}
		if cfg.Backend == "memory" || cfg.Dir == "" {
			bcfg = badgerstore.Config{InMemory: true}
		}
		st, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, errors.New("unknown journal backend: " + cfg.Backend)
	}
}
