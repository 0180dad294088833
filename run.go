package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mudbot/config"
	"mudbot/registry"
	"mudbot/session"
	"mudbot/stats"
	"mudbot/supervisor"
	"mudbot/transcript"

	"github.com/spf13/cobra"
)

const transcriptPruneInterval = time.Hour

func newRunCmd(a *app) *cobra.Command {
	var (
		bots      []string
		ephemeral bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect every registered bot and keep it online",
		Long:  "run starts one session per registered identity (or only those named with --bot) and blocks until all of them end or the process is interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBots(ctx, a.cfg, bots, ephemeral, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVar(&bots, "bot", nil, "run only these identities (repeatable)")
	cmd.Flags().BoolVar(&ephemeral, "ephemeral", false, "keep the registry in memory, seeded from the config bots section")
	return cmd
}

// Purpose: Wire registry, sinks, stats and the supervisor, then run the bots.
// Key aspects: Returns exitCode with the supervisor report's status; setup
// failures are returned as plain errors.
// Upstream: run command.
// Downstream: supervisor.Supervisor.Run.
func runBots(ctx context.Context, cfg *config.Config, names []string, ephemeral bool, console io.Writer) error {
	fanout, err := setupLogging(cfg.Logging, console)
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer func() {
		log.SetOutput(os.Stderr)
		_ = fanout.Close()
	}()
	if err != nil {
		log.Printf("Logging: file output disabled: %v", err)
	}
	log.Printf("mudbot %s starting", Version)
	cfg.Print(log.Writer())

	reg, closeRegistry, err := openRegistry(cfg, ephemeral)
	if err != nil {
		return err
	}
	defer closeRegistry()

	ids, err := reg.List()
	if err != nil {
		log.Printf("Registry: skipping malformed entries: %v", err)
	}
	ids, err = selectBots(ids, names)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("no bots registered; add one with 'mudbot bot add' or the config bots section")
	}

	settings, err := cfg.SessionSettings()
	if err != nil {
		return err
	}
	sink, closeSinks, err := buildSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()

	tracker := stats.NewTracker()
	for _, id := range ids {
		tracker.Register(id.Name)
	}
	if cfg.Metrics.Listen != "" {
		srv := startMetricsServer(cfg.Metrics.Listen, tracker.Handler())
		defer shutdownServer(srv)
	}

	sup := supervisor.New(sessionFactory(settings, sink), supervisor.Config{
		Retry:          cfg.RetryPolicy(),
		Observer:       tracker,
		OnRetry:        tracker.Reconnect,
		OnExit:         logExit,
		Status:         tracker.StatusLine,
		StatusInterval: time.Duration(cfg.Metrics.StatusIntervalSeconds) * time.Second,
	})
	log.Printf("Starting %d bot(s): %s", len(ids), strings.Join(identityNames(ids), ", "))
	report := sup.Run(ctx, ids)

	failed := report.Failed()
	log.Printf("Stopped: %d bot(s), %d failed; %s", len(report.Results), len(failed), tracker.StatusLine())
	if code := report.ExitCode(); code != 0 {
		return exitCode(code)
	}
	return nil
}

func sessionFactory(settings session.Settings, sink transcript.Sink) supervisor.Factory {
	return func(id registry.Identity, obs session.Observer) *session.Handler {
		opts := []session.Option{session.WithSink(sink), session.WithObserver(obs)}
		if settings.Debug {
			opts = append(opts, session.WithLineHandler(func(l session.Line) {
				log.Printf("%s> %s", l.Bot, l.Text)
			}))
		}
		return session.New(id, settings, opts...)
	}
}

func logExit(res supervisor.Result) {
	switch {
	case res.Err != nil:
		log.Printf("%s: failed after %d attempt(s): %v", res.Bot, res.Attempts, res.Err)
	case res.Canceled:
		log.Printf("%s: stopped", res.Bot)
	default:
		log.Printf("%s: finished", res.Bot)
	}
}

// Purpose: Open the identity registry and upsert the configured seeds.
// Key aspects: Invalid seeds are logged and skipped so one bad entry does not
// block the rest.
// Upstream: runBots.
// Downstream: registry.Open or registry.NewMemoryStore.
func openRegistry(cfg *config.Config, ephemeral bool) (registry.Registry, func(), error) {
	var (
		reg     registry.Registry
		closeFn = func() {}
	)
	if ephemeral {
		reg, _ = registry.NewMemoryStore()
	} else {
		store, err := registry.Open(cfg.Registry.Path)
		if err != nil {
			return nil, nil, err
		}
		reg = store
		closeFn = func() {
			if err := store.Close(); err != nil {
				log.Printf("Registry: close failed: %v", err)
			}
		}
	}
	seeds, err := cfg.Seeds()
	if err != nil {
		log.Printf("Registry: ignoring invalid bots entries: %v", err)
	}
	for _, id := range seeds {
		if err := reg.Put(id); err != nil {
			log.Printf("Registry: seed %s not stored: %v", id.Name, err)
		}
	}
	return reg, closeFn, nil
}

// selectBots keeps the identities named in names, in that order. An empty
// names selects everything.
func selectBots(ids []registry.Identity, names []string) ([]registry.Identity, error) {
	if len(names) == 0 {
		return ids, nil
	}
	byName := make(map[string]registry.Identity, len(ids))
	for _, id := range ids {
		byName[id.Name] = id
	}
	var (
		out  []registry.Identity
		errs []error
	)
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			errs = append(errs, unknownBotError(identityNames(ids), name))
			continue
		}
		out = append(out, id)
	}
	return out, errors.Join(errs...)
}

func unknownBotError(known []string, name string) error {
	if suggestions := registry.Suggest(known, name, 3); len(suggestions) > 0 {
		return fmt.Errorf("%w: %s (did you mean %s?)", registry.ErrNotFound, name, strings.Join(suggestions, ", "))
	}
	return fmt.Errorf("%w: %s", registry.ErrNotFound, name)
}

func identityNames(ids []registry.Identity) []string {
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.Name
	}
	return names
}

// Purpose: Build the transcript fanout from the transcript config section.
// Key aspects: The SQLite store is pruned hourly until the returned closer
// runs; the closer releases every sink.
// Upstream: runBots.
// Downstream: transcript.NewDailyFile, OpenSQLite, DialMQTT.
func buildSinks(ctx context.Context, cfg *config.Config) (transcript.Sink, func(), error) {
	var sinks transcript.Fanout
	ctx, cancel := context.WithCancel(ctx)
	closeAll := func() {
		cancel()
		if err := sinks.Close(); err != nil {
			log.Printf("Transcript: close failed: %v", err)
		}
	}
	tc := cfg.Transcript
	if tc.Dir != "" {
		daily, err := transcript.NewDailyFile(tc.Dir, tc.RetentionDays)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, daily)
	}
	if tc.SQLite.Enabled {
		store, err := transcript.OpenSQLite(tc.SQLite.Path, time.Duration(tc.SQLite.RetentionDays)*24*time.Hour)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, store)
		go pruneLoop(ctx, store)
	}
	if tc.MQTT.Enabled {
		relay, err := transcript.DialMQTT(cfg.MQTT())
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sinks = append(sinks, relay)
	}
	if len(sinks) == 0 {
		cancel()
		return transcript.Discard, func() {}, nil
	}
	return sinks, closeAll, nil
}

func pruneLoop(ctx context.Context, store *transcript.SQLiteStore) {
	ticker := time.NewTicker(transcriptPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := store.Prune(ctx, now)
			if err != nil {
				log.Printf("Transcript: prune failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("Transcript: pruned %d line(s)", n)
			}
		}
	}
}

func startMetricsServer(addr string, h http.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("Metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server failed: %v", err)
		}
	}()
	return srv
}

func shutdownServer(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
