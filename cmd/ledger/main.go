// Command ledger is a thin harness for exercising the store library
// locally: append messages, read ranges forwards/backwards, subscribe to
// live tails, and manage stream retention metadata. It opens the embedded
// Pebble engine directly — there is no server process, consistent with
// spec.md's "server/wire protocol" non-goal.
//
// Grounded on the teacher's cmd/flo entrypoint and internal/cmd/client
// command-tree shape, rebuilt here as a single-process local CLI instead
// of a client dialing a remote server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rzbill/ledger/internal/config"
	"github.com/rzbill/ledger/internal/engine"
	pebblestore "github.com/rzbill/ledger/internal/storage/pebble"
	"github.com/rzbill/ledger/internal/store"
	"github.com/rzbill/ledger/internal/subscription"
	logpkg "github.com/rzbill/ledger/pkg/log"
)

var (
	dataDirFlag string
	fsyncFlag   string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ledger",
		Short: "Local harness for the ledger event store",
	}
	root.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Pebble data directory (default: "+config.DefaultDataDir()+")")
	root.PersistentFlags().StringVar(&fsyncFlag, "fsync", "", "fsync mode: always|interval|never")

	root.AddCommand(newAppendCmd())
	root.AddCommand(newReadCmd())
	root.AddCommand(newSubscribeCmd())
	root.AddCommand(newMetaCmd())
	return root
}

func loadConfig() config.Config {
	cfg := config.Default()
	config.FromEnv(&cfg)
	if dataDirFlag != "" {
		cfg.DataDir = dataDirFlag
	}
	if fsyncFlag != "" {
		cfg.Fsync = fsyncFlag
	}
	return cfg
}

// openEngine opens the Pebble-backed engine for the configured data
// directory. The returned closer must be called to release the database.
func openEngine(cfg config.Config) (*engine.Engine, func(), error) {
	db, err := pebblestore.Open(pebblestore.Options{DataDir: cfg.DataDir, Fsync: cfg.FsyncMode()})
	if err != nil {
		return nil, nil, fmt.Errorf("open data dir %q: %w", cfg.DataDir, err)
	}
	eng, err := engine.Open(engine.Options{DB: db})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return eng, func() { db.Close() }, nil
}

// openStore opens the engine and wraps it with the readonly store façade,
// wiring every config knob spec.md §6 exposes.
func openStore(cfg config.Config) (*store.Store, func(), error) {
	eng, closeEngine, err := openEngine(cfg)
	if err != nil {
		return nil, nil, err
	}
	lg, lerr := logpkg.ApplyConfig(logpkg.Config{Level: cfg.LogLevel})
	if lerr != nil {
		lg = logpkg.NewLogger()
	}
	s, err := store.New(eng, store.Options{
		MetadataCacheExpiry:  time.Duration(cfg.MetadataCacheExpirySeconds) * time.Second,
		MetadataCacheMaxSize: cfg.MetadataCacheMaxSize,
		GapReloadInterval:    time.Duration(cfg.GapReloadIntervalMs) * time.Millisecond,
		PollInterval:         time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		Logger:               lg,
		LogName:              cfg.LogName,
	})
	if err != nil {
		closeEngine()
		return nil, nil, err
	}
	return s, func() { s.Close(); closeEngine() }, nil
}

func newAppendCmd() *cobra.Command {
	var (
		streamID        string
		msgType         string
		data            string
		metadata        string
		expectedVersion int64
	)
	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append a message to a stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			if streamID == "" || msgType == "" {
				return fmt.Errorf("--stream and --type are required")
			}
			if !json.Valid([]byte(data)) {
				return fmt.Errorf("--data must be valid JSON")
			}
			var metaBytes []byte
			if metadata != "" {
				if !json.Valid([]byte(metadata)) {
					return fmt.Errorf("--metadata must be valid JSON")
				}
				metaBytes = []byte(metadata)
			}

			eng, closeEngine, err := openEngine(loadConfig())
			if err != nil {
				return err
			}
			defer closeEngine()

			res, err := eng.Append(cmd.Context(), streamID, expectedVersion, []engine.NewMessage{
				{MessageID: uuid.New(), Type: msgType, JSONData: []byte(data), JSONMetadata: metaBytes},
			})
			if err != nil {
				return err
			}
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&streamID, "stream", "", "stream id")
	cmd.Flags().StringVar(&msgType, "type", "", "message type")
	cmd.Flags().StringVar(&data, "data", "{}", "message JSON payload")
	cmd.Flags().StringVar(&metadata, "metadata", "", "message JSON metadata")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", engine.ExpectedVersionAny, "expected stream version (-2 any, -1 no-stream)")
	return cmd
}

func newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read a range of messages",
	}
	cmd.AddCommand(newReadStreamCmd(), newReadAllCmd())
	return cmd
}

func newReadStreamCmd() *cobra.Command {
	var (
		from     int64
		max      int
		backward bool
		prefetch bool
	)
	cmd := &cobra.Command{
		Use:   "stream <stream-id>",
		Short: "Read messages from a single stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := openStore(loadConfig())
			if err != nil {
				return err
			}
			defer closeStore()

			streamID := args[0]
			if backward {
				page, err := s.ReadStreamBackwards(cmd.Context(), streamID, from, max, prefetch)
				if err != nil {
					return err
				}
				return printJSON(page)
			}
			page, err := s.ReadStreamForwards(cmd.Context(), streamID, from, max, prefetch)
			if err != nil {
				return err
			}
			return printJSON(page)
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "starting version (-1 for end, backward only)")
	cmd.Flags().IntVar(&max, "max", 100, "maximum messages to return")
	cmd.Flags().BoolVar(&backward, "backward", false, "read backwards")
	cmd.Flags().BoolVar(&prefetch, "prefetch", true, "eagerly materialize message data")
	return cmd
}

func newReadAllCmd() *cobra.Command {
	var (
		from     int64
		max      int
		backward bool
		prefetch bool
	)
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Read messages from the all-stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := openStore(loadConfig())
			if err != nil {
				return err
			}
			defer closeStore()

			if backward {
				page, err := s.ReadAllBackwards(cmd.Context(), from, max, prefetch)
				if err != nil {
					return err
				}
				return printJSON(page)
			}
			page, err := s.ReadAllForwards(cmd.Context(), from, max, prefetch)
			if err != nil {
				return err
			}
			return printJSON(page)
		},
	}
	cmd.Flags().Int64Var(&from, "from", 0, "starting position (-1 for end, backward only)")
	cmd.Flags().IntVar(&max, "max", 100, "maximum messages to return")
	cmd.Flags().BoolVar(&backward, "backward", false, "read backwards")
	cmd.Flags().BoolVar(&prefetch, "prefetch", true, "eagerly materialize message data")
	return cmd
}

func newSubscribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe to live messages",
	}
	cmd.AddCommand(newSubscribeStreamCmd(), newSubscribeAllCmd())
	return cmd
}

func newSubscribeStreamCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "stream <stream-id>",
		Short: "Subscribe to a single stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := openStore(loadConfig())
			if err != nil {
				return err
			}
			defer closeStore()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var continueAfter *int64
			if cmd.Flags().Changed("after") {
				continueAfter = &after
			}

			unsubscribe, err := s.SubscribeToStream(ctx, args[0], store.SubscribeOptions{
				ContinueAfter: continueAfter,
				Prefetch:      true,
				OnMessage:     printMessageCallback,
				OnDropped:     printDroppedCallback,
			})
			if err != nil {
				return err
			}
			defer unsubscribe()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", -1, "exclusive version to continue after (default: current head)")
	return cmd
}

func newSubscribeAllCmd() *cobra.Command {
	var after int64
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Subscribe to the all-stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := openStore(loadConfig())
			if err != nil {
				return err
			}
			defer closeStore()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var continueAfter *int64
			if cmd.Flags().Changed("after") {
				continueAfter = &after
			}

			unsubscribe, err := s.SubscribeToAll(ctx, store.SubscribeOptions{
				ContinueAfter: continueAfter,
				Prefetch:      true,
				OnMessage:     printMessageCallback,
				OnDropped:     printDroppedCallback,
			})
			if err != nil {
				return err
			}
			defer unsubscribe()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().Int64Var(&after, "after", -1, "exclusive position to continue after (default: current head)")
	return cmd
}

func newMetaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Manage stream retention metadata",
	}
	cmd.AddCommand(newMetaSetCmd(), newMetaGetCmd())
	return cmd
}

func newMetaSetCmd() *cobra.Command {
	var (
		streamID string
		maxAge   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set a stream's max-age retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			if streamID == "" {
				return fmt.Errorf("--stream is required")
			}
			eng, closeEngine, err := openEngine(loadConfig())
			if err != nil {
				return err
			}
			defer closeEngine()

			seconds := uint32(maxAge.Seconds())
			version, err := eng.SetStreamMetadata(cmd.Context(), streamID, &seconds, nil, nil, engine.ExpectedVersionAny)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"stream_id": streamID, "metadata_stream_version": version, "max_age_seconds": seconds})
		},
	}
	cmd.Flags().StringVar(&streamID, "stream", "", "stream id")
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "retention window, e.g. 10s, 24h")
	return cmd
}

func newMetaGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <stream-id>",
		Short: "Print a stream's current metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, closeStore, err := openStore(loadConfig())
			if err != nil {
				return err
			}
			defer closeStore()

			meta, err := s.GetStreamMetadata(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(meta)
		},
	}
	return cmd
}

func printMessageCallback(ctx context.Context, msg engine.Message) (subscription.ControlFlow, error) {
	_ = printJSON(msg)
	return subscription.Continue, nil
}

func printDroppedCallback(reason subscription.DropReason, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscription dropped: reason=%s err=%v\n", reason, err)
		return
	}
	fmt.Fprintf(os.Stderr, "subscription dropped: reason=%s\n", reason)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
