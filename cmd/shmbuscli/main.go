// Command shmbuscli attaches to a shared-memory event bus from the command
// line: it can force-initialize a bus, post messages onto it, dump its
// current lock and cursor state, or sit and print whatever another process
// posts.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/shmbus/bus"
	"github.com/yanet-platform/shmbus/internal/config"
	"github.com/yanet-platform/shmbus/internal/logging"
	"github.com/yanet-platform/shmbus/internal/xcmd"
)

var cmd cmdArgs

type cmdArgs struct {
	ConfigPath string
	Path       string
	Size       string
	NumItems   uint64
	Init       bool
	InitLocks  bool
	Dump       bool
	Post       string
	Many       bool
	LogLevel   string
}

var rootCmd = &cobra.Command{
	Use:   "shmbuscli",
	Short: "Inspect and exercise a shared-memory event bus",
	RunE: func(rawCmd *cobra.Command, _ []string) error {
		if err := applyConfigFile(rawCmd); err != nil {
			return err
		}
		if cmd.Path == "" {
			return fmt.Errorf("--path is required unless set via --config")
		}
		if err := run(cmd); err != nil {
			if _, ok := err.(xcmd.Interrupted); ok {
				return nil
			}
			return err
		}
		return nil
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to a YAML config file; explicit flags override its fields")
	flags.StringVarP(&cmd.Path, "path", "p", "", "Path identifying the bus (required unless set via --config)")
	flags.StringVar(&cmd.Size, "size", "1MB", "Ring capacity (variable mode) or payload size per slot (fixed mode)")
	flags.Uint64Var(&cmd.NumItems, "num-items", 0, "Number of fixed-width slots; 0 selects variable-width mode")
	flags.BoolVar(&cmd.Init, "init", false, "Create the bus if it does not already exist")
	flags.BoolVar(&cmd.InitLocks, "init-locks", false, "Force-reinitialize the bus's lock state, then dump and exit")
	flags.BoolVar(&cmd.Dump, "dump", false, "Print the bus's lock and cursor state and exit")
	flags.StringVar(&cmd.Post, "post", "", "Post this message to the bus instead of listening")
	flags.BoolVar(&cmd.Many, "many", false, "Use the batch post/get path instead of posting or reading one at a time")
	flags.StringVar(&cmd.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
}

// applyConfigFile layers --config's fields under whatever flags the caller
// set explicitly, mirroring the control plane's own config-file-plus-flags
// precedence rather than making the two mutually exclusive.
func applyConfigFile(rawCmd *cobra.Command) error {
	if cmd.ConfigPath == "" {
		return nil
	}
	cfg, err := config.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	flags := rawCmd.Flags()
	if !flags.Changed("path") {
		cmd.Path = cfg.Path
	}
	if !flags.Changed("size") {
		cmd.Size = cfg.ItemSize.String()
	}
	if !flags.Changed("num-items") {
		cmd.NumItems = cfg.NumItems
	}
	if !flags.Changed("log-level") {
		cmd.LogLevel = cfg.Logging.Level.String()
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd cmdArgs) error {
	level := zap.InfoLevel
	_ = level.UnmarshalText([]byte(cmd.LogLevel))

	log, _, err := logging.Init(&logging.Config{Level: level})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	var itemSize datasize.ByteSize
	if err := itemSize.UnmarshalText([]byte(cmd.Size)); err != nil {
		return fmt.Errorf("invalid --size %q: %w", cmd.Size, err)
	}

	ctx := context.Background()

	numItems := cmd.NumItems
	if !cmd.Init && !cmd.InitLocks {
		// Attaching to an existing bus does not need dimensions: the bus's
		// own header carries them. Passing zero here only succeeds if the
		// bus already exists, per AcquireSegment's ErrNoDimensions rule.
		numItems = 0
		itemSize = 0
	}

	b, err := bus.Open(ctx, cmd.Path, numItems, uint64(itemSize), bus.WithLog(log))
	if err != nil {
		return fmt.Errorf("failed to open bus: %w", err)
	}
	defer b.Close()

	if cmd.InitLocks {
		if err := b.ResetLocks(); err != nil {
			return fmt.Errorf("reset locks: %w", err)
		}
	}
	if cmd.InitLocks || cmd.Dump {
		fmt.Println(b.Dump())
		return nil
	}

	if cmd.Post != "" {
		return doPost(ctx, b, cmd)
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		if cmd.Many {
			return receiveMany(ctx, b, log)
		}
		return receiveOne(ctx, b, log)
	})
	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})
	return wg.Wait()
}

func doPost(ctx context.Context, b *bus.EventBus, cmd cmdArgs) error {
	payload := []byte(cmd.Post)
	if cmd.Many {
		posted, err := b.PostMany(ctx, [][]byte{payload})
		if err != nil {
			return fmt.Errorf("post many: %w", err)
		}
		fmt.Printf("posted %d message(s)\n", posted)
		return nil
	}

	ok, err := b.Post(ctx, payload)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	if !ok {
		return fmt.Errorf("message did not fit the bus's configured size")
	}
	return nil
}

func receiveOne(ctx context.Context, b *bus.EventBus, log *zap.SugaredLogger) error {
	for {
		msg, err := b.Get(ctx, false)
		if err != nil {
			return err
		}
		fmt.Printf("%s\n", msg)
	}
}

func receiveMany(ctx context.Context, b *bus.EventBus, log *zap.SugaredLogger) error {
	for {
		msgs, err := b.GetMany(ctx)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			fmt.Printf("%s\n", msg)
		}
	}
}
