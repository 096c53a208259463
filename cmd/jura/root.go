package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"jura/internal/config"
	"jura/internal/conversation"
	"jura/internal/logging"
	"jura/internal/metrics"
	"jura/internal/orchestrator"
	"jura/internal/persistence"
	"jura/internal/reconcile"
	"jura/internal/transport"
)

var (
	blue   = color.New(color.FgBlue).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// CLI holds the command line state shared across subcommands.
type CLI struct {
	cfgPath    string
	agent      string
	debug      bool
	threadFlag string

	cfg    *config.Config
	logger logging.Logger
	orch   *orchestrator.Orchestrator
	store  *conversation.Store
	saver  persistence.TurnSaver

	// thread carries the confirmed identity across turns of one session.
	thread conversation.ThreadRef
}

// NewRootCommand builds the jura command tree.
func NewRootCommand() *cobra.Command {
	cli := &CLI{}

	rootCmd := &cobra.Command{
		Use:   "jura",
		Short: "Streaming chat relay for agent backends",
		Long: fmt.Sprintf(`%s

jura relays streaming chat turns between a frontend and an SSE agent
backend: it decodes the event stream, keeps per-thread conversation
state, reconciles provisional thread ids, and logs finished turns.

%s
  jura "Was regelt §§ 433 BGB?"   # single question
  jura                            # interactive session
  jura serve                      # run the HTTP relay
  jura config show                # effective configuration`,
			bold("jura "+Version), bold("EXAMPLES:")),
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				if err := cli.initialize(); err != nil {
					return err
				}
				defer cli.shutdown()
				return cli.runSinglePrompt(cmd.Context(), strings.Join(args, " "))
			}
			if !isTTY() {
				return cmd.Help()
			}
			if err := cli.initialize(); err != nil {
				return err
			}
			defer cli.shutdown()
			return cli.runInteractive(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cli.cfgPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().StringVarP(&cli.agent, "agent", "a", "", "Agent to talk to")
	rootCmd.PersistentFlags().BoolVarP(&cli.debug, "debug", "d", false, "Debug logging")
	rootCmd.PersistentFlags().StringVarP(&cli.threadFlag, "thread", "t", "", "Continue an existing thread")

	rootCmd.AddCommand(newChatCommand(cli))
	rootCmd.AddCommand(newServeCommand(cli))
	rootCmd.AddCommand(newConfigCommand(cli))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// initialize loads config and wires the relay components.
func (cli *CLI) initialize() error {
	cfg, err := config.Load(cli.cfgPath)
	if err != nil {
		return err
	}
	cli.cfg = cfg

	level := logging.ParseLevel(cfg.Logging.Level)
	if cli.debug {
		level = logging.DEBUG
	}
	logging.SetLevel(level)
	cli.logger = logging.NewComponentLogger("CLI")

	if cli.agent == "" {
		cli.agent = cfg.Agent.Name
	}
	if cli.threadFlag != "" {
		cli.thread = conversation.ConfirmedRef(cli.threadFlag)
	}

	cli.store = conversation.NewStore(cfg.StoreSettings(), cli.logger)

	cli.saver = persistence.NopSaver{}
	if cfg.Persistence.Enabled {
		fs, err := persistence.NewFileStore(cfg.Persistence.Dir, cli.logger)
		if err != nil {
			return fmt.Errorf("open turn log: %w", err)
		}
		cli.saver = fs
	}

	client := transport.NewClient(cfg.TransportConfig(), cli.logger)
	cli.orch = orchestrator.New(
		orchestrator.NewTransportOpener(client),
		cli.store,
		reconcile.New(cli.logger),
		cli.saver,
		cli.logger,
		metrics.NewNop(),
	)
	return nil
}

func (cli *CLI) shutdown() {
	if cli.store != nil {
		cli.store.Close()
	}
}
