package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"jura/internal/agentstream"
	"jura/internal/orchestrator"
	"jura/internal/streamerr"
)

const toolResultExcerpt = 200

func newChatCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the agent, streaming",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.initialize(); err != nil {
				return err
			}
			defer cli.shutdown()
			if len(args) > 0 {
				return cli.runSinglePrompt(cmd.Context(), strings.Join(args, " "))
			}
			return cli.runInteractive(cmd.Context())
		},
	}
}

// runSinglePrompt streams one turn and exits.
func (cli *CLI) runSinglePrompt(ctx context.Context, prompt string) error {
	return cli.runTurn(ctx, prompt)
}

// replAction classifies one line of REPL input.
type replAction int

const (
	replSubmit replAction = iota
	replSkip
	replExit
)

// classifyInput normalizes a raw REPL line and decides what to do with it.
func classifyInput(line string) (string, replAction) {
	prompt := strings.TrimSpace(line)
	switch prompt {
	case "":
		return "", replSkip
	case "exit", "quit", "q":
		return "", replExit
	}
	return prompt, replSubmit
}

// runInteractive is a readline REPL (arrow keys, persistent history) that
// streams turns until EOF or "exit". Ctrl-C on an empty prompt leaves the
// session; during a turn it cancels just that turn.
func (cli *CLI) runInteractive(ctx context.Context) error {
	fmt.Printf("%s  agent=%s\n", bold("jura "+Version), cyan(cli.agent))
	fmt.Println(gray("type a question and press enter, 'exit' to quit, arrows for history"))
	fmt.Println()

	homeDir, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            blue("> "),
		HistoryFile:       filepath.Join(homeDir, ".jura-history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				fmt.Println()
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			fmt.Println()
			return nil
		}
		if err != nil {
			return err
		}

		prompt, action := classifyInput(line)
		switch action {
		case replSkip:
			continue
		case replExit:
			return nil
		}

		if err := cli.runTurn(ctx, prompt); err != nil {
			switch {
			case streamerr.IsBusy(err):
				fmt.Println(yellow("previous turn still running, try again"))
			case streamerr.IsTimeout(err):
				fmt.Println(red("stream went quiet past the inactivity window, turn dropped"))
			default:
				fmt.Println(red("error: " + err.Error()))
			}
		}
	}
}

// runTurn submits one prompt and renders the transition stream.
func (cli *CLI) runTurn(ctx context.Context, prompt string) error {
	turn, err := cli.orch.Submit(ctx, orchestrator.SubmitRequest{
		Thread:  cli.thread,
		Agent:   cli.agent,
		Message: prompt,
	})
	if err != nil {
		return err
	}

	// Ctrl-C cancels the turn, not the process.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	turnDone := make(chan struct{})
	defer close(turnDone)
	go func() {
		select {
		case <-sigCh:
			fmt.Println(yellow("\ncanceling..."))
			turn.Cancel()
		case <-ctx.Done():
			turn.Cancel()
		case <-turnDone:
		}
	}()

	thinking := false
	for tr := range turn.Transitions() {
		switch ev := tr.Event.(type) {
		case agentstream.Start:
			fmt.Println(gray(fmt.Sprintf("agent %s", ev.Agent)))
		case agentstream.Thinking:
			if !ev.Done && !thinking {
				fmt.Println(gray("thinking..."))
				thinking = true
			}
		case agentstream.Token:
			fmt.Print(ev.Text)
		case agentstream.ToolInvoked:
			fmt.Printf("\n%s %s\n", cyan("tool:"), ev.Name)
		case agentstream.ToolCompleted:
			result := ev.Result
			if len(result) > toolResultExcerpt {
				result = result[:toolResultExcerpt] + "..."
			}
			if ev.Failed {
				fmt.Printf("%s %s\n", red("tool failed:"), result)
			} else {
				fmt.Println(gray("  " + result))
			}
		case agentstream.Done:
			fmt.Println()
		}

		if tr.State == orchestrator.StateCanceling {
			fmt.Println(yellow("\n[canceled]"))
		}
	}

	// Keep the confirmed identity for the next turn of this session.
	cli.thread = turn.Thread()

	if err := turn.Err(); err != nil {
		return err
	}
	if cli.thread.Confirmed() {
		fmt.Println(gray("thread " + cli.thread.ID()))
	}
	return nil
}
