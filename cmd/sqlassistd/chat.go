package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"sqlassist/internal/agent"
	xerrors "sqlassist/internal/errors"
	"sqlassist/internal/sqlexec"
	"sqlassist/pkg/logger"
	"sqlassist/sdk/go/sqlassist"
)

func chatCmd(cfgPath *string) *cobra.Command {
	var (
		auto     bool
		threadID string
		server   string
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session in the terminal",
		Long: `Start an interactive session. Without --server the assistant runs in-process
using the configured database and model; with --server it talks to a running sqlassistd.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r := &repl{threadID: threadID, auto: auto}

			if server != "" {
				client, err := sqlassist.NewClient(server, nil)
				if err != nil {
					return err
				}
				client.SetToken(os.Getenv("SQLASSIST_API_TOKEN"))
				r.conv = remoteConversation{client: client}
				return r.run(ctx)
			}

			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if !verbose {
				cfg.Log.Level = "error"
			}
			if len(cfg.Log.Outputs) == 0 {
				cfg.Log.Outputs = []string{"stderr"}
			}
			if err := initLogger(cfg); err != nil {
				return err
			}
			defer logger.Sync()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			r.conv = localConversation{machine: a.machine}
			return r.run(ctx)
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "execute proposed statements without asking")
	cmd.Flags().StringVar(&threadID, "thread", "", "resume an existing thread")
	cmd.Flags().StringVar(&server, "server", "", "base URL of a running sqlassistd (token from SQLASSIST_API_TOKEN)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "keep the configured log level")
	return cmd
}

type repl struct {
	conv     conversation
	threadID string
	auto     bool
}

func (r *repl) run(ctx context.Context) error {
	pterm.DefaultHeader.Println("sqlassist")
	pterm.Info.Println("Ask a question about your data. Commands: /new, /auto, /skills, /exit")

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := pterm.DefaultInteractiveTextInput.Show("You")
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/new":
			r.threadID = ""
			pterm.Info.Println("Started a new thread")
			continue
		case "/auto":
			r.auto = !r.auto
			pterm.Info.Printfln("Auto-execute: %v", r.auto)
			continue
		case "/skills":
			list, err := r.conv.Skills(ctx)
			if err != nil {
				printError(err)
				continue
			}
			for _, s := range list {
				pterm.Printfln("  %s  %s", pterm.Bold.Sprint(s.ID), s.Description)
			}
			continue
		}

		turn, err := withSpinner("Thinking...", func() (*sqlassist.Turn, error) {
			return r.conv.Send(ctx, r.threadID, line, r.auto)
		})
		if err != nil {
			printError(err)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			continue
		}
		r.threadID = turn.ThreadID

		if turn.ApprovalRequired() && turn.Proposal != nil {
			turn, err = r.approve(ctx, turn)
			if err != nil {
				printError(err)
				continue
			}
		}
		render(turn)
	}
}

func (r *repl) approve(ctx context.Context, turn *sqlassist.Turn) (*sqlassist.Turn, error) {
	if text := strings.TrimSpace(turn.Proposal.Text); text != "" {
		pterm.Println(text)
	}
	pterm.DefaultBox.WithTitle("Proposed SQL").Println(turn.Proposal.Statement)

	choice, err := pterm.DefaultInteractiveSelect.
		WithOptions([]string{string(agent.DecisionApprove), string(agent.DecisionReject)}).
		Show("Run this statement?")
	if err != nil {
		return nil, err
	}
	decision, err := agent.ParseDecision(choice)
	if err != nil {
		return nil, err
	}

	var feedback string
	if decision == agent.DecisionReject {
		feedback, err = pterm.DefaultInteractiveTextInput.Show("Feedback (optional)")
		if err != nil {
			return nil, err
		}
	}

	return withSpinner("Running...", func() (*sqlassist.Turn, error) {
		return r.conv.Decide(ctx, turn.ThreadID, decision, feedback)
	})
}

func withSpinner(text string, fn func() (*sqlassist.Turn, error)) (*sqlassist.Turn, error) {
	spinner, _ := pterm.DefaultSpinner.WithRemoveWhenDone(true).Start(text)
	turn, err := fn()
	if spinner != nil {
		_ = spinner.Stop()
	}
	return turn, err
}

func render(turn *sqlassist.Turn) {
	if turn.Error != nil {
		pterm.Warning.Printfln("%s: %s", turn.Error.Code, turn.Error.Message)
	}
	if turn.StructuredData != nil {
		renderTable(turn.StructuredData)
		return
	}
	if turn.Response != "" {
		pterm.Println(turn.Response)
	}
}

func renderTable(t *sqlassist.Table) {
	data := pterm.TableData{t.Headers}
	for _, row := range t.Rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = sqlexec.FormatCell(cell)
		}
		data = append(data, cells)
	}
	if err := pterm.DefaultTable.WithHasHeader().WithBoxed().WithData(data).Render(); err != nil {
		pterm.Error.Println(err)
	}
	summary := fmt.Sprintf("%d row(s)", t.RowCount)
	if t.Truncated {
		summary += " (truncated)"
	}
	pterm.Info.Println(summary)
}

func printError(err error) {
	var apiErr *sqlassist.APIError
	switch e, ok := xerrors.From(err); {
	case ok:
		msg := fmt.Sprintf("%s: %s", e.Code(), e.Message())
		if e.Retryable() {
			msg += " (retry later)"
		}
		pterm.Error.Println(msg)
	case errors.As(err, &apiErr):
		msg := fmt.Sprintf("%s: %s", apiErr.Code, apiErr.Message)
		if apiErr.Retryable {
			msg += " (retry later)"
		}
		pterm.Error.Println(msg)
	default:
		pterm.Error.Println(err)
	}
}
