// Package cli implements the command-line surface: flags, exit codes, the
// one-shot and stdin modes, and the interactive REPL with slash commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/soyeahso/aixplosion/internal/agent"
	"github.com/soyeahso/aixplosion/internal/llm"
	"github.com/soyeahso/aixplosion/internal/security"
	"github.com/soyeahso/aixplosion/internal/version"
	"github.com/soyeahso/aixplosion/internal/web"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitUsage     = 2
	ExitAuth      = 3
	ExitNetwork   = 4
	ExitToolLimit = 5
)

// errUsage marks argument errors so main can map them to ExitUsage.
var errUsage = errors.New("usage error")

// errToolLimit marks a one-shot turn that ended at the iteration cap.
var errToolLimit = errors.New("tool-use iteration limit reached")

func newRootCmd() *cobra.Command {
	var (
		message        string
		apiKey         string
		model          string
		configPath     string
		nonInteractive bool
		contextFiles   []string
		systemPrompt   string
		stream         bool
		yolo           bool
		logLevel       string
	)

	cmd := &cobra.Command{
		Use:   "aixplosion [message]",
		Short: "aixplosion — a terminal-first coding assistant",
		Long: "aixplosion mediates between you and an LLM that can use tools:\n" +
			"file operations, shell commands, code search, and external MCP tool servers.",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := message
			if input == "" && len(args) > 0 {
				input = strings.Join(args, " ")
			}

			if nonInteractive {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				input = strings.TrimSpace(string(data))
				if input == "" {
					return fmt.Errorf("%w: no input on stdin", errUsage)
				}
			}

			interactive := !nonInteractive && input == "" && security.IsTerminal()

			app, err := newApp(appOptions{
				configPath:  configPath,
				apiKey:      apiKey,
				model:       model,
				system:      systemPrompt,
				yolo:        yolo,
				logLevel:    logLevel,
				interactive: interactive,
			})
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.ConnectMCP(ctx)

			convID, err := app.NewConversation(systemPrompt, "")
			if err != nil {
				return err
			}

			// -f files ride the first input as @refs; the loop reads and
			// records them like inline references.
			var refs strings.Builder
			for _, path := range contextFiles {
				refs.WriteString("@" + path + " ")
			}

			if interactive {
				repl := newREPL(app, convID, stream)
				repl.pendingRefs = refs.String()
				return repl.run(ctx)
			}
			if input == "" {
				return fmt.Errorf("%w: no message given; pass one as an argument, via -m, or run on a terminal", errUsage)
			}
			return runOneShot(ctx, app, convID, refs.String()+input, stream)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "send a single message and exit")
	cmd.Flags().StringVarP(&apiKey, "api-key", "k", "", "API key override (never persisted)")
	cmd.Flags().StringVarP(&model, "model", "M", "", "model override")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().BoolVarP(&nonInteractive, "non-interactive", "n", false, "read the message from stdin until EOF")
	cmd.Flags().StringArrayVarP(&contextFiles, "file", "f", nil, "add a context file (repeatable)")
	cmd.Flags().StringVarP(&systemPrompt, "system", "s", "", "system prompt")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream the response")
	cmd.Flags().BoolVar(&yolo, "yolo", false, "disable security prompts")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	cmd.AddCommand(newServeCmd())
	return cmd
}

// runOneShot executes a single turn and prints the final text.
func runOneShot(ctx context.Context, app *App, convID, input string, stream bool) error {
	if !stream {
		final, err := app.Loop.Advance(ctx, convID, input, app.Policy)
		if err != nil {
			return err
		}
		fmt.Println(final)
		if final == agent.IterationLimitText {
			return errToolLimit
		}
		return nil
	}

	events, err := app.Loop.AdvanceStream(ctx, convID, input, app.Policy)
	if err != nil {
		return err
	}
	final, err := renderStream(os.Stdout, events)
	if err != nil {
		return err
	}
	if final == agent.IterationLimitText {
		return errToolLimit
	}
	return nil
}

// newServeCmd exposes the core over the local HTTP API.
func newServeCmd() *cobra.Command {
	var (
		addr       string
		apiKey     string
		model      string
		configPath string
		yolo       bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local HTTP server for the browser UI",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(appOptions{
				configPath:  configPath,
				apiKey:      apiKey,
				model:       model,
				yolo:        yolo,
				logLevel:    logLevel,
				interactive: false,
			})
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app.ConnectMCP(ctx)

			srv := web.NewServer(web.Config{
				Conversations: app.Conversations,
				Plans:         app.Plans,
				MCPServers:    app.MCPConfigs,
				Agents:        app.Agents,
				Loop:          app.Loop,
				DefaultModel:  app.Config.DefaultModel,
				Yolo:          yolo,
			}, app.Log)
			return srv.ListenAndServe(ctx, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8412", "listen address")
	cmd.Flags().StringVarP(&apiKey, "api-key", "k", "", "API key override (never persisted)")
	cmd.Flags().StringVarP(&model, "model", "M", "", "model override")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file path")
	cmd.Flags().BoolVar(&yolo, "yolo", false, "disable security checks")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}

// Execute runs the root command and maps errors to exit codes.
func Execute() int {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errUsage):
		return ExitUsage
	case errors.Is(err, ErrMissingCredential), errors.Is(err, llm.ErrAuth):
		return ExitAuth
	case errors.Is(err, errToolLimit):
		return ExitToolLimit
	case isNetworkError(err):
		return ExitNetwork
	default:
		return ExitFailure
	}
}

func isNetworkError(err error) bool {
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		return true
	}
	// url.Error wraps transport failures from the HTTP client.
	var urlErr interface{ Timeout() bool }
	return errors.As(err, &urlErr)
}
