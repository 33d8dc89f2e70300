package security

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"
)

// promptTimeout bounds how long an interactive prompt waits before denying.
const promptTimeout = 30 * time.Second

// PromptChoice is the user's answer to a security prompt.
type PromptChoice int

const (
	ChoiceDeny PromptChoice = iota
	ChoiceAllowOnce
	ChoiceAllowRemember
	ChoiceAllowWildcard
)

// PromptRequest describes one escalation.
type PromptRequest struct {
	ToolName      string
	Command       string
	OfferWildcard bool
	Wildcard      string
}

// Prompter asks the user to approve a mutating tool call. Implementations
// must honor ctx cancellation and default to deny on timeout.
type Prompter interface {
	Ask(ctx context.Context, req PromptRequest) (PromptChoice, error)
}

// IsTerminal reports whether stdin is attached to a TTY.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// TerminalPrompter reads prompt answers from the terminal.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

// NewTerminalPrompter creates a prompter over stdin/stderr.
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr}
}

// Ask presents the numbered options and reads a selection. An unreadable or
// out-of-range answer, a timeout, or cancellation all deny.
func (p *TerminalPrompter) Ask(ctx context.Context, req PromptRequest) (PromptChoice, error) {
	fmt.Fprintln(p.Out)
	fmt.Fprintln(p.Out, "Security check")
	fmt.Fprintf(p.Out, "  Tool:    %s\n", req.ToolName)
	fmt.Fprintf(p.Out, "  Command: %s\n", req.Command)
	fmt.Fprintln(p.Out)

	options := []struct {
		label  string
		choice PromptChoice
	}{
		{"Allow this time only", ChoiceAllowOnce},
		{"Allow and remember", ChoiceAllowRemember},
	}
	if req.OfferWildcard {
		options = append(options, struct {
			label  string
			choice PromptChoice
		}{fmt.Sprintf("Allow with wildcard %q", req.Wildcard), ChoiceAllowWildcard})
	}
	options = append(options, struct {
		label  string
		choice PromptChoice
	}{"Deny", ChoiceDeny})

	for i, opt := range options {
		fmt.Fprintf(p.Out, "  %d) %s\n", i+1, opt.label)
	}
	fmt.Fprintf(p.Out, "Select an option [%d]: ", len(options))

	line, err := p.readLine(ctx)
	if err != nil {
		return ChoiceDeny, err
	}

	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 1 || n > len(options) {
		return ChoiceDeny, nil
	}
	return options[n-1].choice, nil
}

// readLine reads one line with the prompt timeout applied.
func (p *TerminalPrompter) readLine(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, promptTimeout)
	defer cancel()

	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		ch <- result{line, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return "", fmt.Errorf("reading answer: %w", res.err)
		}
		return res.line, nil
	case <-ctx.Done():
		fmt.Fprintln(p.Out)
		return "", fmt.Errorf("prompt timed out")
	}
}
