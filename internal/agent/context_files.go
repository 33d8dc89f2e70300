package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/soyeahso/aixplosion/internal/domain"
)

// contextRefRe matches @path tokens in user input.
var contextRefRe = regexp.MustCompile(`@([^\s@]+)`)

// ExtractContextRefs returns the paths referenced with @path syntax.
func ExtractContextRefs(input string) []string {
	var paths []string
	for _, m := range contextRefRe.FindAllStringSubmatch(input, -1) {
		paths = append(paths, m[1])
	}
	return paths
}

// StripContextRefs removes @path tokens from the input.
func StripContextRefs(input string) string {
	return trimSpace(contextRefRe.ReplaceAllString(input, ""))
}

func trimSpace(s string) string {
	// regexp replacement can leave doubled spaces; collapse edges only,
	// interior spacing is harmless to the model.
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}

// contextBlock reads a file and renders it as a context text block.
func contextBlock(path string) (domain.ContentBlock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.ContentBlock{}, fmt.Errorf("failed to read file '%s': %w", path, err)
	}
	text := fmt.Sprintf("Context from file '%s':\n\n```\n%s\n```", path, data)
	return domain.TextBlock(text), nil
}

// agentsMDBlocks collects AGENTS.md auto-context for a conversation's first
// turn: the global file (if any), then the project-local one.
func (l *Loop) agentsMDBlocks() []domain.ContentBlock {
	var blocks []domain.ContentBlock
	for _, path := range []string{l.opts.GlobalAgentsMD, filepath.Join(l.opts.WorkDir, "AGENTS.md")} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		blk, err := contextBlock(path)
		if err != nil {
			l.log.Warn().Str("path", path).Err(err).Msg("reading AGENTS.md")
			continue
		}
		blocks = append(blocks, blk)
	}
	return blocks
}
