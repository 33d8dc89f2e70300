package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Search result and per-file scan limits keep tool output bounded.
const (
	maxSearchMatches = 200
	maxScanLineBytes = 512 * 1024
)

// searchInFiles walks a directory tree and reports lines containing the
// query, one "path:line: text" entry per match. Read-only.
func searchInFiles(ctx context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Query   string `json:"query"`
		Path    string `json:"path"`
		Include string `json:"include"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	if args.Query == "" {
		return "", fmt.Errorf("missing 'query' argument")
	}

	root, err := resolvePath(args.Path)
	if err != nil {
		return "", err
	}

	var matches []string
	truncated := false

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if args.Include != "" {
			ok, err := doublestar.PathMatch(args.Include, rel)
			if err != nil {
				return fmt.Errorf("invalid include pattern %q: %w", args.Include, err)
			}
			if !ok {
				return nil
			}
		}

		found, err := scanFile(path, rel, args.Query, &matches)
		if err != nil {
			return nil
		}
		if found && len(matches) >= maxSearchMatches {
			truncated = true
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if len(matches) == 0 {
		return fmt.Sprintf("No matches for %q in %s", args.Query, root), nil
	}

	out := strings.Join(matches, "\n")
	if truncated {
		out += fmt.Sprintf("\n… results capped at %d matches", maxSearchMatches)
	}
	return out, nil
}

// scanFile appends matching lines and reports whether any matched. Binary
// files (NUL in the first chunk) are skipped.
func scanFile(path, rel, query string, matches *[]string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	probe := make([]byte, 1024)
	n, _ := f.Read(probe)
	if strings.ContainsRune(string(probe[:n]), '\x00') {
		return false, nil
	}
	if _, err := f.Seek(0, 0); err != nil {
		return false, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxScanLineBytes)

	found := false
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.Contains(line, query) {
			*matches = append(*matches, fmt.Sprintf("%s:%d: %s", rel, lineNo, strings.TrimSpace(line)))
			found = true
			if len(*matches) >= maxSearchMatches {
				return true, nil
			}
		}
	}
	return found, nil
}

// globFiles expands a doublestar pattern to matching paths. Read-only.
func globFiles(_ context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	if args.Pattern == "" {
		return "", fmt.Errorf("missing 'pattern' argument")
	}

	root, err := resolvePath(args.Path)
	if err != nil {
		return "", err
	}

	matches, err := doublestar.Glob(os.DirFS(root), args.Pattern)
	if err != nil {
		return "", fmt.Errorf("invalid glob pattern %q: %w", args.Pattern, err)
	}
	if len(matches) == 0 {
		return fmt.Sprintf("No files match %q in %s", args.Pattern, root), nil
	}
	return strings.Join(matches, "\n"), nil
}
