package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/soyeahso/aixplosion/internal/domain"
)

// RegisterBuiltins populates the registry with every built-in tool.
func RegisterBuiltins(reg *Registry) {
	reg.RegisterBuiltin(domain.Tool{
		Name:        "read_file",
		Description: "Read the contents of a file",
		InputSchema: schema(`"path":{"type":"string","description":"Path to the file to read"}`, "path"),
	}, readFile)

	reg.RegisterBuiltin(domain.Tool{
		Name:        "write_file",
		Description: "Write content to a file (creates file if it doesn't exist)",
		InputSchema: schema(`"path":{"type":"string","description":"Path to the file to write"},"content":{"type":"string","description":"Content to write to the file"}`, "path", "content"),
	}, writeFile)

	reg.RegisterBuiltin(domain.Tool{
		Name:        "edit_file",
		Description: "Replace specific text in a file with new text. The old text must occur exactly once.",
		InputSchema: schema(`"path":{"type":"string","description":"Path to the file to edit"},"old_text":{"type":"string","description":"Text to replace"},"new_text":{"type":"string","description":"New text to replace with"}`, "path", "old_text", "new_text"),
	}, editFile)

	reg.RegisterBuiltin(domain.Tool{
		Name:        "list_directory",
		Description: "List contents of a directory",
		InputSchema: schema(`"path":{"type":"string","description":"Path to the directory to list (default: current directory)"}`),
	}, listDirectory)

	reg.RegisterBuiltin(domain.Tool{
		Name:        "create_directory",
		Description: "Create a directory (and parent directories if needed)",
		InputSchema: schema(`"path":{"type":"string","description":"Path to the directory to create"}`, "path"),
	}, createDirectory)

	reg.RegisterBuiltin(domain.Tool{
		Name:        "delete_file",
		Description: "Delete a file or directory",
		InputSchema: schema(`"path":{"type":"string","description":"Path to the file or directory to delete"}`, "path"),
	}, deleteFile)

	reg.RegisterBuiltin(domain.Tool{
		Name:        "bash",
		Description: "Execute shell commands and return the output",
		InputSchema: schema(`"command":{"type":"string","description":"Shell command to execute"},"timeout_seconds":{"type":"integer","description":"Wall-clock limit, default 120"}`, "command"),
	}, runShell)

	reg.RegisterBuiltin(domain.Tool{
		Name:        "search_in_files",
		Description: "Recursively search files for a text query",
		InputSchema: schema(`"query":{"type":"string","description":"Text to search for"},"path":{"type":"string","description":"Directory to search (default: current directory)"},"include":{"type":"string","description":"Glob pattern limiting which files are searched, e.g. **/*.go"}`, "query"),
	}, searchInFiles)

	reg.RegisterBuiltin(domain.Tool{
		Name:        "glob",
		Description: "Expand a glob pattern to matching file paths (supports ** recursion)",
		InputSchema: schema(`"pattern":{"type":"string","description":"Glob pattern to expand"},"path":{"type":"string","description":"Directory to match within (default: current directory)"}`, "pattern"),
	}, globFiles)
}

func schema(properties string, required ...string) json.RawMessage {
	req, _ := json.Marshal(required)
	if required == nil {
		req = []byte(`[]`)
	}
	return json.RawMessage(`{"type":"object","properties":{` + properties + `},"required":` + string(req) + `}`)
}

// pathArgs is the common single-path argument shape.
type pathArgs struct {
	Path string `json:"path"`
}

// resolvePath expands a leading ~ and makes the path absolute.
func resolvePath(path string) (string, error) {
	if path == "" {
		path = "."
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}

func readFile(_ context.Context, raw json.RawMessage) (string, error) {
	var args pathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	path, err := resolvePath(args.Path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("error reading file '%s': %w", path, err)
	}
	return fmt.Sprintf("File: %s\n\n%s", path, data), nil
}

func writeFile(_ context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	path, err := resolvePath(args.Path)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("error creating parent directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(args.Content), 0o644); err != nil {
		return "", fmt.Errorf("error writing to file '%s': %w", path, err)
	}
	return fmt.Sprintf("Successfully wrote to file: %s", path), nil
}

func editFile(_ context.Context, raw json.RawMessage) (string, error) {
	var args struct {
		Path    string `json:"path"`
		OldText string `json:"old_text"`
		NewText string `json:"new_text"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	path, err := resolvePath(args.Path)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("error reading file '%s': %w", path, err)
	}
	content := string(data)

	// Match using the file's own line endings so CRLF files edit cleanly.
	ending := detectLineEnding(content)
	oldText := normalizeLineEndings(args.OldText, ending)
	newText := normalizeLineEndings(args.NewText, ending)

	switch n := strings.Count(content, oldText); {
	case oldText == "":
		return "", fmt.Errorf("old_text must not be empty")
	case n == 0:
		return "", fmt.Errorf("text not found in file '%s'", path)
	case n > 1:
		return "", fmt.Errorf("old_text occurs %d times in '%s'; provide enough context to make it unique", n, path)
	}

	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("error writing to file '%s': %w", path, err)
	}
	return fmt.Sprintf("Successfully edited file: %s", path), nil
}

func detectLineEnding(content string) string {
	if strings.Contains(content, "\r\n") {
		return "\r\n"
	}
	return "\n"
}

func normalizeLineEndings(text, ending string) string {
	return strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\n", ending)
}

func listDirectory(_ context.Context, raw json.RawMessage) (string, error) {
	var args pathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	path, err := resolvePath(args.Path)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return "", fmt.Errorf("error reading directory '%s': %w", path, err)
	}

	items := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			items = append(items, entry.Name()+"/")
			continue
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		items = append(items, fmt.Sprintf("%s (%d bytes)", entry.Name(), size))
	}
	sort.Strings(items)

	return fmt.Sprintf("Contents of '%s':\n%s", path, strings.Join(items, "\n")), nil
}

func createDirectory(_ context.Context, raw json.RawMessage) (string, error) {
	var args pathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	path, err := resolvePath(args.Path)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("error creating directory '%s': %w", path, err)
	}
	return fmt.Sprintf("Successfully created directory: %s", path), nil
}

func deleteFile(_ context.Context, raw json.RawMessage) (string, error) {
	var args pathArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", err
	}
	path, err := resolvePath(args.Path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("error accessing path '%s': %w", path, err)
	}

	if info.IsDir() {
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("error deleting directory '%s': %w", path, err)
		}
		return fmt.Sprintf("Successfully deleted directory: %s", path), nil
	}

	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("error deleting file '%s': %w", path, err)
	}
	return fmt.Sprintf("Successfully deleted file: %s", path), nil
}
