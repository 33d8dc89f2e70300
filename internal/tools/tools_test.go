package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/soyeahso/aixplosion/internal/domain"
	"github.com/soyeahso/aixplosion/internal/logging"
	"github.com/soyeahso/aixplosion/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRules struct {
	rules []domain.PermissionRule
}

func (m *memRules) List() ([]domain.PermissionRule, error) { return m.rules, nil }
func (m *memRules) Add(r domain.PermissionRule) error {
	m.rules = append(m.rules, r)
	return nil
}

type autoPrompter struct {
	choice security.PromptChoice
}

func (a autoPrompter) Ask(context.Context, security.PromptRequest) (security.PromptChoice, error) {
	return a.choice, nil
}

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

func testDispatcher(t *testing.T, prompter security.Prompter) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	RegisterBuiltins(reg)
	med := security.NewMediator(&memRules{}, prompter, silentLog())
	return NewDispatcher(reg, med, nil, silentLog())
}

func yoloPolicy() *security.PolicyContext {
	return &security.PolicyContext{Yolo: true}
}

func call(name string, args string) domain.ToolCall {
	return domain.ToolCall{ID: "t1", Name: name, Arguments: json.RawMessage(args)}
}

// --- Registry tests ---

func TestRegistry_Builtins(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)

	for _, name := range []string{"read_file", "write_file", "edit_file", "list_directory", "create_directory", "delete_file", "bash", "search_in_files", "glob"} {
		e, ok := reg.Get(name)
		require.True(t, ok, "builtin %s missing", name)
		assert.Equal(t, domain.OriginBuiltin, e.Tool.Origin)
		assert.NotNil(t, e.Builtin)
	}
}

func TestRegistry_MCPPrefixing(t *testing.T) {
	reg := NewRegistry()

	name := reg.RegisterMCP("files", domain.Tool{Name: "read"})
	assert.Equal(t, "mcp_files_read", name)

	e, ok := reg.Get("mcp_files_read")
	require.True(t, ok)
	assert.Equal(t, "files", e.Server)
	assert.Equal(t, "read", e.RemoteName)
	assert.JSONEq(t, string(domain.DefaultInputSchema), string(e.Tool.InputSchema))

	reg.RemoveServer("files")
	_, ok = reg.Get("mcp_files_read")
	assert.False(t, ok)
}

func TestRegistry_ToolsExcludesDenied(t *testing.T) {
	reg := NewRegistry()
	RegisterBuiltins(reg)

	profile := &domain.SubAgentProfile{Name: "reviewer", DeniedTools: []string{"bash", "delete_file"}}
	names := map[string]bool{}
	for _, tool := range reg.Tools(profile) {
		names[tool.Name] = true
	}
	assert.False(t, names["bash"])
	assert.False(t, names["delete_file"])
	assert.True(t, names["read_file"])
}

func TestIsMutating(t *testing.T) {
	assert.True(t, IsMutating("bash"))
	assert.True(t, IsMutating("write_file"))
	assert.False(t, IsMutating("read_file"))
	assert.False(t, IsMutating("glob"))
	assert.False(t, IsMutating("mcp_files_read"))
}

// --- Filesystem tool tests ---

func TestReadWriteFile(t *testing.T) {
	d := testDispatcher(t, nil)
	path := filepath.Join(t.TempDir(), "sub", "out.txt")

	out := d.Dispatch(context.Background(), call("write_file", fmt.Sprintf(`{"path":%q,"content":"hello"}`, path)), yoloPolicy())
	require.False(t, out.IsError, out.Content)
	assert.Contains(t, out.Content, "Successfully wrote")

	out = d.Dispatch(context.Background(), call("read_file", fmt.Sprintf(`{"path":%q}`, path)), yoloPolicy())
	require.False(t, out.IsError, out.Content)
	assert.Contains(t, out.Content, "hello")
}

func TestReadFile_Missing(t *testing.T) {
	d := testDispatcher(t, nil)
	out := d.Dispatch(context.Background(), call("read_file", `{"path":"/definitely/not/here.txt"}`), yoloPolicy())
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, "error reading file")
}

func TestEditFile_UniqueMatch(t *testing.T) {
	d := testDispatcher(t, nil)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("alpha\nbeta\ngamma\n"), 0o644))

	out := d.Dispatch(context.Background(), call("edit_file", fmt.Sprintf(`{"path":%q,"old_text":"beta","new_text":"BETA"}`, path)), yoloPolicy())
	require.False(t, out.IsError, out.Content)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "alpha\nBETA\ngamma\n", string(data))
}

func TestEditFile_AmbiguousMatchRejected(t *testing.T) {
	d := testDispatcher(t, nil)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x\nx\n"), 0o644))

	out := d.Dispatch(context.Background(), call("edit_file", fmt.Sprintf(`{"path":%q,"old_text":"x","new_text":"y"}`, path)), yoloPolicy())
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, "occurs 2 times")

	// File untouched
	data, _ := os.ReadFile(path)
	assert.Equal(t, "x\nx\n", string(data))
}

func TestEditFile_NotFound(t *testing.T) {
	d := testDispatcher(t, nil)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	out := d.Dispatch(context.Background(), call("edit_file", fmt.Sprintf(`{"path":%q,"old_text":"absent","new_text":"y"}`, path)), yoloPolicy())
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, "text not found")
}

func TestEditFile_PreservesCRLF(t *testing.T) {
	d := testDispatcher(t, nil)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\r\ntwo\r\n"), 0o644))

	// old_text arrives with LF endings; the file uses CRLF
	out := d.Dispatch(context.Background(), call("edit_file", fmt.Sprintf(`{"path":%q,"old_text":"one\ntwo","new_text":"one\nTWO"}`, path)), yoloPolicy())
	require.False(t, out.IsError, out.Content)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "one\r\nTWO\r\n", string(data))
}

func TestListDirectory(t *testing.T) {
	d := testDispatcher(t, nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("aa"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	out := d.Dispatch(context.Background(), call("list_directory", fmt.Sprintf(`{"path":%q}`, dir)), yoloPolicy())
	require.False(t, out.IsError, out.Content)
	assert.Contains(t, out.Content, "a.txt (2 bytes)")
	assert.Contains(t, out.Content, "sub/")
}

func TestCreateAndDeleteDirectory(t *testing.T) {
	d := testDispatcher(t, nil)
	dir := filepath.Join(t.TempDir(), "a", "b", "c")

	out := d.Dispatch(context.Background(), call("create_directory", fmt.Sprintf(`{"path":%q}`, dir)), yoloPolicy())
	require.False(t, out.IsError, out.Content)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	out = d.Dispatch(context.Background(), call("delete_file", fmt.Sprintf(`{"path":%q}`, dir)), yoloPolicy())
	require.False(t, out.IsError, out.Content)
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

// --- Shell tests ---

func TestBash_Success(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell format differs on windows")
	}
	d := testDispatcher(t, nil)

	out := d.Dispatch(context.Background(), call("bash", `{"command":"echo hello"}`), yoloPolicy())
	require.False(t, out.IsError, out.Content)
	assert.Contains(t, out.Content, "Exit code: 0")
	assert.Contains(t, out.Content, "hello")
}

func TestBash_NonZeroExitIsErrorWithOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell format differs on windows")
	}
	d := testDispatcher(t, nil)

	out := d.Dispatch(context.Background(), call("bash", `{"command":"echo oops >&2; exit 3"}`), yoloPolicy())
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, "Exit code: 3")
	assert.Contains(t, out.Content, "oops")
}

func TestBash_DeniedWithoutRuleNonInteractive(t *testing.T) {
	d := testDispatcher(t, nil)

	out := d.Dispatch(context.Background(), call("bash", `{"command":"echo hi"}`), &security.PolicyContext{Interactive: false})
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, "non-interactive")
}

func TestBash_AllowedByPrompt(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell format differs on windows")
	}
	d := testDispatcher(t, autoPrompter{choice: security.ChoiceAllowOnce})

	out := d.Dispatch(context.Background(), call("bash", `{"command":"echo approved"}`), &security.PolicyContext{Interactive: true})
	require.False(t, out.IsError, out.Content)
	assert.Contains(t, out.Content, "approved")
}

// --- Search and glob tests ---

func TestSearchInFiles(t *testing.T) {
	d := testDispatcher(t, nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\nfunc needle() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("no match here\n"), 0o644))

	out := d.Dispatch(context.Background(), call("search_in_files", fmt.Sprintf(`{"query":"needle","path":%q}`, dir)), yoloPolicy())
	require.False(t, out.IsError, out.Content)
	assert.Contains(t, out.Content, "main.go:2")
	assert.NotContains(t, out.Content, "other.txt")
}

func TestSearchInFiles_IncludePattern(t *testing.T) {
	d := testDispatcher(t, nil)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("needle\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("needle\n"), 0o644))

	out := d.Dispatch(context.Background(), call("search_in_files", fmt.Sprintf(`{"query":"needle","path":%q,"include":"**/*.go"}`, dir)), yoloPolicy())
	require.False(t, out.IsError, out.Content)
	assert.Contains(t, out.Content, "a.go")
	assert.NotContains(t, out.Content, "a.md")
}

func TestGlob(t *testing.T) {
	d := testDispatcher(t, nil)
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg", "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "sub", "x.go"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "top.txt"), nil, 0o644))

	out := d.Dispatch(context.Background(), call("glob", fmt.Sprintf(`{"pattern":"**/*.go","path":%q}`, dir)), yoloPolicy())
	require.False(t, out.IsError, out.Content)
	assert.Contains(t, out.Content, filepath.Join("pkg", "sub", "x.go"))
	assert.NotContains(t, out.Content, "top.txt")
}

// --- Dispatcher tests ---

func TestDispatch_UnknownTool(t *testing.T) {
	d := testDispatcher(t, nil)

	out := d.Dispatch(context.Background(), call("no_such_tool", `{}`), yoloPolicy())
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, `unknown tool "no_such_tool"`)
	assert.Equal(t, "t1", out.ToolUseID)
}

func TestDispatch_SchemaValidation(t *testing.T) {
	d := testDispatcher(t, nil)

	// missing required field
	out := d.Dispatch(context.Background(), call("read_file", `{}`), yoloPolicy())
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, `missing required field "path"`)

	// wrong type
	out = d.Dispatch(context.Background(), call("read_file", `{"path":42}`), yoloPolicy())
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, `not of type string`)
}

func TestDispatch_PanicRecovered(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterBuiltin(domain.Tool{Name: "boom", InputSchema: domain.DefaultInputSchema}, func(context.Context, json.RawMessage) (string, error) {
		panic("kaboom")
	})
	med := security.NewMediator(&memRules{}, nil, silentLog())
	d := NewDispatcher(reg, med, nil, silentLog())

	out := d.Dispatch(context.Background(), call("boom", `{}`), yoloPolicy())
	assert.True(t, out.IsError)
	assert.Contains(t, out.Content, "kaboom")
}

type fakeMCP struct {
	server, tool string
	args         json.RawMessage
}

func (f *fakeMCP) Call(_ context.Context, server, tool string, args json.RawMessage) (string, bool, error) {
	f.server, f.tool, f.args = server, tool, args
	return "mcp result", false, nil
}

func TestDispatch_RoutesToMCP(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterMCP("files", domain.Tool{Name: "read"})
	caller := &fakeMCP{}
	med := security.NewMediator(&memRules{}, nil, silentLog())
	d := NewDispatcher(reg, med, caller, silentLog())

	out := d.Dispatch(context.Background(), call("mcp_files_read", `{"path":"/x"}`), &security.PolicyContext{})
	require.False(t, out.IsError, out.Content)
	assert.Equal(t, "mcp result", out.Content)
	assert.Equal(t, "files", caller.server)
	assert.Equal(t, "read", caller.tool)
	assert.JSONEq(t, `{"path":"/x"}`, string(caller.args))
}
