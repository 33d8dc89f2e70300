package agents

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/soyeahso/aixplosion/internal/domain"
	"github.com/soyeahso/aixplosion/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	profiles map[string]domain.SubAgentProfile
}

func (m *memSink) Upsert(p domain.SubAgentProfile) error {
	if m.profiles == nil {
		m.profiles = map[string]domain.SubAgentProfile{}
	}
	m.profiles[p.Name] = p
	return nil
}

func TestSyncFromDir_MissingDirIsFine(t *testing.T) {
	sink := &memSink{}
	err := SyncFromDir(filepath.Join(t.TempDir(), "nope"), sink, logging.New(nil, "silent"))
	require.NoError(t, err)
	assert.Empty(t, sink.profiles)
}

func TestSyncFromDir_LoadsProfiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "reviewer.yaml"), []byte(`
name: reviewer
model: glm-4.6
systemPrompt: you review code
allowedTools: [read_file, glob]
deniedTools: [bash]
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unnamed.yml"), []byte(`
model: other-model
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("{{{"), 0o644))

	sink := &memSink{}
	require.NoError(t, SyncFromDir(dir, sink, logging.New(nil, "silent")))

	require.Len(t, sink.profiles, 2)
	reviewer := sink.profiles["reviewer"]
	assert.Equal(t, "you review code", reviewer.SystemPrompt)
	assert.Equal(t, []string{"read_file", "glob"}, reviewer.AllowedTools)
	assert.Equal(t, []string{"bash"}, reviewer.DeniedTools)

	// File name fallback for the missing name field
	unnamed := sink.profiles["unnamed"]
	assert.Equal(t, "other-model", unnamed.Model)
}
