// Package agents loads sub-agent profile seed files into the global store.
// Profiles are YAML files (one profile per file) dropped into the agents
// directory; they are upserted at startup so edits take effect on the next
// run.
package agents

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/soyeahso/aixplosion/internal/domain"
	"github.com/soyeahso/aixplosion/internal/logging"
)

// ProfileSink is the store side of seeding, implemented by store.AgentStore.
type ProfileSink interface {
	Upsert(p domain.SubAgentProfile) error
}

// SyncFromDir parses every .yaml/.yml file in dir and upserts the profiles.
// A missing directory is fine; a malformed file is logged and skipped.
func SyncFromDir(dir string, sink ProfileSink, log *logging.Logger) error {
	log = log.Sub("agents")

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading agents directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		profile, err := loadProfile(path)
		if err != nil {
			log.Warn().Str("file", path).Err(err).Msg("skipping profile file")
			continue
		}

		if err := sink.Upsert(profile); err != nil {
			return fmt.Errorf("saving profile %q: %w", profile.Name, err)
		}
		log.Debug().Str("agent", profile.Name).Msg("profile loaded")
	}
	return nil
}

func loadProfile(path string) (domain.SubAgentProfile, error) {
	var profile domain.SubAgentProfile

	data, err := os.ReadFile(path)
	if err != nil {
		return profile, err
	}
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return profile, fmt.Errorf("parsing yaml: %w", err)
	}

	if profile.Name == "" {
		// The file name stands in for a missing name field.
		profile.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return profile, nil
}
