package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
repositories:
  - name: project
    clone_url: https://git.example.com/group/project.git
    platform: gitlab
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, 100_000, cfg.Engine.MaxTokensPerBatch)
	assert.Equal(t, 262_144, cfg.Engine.ContextMapTokens)
	assert.InDelta(t, 3.5, cfg.Engine.CharsPerToken, 0.001)
	assert.Equal(t, 30*time.Minute, cfg.Engine.BatchTimeout)
	assert.Equal(t, "aider", cfg.Assistant.Binary)
	assert.NotEmpty(t, cfg.Assistant.ValidExtensions)
	assert.Equal(t, 5*time.Minute, cfg.Polling.DefaultInterval)
	assert.Equal(t, "reviewd.tasks", cfg.Events.Subject)

	require.Len(t, cfg.Repositories, 1)
	r := cfg.Repositories[0]
	assert.Equal(t, "main", r.Branch)
	assert.Equal(t, TriggerWebhook, r.TriggerMode)
	assert.Equal(t, 5, r.PollInterval)
	assert.Equal(t, AuthTypeNone, r.Auth.Type)
	assert.Equal(t, "git.example.com-group-project", r.ID)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_GITLAB_TOKEN", "glpat-abc")
	path := writeConfig(t, `
repositories:
  - name: project
    clone_url: https://git.example.com/group/project.git
    platform: gitlab
    auth:
      type: token
      token: ${TEST_GITLAB_TOKEN}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "glpat-abc", cfg.Repositories[0].Auth.Token)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing clone_url": `
repositories:
  - name: project
    platform: gitlab
`,
		"unknown platform": `
repositories:
  - name: project
    clone_url: https://git.example.com/a/b.git
    platform: sourcehut
`,
		"basic auth without password": `
repositories:
  - name: project
    clone_url: https://git.example.com/a/b.git
    platform: gitea
    auth:
      type: basic
      username: bob
`,
		"duplicate repo id": `
repositories:
  - id: same
    name: one
    clone_url: https://git.example.com/a/b.git
    platform: gitea
  - id: same
    name: two
    clone_url: https://git.example.com/c/d.git
    platform: gitea
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestRepositoryByCloneURL(t *testing.T) {
	cfg := &Config{Repositories: []Repository{{
		ID:       "r1",
		CloneURL: "https://Git.Example.com/Group/Project.git",
	}}}

	assert.NotNil(t, cfg.RepositoryByCloneURL("https://git.example.com/group/project"))
	assert.NotNil(t, cfg.RepositoryByCloneURL("https://git.example.com/group/project.git"))
	assert.Nil(t, cfg.RepositoryByCloneURL("https://git.example.com/group/other.git"))
}

func TestDeriveRepoID(t *testing.T) {
	assert.Equal(t, "git.example.com-group-project", deriveRepoID("https://git.example.com/group/project.git"))
	assert.Equal(t, "git.example.com-group-project", deriveRepoID("git@git.example.com:group/project.git"))
}
