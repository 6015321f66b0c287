package main

import (
	"fmt"
	"os"
)

const exampleConfig = `# reviewd configuration
server:
  addr: ":8080"

engine:
  workers: 2
  max_tokens_per_batch: 100000
  context_map_tokens: 262144
  chars_per_token: 3.5
  batch_timeout: 30m
  shutdown_grace: 30s

assistant:
  binary: aider
  model: ${AIDER_MODEL}
  api_base: ${OPENAI_API_BASE}
  api_key: ${OPENAI_API_KEY}

storage:
  data_dir: ./data

polling:
  enabled: true
  default_interval: 5m

events:
  enabled: false
  nats_url: nats://127.0.0.1:4222
  subject: reviewd.tasks

metrics:
  enabled: true

repositories:
  - name: example
    clone_url: https://gitlab.example.com/group/project.git
    branch: main
    platform: gitlab
    api_url: https://gitlab.example.com
    trigger_mode: both
    polling_interval_minutes: 5
    poll_commits: true
    poll_mrs: true
    enable_comment: false
    enabled: true
    webhook_secret: ${WEBHOOK_SECRET}
    auth:
      type: token
      token: ${GITLAB_TOKEN}
`

// runInit writes the example configuration file.
func runInit(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.WriteFile(path, []byte(exampleConfig), 0o600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	fmt.Println("Wrote", path)
	return nil
}
