package cmd

import (
	"github.com/prcopilot/internal/config"
	"github.com/prcopilot/internal/platform"
	"github.com/prcopilot/internal/platform/github"
	"github.com/prcopilot/internal/platform/gitlab"
)

func newGitHubClient(cfg *config.Config) (platform.Client, error) {
	return github.New(cfg.GitHub)
}

func newGitLabClient(cfg *config.Config) (platform.Client, error) {
	return gitlab.New(cfg.GitLab)
}
