// Package cli implements the zenclaude command line interface.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zenclaude/zenclaude/internal/config"
	"github.com/zenclaude/zenclaude/internal/engine"
	"github.com/zenclaude/zenclaude/internal/notify"
	"github.com/zenclaude/zenclaude/internal/registry"
	"github.com/zenclaude/zenclaude/internal/runtime"
	"github.com/zenclaude/zenclaude/internal/skill"
	"github.com/zenclaude/zenclaude/internal/snapshot"
	"github.com/zenclaude/zenclaude/internal/store"
	"github.com/zenclaude/zenclaude/policy"
)

var rootCmd = &cobra.Command{
	Use:   "zenclaude",
	Short: "Run coding agent sessions in isolated containers",
	Long: `zenclaude launches coding agent tasks inside resource-limited containers,
snapshots the workspace before each run, and follows the live agent tree
of every session.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app bundles the engine with the resources it owns.
type app struct {
	cfg    *config.Config
	engine *engine.Engine
	store  *store.SQLiteStore
}

func (a *app) Close() error {
	return a.store.Close()
}

// newApp wires the engine from configuration.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}

	pol, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		st.Close()
		return nil, err
	}

	eng := engine.New(
		cfg,
		registry.New(st),
		runtime.NewDockerRuntime(cfg.ImageTag, cfg.BuildDir),
		snapshot.NewStore(cfg.SnapshotDir()),
		pol,
		skill.NoopExpander{},
		notify.NoopNotifier{},
	)
	return &app{cfg: cfg, engine: eng, store: st}, nil
}
