package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
	"github.com/tanglenomicon/tangle-jobs/internal/server"
)

// fixture is the YAML layout read by the seed command.
type fixture struct {
	Stencils []struct {
		ID       string `yaml:"id"`
		Template []int  `yaml:"template" validate:"required,min=1,dive,min=1"`
	} `yaml:"stencils" validate:"dive"`
	Candidates []struct {
		ID         string `yaml:"id" validate:"required"`
		Weight     int    `yaml:"weight" validate:"min=1"`
		InInterval bool   `yaml:"in_interval"`
	} `yaml:"candidates" validate:"dive"`
}

var validate = validator.New()

func (fx *fixture) candidates() []core.Candidate {
	out := make([]core.Candidate, len(fx.Candidates))
	for i, c := range fx.Candidates {
		out[i] = core.Candidate{ID: c.ID, Weight: c.Weight, InInterval: c.InInterval}
	}
	return out
}

func newSeedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load stencils and rational tangle candidates into the store",
		RunE:  runSeed,
	}
	cmd.Flags().String("file", "", "YAML fixture with stencils and candidates")
	cmd.Flags().String("store", "memory", "storage backend (memory, nats, mongo)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runSeed(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := server.Load(path, cmd.Flags())
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Log.Level, cfg.Log.Format))

	file, _ := cmd.Flags().GetString("file")
	fx, err := readFixture(file)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	stores, err := server.OpenStores(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Store.Backend, err)
	}
	defer stores.Close()

	n, err := seed(ctx, stores, fx)
	if err != nil {
		return err
	}
	slog.Info("seeded store", "store", cfg.Store.Backend, "stencils", n, "candidates", len(fx.Candidates))
	return nil
}

func readFixture(path string) (*fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading fixture: %w", err)
	}
	var fx fixture
	if err := yaml.Unmarshal(data, &fx); err != nil {
		return nil, fmt.Errorf("parsing fixture %s: %w", path, err)
	}
	if err := validate.Struct(&fx); err != nil {
		return nil, fmt.Errorf("invalid fixture %s: %w", path, err)
	}
	return &fx, nil
}

func seed(ctx context.Context, stores *server.Stores, fx *fixture) (int, error) {
	if len(fx.Candidates) > 0 {
		if err := stores.Candidates.Insert(ctx, fx.candidates()...); err != nil {
			return 0, fmt.Errorf("inserting candidates: %w", err)
		}
	}
	for i, s := range fx.Stencils {
		if _, err := stores.Stencils.Insert(ctx, core.NewStencil(s.ID, s.Template)); err != nil {
			return i, fmt.Errorf("inserting stencil %q: %w", s.ID, err)
		}
	}
	return len(fx.Stencils), nil
}
