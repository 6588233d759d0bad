package config

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/storage"
)

// Seed is a declarative bundle of resources loaded once at startup to
// populate an empty store — the same "describe resources as a file, sync
// them in" idea the original system uses for its resource-sync feature,
// expressed with the teacher's own yaml.v3 dependency instead of TOML.
type Seed struct {
	Servers     []domain.Server     `yaml:"servers"`
	Deployments []domain.Deployment `yaml:"deployments"`
	Builds      []domain.Build      `yaml:"builds"`
	Procedures  []domain.Procedure  `yaml:"procedures"`
	Alerters    []domain.Alerter    `yaml:"alerters"`
}

// LoadSeed reads and parses a seed file. A missing path is not an error —
// seeding is optional.
func LoadSeed(path string) (*Seed, error) {
	if path == "" {
		return &Seed{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Seed{}, nil
		}
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	return &seed, nil
}

// Apply inserts every resource in the seed that does not already exist
// (matched by name), so re-running with the same seed file is idempotent.
func (s *Seed) Apply(ctx context.Context, repo storage.Repository) error {
	for _, srv := range s.Servers {
		if _, err := repo.FindServerByName(ctx, srv.Name); err == storage.ErrNotFound {
			srv := srv
			if err := repo.InsertServer(ctx, &srv); err != nil {
				return fmt.Errorf("seed server %s: %w", srv.Name, err)
			}
		}
	}
	for _, dep := range s.Deployments {
		if _, err := repo.FindDeploymentByName(ctx, dep.Name); err == storage.ErrNotFound {
			dep := dep
			if err := repo.InsertDeployment(ctx, &dep); err != nil {
				return fmt.Errorf("seed deployment %s: %w", dep.Name, err)
			}
		}
	}
	existingBuilds, err := repo.FindBuilds(ctx)
	if err != nil {
		return fmt.Errorf("seed: list builds: %w", err)
	}
	haveBuild := make(map[string]bool, len(existingBuilds))
	for _, b := range existingBuilds {
		haveBuild[b.Name] = true
	}
	for _, b := range s.Builds {
		if haveBuild[b.Name] {
			continue
		}
		b := b
		if err := repo.InsertBuild(ctx, &b); err != nil {
			return fmt.Errorf("seed build %s: %w", b.Name, err)
		}
	}

	existingProcedures, err := repo.FindProcedures(ctx)
	if err != nil {
		return fmt.Errorf("seed: list procedures: %w", err)
	}
	haveProcedure := make(map[string]bool, len(existingProcedures))
	for _, p := range existingProcedures {
		haveProcedure[p.Name] = true
	}
	for _, p := range s.Procedures {
		if haveProcedure[p.Name] {
			continue
		}
		p := p
		if err := repo.InsertProcedure(ctx, &p); err != nil {
			return fmt.Errorf("seed procedure %s: %w", p.Name, err)
		}
	}

	existingAlerters, err := repo.FindAlerters(ctx)
	if err != nil {
		return fmt.Errorf("seed: list alerters: %w", err)
	}
	haveAlerter := make(map[string]bool, len(existingAlerters))
	for _, a := range existingAlerters {
		haveAlerter[a.Name] = true
	}
	for _, a := range s.Alerters {
		if haveAlerter[a.Name] {
			continue
		}
		a := a
		if err := repo.InsertAlerter(ctx, &a); err != nil {
			return fmt.Errorf("seed alerter %s: %w", a.Name, err)
		}
	}
	return nil
}
