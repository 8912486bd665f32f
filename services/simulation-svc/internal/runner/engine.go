package runner

import (
	"context"
	"fmt"
	"strings"

	"simulator/pkg/logger"
	"simulator/services/simulation-svc/internal/repository"
)

// Engine запускает и останавливает симулятор
type Engine interface {
	Launch(ctx context.Context, sim *repository.Simulation) error
	Shutdown(ctx context.Context, sim *repository.Simulation) error
}

// EngineDryRun - движок без процесса симулятора
const EngineDryRun = "dry_run"

// NewEngine создаёт движок по имени из конфигурации
func NewEngine(name string) (Engine, error) {
	switch strings.ToLower(name) {
	case EngineDryRun, "":
		return DryRunEngine{}, nil
	default:
		return nil, fmt.Errorf("unsupported runner engine: %s", name)
	}
}

// DryRunEngine принимает любую симуляцию и только пишет в лог
type DryRunEngine struct{}

func (DryRunEngine) Launch(ctx context.Context, sim *repository.Simulation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.WithContext(ctx).Info("Dry run: simulation launched",
		"simulation_id", sim.ID,
		"cluster", sim.Cluster,
		"vehicles", len(sim.Vehicles),
	)
	return nil
}

func (DryRunEngine) Shutdown(ctx context.Context, sim *repository.Simulation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	logger.WithContext(ctx).Info("Dry run: simulation stopped", "simulation_id", sim.ID)
	return nil
}
