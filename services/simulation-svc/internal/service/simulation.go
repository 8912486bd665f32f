package service

import (
	"context"
	"errors"
	"time"

	"simulator/pkg/apperror"
	"simulator/pkg/audit"
	"simulator/pkg/logger"
	"simulator/pkg/metrics"
	"simulator/pkg/telemetry"
	"simulator/services/simulation-svc/internal/repository"
	"simulator/services/simulation-svc/internal/runner"
)

// Runner владеет текущей запущенной симуляцией
type Runner interface {
	Current() *repository.Simulation
	StartAsync(ctx context.Context, sim *repository.Simulation)
	StopAsync(ctx context.Context)
}

// SimulationService фасад над хранилищем симуляций и раннером.
// Ошибки хранилища возвращаются вызывающему без преобразования.
type SimulationService struct {
	repo        repository.SimulationRepository
	runner      Runner
	audit       audit.Logger
	metrics     *metrics.Metrics
	serviceName string
}

// Option - опция сервиса
type Option func(*SimulationService)

// WithAudit подключает аудит изменений
func WithAudit(l audit.Logger) Option {
	return func(s *SimulationService) {
		s.audit = l
	}
}

// WithMetrics подключает метрики
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *SimulationService) {
		s.metrics = m
	}
}

// WithServiceName задаёт имя сервиса в записях аудита
func WithServiceName(name string) Option {
	return func(s *SimulationService) {
		s.serviceName = name
	}
}

// NewSimulationService создаёт сервис
func NewSimulationService(repo repository.SimulationRepository, r Runner, opts ...Option) *SimulationService {
	s := &SimulationService{
		repo:        repo,
		runner:      r,
		audit:       audit.NoopLogger{},
		serviceName: "simulation-svc",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List возвращает страницу симуляций
func (s *SimulationService) List(ctx context.Context, filter string, offset, count int, owner string) ([]*repository.Simulation, error) {
	start := time.Now()
	sims, err := s.repo.List(ctx, filter, offset, count, owner)
	s.observe("list", start, err)
	return sims, err
}

// Get возвращает симуляцию с учётом владельца
func (s *SimulationService) Get(ctx context.Context, id int64, owner string) (*repository.Simulation, error) {
	start := time.Now()
	sim, err := s.repo.Get(ctx, id, owner)
	s.observe("get", start, err)
	return sim, err
}

// Add сохраняет новую симуляцию и возвращает её id
func (s *SimulationService) Add(ctx context.Context, sim *repository.Simulation) (int64, error) {
	start := time.Now()
	id, err := s.repo.Add(ctx, sim)
	s.observe("add", start, err)

	b := audit.NewEntry().Action(audit.ActionCreate).Owner(deref(sim.Owner)).Simulation(id).
		Meta("vehicles", len(sim.Vehicles))
	s.record(ctx, b, start, err)

	return id, err
}

// Update заменяет симуляцию и её подключения; 0 - id или владелец не совпали
func (s *SimulationService) Update(ctx context.Context, sim *repository.Simulation, owner string) (int64, error) {
	start := time.Now()
	affected, err := s.repo.Update(ctx, sim, owner)
	s.observe("update", start, err)

	b := audit.NewEntry().Action(audit.ActionUpdate).Owner(owner).Simulation(sim.ID).
		Meta("vehicles", len(sim.Vehicles))
	if err == nil && affected == 0 {
		b.Outcome(audit.OutcomeNotFound)
	}
	s.record(ctx, b, start, err)

	return affected, err
}

// Delete удаляет симуляцию; 0 - id или владелец не совпали
func (s *SimulationService) Delete(ctx context.Context, id int64, owner string) (int64, error) {
	start := time.Now()
	affected, err := s.repo.Delete(ctx, id, owner)
	s.observe("delete", start, err)

	b := audit.NewEntry().Action(audit.ActionDelete).Owner(owner).Simulation(id)
	if err == nil && affected == 0 {
		b.Outcome(audit.OutcomeNotFound)
	}
	s.record(ctx, b, start, err)

	return affected, err
}

// GetActualStatus вычисляет статус симуляции по справочникам.
// Проверки идут по порядку, первая сработавшая определяет результат.
func (s *SimulationService) GetActualStatus(ctx context.Context, sim *repository.Simulation, allowDownloading bool) (repository.Status, error) {
	ctx, span := telemetry.StartSpan(ctx, "SimulationService.GetActualStatus",
		telemetry.WithAttributes(telemetry.SimulationAttributes(sim.ID, sim.Cluster, sim.Map, len(sim.Vehicles), sim.Owner != nil)...),
	)
	defer span.End()

	start := time.Now()
	status, err := s.actualStatus(ctx, sim, allowDownloading)
	s.observe("status", start, err)
	if err != nil {
		telemetry.SetError(ctx, err)
		return "", err
	}

	telemetry.SetAttributes(ctx, telemetry.StatusAttribute(string(status)))
	if s.metrics != nil {
		s.metrics.RecordStatusDecision(string(status))
	}
	return status, nil
}

func (s *SimulationService) actualStatus(ctx context.Context, sim *repository.Simulation, allowDownloading bool) (repository.Status, error) {
	if current := s.runner.Current(); current != nil && current.ID == sim.ID {
		return repository.StatusRunning, nil
	}

	ok, err := s.repo.ClusterExists(ctx, sim.Cluster)
	if err != nil {
		return "", err
	}
	if !ok {
		return repository.StatusInvalid, nil
	}

	if sim.IsAPIOnly() {
		return repository.StatusValid, nil
	}

	if sim.Map == nil {
		return repository.StatusInvalid, nil
	}
	m, err := s.repo.GetMap(ctx, *sim.Map)
	if err != nil {
		return "", err
	}
	if m == nil {
		return repository.StatusInvalid, nil
	}
	if !statusUsable(m.Status, allowDownloading) {
		return repository.StatusInvalid, nil
	}

	vehicles := sim.DistinctVehicles()
	if len(vehicles) == 0 {
		return repository.StatusInvalid, nil
	}

	// Сравниваются только количества
	n, err := s.repo.CountVehicles(ctx, vehicles, allowDownloading)
	if err != nil {
		return "", err
	}
	if n != len(vehicles) {
		return repository.StatusInvalid, nil
	}

	return repository.StatusValid, nil
}

func statusUsable(status repository.Status, allowDownloading bool) bool {
	return status == repository.StatusValid || (allowDownloading && status == repository.StatusDownloading)
}

// GetCurrent возвращает запущенную симуляцию, если она видна владельцу
func (s *SimulationService) GetCurrent(owner string) *repository.Simulation {
	current := s.runner.Current()
	if current == nil || !current.VisibleTo(owner) {
		return nil
	}
	return current
}

// Start передаёт симуляцию раннеру
func (s *SimulationService) Start(ctx context.Context, sim *repository.Simulation) {
	s.runner.StartAsync(ctx, sim)
}

// Stop останавливает текущую симуляцию
func (s *SimulationService) Stop(ctx context.Context) {
	s.runner.StopAsync(ctx)
}

// Launch загружает симуляцию владельца и запускает её, если статус Valid
func (s *SimulationService) Launch(ctx context.Context, id int64, owner string, allowDownloading bool) (*repository.Simulation, error) {
	sim, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}

	status, err := s.GetActualStatus(ctx, sim, allowDownloading)
	if err != nil {
		return nil, err
	}

	switch status {
	case repository.StatusValid:
	case repository.StatusRunning:
		return nil, apperror.New(apperror.CodeSimulationRunning, "simulation is already running").
			WithDetails("id", id)
	default:
		return nil, apperror.New(apperror.CodeSimulationInvalid, "simulation is not ready to start").
			WithDetails("id", id).
			WithDetails("status", string(status))
	}

	telemetry.AddEvent(ctx, "runner.start_scheduled", telemetry.SimulationAttributes(sim.ID, sim.Cluster, sim.Map, len(sim.Vehicles), sim.Owner != nil)...)
	s.Start(ctx, sim)
	return sim, nil
}

// Halt останавливает текущую симуляцию, если она видна владельцу
func (s *SimulationService) Halt(ctx context.Context, owner string) (*repository.Simulation, error) {
	current := s.GetCurrent(owner)
	if current == nil {
		return nil, apperror.New(apperror.CodeNotFound, "no running simulation")
	}
	telemetry.AddEvent(ctx, "runner.stop_scheduled")
	s.Stop(ctx)
	return current, nil
}

// Ping проверяет доступность хранилища
func (s *SimulationService) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// NewTransitionObserver пишет переходы раннера в метрики и аудит
func NewTransitionObserver(l audit.Logger, m *metrics.Metrics, serviceName string) runner.Observer {
	if l == nil {
		l = audit.NoopLogger{}
	}
	return func(ctx context.Context, t runner.Transition) {
		if m != nil {
			m.RecordRunnerTransition(t.Action, t.Duration, t.Err)
			switch {
			case t.Action == runner.ActionStop:
				m.SetSimulationRunning(false)
			case t.Err == nil:
				m.SetSimulationRunning(true)
			}
		}

		action := audit.ActionStart
		if t.Action == runner.ActionStop {
			action = audit.ActionStop
		}
		b := audit.NewEntry().Action(action).Owner(deref(t.Owner)).Simulation(t.SimulationID)
		writeAudit(ctx, l, serviceName, b, t.Duration, t.Err)
	}
}

func (s *SimulationService) observe(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordStoreOperation(op, time.Since(start), err)
	}
}

func (s *SimulationService) record(ctx context.Context, b *audit.Builder, start time.Time, err error) {
	writeAudit(ctx, s.audit, s.serviceName, b, time.Since(start), err)
}

func writeAudit(ctx context.Context, l audit.Logger, serviceName string, b *audit.Builder, d time.Duration, err error) {
	b.Service(serviceName).Context(ctx).Duration(d)
	if err != nil {
		code := apperror.Code(err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			code = apperror.CodeUnavailable
		}
		b.Error(string(code), err.Error())
	}

	if aerr := l.Log(ctx, b.Build()); aerr != nil {
		telemetry.RecordError(ctx, aerr)
		logger.FromContext(ctx).Warn("Failed to write audit entry", "error", aerr)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
