package runner

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"simulator/pkg/logger"
	"simulator/services/simulation-svc/internal/repository"
)

const (
	ActionStart = "start"
	ActionStop  = "stop"
)

// Transition результат одного перехода раннера
type Transition struct {
	Action       string
	SimulationID int64
	Owner        *string
	Duration     time.Duration
	Err          error
}

// Observer получает результаты переходов (метрики, аудит)
type Observer func(ctx context.Context, t Transition)

// Loader хранит текущую запущенную симуляцию и выполняет переходы в фоне.
// Переходы выполняются по одному в порядке вызова.
type Loader struct {
	engine       Engine
	current      atomic.Pointer[repository.Simulation]
	mu           sync.Mutex
	tail         chan struct{} // завершение последнего поставленного перехода
	wg           sync.WaitGroup
	startTimeout time.Duration
	stopTimeout  time.Duration
	observers    []Observer
}

// Option - опция раннера
type Option func(*Loader)

// WithTimeouts задаёт таймауты запуска и остановки
func WithTimeouts(start, stop time.Duration) Option {
	return func(l *Loader) {
		if start > 0 {
			l.startTimeout = start
		}
		if stop > 0 {
			l.stopTimeout = stop
		}
	}
}

// WithObserver добавляет наблюдателя переходов
func WithObserver(o Observer) Option {
	return func(l *Loader) {
		l.observers = append(l.observers, o)
	}
}

// NewLoader создаёт раннер поверх движка
func NewLoader(engine Engine, opts ...Option) *Loader {
	l := &Loader{
		engine:       engine,
		startTimeout: 2 * time.Minute,
		stopTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Current возвращает снимок запущенной симуляции или nil
func (l *Loader) Current() *repository.Simulation {
	return l.current.Load()
}

// StartAsync запускает симуляцию в фоне, предварительно остановив текущую
func (l *Loader) StartAsync(ctx context.Context, sim *repository.Simulation) {
	snapshot := clone(sim)
	l.async(ctx, func(ctx context.Context) {
		if prev := l.current.Load(); prev != nil {
			l.stop(ctx, prev)
		}
		l.start(ctx, snapshot)
	})
}

// StopAsync останавливает текущую симуляцию в фоне
func (l *Loader) StopAsync(ctx context.Context) {
	l.async(ctx, func(ctx context.Context) {
		if prev := l.current.Load(); prev != nil {
			l.stop(ctx, prev)
		}
	})
}

// Wait ждёт завершения всех отложенных переходов
func (l *Loader) Wait() {
	l.wg.Wait()
}

// Shutdown останавливает текущую симуляцию после всех поставленных переходов
func (l *Loader) Shutdown(ctx context.Context) {
	l.StopAsync(ctx)
	l.Wait()
}

// async ставит переход в очередь за предыдущим.
// Переход отвязан от отмены запроса, значения контекста сохраняются.
func (l *Loader) async(ctx context.Context, fn func(ctx context.Context)) {
	ctx = context.WithoutCancel(ctx)
	done := make(chan struct{})

	l.mu.Lock()
	prev := l.tail
	l.tail = done
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer l.wg.Done()
		defer close(done)

		if prev != nil {
			<-prev
		}
		fn(ctx)
	}()
}

func (l *Loader) start(ctx context.Context, sim *repository.Simulation) {
	ctx, cancel := context.WithTimeout(ctx, l.startTimeout)
	defer cancel()

	began := time.Now()
	err := l.engine.Launch(ctx, sim)
	if err == nil {
		l.current.Store(sim)
	}

	l.notify(ctx, Transition{
		Action:       ActionStart,
		SimulationID: sim.ID,
		Owner:        sim.Owner,
		Duration:     time.Since(began),
		Err:          err,
	})
}

func (l *Loader) stop(ctx context.Context, sim *repository.Simulation) {
	ctx, cancel := context.WithTimeout(ctx, l.stopTimeout)
	defer cancel()

	began := time.Now()
	err := l.engine.Shutdown(ctx, sim)

	// Симуляция считается остановленной даже при ошибке движка
	l.current.CompareAndSwap(sim, nil)

	l.notify(ctx, Transition{
		Action:       ActionStop,
		SimulationID: sim.ID,
		Owner:        sim.Owner,
		Duration:     time.Since(began),
		Err:          err,
	})
}

func (l *Loader) notify(ctx context.Context, t Transition) {
	log := logger.FromContext(ctx).With("action", t.Action, "simulation_id", t.SimulationID, "duration", t.Duration)
	if t.Err != nil {
		log.Error("Simulation transition failed", "error", t.Err)
	} else {
		log.Info("Simulation transition completed")
	}

	for _, o := range l.observers {
		o(ctx, t)
	}
}

func clone(sim *repository.Simulation) *repository.Simulation {
	c := *sim
	c.Vehicles = slices.Clone(sim.Vehicles)
	return &c
}
