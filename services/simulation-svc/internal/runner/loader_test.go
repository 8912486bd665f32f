package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"simulator/services/simulation-svc/internal/repository"
)

type MockEngine struct {
	mock.Mock
}

func (m *MockEngine) Launch(ctx context.Context, sim *repository.Simulation) error {
	return m.Called(ctx, sim).Error(0)
}

func (m *MockEngine) Shutdown(ctx context.Context, sim *repository.Simulation) error {
	return m.Called(ctx, sim).Error(0)
}

func withID(id int64) any {
	return mock.MatchedBy(func(s *repository.Simulation) bool { return s.ID == id })
}

// transitionLog собирает переходы от наблюдателя
type transitionLog struct {
	mu    sync.Mutex
	items []Transition
}

func (l *transitionLog) observe(_ context.Context, t Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, t)
}

func (l *transitionLog) all() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition(nil), l.items...)
}

func TestLoader_StartAsync(t *testing.T) {
	engine := new(MockEngine)
	engine.On("Launch", mock.Anything, withID(1)).Return(nil)

	log := &transitionLog{}
	loader := NewLoader(engine, WithObserver(log.observe))

	assert.Nil(t, loader.Current())

	loader.StartAsync(context.Background(), &repository.Simulation{ID: 1, Name: "Town"})
	loader.Wait()

	require.NotNil(t, loader.Current())
	assert.Equal(t, int64(1), loader.Current().ID)

	transitions := log.all()
	require.Len(t, transitions, 1)
	assert.Equal(t, ActionStart, transitions[0].Action)
	assert.NoError(t, transitions[0].Err)
	engine.AssertExpectations(t)
}

func TestLoader_StartFailureKeepsNothingRunning(t *testing.T) {
	engine := new(MockEngine)
	engine.On("Launch", mock.Anything, withID(1)).Return(errors.New("map load failed"))

	log := &transitionLog{}
	loader := NewLoader(engine, WithObserver(log.observe))

	loader.StartAsync(context.Background(), &repository.Simulation{ID: 1})
	loader.Wait()

	assert.Nil(t, loader.Current())
	require.Len(t, log.all(), 1)
	assert.EqualError(t, log.all()[0].Err, "map load failed")
}

func TestLoader_StartStopsPrevious(t *testing.T) {
	engine := new(MockEngine)
	engine.On("Launch", mock.Anything, withID(1)).Return(nil).Once()
	engine.On("Shutdown", mock.Anything, withID(1)).Return(nil).Once()
	engine.On("Launch", mock.Anything, withID(2)).Return(nil).Once()

	log := &transitionLog{}
	loader := NewLoader(engine, WithObserver(log.observe))

	loader.StartAsync(context.Background(), &repository.Simulation{ID: 1})
	loader.StartAsync(context.Background(), &repository.Simulation{ID: 2})
	loader.Wait()

	require.NotNil(t, loader.Current())
	assert.Equal(t, int64(2), loader.Current().ID)

	actions := make([]string, 0, 3)
	for _, tr := range log.all() {
		actions = append(actions, tr.Action)
	}
	assert.Equal(t, []string{ActionStart, ActionStop, ActionStart}, actions)
	engine.AssertExpectations(t)
}

func TestLoader_StopAsync(t *testing.T) {
	engine := new(MockEngine)
	engine.On("Launch", mock.Anything, withID(1)).Return(nil)
	engine.On("Shutdown", mock.Anything, withID(1)).Return(errors.New("process already exited"))

	loader := NewLoader(engine)

	loader.StartAsync(context.Background(), &repository.Simulation{ID: 1})
	loader.StopAsync(context.Background())
	loader.Wait()

	// Ошибка движка не оставляет симуляцию текущей
	assert.Nil(t, loader.Current())
	engine.AssertExpectations(t)
}

func TestLoader_StopWithoutCurrent(t *testing.T) {
	engine := new(MockEngine)
	loader := NewLoader(engine)

	loader.StopAsync(context.Background())
	loader.Wait()

	assert.Nil(t, loader.Current())
	engine.AssertNotCalled(t, "Shutdown", mock.Anything, mock.Anything)
}

func TestLoader_SnapshotIsolated(t *testing.T) {
	engine := new(MockEngine)
	engine.On("Launch", mock.Anything, mock.Anything).Return(nil)

	loader := NewLoader(engine)

	sim := &repository.Simulation{ID: 1, Name: "Original", Vehicles: []repository.Connection{{Vehicle: 10}}}
	loader.StartAsync(context.Background(), sim)
	sim.Name = "Mutated"
	sim.Vehicles[0].Vehicle = 99
	loader.Wait()

	current := loader.Current()
	require.NotNil(t, current)
	assert.Equal(t, "Original", current.Name)
	assert.Equal(t, int64(10), current.Vehicles[0].Vehicle)
}

func TestLoader_RequestCancellationDoesNotAbortTransition(t *testing.T) {
	engine := new(MockEngine)
	engine.On("Launch", mock.MatchedBy(func(ctx context.Context) bool { return ctx.Err() == nil }), mock.Anything).Return(nil)

	loader := NewLoader(engine)

	ctx, cancel := context.WithCancel(context.Background())
	loader.StartAsync(ctx, &repository.Simulation{ID: 1})
	cancel()
	loader.Wait()

	assert.NotNil(t, loader.Current())
	engine.AssertExpectations(t)
}

// slowEngine считает одновременно выполняющиеся переходы
type slowEngine struct {
	active atomic.Int32
	peak   atomic.Int32
}

func (e *slowEngine) enter() {
	n := e.active.Add(1)
	for {
		p := e.peak.Load()
		if n <= p || e.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	e.active.Add(-1)
}

func (e *slowEngine) Launch(context.Context, *repository.Simulation) error {
	e.enter()
	return nil
}

func (e *slowEngine) Shutdown(context.Context, *repository.Simulation) error {
	e.enter()
	return nil
}

func TestLoader_TransitionsAreSerialised(t *testing.T) {
	engine := &slowEngine{}
	loader := NewLoader(engine)

	for i := int64(1); i <= 10; i++ {
		loader.StartAsync(context.Background(), &repository.Simulation{ID: i})
		if i%3 == 0 {
			loader.StopAsync(context.Background())
		}
	}
	loader.Wait()

	assert.Equal(t, int32(1), engine.peak.Load())
	// Последний переход - запуск 10
	require.NotNil(t, loader.Current())
	assert.Equal(t, int64(10), loader.Current().ID)
}

func TestLoader_StartThenStopKeepsCallOrder(t *testing.T) {
	engine := &slowEngine{}
	loader := NewLoader(engine)

	loader.StartAsync(context.Background(), &repository.Simulation{ID: 1})
	loader.StopAsync(context.Background())
	loader.Wait()

	assert.Nil(t, loader.Current())
}

func TestLoader_StartTimeout(t *testing.T) {
	engine := new(MockEngine)
	engine.On("Launch", mock.MatchedBy(func(ctx context.Context) bool {
		deadline, ok := ctx.Deadline()
		return ok && time.Until(deadline) <= time.Second
	}), mock.Anything).Return(nil)

	loader := NewLoader(engine, WithTimeouts(time.Second, 0))

	loader.StartAsync(context.Background(), &repository.Simulation{ID: 1})
	loader.Wait()

	engine.AssertExpectations(t)
	assert.Equal(t, 30*time.Second, loader.stopTimeout)
}

func TestLoader_Shutdown(t *testing.T) {
	engine := new(MockEngine)
	engine.On("Launch", mock.Anything, withID(1)).Return(nil)
	engine.On("Shutdown", mock.Anything, withID(1)).Return(nil)

	loader := NewLoader(engine)
	loader.StartAsync(context.Background(), &repository.Simulation{ID: 1})

	loader.Shutdown(context.Background())

	assert.Nil(t, loader.Current())
	engine.AssertExpectations(t)
}

func TestNewEngine(t *testing.T) {
	engine, err := NewEngine("dry_run")
	require.NoError(t, err)
	assert.IsType(t, DryRunEngine{}, engine)

	engine, err = NewEngine("")
	require.NoError(t, err)
	assert.IsType(t, DryRunEngine{}, engine)

	_, err = NewEngine("carla")
	assert.Error(t, err)
}

func TestDryRunEngine(t *testing.T) {
	engine := DryRunEngine{}
	sim := &repository.Simulation{ID: 3}

	assert.NoError(t, engine.Launch(context.Background(), sim))
	assert.NoError(t, engine.Shutdown(context.Background(), sim))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, engine.Launch(ctx, sim), context.Canceled)
}
