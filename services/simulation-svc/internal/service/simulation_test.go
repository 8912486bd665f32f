package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"simulator/pkg/apperror"
	"simulator/pkg/audit"
	"simulator/pkg/logger"
	"simulator/pkg/metrics"
	"simulator/services/simulation-svc/internal/repository"
	"simulator/services/simulation-svc/internal/runner"
)

func init() {
	logger.Init("error")
}

// ============================================================
// MOCKS
// ============================================================

type MockSimulationRepository struct {
	mock.Mock
}

func (m *MockSimulationRepository) List(ctx context.Context, filter string, offset, count int, owner string) ([]*repository.Simulation, error) {
	args := m.Called(ctx, filter, offset, count, owner)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*repository.Simulation), args.Error(1)
}

func (m *MockSimulationRepository) Get(ctx context.Context, id int64, owner string) (*repository.Simulation, error) {
	args := m.Called(ctx, id, owner)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.Simulation), args.Error(1)
}

func (m *MockSimulationRepository) Add(ctx context.Context, sim *repository.Simulation) (int64, error) {
	args := m.Called(ctx, sim)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSimulationRepository) Update(ctx context.Context, sim *repository.Simulation, owner string) (int64, error) {
	args := m.Called(ctx, sim, owner)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSimulationRepository) Delete(ctx context.Context, id int64, owner string) (int64, error) {
	args := m.Called(ctx, id, owner)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSimulationRepository) ClusterExists(ctx context.Context, id int64) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockSimulationRepository) GetMap(ctx context.Context, id int64) (*repository.Map, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.Map), args.Error(1)
}

func (m *MockSimulationRepository) CountVehicles(ctx context.Context, ids []int64, allowDownloading bool) (int, error) {
	args := m.Called(ctx, ids, allowDownloading)
	return args.Int(0), args.Error(1)
}

func (m *MockSimulationRepository) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type MockRunner struct {
	mock.Mock
	current *repository.Simulation
}

func (m *MockRunner) Current() *repository.Simulation {
	return m.current
}

func (m *MockRunner) StartAsync(ctx context.Context, sim *repository.Simulation) {
	m.Called(ctx, sim)
}

func (m *MockRunner) StopAsync(ctx context.Context) {
	m.Called(ctx)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
	err     error
}

func (r *recordingAudit) Log(_ context.Context, e *audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return r.err
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) last(t *testing.T) *audit.Entry {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.entries)
	return r.entries[len(r.entries)-1]
}

// ============================================================
// HELPERS
// ============================================================

func ptr[T any](v T) *T { return &v }

func freshMetrics(t *testing.T) *metrics.Metrics {
	t.Helper()
	reg := prometheus.NewRegistry()
	prevReg, prevGath := prometheus.DefaultRegisterer, prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = prevReg
		prometheus.DefaultGatherer = prevGath
	})
	return metrics.InitMetrics("test", "")
}

type fixture struct {
	repo    *MockSimulationRepository
	runner  *MockRunner
	audit   *recordingAudit
	metrics *metrics.Metrics
	svc     *SimulationService
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		repo:    &MockSimulationRepository{},
		runner:  &MockRunner{},
		audit:   &recordingAudit{},
		metrics: freshMetrics(t),
	}
	f.svc = NewSimulationService(f.repo, f.runner,
		WithAudit(f.audit),
		WithMetrics(f.metrics),
		WithServiceName("test-svc"),
	)
	t.Cleanup(func() {
		f.repo.AssertExpectations(t)
		f.runner.AssertExpectations(t)
	})
	return f
}

func validSimulation() *repository.Simulation {
	return &repository.Simulation{
		ID:      5,
		Name:    "sim",
		Cluster: 1,
		Map:     ptr(int64(2)),
		Vehicles: []repository.Connection{
			{ID: 1, Simulation: 5, Vehicle: 10},
			{ID: 2, Simulation: 5, Vehicle: 11},
		},
	}
}

// ============================================================
// CRUD
// ============================================================

func TestList_PassesThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	want := []*repository.Simulation{{ID: 1}, {ID: 2}}

	f.repo.On("List", ctx, "abc", 10, 20, "alice").Return(want, nil)

	got, err := f.svc.List(ctx, "abc", 10, 20, "alice")
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StoreOperationsTotal.WithLabelValues("list", "success")))
}

func TestList_ErrorUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	storeErr := errors.New("connection refused")

	f.repo.On("List", ctx, "", 0, 50, "").Return(nil, storeErr)

	_, err := f.svc.List(ctx, "", 0, 50, "")
	assert.Same(t, storeErr, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StoreOperationsTotal.WithLabelValues("list", "error")))
}

func TestGet_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.repo.On("Get", ctx, int64(9), "bob").Return(nil, repository.ErrSimulationNotFound)

	_, err := f.svc.Get(ctx, 9, "bob")
	assert.ErrorIs(t, err, repository.ErrSimulationNotFound)
}

func TestAdd_AuditsCreate(t *testing.T) {
	f := newFixture(t)
	ctx := audit.WithRequest(context.Background(), audit.RequestInfo{RequestID: "req-1", ClientIP: "10.0.0.1"})
	sim := validSimulation()
	sim.ID = 0
	sim.Owner = ptr("alice")

	f.repo.On("Add", ctx, sim).Return(int64(42), nil)

	id, err := f.svc.Add(ctx, sim)
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	e := f.audit.last(t)
	assert.Equal(t, audit.ActionCreate, e.Action)
	assert.Equal(t, audit.OutcomeSuccess, e.Outcome)
	assert.Equal(t, "alice", e.Owner)
	assert.Equal(t, "42", e.ResourceID)
	assert.Equal(t, "test-svc", e.Service)
	assert.Equal(t, "req-1", e.RequestID)
	assert.Equal(t, "10.0.0.1", e.ClientIP)
	assert.Equal(t, 2, e.Metadata["vehicles"])
}

func TestAdd_ErrorAudited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := validSimulation()
	storeErr := errors.New("fk violation")

	f.repo.On("Add", ctx, sim).Return(int64(0), storeErr)

	_, err := f.svc.Add(ctx, sim)
	assert.Same(t, storeErr, err)

	e := f.audit.last(t)
	assert.Equal(t, audit.OutcomeFailure, e.Outcome)
	assert.Equal(t, string(apperror.CodeInternal), e.ErrorCode)
	assert.Empty(t, e.ResourceID)
}

func TestUpdate_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		err      error
		want     audit.Outcome
	}{
		{"updated", 1, nil, audit.OutcomeSuccess},
		{"owner mismatch", 0, nil, audit.OutcomeNotFound},
		{"store error", 0, errors.New("boom"), audit.OutcomeFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			sim := validSimulation()

			f.repo.On("Update", ctx, sim, "alice").Return(tt.affected, tt.err)

			affected, err := f.svc.Update(ctx, sim, "alice")
			assert.Equal(t, tt.affected, affected)
			assert.Equal(t, tt.err, err)

			e := f.audit.last(t)
			assert.Equal(t, audit.ActionUpdate, e.Action)
			assert.Equal(t, tt.want, e.Outcome)
			assert.Equal(t, "5", e.ResourceID)
		})
	}
}

func TestDelete_Outcomes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.repo.On("Delete", ctx, int64(5), "alice").Return(int64(1), nil).Once()
	f.repo.On("Delete", ctx, int64(6), "alice").Return(int64(0), nil).Once()

	affected, err := f.svc.Delete(ctx, 5, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	assert.Equal(t, audit.OutcomeSuccess, f.audit.last(t).Outcome)

	affected, err = f.svc.Delete(ctx, 6, "alice")
	require.NoError(t, err)
	assert.Zero(t, affected)
	assert.Equal(t, audit.OutcomeNotFound, f.audit.last(t).Outcome)
}

func TestAuditFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.audit.err = errors.New("disk full")
	ctx := context.Background()

	f.repo.On("Delete", ctx, int64(5), "").Return(int64(1), nil)

	affected, err := f.svc.Delete(ctx, 5, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
}

// ============================================================
// STATUS
// ============================================================

func TestGetActualStatus(t *testing.T) {
	ctx := context.Background()
	vehicles := []int64{10, 11}

	tests := []struct {
		name             string
		sim              func() *repository.Simulation
		allowDownloading bool
		current          *repository.Simulation
		setup            func(r *MockSimulationRepository)
		want             repository.Status
	}{
		{
			name:    "running simulation",
			sim:     validSimulation,
			current: &repository.Simulation{ID: 5},
			want:    repository.StatusRunning,
		},
		{
			name: "missing cluster",
			sim:  validSimulation,
			setup: func(r *MockSimulationRepository) {
				r.On("ClusterExists", ctx, int64(1)).Return(false, nil)
			},
			want: repository.StatusInvalid,
		},
		{
			name: "api only ignores map and vehicles",
			sim: func() *repository.Simulation {
				s := validSimulation()
				s.ApiOnly = ptr(true)
				s.Map = nil
				s.Vehicles = nil
				return s
			},
			setup: func(r *MockSimulationRepository) {
				r.On("ClusterExists", ctx, int64(1)).Return(true, nil)
			},
			want: repository.StatusValid,
		},
		{
			name: "nil map",
			sim: func() *repository.Simulation {
				s := validSimulation()
				s.Map = nil
				return s
			},
			setup: func(r *MockSimulationRepository) {
				r.On("ClusterExists", ctx, int64(1)).Return(true, nil)
			},
			want: repository.StatusInvalid,
		},
		{
			name: "missing map row",
			sim:  validSimulation,
			setup: func(r *MockSimulationRepository) {
				r.On("ClusterExists", ctx, int64(1)).Return(true, nil)
				r.On("GetMap", ctx, int64(2)).Return(nil, nil)
			},
			want: repository.StatusInvalid,
		},
		{
			name: "downloading map not allowed",
			sim:  validSimulation,
			setup: func(r *MockSimulationRepository) {
				r.On("ClusterExists", ctx, int64(1)).Return(true, nil)
				r.On("GetMap", ctx, int64(2)).Return(&repository.Map{ID: 2, Status: repository.StatusDownloading}, nil)
			},
			want: repository.StatusInvalid,
		},
		{
			name:             "downloading map allowed",
			sim:              validSimulation,
			allowDownloading: true,
			setup: func(r *MockSimulationRepository) {
				r.On("ClusterExists", ctx, int64(1)).Return(true, nil)
				r.On("GetMap", ctx, int64(2)).Return(&repository.Map{ID: 2, Status: repository.StatusDownloading}, nil)
				r.On("CountVehicles", ctx, vehicles, true).Return(2, nil)
			},
			want: repository.StatusValid,
		},
		{
			name:             "invalid map even when downloading allowed",
			sim:              validSimulation,
			allowDownloading: true,
			setup: func(r *MockSimulationRepository) {
				r.On("ClusterExists", ctx, int64(1)).Return(true, nil)
				r.On("GetMap", ctx, int64(2)).Return(&repository.Map{ID: 2, Status: repository.StatusInvalid}, nil)
			},
			want: repository.StatusInvalid,
		},
		{
			name: "no vehicles",
			sim: func() *repository.Simulation {
				s := validSimulation()
				s.Vehicles = nil
				return s
			},
			setup: func(r *MockSimulationRepository) {
				r.On("ClusterExists", ctx, int64(1)).Return(true, nil)
				r.On("GetMap", ctx, int64(2)).Return(&repository.Map{ID: 2, Status: repository.StatusValid}, nil)
			},
			want: repository.StatusInvalid,
		},
		{
			name: "vehicle count mismatch",
			sim:  validSimulation,
			setup: func(r *MockSimulationRepository) {
				r.On("ClusterExists", ctx, int64(1)).Return(true, nil)
				r.On("GetMap", ctx, int64(2)).Return(&repository.Map{ID: 2, Status: repository.StatusValid}, nil)
				r.On("CountVehicles", ctx, vehicles, false).Return(1, nil)
			},
			want: repository.StatusInvalid,
		},
		{
			name: "duplicate vehicles counted once",
			sim: func() *repository.Simulation {
				s := validSimulation()
				s.Vehicles = append(s.Vehicles, repository.Connection{ID: 3, Simulation: 5, Vehicle: 10})
				return s
			},
			setup: func(r *MockSimulationRepository) {
				r.On("ClusterExists", ctx, int64(1)).Return(true, nil)
				r.On("GetMap", ctx, int64(2)).Return(&repository.Map{ID: 2, Status: repository.StatusValid}, nil)
				r.On("CountVehicles", ctx, vehicles, false).Return(2, nil)
			},
			want: repository.StatusValid,
		},
		{
			name:    "other simulation running",
			sim:     validSimulation,
			current: &repository.Simulation{ID: 99},
			setup: func(r *MockSimulationRepository) {
				r.On("ClusterExists", ctx, int64(1)).Return(true, nil)
				r.On("GetMap", ctx, int64(2)).Return(&repository.Map{ID: 2, Status: repository.StatusValid}, nil)
				r.On("CountVehicles", ctx, vehicles, false).Return(2, nil)
			},
			want: repository.StatusValid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.runner.current = tt.current
			if tt.setup != nil {
				tt.setup(f.repo)
			}

			got, err := f.svc.GetActualStatus(ctx, tt.sim(), tt.allowDownloading)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StatusDecisionsTotal.WithLabelValues(string(tt.want))))
		})
	}
}

func TestGetActualStatus_StoreErrors(t *testing.T) {
	ctx := context.Background()
	storeErr := errors.New("boom")

	tests := []struct {
		name  string
		setup func(r *MockSimulationRepository)
	}{
		{"cluster", func(r *MockSimulationRepository) {
			r.On("ClusterExists", ctx, int64(1)).Return(false, storeErr)
		}},
		{"map", func(r *MockSimulationRepository) {
			r.On("ClusterExists", ctx, int64(1)).Return(true, nil)
			r.On("GetMap", ctx, int64(2)).Return(nil, storeErr)
		}},
		{"vehicles", func(r *MockSimulationRepository) {
			r.On("ClusterExists", ctx, int64(1)).Return(true, nil)
			r.On("GetMap", ctx, int64(2)).Return(&repository.Map{ID: 2, Status: repository.StatusValid}, nil)
			r.On("CountVehicles", ctx, []int64{10, 11}, false).Return(0, storeErr)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tt.setup(f.repo)

			status, err := f.svc.GetActualStatus(ctx, validSimulation(), false)
			assert.Same(t, storeErr, err)
			assert.Empty(t, status)
		})
	}
}

// ============================================================
// CURRENT / START / STOP
// ============================================================

func TestGetCurrent(t *testing.T) {
	tests := []struct {
		name    string
		current *repository.Simulation
		owner   string
		visible bool
	}{
		{"nothing running", nil, "alice", false},
		{"global simulation", &repository.Simulation{ID: 1}, "", true},
		{"own simulation", &repository.Simulation{ID: 1, Owner: ptr("alice")}, "alice", true},
		{"foreign simulation", &repository.Simulation{ID: 1, Owner: ptr("bob")}, "alice", false},
		{"anonymous caller, owned simulation", &repository.Simulation{ID: 1, Owner: ptr("bob")}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.runner.current = tt.current

			got := f.svc.GetCurrent(tt.owner)
			if tt.visible {
				assert.Same(t, tt.current, got)
			} else {
				assert.Nil(t, got)
			}
		})
	}
}

func TestStartStop_Delegate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := validSimulation()

	f.runner.On("StartAsync", ctx, sim).Once()
	f.runner.On("StopAsync", ctx).Once()

	f.svc.Start(ctx, sim)
	f.svc.Stop(ctx)
}

func TestLaunch(t *testing.T) {
	ctx := context.Background()

	t.Run("valid simulation starts", func(t *testing.T) {
		f := newFixture(t)
		sim := validSimulation()
		f.repo.On("Get", ctx, int64(5), "alice").Return(sim, nil)
		f.repo.On("ClusterExists", ctx, int64(1)).Return(true, nil)
		f.repo.On("GetMap", ctx, int64(2)).Return(&repository.Map{ID: 2, Status: repository.StatusValid}, nil)
		f.repo.On("CountVehicles", ctx, []int64{10, 11}, false).Return(2, nil)
		f.runner.On("StartAsync", ctx, sim).Once()

		got, err := f.svc.Launch(ctx, 5, "alice", false)
		require.NoError(t, err)
		assert.Same(t, sim, got)
	})

	t.Run("invalid simulation rejected", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("Get", ctx, int64(5), "alice").Return(validSimulation(), nil)
		f.repo.On("ClusterExists", ctx, int64(1)).Return(false, nil)

		_, err := f.svc.Launch(ctx, 5, "alice", false)
		assert.True(t, apperror.Is(err, apperror.CodeSimulationInvalid))
		f.runner.AssertNotCalled(t, "StartAsync", mock.Anything, mock.Anything)
	})

	t.Run("already running", func(t *testing.T) {
		f := newFixture(t)
		f.runner.current = &repository.Simulation{ID: 5}
		f.repo.On("Get", ctx, int64(5), "").Return(validSimulation(), nil)

		_, err := f.svc.Launch(ctx, 5, "", false)
		assert.True(t, apperror.Is(err, apperror.CodeSimulationRunning))
	})

	t.Run("not found", func(t *testing.T) {
		f := newFixture(t)
		f.repo.On("Get", ctx, int64(5), "").Return(nil, repository.ErrSimulationNotFound)

		_, err := f.svc.Launch(ctx, 5, "", false)
		assert.ErrorIs(t, err, repository.ErrSimulationNotFound)
	})
}

func TestHalt(t *testing.T) {
	ctx := context.Background()

	t.Run("visible simulation stopped", func(t *testing.T) {
		f := newFixture(t)
		f.runner.current = &repository.Simulation{ID: 3, Owner: ptr("alice")}
		f.runner.On("StopAsync", ctx).Once()

		got, err := f.svc.Halt(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, int64(3), got.ID)
	})

	t.Run("foreign simulation untouched", func(t *testing.T) {
		f := newFixture(t)
		f.runner.current = &repository.Simulation{ID: 3, Owner: ptr("bob")}

		_, err := f.svc.Halt(ctx, "alice")
		assert.True(t, apperror.Is(err, apperror.CodeNotFound))
	})
}

func TestPing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.repo.On("Ping", ctx).Return(nil)

	assert.NoError(t, f.svc.Ping(ctx))
}

func TestTransitionObserver(t *testing.T) {
	m := freshMetrics(t)
	rec := &recordingAudit{}
	observe := NewTransitionObserver(rec, m, "test-svc")
	ctx := context.Background()

	observe(ctx, runner.Transition{Action: runner.ActionStart, SimulationID: 5, Owner: ptr("alice"), Duration: time.Second})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SimulationRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunnerTransitionsTotal.WithLabelValues(runner.ActionStart, "success")))

	e := rec.last(t)
	assert.Equal(t, audit.ActionStart, e.Action)
	assert.Equal(t, "alice", e.Owner)
	assert.Equal(t, int64(1000), e.DurationMs)

	observe(ctx, runner.Transition{Action: runner.ActionStart, SimulationID: 6, Err: errors.New("engine down")})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SimulationRunning))
	assert.Equal(t, audit.OutcomeFailure, rec.last(t).Outcome)

	observe(ctx, runner.Transition{Action: runner.ActionStop, SimulationID: 5, Err: context.DeadlineExceeded})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SimulationRunning))
	assert.Equal(t, audit.ActionStop, rec.last(t).Action)
	assert.Equal(t, string(apperror.CodeUnavailable), rec.last(t).ErrorCode)
}

func TestTransitionObserver_WithLoader(t *testing.T) {
	m := freshMetrics(t)
	rec := &recordingAudit{}
	loader := runner.NewLoader(runner.DryRunEngine{},
		runner.WithObserver(NewTransitionObserver(rec, m, "test-svc")))

	loader.StartAsync(context.Background(), validSimulation())
	loader.Shutdown(context.Background())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.entries, 2)
	assert.Equal(t, audit.ActionStart, rec.entries[0].Action)
	assert.Equal(t, audit.ActionStop, rec.entries[1].Action)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SimulationRunning))
}
