package repository

import (
	"context"
	"errors"
	"strings"
)

// Стандартные ошибки
var (
	ErrSimulationNotFound = errors.New("simulation not found")
	ErrUnsupportedDriver  = errors.New("unsupported database driver")
)

// Status статус симуляции, карты или машины
type Status string

const (
	StatusRunning     Status = "Running"
	StatusValid       Status = "Valid"
	StatusDownloading Status = "Downloading"
	StatusInvalid     Status = "Invalid"
)

// Simulation модель симуляции
type Simulation struct {
	ID             int64        `json:"id"`
	Name           string       `json:"name"`
	Owner          *string      `json:"owner,omitempty"` // nil - видна всем
	Cluster        int64        `json:"cluster"`
	Map            *int64       `json:"map,omitempty"`
	ApiOnly        *bool        `json:"apiOnly,omitempty"`
	Interactive    *bool        `json:"interactive,omitempty"`
	Headless       *bool        `json:"headless,omitempty"`
	Seed           *int64       `json:"seed,omitempty"`
	UseTraffic     *bool        `json:"useTraffic,omitempty"`
	UsePedestrians *bool        `json:"usePedestrians,omitempty"`
	Vehicles       []Connection `json:"vehicles"`
}

// Connection связь симуляции с машиной
type Connection struct {
	ID         int64   `json:"id"`
	Simulation int64   `json:"simulation"`
	Vehicle    int64   `json:"vehicle"`
	Connection *string `json:"connection,omitempty"` // адрес моста
}

// Map справочная запись карты
type Map struct {
	ID     int64
	Name   string
	Status Status
}

// IsAPIOnly разворачивает nullable флаг
func (s *Simulation) IsAPIOnly() bool {
	return s.ApiOnly != nil && *s.ApiOnly
}

// VisibleTo проверяет правило владения: чужой владелец скрывает запись
func (s *Simulation) VisibleTo(owner string) bool {
	return s.Owner == nil || *s.Owner == owner
}

// DistinctVehicles возвращает уникальные id машин в порядке появления
func (s *Simulation) DistinctVehicles() []int64 {
	seen := make(map[int64]struct{}, len(s.Vehicles))
	ids := make([]int64, 0, len(s.Vehicles))
	for _, c := range s.Vehicles {
		if _, ok := seen[c.Vehicle]; ok {
			continue
		}
		seen[c.Vehicle] = struct{}{}
		ids = append(ids, c.Vehicle)
	}
	return ids
}

// SanitizeFilter убирает из фильтра символы-шаблоны LIKE и оборачивает в %...%
func SanitizeFilter(filter string) string {
	clean := strings.NewReplacer("%", "", "_", "").Replace(filter)
	return "%" + clean + "%"
}

// SimulationRepository интерфейс репозитория
type SimulationRepository interface {
	// CRUD
	List(ctx context.Context, filter string, offset, count int, owner string) ([]*Simulation, error)
	Get(ctx context.Context, id int64, owner string) (*Simulation, error)
	Add(ctx context.Context, sim *Simulation) (int64, error)
	Update(ctx context.Context, sim *Simulation, owner string) (int64, error)
	Delete(ctx context.Context, id int64, owner string) (int64, error)

	// Справочники для вычисления статуса
	ClusterExists(ctx context.Context, id int64) (bool, error)
	GetMap(ctx context.Context, id int64) (*Map, error)
	CountVehicles(ctx context.Context, ids []int64, allowDownloading bool) (int, error)

	Ping(ctx context.Context) error
}
