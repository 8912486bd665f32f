package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Стандартные ключи атрибутов
const (
	// Симуляция
	AttrSimulationID       = "simulation.id"
	AttrSimulationCluster  = "simulation.cluster"
	AttrSimulationMap      = "simulation.map"
	AttrSimulationVehicles = "simulation.vehicles"
	AttrSimulationStatus   = "simulation.status"
	AttrSimulationOwned    = "simulation.owned"

	// Выборка
	AttrListFiltered = "list.filtered"
	AttrListOffset   = "list.offset"
	AttrListCount    = "list.count"

	// Хранилище
	AttrDBSystem       = "db.system"
	AttrDBRowsAffected = "db.rows_affected"
)

// SimulationAttributes возвращает атрибуты симуляции
func SimulationAttributes(id, cluster int64, mapID *int64, vehicles int, owned bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int64(AttrSimulationID, id),
		attribute.Int64(AttrSimulationCluster, cluster),
		attribute.Int(AttrSimulationVehicles, vehicles),
		attribute.Bool(AttrSimulationOwned, owned),
	}
	if mapID != nil {
		attrs = append(attrs, attribute.Int64(AttrSimulationMap, *mapID))
	}
	return attrs
}

// ListAttributes возвращает атрибуты выборки списка
func ListAttributes(filtered bool, offset, count int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(AttrListFiltered, filtered),
		attribute.Int(AttrListOffset, offset),
		attribute.Int(AttrListCount, count),
	}
}

// StatusAttribute возвращает атрибут вычисленного статуса
func StatusAttribute(status string) attribute.KeyValue {
	return attribute.String(AttrSimulationStatus, status)
}

// StoreAttributes возвращает атрибуты операции с хранилищем
func StoreAttributes(system string, rowsAffected int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrDBSystem, system),
		attribute.Int64(AttrDBRowsAffected, rowsAffected),
	}
}
