package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"simulator/pkg/database"
	"simulator/pkg/telemetry"
)

// SQLiteSimulationRepository SQLite реализация для автономного режима
type SQLiteSimulationRepository struct {
	db *sql.DB
}

// NewSQLiteSimulationRepository создаёт новый репозиторий
func NewSQLiteSimulationRepository(db *sql.DB) *SQLiteSimulationRepository {
	return &SQLiteSimulationRepository{db: db}
}

func sqliteOwner(owner string) sql.NullString {
	return sql.NullString{String: owner, Valid: owner != ""}
}

func (r *SQLiteSimulationRepository) List(ctx context.Context, filter string, offset, count int, owner string) ([]*Simulation, error) {
	ctx, span := telemetry.StartSpan(ctx, "SQLiteSimulationRepository.List",
		telemetry.WithAttributes(telemetry.ListAttributes(filter != "", offset, count)...),
	)
	defer span.End()

	// LIKE в SQLite регистронезависим для ASCII
	var (
		query string
		args  []any
	)
	if filter != "" {
		query = `SELECT ` + simulationColumns + `
			FROM simulations
			WHERE name LIKE ?
			ORDER BY id
			LIMIT ? OFFSET ?`
		args = []any{SanitizeFilter(filter), count, offset}
	} else {
		query = `SELECT ` + simulationColumns + `
			FROM simulations
			WHERE (owner = ? OR owner IS NULL)
			ORDER BY id
			LIMIT ? OFFSET ?`
		args = []any{sqliteOwner(owner), count, offset}
	}

	sims, err := database.WithSQLTransactionResult(ctx, r.db, func(tx *sql.Tx) ([]*Simulation, error) {
		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to list simulations: %w", err)
		}

		var sims []*Simulation
		for rows.Next() {
			sim, err := scanSQLiteSimulation(rows)
			if err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("failed to scan simulation: %w", err)
			}
			sims = append(sims, sim)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to iterate simulations: %w", err)
		}
		_ = rows.Close()

		for _, sim := range sims {
			if sim.Vehicles, err = sqliteConnections(ctx, tx, sim.ID); err != nil {
				return nil, err
			}
		}

		return sims, nil
	})
	if err != nil {
		telemetry.SetError(ctx, err)
		return nil, err
	}

	return sims, nil
}

func (r *SQLiteSimulationRepository) Get(ctx context.Context, id int64, owner string) (*Simulation, error) {
	ctx, span := telemetry.StartSpan(ctx, "SQLiteSimulationRepository.Get")
	defer span.End()

	query := `SELECT ` + simulationColumns + `
		FROM simulations
		WHERE id = ? AND (owner = ? OR owner IS NULL)`

	return database.WithSQLTransactionResult(ctx, r.db, func(tx *sql.Tx) (*Simulation, error) {
		sim, err := scanSQLiteSimulation(tx.QueryRowContext(ctx, query, id, sqliteOwner(owner)))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: %w", ErrSimulationNotFound, err)
			}
			return nil, fmt.Errorf("failed to get simulation: %w", err)
		}

		if sim.Vehicles, err = sqliteConnections(ctx, tx, sim.ID); err != nil {
			return nil, err
		}

		return sim, nil
	})
}

func (r *SQLiteSimulationRepository) Add(ctx context.Context, sim *Simulation) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "SQLiteSimulationRepository.Add")
	defer span.End()

	query := `
		INSERT INTO simulations (
			name, owner, cluster, map, api_only,
			interactive, headless, seed, use_traffic, use_pedestrians
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var vehicles []Connection
	id, err := database.WithSQLTransactionResult(ctx, r.db, func(tx *sql.Tx) (int64, error) {
		if err := clearSQLiteConnections(ctx, tx, sim.ID); err != nil {
			return 0, err
		}

		res, err := tx.ExecContext(ctx, query,
			sim.Name,
			sim.Owner,
			sim.Cluster,
			sim.Map,
			sim.ApiOnly,
			sim.Interactive,
			sim.Headless,
			sim.Seed,
			sim.UseTraffic,
			sim.UsePedestrians,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert simulation: %w", err)
		}

		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read simulation id: %w", err)
		}

		vehicles, err = insertSQLiteConnections(ctx, tx, id, sim.Vehicles)
		if err != nil {
			return 0, err
		}

		return id, nil
	})
	if err != nil {
		telemetry.SetError(ctx, err)
		return 0, err
	}

	sim.ID = id
	sim.Vehicles = vehicles
	telemetry.SetAttributes(ctx, telemetry.SimulationAttributes(id, sim.Cluster, sim.Map, len(vehicles), sim.Owner != nil)...)

	return id, nil
}

func (r *SQLiteSimulationRepository) Update(ctx context.Context, sim *Simulation, owner string) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "SQLiteSimulationRepository.Update")
	defer span.End()

	query := `
		UPDATE simulations SET
			name = ?, owner = ?, cluster = ?, map = ?, api_only = ?,
			interactive = ?, headless = ?, seed = ?, use_traffic = ?, use_pedestrians = ?
		WHERE id = ? AND (owner = ? OR owner IS NULL)
	`

	var vehicles []Connection
	affected, err := database.WithSQLTransactionResult(ctx, r.db, func(tx *sql.Tx) (int64, error) {
		if err := clearSQLiteConnections(ctx, tx, sim.ID); err != nil {
			return 0, err
		}

		res, err := tx.ExecContext(ctx, query,
			sim.Name,
			sim.Owner,
			sim.Cluster,
			sim.Map,
			sim.ApiOnly,
			sim.Interactive,
			sim.Headless,
			sim.Seed,
			sim.UseTraffic,
			sim.UsePedestrians,
			sim.ID,
			sqliteOwner(owner),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to update simulation: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return 0, database.ErrRollback
		}

		vehicles, err = insertSQLiteConnections(ctx, tx, sim.ID, sim.Vehicles)
		if err != nil {
			return 0, err
		}

		return affected, nil
	})
	if err != nil {
		telemetry.SetError(ctx, err)
		return 0, err
	}

	if affected > 0 {
		sim.Vehicles = vehicles
	}
	telemetry.SetAttributes(ctx, telemetry.StoreAttributes("sqlite", affected)...)

	return affected, nil
}

func (r *SQLiteSimulationRepository) Delete(ctx context.Context, id int64, owner string) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "SQLiteSimulationRepository.Delete")
	defer span.End()

	affected, err := database.WithSQLTransactionResult(ctx, r.db, func(tx *sql.Tx) (int64, error) {
		if err := clearSQLiteConnections(ctx, tx, id); err != nil {
			return 0, err
		}

		res, err := tx.ExecContext(ctx,
			`DELETE FROM simulations WHERE id = ? AND (owner = ? OR owner IS NULL)`,
			id, sqliteOwner(owner),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to delete simulation: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return 0, database.ErrRollback
		}

		return affected, nil
	})
	if err != nil {
		telemetry.SetError(ctx, err)
		return 0, err
	}

	telemetry.SetAttributes(ctx, telemetry.StoreAttributes("sqlite", affected)...)
	return affected, nil
}

func (r *SQLiteSimulationRepository) ClusterExists(ctx context.Context, id int64) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "SQLiteSimulationRepository.ClusterExists")
	defer span.End()

	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM clusters WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check cluster: %w", err)
	}

	return exists, nil
}

// GetMap возвращает nil без ошибки, если карты нет
func (r *SQLiteSimulationRepository) GetMap(ctx context.Context, id int64) (*Map, error) {
	ctx, span := telemetry.StartSpan(ctx, "SQLiteSimulationRepository.GetMap")
	defer span.End()

	m := &Map{}
	var status string

	err := r.db.QueryRowContext(ctx, `SELECT id, name, status FROM maps WHERE id = ?`, id).Scan(&m.ID, &m.Name, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get map: %w", err)
	}

	m.Status = Status(status)
	return m, nil
}

func (r *SQLiteSimulationRepository) CountVehicles(ctx context.Context, ids []int64, allowDownloading bool) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "SQLiteSimulationRepository.CountVehicles")
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}

	cond := "status = ?"
	status := StatusValid
	if allowDownloading {
		cond = "status != ?"
		status = StatusInvalid
	}
	args = append(args, string(status))

	query := `SELECT COUNT(*) FROM vehicles WHERE id IN (` + placeholders + `) AND ` + cond

	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count vehicles: %w", err)
	}

	return count, nil
}

func (r *SQLiteSimulationRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func sqliteConnections(ctx context.Context, tx *sql.Tx, simulationID int64) ([]Connection, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT id, simulation, vehicle, connection FROM connections WHERE simulation = ? ORDER BY id`,
		simulationID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}
	defer rows.Close()

	conns := make([]Connection, 0)
	for rows.Next() {
		var (
			c    Connection
			addr sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Simulation, &c.Vehicle, &addr); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		if addr.Valid {
			c.Connection = &addr.String
		}
		conns = append(conns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate connections: %w", err)
	}

	return conns, nil
}

func clearSQLiteConnections(ctx context.Context, tx *sql.Tx, simulationID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE simulation = ?`, simulationID); err != nil {
		return fmt.Errorf("failed to clear connections: %w", err)
	}
	return nil
}

func insertSQLiteConnections(ctx context.Context, tx *sql.Tx, simulationID int64, conns []Connection) ([]Connection, error) {
	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		c.Simulation = simulationID
		res, err := tx.ExecContext(ctx,
			`INSERT INTO connections (simulation, vehicle, connection) VALUES (?, ?, ?)`,
			c.Simulation, c.Vehicle, c.Connection,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert connection: %w", err)
		}
		if c.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("failed to read connection id: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func scanSQLiteSimulation(row interface{ Scan(dest ...any) error }) (*Simulation, error) {
	sim := &Simulation{}
	var (
		owner          sql.NullString
		mapID          sql.NullInt64
		apiOnly        sql.NullBool
		interactive    sql.NullBool
		headless       sql.NullBool
		seed           sql.NullInt64
		useTraffic     sql.NullBool
		usePedestrians sql.NullBool
	)

	err := row.Scan(
		&sim.ID,
		&sim.Name,
		&owner,
		&sim.Cluster,
		&mapID,
		&apiOnly,
		&interactive,
		&headless,
		&seed,
		&useTraffic,
		&usePedestrians,
	)
	if err != nil {
		return nil, err
	}

	if owner.Valid {
		sim.Owner = &owner.String
	}
	if mapID.Valid {
		sim.Map = &mapID.Int64
	}
	if seed.Valid {
		sim.Seed = &seed.Int64
	}
	sim.ApiOnly = nullBool(apiOnly)
	sim.Interactive = nullBool(interactive)
	sim.Headless = nullBool(headless)
	sim.UseTraffic = nullBool(useTraffic)
	sim.UsePedestrians = nullBool(usePedestrians)

	return sim, nil
}

func nullBool(b sql.NullBool) *bool {
	if !b.Valid {
		return nil
	}
	v := b.Bool
	return &v
}
