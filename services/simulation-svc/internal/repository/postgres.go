package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"simulator/pkg/database"
	"simulator/pkg/telemetry"
)

const simulationColumns = `id, name, owner, cluster, map, api_only, interactive, headless, seed, use_traffic, use_pedestrians`

// PostgresSimulationRepository PostgreSQL реализация
type PostgresSimulationRepository struct {
	db database.DB
}

// NewPostgresSimulationRepository создаёт новый репозиторий
func NewPostgresSimulationRepository(db database.DB) *PostgresSimulationRepository {
	return &PostgresSimulationRepository{db: db}
}

// pgRow общий интерфейс pgx.Row и pgx.Rows для сканирования
type pgRow interface {
	Scan(dest ...any) error
}

// ownerParam - анонимный вызывающий передаётся как NULL и видит только общие записи
func ownerParam(owner string) pgtype.Text {
	return pgtype.Text{String: owner, Valid: owner != ""}
}

func (r *PostgresSimulationRepository) List(ctx context.Context, filter string, offset, count int, owner string) ([]*Simulation, error) {
	ctx, span := telemetry.StartSpan(ctx, "PostgresSimulationRepository.List",
		telemetry.WithAttributes(telemetry.ListAttributes(filter != "", offset, count)...),
	)
	defer span.End()

	// Фильтр по имени игнорирует владельца
	var (
		query string
		args  []any
	)
	if filter != "" {
		query = `SELECT ` + simulationColumns + `
			FROM simulations
			WHERE name ILIKE $1 ESCAPE ''
			ORDER BY id
			LIMIT $2 OFFSET $3`
		args = []any{SanitizeFilter(filter), count, offset}
	} else {
		query = `SELECT ` + simulationColumns + `
			FROM simulations
			WHERE (owner = $1 OR owner IS NULL)
			ORDER BY id
			LIMIT $2 OFFSET $3`
		args = []any{ownerParam(owner), count, offset}
	}

	sims, err := database.WithTransactionResult(ctx, r.db, func(tx pgx.Tx) ([]*Simulation, error) {
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to list simulations: %w", err)
		}

		var sims []*Simulation
		for rows.Next() {
			sim, err := scanPgSimulation(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan simulation: %w", err)
			}
			sims = append(sims, sim)
		}
		rows.Close()

		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to iterate simulations: %w", err)
		}

		for _, sim := range sims {
			if sim.Vehicles, err = r.connections(ctx, tx, sim.ID); err != nil {
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

func (r *PostgresSimulationRepository) Get(ctx context.Context, id int64, owner string) (*Simulation, error) {
	ctx, span := telemetry.StartSpan(ctx, "PostgresSimulationRepository.Get")
	defer span.End()

	query := `SELECT ` + simulationColumns + `
		FROM simulations
		WHERE id = $1 AND (owner = $2 OR owner IS NULL)`

	return database.WithTransactionResult(ctx, r.db, func(tx pgx.Tx) (*Simulation, error) {
		sim, err := scanPgSimulation(tx.QueryRow(ctx, query, id, ownerParam(owner)))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: %w", ErrSimulationNotFound, err)
			}
			return nil, fmt.Errorf("failed to get simulation: %w", err)
		}

		if sim.Vehicles, err = r.connections(ctx, tx, sim.ID); err != nil {
			return nil, err
		}

		return sim, nil
	})
}

func (r *PostgresSimulationRepository) Add(ctx context.Context, sim *Simulation) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "PostgresSimulationRepository.Add")
	defer span.End()

	query := `
		INSERT INTO simulations (
			name, owner, cluster, map, api_only,
			interactive, headless, seed, use_traffic, use_pedestrians
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`

	var vehicles []Connection
	id, err := database.WithTransactionResult(ctx, r.db, func(tx pgx.Tx) (int64, error) {
		if err := clearPgConnections(ctx, tx, sim.ID); err != nil {
			return 0, err
		}

		var id int64
		err := tx.QueryRow(ctx, query,
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
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("failed to insert simulation: %w", err)
		}

		vehicles, err = insertPgConnections(ctx, tx, id, sim.Vehicles)
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

func (r *PostgresSimulationRepository) Update(ctx context.Context, sim *Simulation, owner string) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "PostgresSimulationRepository.Update")
	defer span.End()

	query := `
		UPDATE simulations SET
			name = $1, owner = $2, cluster = $3, map = $4, api_only = $5,
			interactive = $6, headless = $7, seed = $8, use_traffic = $9, use_pedestrians = $10
		WHERE id = $11 AND (owner = $12 OR owner IS NULL)
	`

	var vehicles []Connection
	affected, err := database.WithTransactionResult(ctx, r.db, func(tx pgx.Tx) (int64, error) {
		if err := clearPgConnections(ctx, tx, sim.ID); err != nil {
			return 0, err
		}

		tag, err := tx.Exec(ctx, query,
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
			ownerParam(owner),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to update simulation: %w", err)
		}

		// Чужая или отсутствующая запись: связи не трогаем
		if tag.RowsAffected() == 0 {
			return 0, database.ErrRollback
		}

		vehicles, err = insertPgConnections(ctx, tx, sim.ID, sim.Vehicles)
		if err != nil {
			return 0, err
		}

		return tag.RowsAffected(), nil
	})
	if err != nil {
		telemetry.SetError(ctx, err)
		return 0, err
	}

	if affected > 0 {
		sim.Vehicles = vehicles
	}
	telemetry.SetAttributes(ctx, telemetry.StoreAttributes("postgresql", affected)...)

	return affected, nil
}

func (r *PostgresSimulationRepository) Delete(ctx context.Context, id int64, owner string) (int64, error) {
	ctx, span := telemetry.StartSpan(ctx, "PostgresSimulationRepository.Delete")
	defer span.End()

	query := `DELETE FROM simulations WHERE id = $1 AND (owner = $2 OR owner IS NULL)`

	affected, err := database.WithTransactionResult(ctx, r.db, func(tx pgx.Tx) (int64, error) {
		if err := clearPgConnections(ctx, tx, id); err != nil {
			return 0, err
		}

		tag, err := tx.Exec(ctx, query, id, ownerParam(owner))
		if err != nil {
			return 0, fmt.Errorf("failed to delete simulation: %w", err)
		}

		if tag.RowsAffected() == 0 {
			return 0, database.ErrRollback
		}

		return tag.RowsAffected(), nil
	})
	if err != nil {
		telemetry.SetError(ctx, err)
		return 0, err
	}

	telemetry.SetAttributes(ctx, telemetry.StoreAttributes("postgresql", affected)...)
	return affected, nil
}

func (r *PostgresSimulationRepository) ClusterExists(ctx context.Context, id int64) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "PostgresSimulationRepository.ClusterExists")
	defer span.End()

	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM clusters WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check cluster: %w", err)
	}

	return exists, nil
}

// GetMap возвращает nil без ошибки, если карты нет
func (r *PostgresSimulationRepository) GetMap(ctx context.Context, id int64) (*Map, error) {
	ctx, span := telemetry.StartSpan(ctx, "PostgresSimulationRepository.GetMap")
	defer span.End()

	m := &Map{}
	var status string

	err := r.db.QueryRow(ctx, `SELECT id, name, status FROM maps WHERE id = $1`, id).Scan(&m.ID, &m.Name, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get map: %w", err)
	}

	m.Status = Status(status)
	return m, nil
}

func (r *PostgresSimulationRepository) CountVehicles(ctx context.Context, ids []int64, allowDownloading bool) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "PostgresSimulationRepository.CountVehicles")
	defer span.End()

	if len(ids) == 0 {
		return 0, nil
	}

	query := `SELECT COUNT(*) FROM vehicles WHERE id = ANY($1) AND status = $2`
	if allowDownloading {
		query = `SELECT COUNT(*) FROM vehicles WHERE id = ANY($1) AND status != $2`
	}
	status := StatusValid
	if allowDownloading {
		status = StatusInvalid
	}

	var count int
	if err := r.db.QueryRow(ctx, query, ids, string(status)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count vehicles: %w", err)
	}

	return count, nil
}

func (r *PostgresSimulationRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

func (r *PostgresSimulationRepository) connections(ctx context.Context, tx pgx.Tx, simulationID int64) ([]Connection, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, simulation, vehicle, connection FROM connections WHERE simulation = $1 ORDER BY id`,
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
			addr pgtype.Text
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

func clearPgConnections(ctx context.Context, tx pgx.Tx, simulationID int64) error {
	if _, err := tx.Exec(ctx, `DELETE FROM connections WHERE simulation = $1`, simulationID); err != nil {
		return fmt.Errorf("failed to clear connections: %w", err)
	}
	return nil
}

// insertPgConnections вставляет набор связей и возвращает его с присвоенными id
func insertPgConnections(ctx context.Context, tx pgx.Tx, simulationID int64, conns []Connection) ([]Connection, error) {
	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		c.Simulation = simulationID
		err := tx.QueryRow(ctx,
			`INSERT INTO connections (simulation, vehicle, connection) VALUES ($1, $2, $3) RETURNING id`,
			c.Simulation, c.Vehicle, c.Connection,
		).Scan(&c.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert connection: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func scanPgSimulation(row pgRow) (*Simulation, error) {
	sim := &Simulation{}
	var (
		owner          pgtype.Text
		mapID          pgtype.Int8
		apiOnly        pgtype.Bool
		interactive    pgtype.Bool
		headless       pgtype.Bool
		seed           pgtype.Int8
		useTraffic     pgtype.Bool
		usePedestrians pgtype.Bool
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
	sim.ApiOnly = pgBool(apiOnly)
	sim.Interactive = pgBool(interactive)
	sim.Headless = pgBool(headless)
	sim.UseTraffic = pgBool(useTraffic)
	sim.UsePedestrians = pgBool(usePedestrians)

	return sim, nil
}

func pgBool(b pgtype.Bool) *bool {
	if !b.Valid {
		return nil
	}
	v := b.Bool
	return &v
}
