package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/infrasim/vmctld/vmerr"
)

// Row is a resource as stored in a table: metadata plus its JSON-encoded
// spec and status, generic over the resource's concrete spec and status
// types so every table can share one set of CRUD functions.
type Row[S any, T any] struct {
	ID          string
	Name        string
	Spec        S
	Status      T
	Labels      map[string]string
	Annotations map[string]string
	CreatedAt   int64
	UpdatedAt   int64
	Generation  int64
}

type rawRow struct {
	id          string
	name        string
	spec        string
	status      string
	labels      string
	annotations string
	createdAt   int64
	updatedAt   int64
	generation  int64
}

func parseRow[S any, T any](raw rawRow) (Row[S, T], error) {
	var row Row[S, T]
	if err := json.Unmarshal([]byte(raw.spec), &row.Spec); err != nil {
		return row, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	if err := json.Unmarshal([]byte(raw.status), &row.Status); err != nil {
		return row, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	if err := json.Unmarshal([]byte(raw.labels), &row.Labels); err != nil {
		return row, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	if err := json.Unmarshal([]byte(raw.annotations), &row.Annotations); err != nil {
		return row, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	row.ID = raw.id
	row.Name = raw.name
	row.CreatedAt = raw.createdAt
	row.UpdatedAt = raw.updatedAt
	row.Generation = raw.generation
	return row, nil
}

// Insert adds a new resource row to table.
func Insert[S any, T any](db *DB, table, id, name string, spec S, status T, labels map[string]string) error {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return vmerr.Wrap(vmerr.KindSerialization, err)
	}
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return vmerr.Wrap(vmerr.KindSerialization, err)
	}
	if labels == nil {
		labels = map[string]string{}
	}
	labelsJSON, err := json.Marshal(labels)
	if err != nil {
		return vmerr.Wrap(vmerr.KindSerialization, err)
	}

	now := time.Now().Unix()
	query := fmt.Sprintf(
		`INSERT INTO %s (id, name, spec, status, labels, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		table,
	)
	if _, err := db.conn.Exec(query, id, name, string(specJSON), string(statusJSON), string(labelsJSON), now, now); err != nil {
		return vmerr.Wrap(vmerr.KindDatabase, err)
	}
	return nil
}

// Update patches a resource's spec and/or status; pass nil for whichever
// half is unchanged.
func Update[S any, T any](db *DB, table, id string, spec *S, status *T) error {
	now := time.Now().Unix()

	if spec != nil {
		specJSON, err := json.Marshal(*spec)
		if err != nil {
			return vmerr.Wrap(vmerr.KindSerialization, err)
		}
		query := fmt.Sprintf(`UPDATE %s SET spec = ?, updated_at = ?, generation = generation + 1 WHERE id = ?`, table)
		if _, err := db.conn.Exec(query, string(specJSON), now, id); err != nil {
			return vmerr.Wrap(vmerr.KindDatabase, err)
		}
	}

	if status != nil {
		statusJSON, err := json.Marshal(*status)
		if err != nil {
			return vmerr.Wrap(vmerr.KindSerialization, err)
		}
		query := fmt.Sprintf(`UPDATE %s SET status = ?, updated_at = ? WHERE id = ?`, table)
		if _, err := db.conn.Exec(query, string(statusJSON), now, id); err != nil {
			return vmerr.Wrap(vmerr.KindDatabase, err)
		}
	}

	return nil
}

func scanRow(row *sql.Row) (rawRow, error) {
	var raw rawRow
	err := row.Scan(&raw.id, &raw.name, &raw.spec, &raw.status, &raw.labels, &raw.annotations,
		&raw.createdAt, &raw.updatedAt, &raw.generation)
	return raw, err
}

// Get fetches a resource row by id, returning (_, false, nil) if absent.
func Get[S any, T any](db *DB, table, id string) (Row[S, T], bool, error) {
	query := fmt.Sprintf(
		`SELECT id, name, spec, status, labels, annotations, created_at, updated_at, generation FROM %s WHERE id = ?`,
		table,
	)
	raw, err := scanRow(db.conn.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return Row[S, T]{}, false, nil
	}
	if err != nil {
		return Row[S, T]{}, false, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	row, err := parseRow[S, T](raw)
	return row, true, err
}

// GetByName fetches a resource row by its unique name.
func GetByName[S any, T any](db *DB, table, name string) (Row[S, T], bool, error) {
	query := fmt.Sprintf(
		`SELECT id, name, spec, status, labels, annotations, created_at, updated_at, generation FROM %s WHERE name = ?`,
		table,
	)
	raw, err := scanRow(db.conn.QueryRow(query, name))
	if err == sql.ErrNoRows {
		return Row[S, T]{}, false, nil
	}
	if err != nil {
		return Row[S, T]{}, false, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	row, err := parseRow[S, T](raw)
	return row, true, err
}

// List returns every row in table, most recently created first.
func List[S any, T any](db *DB, table string) ([]Row[S, T], error) {
	query := fmt.Sprintf(
		`SELECT id, name, spec, status, labels, annotations, created_at, updated_at, generation FROM %s ORDER BY created_at DESC`,
		table,
	)
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	defer rows.Close()

	var results []Row[S, T]
	for rows.Next() {
		var raw rawRow
		if err := rows.Scan(&raw.id, &raw.name, &raw.spec, &raw.status, &raw.labels, &raw.annotations,
			&raw.createdAt, &raw.updatedAt, &raw.generation); err != nil {
			return nil, vmerr.Wrap(vmerr.KindDatabase, err)
		}
		row, err := parseRow[S, T](raw)
		if err != nil {
			return nil, err
		}
		results = append(results, row)
	}
	return results, rows.Err()
}

// Delete removes a row by id, reporting whether a row was actually removed.
func Delete(db *DB, table, id string) (bool, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table)
	result, err := db.conn.Exec(query, id)
	if err != nil {
		return false, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	return n > 0, nil
}

// Exists reports whether a row with the given id is present.
func Exists(db *DB, table, id string) (bool, error) {
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, table)
	if err := db.conn.QueryRow(query, id).Scan(&count); err != nil {
		return false, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	return count > 0, nil
}

// NameExists reports whether a row with the given name is present.
func NameExists(db *DB, table, name string) (bool, error) {
	var count int64
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE name = ?`, table)
	if err := db.conn.QueryRow(query, name).Scan(&count); err != nil {
		return false, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	return count > 0, nil
}
