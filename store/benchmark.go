package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/infrasim/vmctld/types"
	"github.com/infrasim/vmctld/vmerr"
)

// benchmark_runs does not fit the generic spec/status row shape: it tracks
// an accumulating result list and an optional signed receipt rather than a
// single status blob, so it gets its own hand-written CRUD here.

// CreateBenchmarkRun inserts a new benchmark run with no results yet.
func (db *DB) CreateBenchmarkRun(name string, spec types.BenchmarkSpec, labels map[string]string) (types.BenchmarkRun, error) {
	if taken, err := NameExists(db, TableBenchmarkRuns, name); err != nil {
		return types.BenchmarkRun{}, err
	} else if taken {
		return types.BenchmarkRun{}, vmerr.AlreadyExists("benchmark_run", name)
	}

	meta := types.NewResourceMeta(name)
	meta.Labels = labels

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return types.BenchmarkRun{}, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	labelsJSON, err := json.Marshal(orEmpty(labels))
	if err != nil {
		return types.BenchmarkRun{}, vmerr.Wrap(vmerr.KindSerialization, err)
	}

	now := time.Now().Unix()
	_, err = db.conn.Exec(
		`INSERT INTO benchmark_runs (id, name, spec, results, labels, created_at, updated_at)
		 VALUES (?, ?, ?, '[]', ?, ?, ?)`,
		meta.ID, meta.Name, string(specJSON), string(labelsJSON), now, now,
	)
	if err != nil {
		return types.BenchmarkRun{}, vmerr.Wrap(vmerr.KindDatabase, err)
	}

	return types.BenchmarkRun{Meta: meta, Spec: spec}, nil
}

func scanBenchmarkRun(row interface {
	Scan(dest ...any) error
}) (types.BenchmarkRun, error) {
	var (
		id, name, specJSON, resultsJSON, labelsJSON, annotationsJSON string
		receiptJSON, attestationID                                   sql.NullString
		createdAt, updatedAt, generation                             int64
	)
	err := row.Scan(&id, &name, &specJSON, &resultsJSON, &receiptJSON, &attestationID,
		&labelsJSON, &annotationsJSON, &createdAt, &updatedAt, &generation)
	if err != nil {
		return types.BenchmarkRun{}, err
	}

	run := types.BenchmarkRun{
		Meta: types.ResourceMeta{
			ID: id, Name: name, CreatedAt: createdAt, UpdatedAt: updatedAt, Generation: generation,
		},
	}
	if err := json.Unmarshal([]byte(specJSON), &run.Spec); err != nil {
		return types.BenchmarkRun{}, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &run.Results); err != nil {
		return types.BenchmarkRun{}, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	if err := json.Unmarshal([]byte(labelsJSON), &run.Meta.Labels); err != nil {
		return types.BenchmarkRun{}, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	if annotationsJSON != "" {
		if err := json.Unmarshal([]byte(annotationsJSON), &run.Meta.Annotations); err != nil {
			return types.BenchmarkRun{}, vmerr.Wrap(vmerr.KindSerialization, err)
		}
	}
	if receiptJSON.Valid {
		var receipt types.BenchmarkReceipt
		if err := json.Unmarshal([]byte(receiptJSON.String), &receipt); err != nil {
			return types.BenchmarkRun{}, vmerr.Wrap(vmerr.KindSerialization, err)
		}
		run.Receipt = &receipt
	}
	if attestationID.Valid {
		run.AttestationID = &attestationID.String
	}
	return run, nil
}

const benchmarkRunColumns = `id, name, spec, results, receipt, attestation_id, labels, annotations, created_at, updated_at, generation`

// GetBenchmarkRun fetches a benchmark run by ID.
func (db *DB) GetBenchmarkRun(id string) (types.BenchmarkRun, bool, error) {
	row := db.conn.QueryRow(`SELECT `+benchmarkRunColumns+` FROM benchmark_runs WHERE id = ?`, id)
	run, err := scanBenchmarkRun(row)
	if err == sql.ErrNoRows {
		return types.BenchmarkRun{}, false, nil
	}
	if err != nil {
		return types.BenchmarkRun{}, false, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	return run, true, nil
}

// ListBenchmarkRuns returns every benchmark run, optionally filtered to one
// VM.
func (db *DB) ListBenchmarkRuns(vmID *string) ([]types.BenchmarkRun, error) {
	rows, err := db.conn.Query(`SELECT ` + benchmarkRunColumns + ` FROM benchmark_runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	defer rows.Close()

	var runs []types.BenchmarkRun
	for rows.Next() {
		run, err := scanBenchmarkRun(rows)
		if err != nil {
			return nil, vmerr.Wrap(vmerr.KindDatabase, err)
		}
		if vmID != nil && run.Spec.VmID != *vmID {
			continue
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordBenchmarkResults replaces the run's results with results and
// attaches the given signed receipt once a run completes.
func (db *DB) RecordBenchmarkResults(id string, results []types.BenchmarkResult, receipt *types.BenchmarkReceipt) error {
	resultsJSON, err := json.Marshal(results)
	if err != nil {
		return vmerr.Wrap(vmerr.KindSerialization, err)
	}

	var receiptJSON sql.NullString
	if receipt != nil {
		raw, err := json.Marshal(receipt)
		if err != nil {
			return vmerr.Wrap(vmerr.KindSerialization, err)
		}
		receiptJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err = db.conn.Exec(
		`UPDATE benchmark_runs SET results = ?, receipt = ?, updated_at = ? WHERE id = ?`,
		string(resultsJSON), receiptJSON, time.Now().Unix(), id,
	)
	if err != nil {
		return vmerr.Wrap(vmerr.KindDatabase, err)
	}
	return nil
}

// DeleteBenchmarkRun removes a benchmark run, reporting whether it existed.
func (db *DB) DeleteBenchmarkRun(id string) (bool, error) {
	return Delete(db, TableBenchmarkRuns, id)
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
