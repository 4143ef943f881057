package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/infrasim/vmctld/types"
	"github.com/infrasim/vmctld/vmerr"
)

// attestation_reports has no name/spec/status shape at all (it is an
// append-only record keyed by VM, not a mutable resource), so it is its own
// small table.

// PutAttestationReport inserts a new attestation report, generating its ID
// and created_at if unset.
func (db *DB) PutAttestationReport(report types.AttestationReport) (types.AttestationReport, error) {
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	if report.CreatedAt == 0 {
		report.CreatedAt = time.Now().Unix()
	}

	hostProvenanceJSON, err := json.Marshal(report.HostProvenance)
	if err != nil {
		return types.AttestationReport{}, vmerr.Wrap(vmerr.KindSerialization, err)
	}

	_, err = db.conn.Exec(
		`INSERT INTO attestation_reports (id, vm_id, host_provenance, digest, signature, created_at, attestation_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		report.ID, report.VmID, string(hostProvenanceJSON), report.Digest, report.Signature,
		report.CreatedAt, report.AttestationType,
	)
	if err != nil {
		return types.AttestationReport{}, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	return report, nil
}

const attestationReportColumns = `id, vm_id, host_provenance, digest, signature, created_at, attestation_type`

func scanAttestationReport(row interface {
	Scan(dest ...any) error
}) (types.AttestationReport, error) {
	var report types.AttestationReport
	var hostProvenanceJSON string
	err := row.Scan(&report.ID, &report.VmID, &hostProvenanceJSON, &report.Digest,
		&report.Signature, &report.CreatedAt, &report.AttestationType)
	if err != nil {
		return types.AttestationReport{}, err
	}
	if err := json.Unmarshal([]byte(hostProvenanceJSON), &report.HostProvenance); err != nil {
		return types.AttestationReport{}, vmerr.Wrap(vmerr.KindSerialization, err)
	}
	return report, nil
}

// ListAttestationReports returns every attestation report recorded for a VM,
// most recent first.
func (db *DB) ListAttestationReports(vmID string) ([]types.AttestationReport, error) {
	rows, err := db.conn.Query(
		`SELECT `+attestationReportColumns+` FROM attestation_reports WHERE vm_id = ? ORDER BY created_at DESC`,
		vmID,
	)
	if err != nil {
		return nil, vmerr.Wrap(vmerr.KindDatabase, err)
	}
	defer rows.Close()

	var reports []types.AttestationReport
	for rows.Next() {
		report, err := scanAttestationReport(rows)
		if err != nil {
			return nil, vmerr.Wrap(vmerr.KindDatabase, err)
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}
