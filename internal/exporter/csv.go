package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"rslserver/pkg/contracts/domain"
)

// auditHeader is the fixed column set of the audit CSV export.
var auditHeader = []string{"entry_id", "license_id", "action", "actor", "ip", "timestamp", "context"}

// WriteAuditCSV streams audit entries as CSV. A UTF-8 BOM prefix keeps
// the export openable in Excel without encoding prompts.
func WriteAuditCSV(entries []*domain.AuditEntry, w io.Writer) error {
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("write BOM: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(auditHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, entry := range entries {
		record := []string{
			entry.ID,
			entry.LicenseID,
			entry.Action,
			entry.Actor.UserID,
			entry.Actor.IP,
			entry.Timestamp.Format(time.RFC3339),
			string(entry.Context),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
