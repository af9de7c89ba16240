package debugreport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/attribution-registrar/internal/metrics"
	"github.com/JakeFAU/attribution-registrar/internal/registration"
)

// BlobStore persists exported reports.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// exported is the object written for each report.
type exported struct {
	Type               string          `json:"type"`
	Body               json.RawMessage `json:"body"`
	EnrollmentID       string          `json:"enrollment_id"`
	RegistrationOrigin string          `json:"registration_origin,omitempty"`
	InsertedAt         time.Time       `json:"inserted_at"`
}

// Exporter moves queued debug reports into blob storage.
type Exporter struct {
	store  registration.Datastore
	blobs  BlobStore
	prefix string
	logger *zap.Logger
}

// NewExporter constructs an Exporter writing under prefix.
func NewExporter(store registration.Datastore, blobs BlobStore, prefix string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "debug-reports"
	}
	return &Exporter{store: store, blobs: blobs, prefix: prefix, logger: logger.Named("debug_export")}
}

// ObjectPath is where a report is written.
func (e *Exporter) ObjectPath(report registration.DebugReport) string {
	return path.Join(e.prefix, report.EnrollmentID, report.ID+".json")
}

// Export writes up to limit queued reports (all when limit <= 0) and deletes
// them from the queue. The deletions commit only if every write succeeded.
// Writes are keyed by report id, so a retried export overwrites objects.
func (e *Exporter) Export(ctx context.Context, limit int) (int, error) {
	var written int
	err := e.store.InTransaction(ctx, func(ctx context.Context, tx registration.Tx) error {
		written = 0
		reports, err := tx.ListDebugReports(ctx, limit)
		if err != nil {
			return err
		}
		for _, report := range reports {
			payload, err := json.Marshal(exported{
				Type:               report.Type,
				Body:               report.Body,
				EnrollmentID:       report.EnrollmentID,
				RegistrationOrigin: report.RegistrationOrigin,
				InsertedAt:         report.InsertedAt,
			})
			if err != nil {
				return fmt.Errorf("marshal debug report %s: %w", report.ID, err)
			}
			uri, err := e.blobs.PutObject(ctx, e.ObjectPath(report), "application/json", bytes.NewReader(payload))
			if err != nil {
				return fmt.Errorf("write debug report %s: %w", report.ID, err)
			}
			if err := tx.DeleteDebugReport(ctx, report.ID); err != nil {
				return fmt.Errorf("delete debug report %s: %w", report.ID, err)
			}
			e.logger.Debug("debug report exported", zap.String("id", report.ID), zap.String("uri", uri))
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.ObserveDebugReportsExported(written)
	if written > 0 {
		e.logger.Info("debug reports exported", zap.Int("count", written))
	}
	return written, nil
}
