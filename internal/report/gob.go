package report

import (
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"FlowScope/internal/model"
)

// summaryData is the metadata written next to each snapshot.
type summaryData struct {
	Timestamp      string `json:"timestamp"`
	FlowCount      int    `json:"flow_count"`
	Entries        int    `json:"entries"`
	TotalBytesPS   int64  `json:"total_bytes_ps"`
	TotalPacketsPS int64  `json:"total_packets_ps"`
}

// GobWriter stores each snapshot on disk: a timestamped directory with
// the gob-encoded entries plus a summary.json.
type GobWriter struct {
	rootPath string
}

// NewGobWriter ensures the root directory exists.
func NewGobWriter(rootPath string) (*GobWriter, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot root: %w", err)
	}
	return &GobWriter{rootPath: rootPath}, nil
}

// Write serializes one snapshot into its own directory.
func (w *GobWriter) Write(tf *model.TopFlows) error {
	stamp := tf.WallTime.UTC().Format("2006-01-02_15-04-05.000000")
	dir := filepath.Join(w.rootPath, stamp)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	if len(tf.Entries) > 0 {
		path := filepath.Join(dir, "entries.dat")
		file, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create snapshot file '%s': %w", path, err)
		}
		defer file.Close()

		if err := gob.NewEncoder(file).Encode(tf.Entries); err != nil {
			return fmt.Errorf("failed to encode entries to gob: %w", err)
		}
	}

	summary := summaryData{
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		FlowCount:      tf.FlowCount,
		Entries:        len(tf.Entries),
		TotalBytesPS:   tf.TotalBytesPS,
		TotalPacketsPS: tf.TotalPacketsPS,
	}
	summaryPath := filepath.Join(dir, "summary.json")
	summaryFile, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer summaryFile.Close()

	enc := json.NewEncoder(summaryFile)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}

// Close is a no-op; each Write is self-contained.
func (w *GobWriter) Close() error { return nil }
