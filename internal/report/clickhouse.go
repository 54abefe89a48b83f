package report

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"FlowScope/internal/config"
	"FlowScope/internal/model"
	"FlowScope/pkg/log"
)

const createTableStatement = `
CREATE TABLE IF NOT EXISTS %s (
    Timestamp     DateTime64(6),
    Rank          UInt16,
    SrcIP         String,
    DstIP         String,
    SrcPort       UInt16,
    DstPort       UInt16,
    Protocol      String,
    DSCP          String,
    BytesPerSec   Int64,
    PacketsPerSec Int64,
    RTTUs         Int64,
    TCPState      String,
    HealthStatus  UInt8,
    VideoCodec    String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (Timestamp, Rank);
`

// ClickHouseWriter persists one row per (snapshot, rank), taken from
// the finest interval's rates.
type ClickHouseWriter struct {
	conn  driver.Conn
	table string
}

// NewClickHouseWriter connects and ensures the table exists.
func NewClickHouseWriter(cfg config.ClickHouseConfig) (*ClickHouseWriter, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = "flow_metrics"
	}
	if err := conn.Exec(context.Background(), fmt.Sprintf(createTableStatement, table)); err != nil {
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}
	log.Infof("connected to ClickHouse at %s, table %s ready", cfg.Addr, table)

	return &ClickHouseWriter{conn: conn, table: table}, nil
}

// Write batch-inserts the snapshot's top flows.
func (w *ClickHouseWriter) Write(tf *model.TopFlows) error {
	if len(tf.Entries) == 0 {
		return nil
	}

	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO "+w.table)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for rank, row := range tf.Entries {
		if len(row) == 0 {
			continue
		}
		rec := row[0]
		err = batch.Append(
			tf.WallTime,
			uint16(rank),
			rec.Flow.Src.String(),
			rec.Flow.Dst.String(),
			rec.Flow.SPort,
			rec.Flow.DPort,
			model.ProtoName(rec.Flow.Proto),
			model.DSCPName(rec.Flow.TClass),
			rec.Bytes,
			rec.Packets,
			rec.RTT.RTTUsecs,
			rec.RTT.State.String(),
			rec.Health.Status,
			rec.Video.Codec(),
		)
		if err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Close closes the connection.
func (w *ClickHouseWriter) Close() error {
	return w.conn.Close()
}
