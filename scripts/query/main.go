// query pulls top talkers back out of the ClickHouse table the
// snapshot writer populates, aggregated over a recent time window.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

func main() {
	addr := flag.String("addr", "localhost:9000", "ClickHouse address")
	database := flag.String("db", "default", "Database name")
	username := flag.String("user", "default", "Username")
	password := flag.String("password", "", "Password")
	table := flag.String("table", "flow_metrics", "Snapshot table name")
	since := flag.Duration("since", 5*time.Minute, "Aggregation window ending now")
	limit := flag.Int("limit", 10, "Number of flows to show")
	flag.Parse()

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{*addr},
		Auth: clickhouse.Auth{
			Database: *database,
			Username: *username,
			Password: *password,
		},
	})
	if err != nil {
		log.Fatalf("connect to ClickHouse: %v", err)
	}
	defer conn.Close()

	query := fmt.Sprintf(`
		SELECT
			SrcIP, DstIP, SrcPort, DstPort, Protocol,
			max(BytesPerSec)   AS PeakBytesPerSec,
			avg(BytesPerSec)   AS AvgBytesPerSec,
			max(RTTUs)         AS PeakRTTUs,
			max(HealthStatus)  AS WorstHealth
		FROM %s
		WHERE Timestamp >= ?
		GROUP BY SrcIP, DstIP, SrcPort, DstPort, Protocol
		ORDER BY PeakBytesPerSec DESC
		LIMIT ?`, *table)

	rows, err := conn.Query(context.Background(), query, time.Now().Add(-*since), *limit)
	if err != nil {
		log.Fatalf("query: %v", err)
	}
	defer rows.Close()

	found := false
	for rows.Next() {
		found = true
		var (
			srcIP, dstIP, proto string
			srcPort, dstPort    uint16
			peakBps, peakRTT    int64
			avgBps              float64
			worstHealth         uint8
		)
		if err := rows.Scan(&srcIP, &dstIP, &srcPort, &dstPort, &proto,
			&peakBps, &avgBps, &peakRTT, &worstHealth); err != nil {
			log.Fatalf("scan: %v", err)
		}
		fmt.Printf("%s:%d -> %s:%d %s\n", srcIP, srcPort, dstIP, dstPort, proto)
		fmt.Printf("  peak %d B/s, avg %.0f B/s, peak RTT %dus, worst health %d\n",
			peakBps, avgBps, peakRTT, worstHealth)
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("row iteration: %v", err)
	}
	if !found {
		log.Printf("no rows in %s within the last %v", *table, *since)
	}
}
