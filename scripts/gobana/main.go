// gobana dumps one on-disk snapshot directory written by the gob
// snapshot writer: the summary.json metadata plus a per-rank table
// decoded from entries.dat.
package main

import (
	"encoding/gob"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"text/tabwriter"

	"FlowScope/internal/model"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: gobana <snapshot_dir>")
		os.Exit(1)
	}
	dir := os.Args[1]

	summary, err := os.ReadFile(filepath.Join(dir, "summary.json"))
	if err != nil {
		log.Fatalf("read summary: %v", err)
	}
	fmt.Printf("%s\n", summary)

	file, err := os.Open(filepath.Join(dir, "entries.dat"))
	if os.IsNotExist(err) {
		fmt.Println("no entries in this snapshot")
		return
	}
	if err != nil {
		log.Fatalf("open entries: %v", err)
	}
	defer file.Close()

	var entries [][]model.FlowRecord
	if err := gob.NewDecoder(file).Decode(&entries); err != nil {
		log.Fatalf("decode entries: %v", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tFLOW\tBYTES/S\tPKTS/S\tRTT\tCODEC")
	for rank, row := range entries {
		if len(row) == 0 {
			continue
		}
		rec := row[len(row)-1]
		rtt := "-"
		if rec.RTT.RTTUsecs >= 0 {
			rtt = fmt.Sprintf("%dus", rec.RTT.RTTUsecs)
		}
		codec := rec.Video.Codec()
		if codec == "" {
			codec = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%s\t%s\n",
			rank, rec.Flow.String(), rec.Bytes, rec.Packets, rtt, codec)
	}
	tw.Flush()
}
