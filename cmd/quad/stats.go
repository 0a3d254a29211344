package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/ealtun21/quad/internal/saferw"
)

var statsHeader = []string{
	"Unix", "PacketsSent", "PacketsAcked", "Retransmits",
	"ResendRequestsOut", "ResendRequestsIn", "Wraps",
}

func statsRow(s saferw.Stats) []string {
	return []string{
		fmt.Sprint(time.Now().Unix()),
		fmt.Sprint(s.PacketsSent),
		fmt.Sprint(s.PacketsAcked),
		fmt.Sprint(s.Retransmits),
		fmt.Sprint(s.ResendRequestsOut),
		fmt.Sprint(s.ResendRequestsIn),
		fmt.Sprint(s.Wraps),
	}
}

// statsLogger periodically appends a CSV row of the channel's Stats
// snapshot to path, rotating the file name the way kcptun's
// std.SnmpLogger does (time.Now().Format applied to the filename part of
// path, so e.g. "stats-20060102.csv" rotates daily).
func statsLogger(path string, interval int, stats func() saferw.Stats) {
	if path == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		logdir, logfile := filepath.Split(path)
		f, err := os.OpenFile(logdir+time.Now().Format(logfile), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			log.Println(err)
			return
		}

		w := csv.NewWriter(f)
		if stat, err := f.Stat(); err == nil && stat.Size() == 0 {
			if err := w.Write(statsHeader); err != nil {
				log.Println(err)
			}
		}
		if err := w.Write(statsRow(stats())); err != nil {
			log.Println(err)
		}
		w.Flush()
		f.Close()
	}
}
