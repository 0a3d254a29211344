package main

import (
	"encoding/json"
	"os"
)

// HelperConfig configures the `quad helper` command.
type HelperConfig struct {
	Port        int    `json:"port"`
	Quiet       bool   `json:"quiet"`
	Log         string `json:"log"`
	MetricsAddr string `json:"metricsaddr"`
}

// TransferConfig configures both `quad sender` and `quad receiver` -- the
// two commands share every flag except which end of the file path means
// (input vs. output), carried separately in main.go.
type TransferConfig struct {
	Address     string `json:"address"`
	ID          string `json:"id"`
	Path        string `json:"path"`
	Bitrate     int    `json:"bitrate"`
	Start       int64  `json:"start"`
	Quiet       bool   `json:"quiet"`
	Log         string `json:"log"`
	StatsLog    string `json:"statslog"`
	StatsPeriod int    `json:"statsperiod"`
	Pprof       bool   `json:"pprof"`
}

// parseJSONConfig decodes path's JSON contents over config's current
// values, the same decode-over-defaults style as kcptun's
// server/config.go: fields present in the -c file override the flag values,
// and fields absent from it keep the values the flags gave them.
func parseJSONConfig[T any](config *T, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(config)
}
