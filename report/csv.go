package report

import (
	"encoding/csv"
	"io"
	"strconv"
	"time"
)

// WriteCSV writes measurements with a fixed column order so downstream
// dashboards can rely on the layout. Absent fields render as empty cells,
// never as zeroes.
func WriteCSV(w io.Writer, items []*Measurement) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	header := []string{
		"scenario_id",
		"timestamp",
		"throughput_bps",
		"retransmits",
		"cpu_percent_host",
		"cpu_percent_remote",
		"latency_ms",
	}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, m := range items {
		record := []string{
			m.ScenarioID,
			m.Timestamp.UTC().Format(time.RFC3339Nano),
			formatFloat(m.ThroughputBps),
			formatInt(m.Retransmits),
			formatFloat(m.CPUPercentHost),
			formatFloat(m.CPUPercentRemote),
			formatFloat(m.LatencyMs),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 3, 64)
}

func formatInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
