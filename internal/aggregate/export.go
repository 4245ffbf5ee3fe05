package aggregate

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/logolens/logolens/internal/domain"
)

var csvHeader = []string{
	"Logo Name", "Start Time (s)", "End Time (s)", "Duration (s)",
	"Start Frame", "End Frame", "Avg Confidence",
}

// WriteCSV renders presences as one row per appearance for downstream
// reporting. Pure formatting; no pipeline state involved.
func WriteCSV(w io.Writer, presences []domain.LogoPresence) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, presence := range presences {
		for _, app := range presence.Appearances {
			row := []string{
				presence.LogoName,
				strconv.FormatFloat(app.StartTime, 'f', 2, 64),
				strconv.FormatFloat(app.EndTime, 'f', 2, 64),
				strconv.FormatFloat(app.Duration, 'f', 2, 64),
				strconv.Itoa(app.StartFrame),
				strconv.Itoa(app.EndFrame),
				strconv.FormatFloat(app.MeanConfidence*100, 'f', 1, 64) + "%",
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("write csv row: %w", err)
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

// WriteJSON renders presences as a JSON document.
func WriteJSON(w io.Writer, presences []domain.LogoPresence) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"logo_presences": presences})
}
