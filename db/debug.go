package db

import (
	"fmt"
	"io"
	"time"
)

func ListEpisodesCLI(w io.Writer, dbPath string, limit int) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	episodes, err := GetRecentEpisodes(dbConn, limit)
	if err != nil {
		return err
	}
	if len(episodes) == 0 {
		fmt.Fprintln(w, "No low-voltage episodes recorded")
		return nil
	}

	for _, e := range episodes {
		if e.Open {
			fmt.Fprintf(w, "#%d  %s  %.2fV  (ongoing)\n", e.ID, e.StartedAt.Local().Format(time.DateTime), e.StartVoltage)
			continue
		}
		fmt.Fprintf(w, "#%d  %s  %.2fV -> %.2fV  lasted %s\n",
			e.ID, e.StartedAt.Local().Format(time.DateTime), e.StartVoltage, e.EndVoltage,
			e.EndedAt.Sub(e.StartedAt).Round(time.Second))
	}
	return nil
}

func PruneEpisodesCLI(w io.Writer, dbPath string, olderThan time.Duration) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	n, err := PruneEpisodes(dbConn, time.Now().Add(-olderThan))
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Pruned %d episodes\n", n)
	return nil
}
