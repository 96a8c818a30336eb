package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func buildStatusCmd() *cobra.Command {
	var addr string
	var jobID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue stats, or one job's status if --job is given",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/stats"
			if jobID != "" {
				path = "/api/jobs/" + jobID
			}
			resp, err := http.Get(addr + path)
			if err != nil {
				return fmt.Errorf("status request: %w", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode >= 300 {
				return fmt.Errorf("status failed: %s: %s", resp.Status, body)
			}

			var pretty map[string]any
			if err := json.Unmarshal(body, &pretty); err == nil {
				if enqueued, ok := pretty["total_enqueued"]; ok {
					fmt.Printf("jobs enqueued: %s\n", humanize.Comma(toInt64(enqueued)))
				}
			}
			fmt.Println(string(body))
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://localhost:8080", "modconvertd base URL")
	cmd.Flags().StringVar(&jobID, "job", "", "job id to query instead of aggregate stats")
	return cmd
}

func toInt64(v any) int64 {
	f, ok := v.(float64)
	if !ok {
		return 0
	}
	return int64(f)
}
