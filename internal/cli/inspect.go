package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/rankwatch/internal/journal"
	"github.com/ChuLiYu/rankwatch/internal/report"
	"github.com/ChuLiYu/rankwatch/internal/supervisor"
)

func buildInspectCommand() *cobra.Command {
	var journalPath, reportPath string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Inspect the journal and report of a finished run",
		Long:  "Replay a run journal (verifying checksums) and/or print a final report as tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if journalPath == "" && reportPath == "" {
				return fmt.Errorf("nothing to inspect (use --journal and/or --report)")
			}
			return inspectRun(cmd, journalPath, reportPath)
		},
	}

	cmd.Flags().StringVar(&journalPath, "journal", "", "journal file written by run")
	cmd.Flags().StringVar(&reportPath, "report", "", "report file written by run")
	return cmd
}

func inspectRun(cmd *cobra.Command, journalPath, reportPath string) error {
	out := cmd.OutOrStdout()

	if reportPath != "" {
		rep, err := report.Load(reportPath)
		if err != nil {
			return fmt.Errorf("failed to load report: %w", err)
		}
		fmt.Fprintf(out, "report %s (generated %s)\n", reportPath, rep.GeneratedAt.Format(time.RFC3339))
		renderResult(out, rep.Result)
	}

	if journalPath != "" {
		entries, err := readJournal(journalPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "journal %s: %d entries\n", journalPath, len(entries))
		renderJournal(out, entries)
	}
	return nil
}

func readJournal(path string) ([]journal.Entry, error) {
	var entries []journal.Entry
	err := journal.Replay(path, func(e journal.Entry) error {
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return entries, fmt.Errorf("failed to replay journal: %w", err)
	}
	return entries, nil
}

func buildStatusCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running job",
		Long:  "Query the status server of a running supervisor (run --metrics) and print every rank.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:9090", "status server base URL")
	return cmd
}

func showStatus(cmd *cobra.Command, addr string) error {
	st, err := fetchStatus(addr)
	if err != nil {
		return err
	}
	renderStatus(cmd.OutOrStdout(), st)
	return nil
}

func fetchStatus(addr string) (*supervisor.Status, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(addr, "/") + "/status")
	if err != nil {
		return nil, fmt.Errorf("failed to reach supervisor: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("supervisor returned %s", resp.Status)
	}

	var st supervisor.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &st, nil
}
