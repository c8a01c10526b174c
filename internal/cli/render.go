package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/ChuLiYu/rankwatch/internal/config"
	"github.com/ChuLiYu/rankwatch/internal/journal"
	"github.com/ChuLiYu/rankwatch/internal/supervisor"
)

func renderResult(w io.Writer, res supervisor.Result) {
	summary := tablewriter.NewWriter(w)
	summary.Header("Property", "Value")
	summary.Append([]string{"Run ID", res.RunID})
	summary.Append([]string{"State", string(res.State)})
	if res.Cause != "" {
		summary.Append([]string{"Cause", string(res.Cause)})
	}
	if res.Trigger != "" && res.Trigger != res.Cause {
		summary.Append([]string{"Trigger", string(res.Trigger)})
	}
	summary.Append([]string{"Restarts", strconv.Itoa(res.RestartCount)})
	if !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
		summary.Append([]string{"Duration", res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond).String()})
	}
	if res.Error != "" {
		summary.Append([]string{"Error", res.Error})
	}
	summary.Append([]string{"Exit Code", strconv.Itoa(res.ExitCode())})
	summary.Render()

	renderRanks(w, res.Diagnostics)
}

func renderStatus(w io.Writer, st *supervisor.Status) {
	summary := tablewriter.NewWriter(w)
	summary.Header("Property", "Value")
	summary.Append([]string{"Run ID", st.RunID})
	summary.Append([]string{"State", string(st.State)})
	summary.Append([]string{"Attempt", strconv.Itoa(st.Attempt)})
	summary.Append([]string{"Restarts", fmt.Sprintf("%d/%d", st.RestartCount, st.MaxRetries)})
	if st.Cause != "" {
		summary.Append([]string{"Cause", string(st.Cause)})
	}
	if st.Stopping {
		summary.Append([]string{"Stopping", "yes"})
	}
	if st.StragglerMed > 0 {
		summary.Append([]string{"Median Step", st.StragglerMed.String()})
	}
	summary.Render()

	renderRanks(w, st.Ranks)
}

func renderRanks(w io.Writer, ranks []supervisor.RankDiagnosis) {
	if len(ranks) == 0 {
		return
	}
	table := tablewriter.NewWriter(w)
	table.Header("Rank", "Node", "PID", "State", "Status", "Progress", "Missed", "Cause", "Exit", "Note")
	for _, d := range ranks {
		pid := "-"
		if d.PID > 0 {
			pid = strconv.Itoa(d.PID)
		}
		exit := "-"
		if d.Exited {
			exit = strconv.Itoa(d.ExitCode)
			if d.ExitSignal != "" {
				exit = d.ExitSignal
			}
		}
		note := d.Detail
		switch {
		case d.Trigger && d.Straggler:
			note = "trigger, straggler"
		case d.Trigger:
			note = "trigger"
		case d.Straggler:
			note = "straggler"
		}
		table.Append([]string{
			strconv.Itoa(int(d.Rank)),
			d.Node,
			pid,
			string(d.State),
			d.LocalStatus,
			strconv.FormatUint(d.Progress, 10),
			strconv.Itoa(d.Missed),
			string(d.Cause),
			exit,
			note,
		})
	}
	table.Render()
}

func renderJournal(w io.Writer, entries []journal.Entry) {
	table := tablewriter.NewWriter(w)
	table.Header("Seq", "Time", "Attempt", "Rank", "Type", "From", "To", "Cause", "Detail")
	for _, e := range entries {
		rank := "-"
		if e.Rank >= 0 {
			rank = strconv.Itoa(int(e.Rank))
		}
		table.Append([]string{
			strconv.FormatUint(e.Seq, 10),
			e.Time().Format("15:04:05.000"),
			strconv.Itoa(e.Attempt),
			rank,
			string(e.Type),
			e.From,
			e.To,
			string(e.Cause),
			e.Detail,
		})
	}
	table.Render()
}

func renderPolicy(w io.Writer, cfg *config.Config) {
	p := cfg.Policy
	table := tablewriter.NewWriter(w)
	table.Header("Option", "Value")
	rows := [][]string{
		{"max_retries", strconv.Itoa(p.MaxRetries)},
		{"backoff", fmt.Sprintf("%s .. %s", p.BackoffBase, p.BackoffCap)},
		{"heartbeat_interval", p.HeartbeatInterval.String()},
		{"missed_heartbeat_threshold", strconv.Itoa(p.MissedHeartbeatThreshold)},
		{"initial_missed_heartbeat_threshold", strconv.Itoa(p.InitialThreshold())},
		{"local_hang_timeout", p.LocalHangTimeout.String()},
		{"straggler", fmt.Sprintf("%.2fx for %d intervals, %s", p.StragglerThreshold, p.StragglerPersistenceCount, p.StragglerAction)},
		{"grace_timeout", p.GraceTimeout.String()},
		{"termination_signal", p.TerminationSignal},
		{"adaptive_timeouts", strconv.FormatBool(p.AdaptiveTimeouts)},
	}
	if cfg.Heartbeat.Transport == "nats" {
		rows = append(rows, []string{"heartbeat", "nats " + cfg.Heartbeat.NATSURL})
	} else {
		rows = append(rows, []string{"heartbeat", "udp " + cfg.Heartbeat.Addr})
	}
	for _, r := range rows {
		table.Append(r)
	}
	table.Render()
}

func renderProblems(w io.Writer, verr *config.ValidationError) {
	table := tablewriter.NewWriter(w)
	table.Header("Option", "Problem")
	for _, p := range verr.Problems {
		table.Append([]string{p.Field, p.Reason})
	}
	table.Render()
}
