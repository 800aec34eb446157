package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"grimm.is/floe/internal/clock"
)

// RunStatus prints the enforcement status of every known segment.
func RunStatus(configFile string) error {
	env, err := openEnv(configFile)
	if err != nil {
		return err
	}
	defer env.close()

	statuses, err := env.store.ListSegmentStatuses()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEGMENT\tSTATUS\tTODAY\tLIMIT\tSINCE")
	startOfDay := clock.StartOfDay(env.clock.Now())

	for _, t := range env.cfg.Thresholds {
		segment, err := t.SegmentID()
		if err != nil {
			continue
		}
		status := "ok"
		since := "-"
		for _, s := range statuses {
			if s.Segment == segment {
				status = s.Status
				since = s.ChangedAt.Format("15:04:05")
			}
		}
		total, err := env.store.SumUsageSince(segment, startOfDay)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			segment, status, formatSeconds(total), formatSeconds(int64(t.DailyLimitSeconds)), since)
	}
	return w.Flush()
}

// RunUsage prints recent usage rows for a segment.
func RunUsage(configFile string, segment, limit int) error {
	env, err := openEnv(configFile)
	if err != nil {
		return err
	}
	defer env.close()

	rows, err := env.store.RecentUsage(segment, limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Println("no usage recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tADDRESS\tAPP\tSECONDS")
	for _, r := range rows {
		app := r.App
		if app == "" {
			app = "uncategorized"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			r.Timestamp.Format("2006-01-02 15:04:05"), r.Address, app, r.Seconds)
	}
	return w.Flush()
}

// RunEvents prints recent enforcement events for a segment. Pass a
// negative segment for all segments.
func RunEvents(configFile string, segment, limit int) error {
	env, err := openEnv(configFile)
	if err != nil {
		return err
	}
	defer env.close()

	events, err := env.store.ListEnforcementEvents(segment, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("no events recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tSEGMENT\tACTION\tOK\tREASON")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%d\t%s\t%t\t%s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Segment, e.Action, e.Success, e.Reason)
	}
	return w.Flush()
}

// RunInterfaces prints the last interface inventory snapshot.
func RunInterfaces(configFile string) error {
	env, err := openEnv(configFile)
	if err != nil {
		return err
	}
	defer env.close()

	ifaces, err := env.store.ListInterfaces()
	if err != nil {
		return err
	}
	if len(ifaces) == 0 {
		fmt.Println("no inventory snapshot; is the daemon running?")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tSTATE\tVLAN\tPARENT\tADDRS")
	for _, i := range ifaces {
		vlan := "-"
		parent := "-"
		if i.VLANID > 0 {
			vlan = fmt.Sprintf("%d", i.VLANID)
			parent = i.ParentInterface
		}
		addrs := "-"
		if len(i.Addrs) > 0 {
			addrs = i.Addrs[0]
			if len(i.Addrs) > 1 {
				addrs += fmt.Sprintf(" (+%d)", len(i.Addrs)-1)
			}
		}
		state := i.State
		if i.Degraded {
			state += " (degraded)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", i.Name, i.Type, state, vlan, parent, addrs)
	}
	return w.Flush()
}

func formatSeconds(s int64) string {
	d := time.Duration(s) * time.Second
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
