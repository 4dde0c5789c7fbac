package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loykin/appvisor"
	"github.com/loykin/appvisor/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func printStatusTable(w io.Writer, sts []client.InstanceStatus) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tSTATE\tPID\tUPTIME\tRESTARTS\tUNSTABLE\tCPU\tMEM\tREASON")
	for _, st := range sts {
		pid, uptime := "-", "-"
		if st.PID > 0 {
			pid = strconv.Itoa(st.PID)
			uptime = st.Uptime.Round(time.Second).String()
		}
		cpu, mem := "-", "-"
		if st.Usage != nil {
			cpu = fmt.Sprintf("%.1f%%", st.Usage.CPUPercent)
			mem = humanize.IBytes(uint64(st.Usage.MemoryMB * 1024 * 1024))
		}
		reason := st.Reason
		if reason == "" {
			reason = st.LastError
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\n",
			st.Name, st.State, pid, uptime, st.Restarts, st.UnstableRestarts, cpu, mem, reason)
	}
	_ = tw.Flush()
}

func printSpecTable(w io.Writer, specs []appvisor.Spec) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tINTERPRETER\tSCRIPT\tINSTANCES\tMODE\tAUTORESTART\tMAX_RESTARTS\tMIN_UPTIME\tPORT")
	for _, s := range specs {
		port := "-"
		if s.Port > 0 {
			port = strconv.Itoa(s.Port)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%t\t%d\t%s\t%s\n",
			s.Name, s.Interpreter, s.EntryPoint, s.Instances, s.ExecutionMode,
			s.AutoRestart, s.MaxRestarts, s.MinUptime, port)
	}
	_ = tw.Flush()
}
