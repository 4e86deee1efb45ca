package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/loykin/botvisor"
)

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printStatusTable(w io.Writer, sts []botvisor.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "IDENTITY\tPID\tSTATE\tPIDFILE\tREPORTED")
	for _, st := range sts {
		pid := "-"
		if st.PID != nil {
			pid = fmt.Sprint(*st.PID)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.Identity, pid, st.ProcessState, st.PIDFileState, st.Reported)
	}
	return tw.Flush()
}

// resolvedConfig is the config plus every path derived from it.
type resolvedConfig struct {
	*botvisor.Config
	ProcDir    string `json:"ProcDir"`
	SocketPath string `json:"SocketPath"`
	LogDir     string `json:"LogDir"`
	ModulesDir string `json:"ModulesDir"`
}

func effectiveConfig(cfg *botvisor.Config) resolvedConfig {
	return resolvedConfig{
		Config:     cfg,
		ProcDir:    cfg.ProcDir(),
		SocketPath: cfg.SocketPath(),
		LogDir:     cfg.LogDir(),
		ModulesDir: cfg.ModulesDir(),
	}
}
