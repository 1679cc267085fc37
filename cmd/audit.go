package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"grimm.is/flowgate/internal/audit"
	"grimm.is/flowgate/internal/config"
	"grimm.is/flowgate/internal/errors"
)

// AuditOptions selects the events RunAudit prints.
type AuditOptions struct {
	DB    string
	Type  string
	Peer  string
	Since time.Duration
	Limit int
	JSON  bool
}

// AuditDB returns the audit database configured in configFile, or the
// default path when the file has no audit block.
func AuditDB(configFile string) string {
	cfg, err := config.LoadFile(configFile)
	if err != nil || cfg.Audit == nil {
		return config.DefaultAuditPath
	}
	return cfg.Audit.Path
}

// RunAudit prints recorded security events, newest first.
func RunAudit(w io.Writer, opts AuditOptions) error {
	if _, err := os.Stat(opts.DB); err != nil {
		return errors.Wrapf(err, errors.KindNotFound, "no audit log at %s", opts.DB)
	}
	store, err := audit.NewStore(opts.DB, 0, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	q := audit.Query{Type: opts.Type, Peer: opts.Peer, Limit: opts.Limit}
	if opts.Since > 0 {
		q.Since = time.Now().Add(-opts.Since)
	}
	evts, err := store.Query(q)
	if err != nil {
		return err
	}

	if opts.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if evts == nil {
			evts = []audit.Event{}
		}
		return enc.Encode(evts)
	}
	if len(evts) == 0 {
		Printer.Fprintf(w, "No audit events.\n")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	Printer.Fprintln(tw, "TIME\tTYPE\tINTERFACE\tPEER\tDETAILS")
	for _, e := range evts {
		Printer.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Format(time.RFC3339), e.Type, dash(e.Interface), dash(e.Peer), details(e.Details))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func details(d map[string]any) string {
	if len(d) == 0 {
		return "-"
	}
	b, err := json.Marshal(d)
	if err != nil {
		return fmt.Sprint(d)
	}
	return string(b)
}
