package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"grimm.is/flowgate/internal/brand"
	"grimm.is/flowgate/internal/config"
	"grimm.is/flowgate/internal/dataplane"
)

// RunCheck validates a configuration file and builds its tables without
// touching the host. With verbose set the tables are printed as YAML.
func RunCheck(w io.Writer, configFile string, verbose bool) error {
	if configFile == "" {
		return fmt.Errorf("usage: %s check [-v] <config-file>", brand.BinaryName)
	}

	cfg, warnings, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	p, err := buildTables(cfg)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Fprintf(w, "Configuration valid!\n")
	Printer.Fprintf(w, "Schema Version: %s\n", cfg.SchemaVersion)
	for _, warning := range warnings {
		Printer.Fprintf(w, "Warning: %s\n", warning)
	}
	if cfg.KernelRoutes != nil {
		Printer.Fprintf(w, "Note: kernel routes are imported at run time and not shown\n")
	}
	Printer.Fprintln(w)
	printSummary(w, cfg, p)

	if verbose {
		dump, err := marshalTables(p)
		if err != nil {
			return fmt.Errorf("failed to dump tables: %w", err)
		}
		Printer.Fprintln(w)
		fmt.Fprint(w, dump)
	}
	return nil
}

func printSummary(out io.Writer, cfg *config.Config, p *dataplane.Pipeline) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)

	Printer.Fprintln(w, "DESTINATION\tGATEWAY\tINTERFACE\tMETRIC")
	for _, r := range p.Routes().Routes() {
		gw := "-"
		if r.Gateway.IsValid() {
			gw = r.Gateway.String()
		}
		if r.Local {
			gw = "local"
		}
		Printer.Fprintf(w, "%s\t%s\t%s\t%d\n", r.Prefix, gw, r.Interface, r.Metric)
	}
	Printer.Fprintln(w)
	w.Flush()

	Printer.Fprintln(w, "NAT\tACTION\tTO")
	for _, r := range p.NAT().Rules() {
		to := r.ToAddrs.String()
		if !r.ToPorts.IsZero() {
			to += ":" + r.ToPorts.String()
		}
		Printer.Fprintf(w, "%s\t%s\t%s\n", r.Name, r.Action, to)
	}
	Printer.Fprintln(w)
	w.Flush()

	Printer.Fprintln(w, "VPN\tADDRESS\tPEERS")
	for _, st := range p.VPN().Status() {
		addr := st.Address
		if addr == "" {
			addr = "-"
		}
		Printer.Fprintf(w, "%s\t%s\t%s\n", st.Name, addr, plural(len(st.Peers), "peer"))
	}
	w.Flush()

	if cfg.NFQueue != nil {
		Printer.Fprintf(out, "\nIngress: nfqueue %d", cfg.NFQueue.Queue)
		if cfg.NFQueue.Steer {
			Printer.Fprintf(out, " (steered by table %s)", cfg.NFQueue.Table)
		}
		Printer.Fprintln(out)
	}
	if cfg.Audit != nil {
		Printer.Fprintf(out, "Audit log: %s\n", cfg.Audit.Path)
	}
}
