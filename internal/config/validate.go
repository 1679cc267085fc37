package config

import (
	"fmt"
	"net"
	"strings"

	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/validation"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field    string
	Message  string
	Severity string // "error" (default), "warning"
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if any entry is not a warning.
func (e ValidationErrors) HasErrors() bool {
	for _, err := range e {
		if err.Severity != "warning" {
			return true
		}
	}
	return false
}

// Warnings returns only the warning entries.
func (e ValidationErrors) Warnings() ValidationErrors {
	var out ValidationErrors
	for _, err := range e {
		if err.Severity == "warning" {
			out = append(out, err)
		}
	}
	return out
}

func fail(field, format string, args ...any) ValidationError {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Severity: "error"}
}

func warn(field, format string, args ...any) ValidationError {
	return ValidationError{Field: field, Message: fmt.Sprintf(format, args...), Severity: "warning"}
}

// Validate validates the entire configuration. It checks every block in
// isolation; conflicts between rules are reported when the rules are
// installed.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validateConntrack()...)
	errs = append(errs, c.validateRoutes()...)
	errs = append(errs, c.validateNAT()...)
	errs = append(errs, c.validateVPN()...)
	errs = append(errs, c.validateNFQueue()...)
	errs = append(errs, c.validateMetrics()...)
	errs = append(errs, c.validateAudit()...)

	if c.Hooks != nil && c.Hooks.MaxRepeats < 0 {
		errs = append(errs, fail("hooks.max_repeats", "must not be negative"))
	}
	return errs
}

func (c *Config) validateLogging() ValidationErrors {
	if c.Logging == nil {
		return nil
	}
	var errs ValidationErrors
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fail("logging.level", "%v", err))
	}
	if s := c.Logging.Syslog; s != nil {
		if s.Host == "" {
			errs = append(errs, fail("logging.syslog.host", "is required"))
		}
		switch strings.ToLower(s.Protocol) {
		case "", "udp", "tcp":
		default:
			errs = append(errs, fail("logging.syslog.protocol", "must be udp or tcp, got %q", s.Protocol))
		}
	}
	return errs
}

func (c *Config) validateConntrack() ValidationErrors {
	var errs ValidationErrors
	if _, err := c.Conntrack.Build(); err != nil {
		errs = append(errs, fail("conntrack", "%v", err))
	}
	if c.Conntrack != nil && c.Conntrack.MaxEntries < 0 {
		errs = append(errs, fail("conntrack.max_entries", "must not be negative"))
	}
	if _, err := c.Tunnel.Build(); err != nil {
		errs = append(errs, fail("tunnel", "%v", err))
	}
	return errs
}

func (c *Config) validateRoutes() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)
	for i, r := range c.Routes {
		field := fmt.Sprintf("route[%d]", i)
		if r.Name != "" {
			field = fmt.Sprintf("route.%s", r.Name)
			if seen[r.Name] {
				errs = append(errs, fail(field, "duplicate route name"))
			}
			seen[r.Name] = true
		}
		errs = append(errs, checkName(field, r.Name)...)
		if r.Interface == "" {
			errs = append(errs, fail(field+".interface", "is required"))
		} else {
			errs = append(errs, checkInterface(field+".interface", r.Interface)...)
		}
		if _, err := r.Build(); err != nil {
			errs = append(errs, fail(field, "%v", err))
		}
	}
	return errs
}

func (c *Config) validateNAT() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)
	for _, n := range c.NAT {
		field := "nat." + n.Name
		if seen[n.Name] {
			errs = append(errs, fail(field, "duplicate nat rule name"))
		}
		seen[n.Name] = true
		errs = append(errs, checkName(field, n.Name)...)
		errs = append(errs, checkInterface(field+".in_interface", n.InInterface)...)
		errs = append(errs, checkInterface(field+".out_interface", n.OutInterface)...)
		if _, err := n.Build(); err != nil {
			errs = append(errs, fail(field, "%v", err))
		}
	}
	return errs
}

func (c *Config) validateVPN() ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)
	for _, v := range c.VPN {
		field := "vpn." + v.Name
		if seen[v.Name] {
			errs = append(errs, fail(field, "duplicate vpn interface"))
		}
		seen[v.Name] = true
		if v.Name == "" {
			errs = append(errs, fail(field, "name is required"))
		} else {
			errs = append(errs, checkInterface(field, v.Name)...)
		}

		// Device-backed interfaces are read from the kernel at startup.
		if !v.FromDevice {
			if v.PrivateKey == "" {
				errs = append(errs, fail(field+".private_key", "is required"))
			} else if _, err := (VPNInterface{Name: v.Name, PrivateKey: v.PrivateKey, Address: v.Address}).Build(); err != nil {
				errs = append(errs, fail(field, "%v", err))
			}
		}

		peers := make(map[string]bool)
		for _, p := range v.Peers {
			pf := field + ".peer." + p.Name
			if peers[p.Name] {
				errs = append(errs, fail(pf, "duplicate peer name"))
			}
			peers[p.Name] = true
			errs = append(errs, checkName(pf, p.Name)...)
			if _, err := p.Build(); err != nil {
				errs = append(errs, fail(pf, "%v", err))
			}
			if len(p.AllowedIPs) == 0 {
				errs = append(errs, warn(pf+".allowed_ips", "peer receives no routed traffic"))
			}
			if p.Initiate && p.Endpoint == "" {
				errs = append(errs, fail(pf+".endpoint", "is required to initiate"))
			}
		}
	}
	return errs
}

func (c *Config) validateNFQueue() ValidationErrors {
	q := c.NFQueue
	if q == nil {
		return nil
	}
	var errs ValidationErrors
	if q.Queue < 0 || q.Queue > 65535 {
		errs = append(errs, fail("nfqueue.queue", "must be 0-65535"))
	}
	if q.MaxLen < 0 {
		errs = append(errs, fail("nfqueue.max_len", "must not be negative"))
	}
	errs = append(errs, checkName("nfqueue.table", q.Table)...)
	return errs
}

func (c *Config) validateMetrics() ValidationErrors {
	m := c.Metrics
	if m == nil || m.Listen == "" {
		return nil
	}
	var errs ValidationErrors
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		errs = append(errs, fail("metrics.listen", "%v", err))
	}
	if m.Path != "" && !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, fail("metrics.path", "must start with /"))
	}
	return errs
}

func (c *Config) validateAudit() ValidationErrors {
	a := c.Audit
	if a == nil {
		return nil
	}
	var errs ValidationErrors
	if a.RetentionDays < 0 {
		errs = append(errs, fail("audit.retention_days", "must not be negative"))
	}
	if a.RatePerMinute < 0 {
		errs = append(errs, fail("audit.rate_per_minute", "must not be negative"))
	}
	return errs
}

// checkName validates an optional rule, peer or table name.
func checkName(field, name string) ValidationErrors {
	if name == "" {
		return nil
	}
	if err := validation.ValidateIdentifier(name); err != nil {
		return ValidationErrors{fail(field, "%v", err)}
	}
	return nil
}

// checkInterface validates an optional interface name.
func checkInterface(field, name string) ValidationErrors {
	if name == "" {
		return nil
	}
	if err := validation.ValidateInterfaceName(name); err != nil {
		return ValidationErrors{fail(field, "%v", err)}
	}
	return nil
}
