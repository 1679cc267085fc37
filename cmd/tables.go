package cmd

import (
	"slices"
	"strconv"

	"gopkg.in/yaml.v2"

	"grimm.is/flowgate/internal/config"
	"grimm.is/flowgate/internal/dataplane"
	"grimm.is/flowgate/internal/hook"
	"grimm.is/flowgate/internal/logging"
	"grimm.is/flowgate/internal/metrics"
)

// tableDump is the YAML view of the tables a configuration installs.
type tableDump struct {
	Hooks     []hookDump    `yaml:"hooks"`
	Conntrack conntrackDump `yaml:"conntrack"`
	Routes    []routeDump   `yaml:"routes"`
	NAT       []natDump     `yaml:"nat"`
	VPN       []vpnDump     `yaml:"vpn,omitempty"`
}

type hookDump struct {
	Stage    string `yaml:"stage"`
	Priority int    `yaml:"priority"`
	Name     string `yaml:"name"`
}

type conntrackDump struct {
	MaxEntries  int    `yaml:"max_entries"`
	New         string `yaml:"new_timeout"`
	Established string `yaml:"established_timeout"`
	Closing     string `yaml:"closing_timeout"`
}

type routeDump struct {
	Name        string `yaml:"name,omitempty"`
	Destination string `yaml:"destination"`
	Gateway     string `yaml:"gateway,omitempty"`
	Interface   string `yaml:"interface"`
	Metric      int    `yaml:"metric"`
	Local       bool   `yaml:"local,omitempty"`
}

type natDump struct {
	Name      string `yaml:"name"`
	Action    string `yaml:"action"`
	Protocol  int    `yaml:"protocol,omitempty"`
	Source    string `yaml:"source,omitempty"`
	Dest      string `yaml:"destination,omitempty"`
	DestPorts string `yaml:"dest_ports,omitempty"`
	In        string `yaml:"in_interface,omitempty"`
	Out       string `yaml:"out_interface,omitempty"`
	To        string `yaml:"to"`
	ToPorts   string `yaml:"to_ports,omitempty"`
}

type vpnDump struct {
	Name      string     `yaml:"name"`
	PublicKey string     `yaml:"public_key"`
	Address   string     `yaml:"address,omitempty"`
	Peers     []peerDump `yaml:"peers"`
}

type peerDump struct {
	Name       string   `yaml:"name"`
	PublicKey  string   `yaml:"public_key"`
	Endpoint   string   `yaml:"endpoint,omitempty"`
	AllowedIPs []string `yaml:"allowed_ips"`
}

// offline strips the settings that read kernel state so a configuration
// can be built on any host.
func offline(cfg *config.Config) *config.Config {
	c := *cfg
	c.KernelRoutes = nil
	if c.Conntrack != nil {
		ct := *c.Conntrack
		ct.ImportKernel = false
		c.Conntrack = &ct
	}
	return &c
}

// buildTables installs cfg into a scratch pipeline.
func buildTables(cfg *config.Config) (*dataplane.Pipeline, error) {
	return dataplane.NewFromConfig(offline(cfg), dataplane.Options{
		Logger:  logging.Nop(),
		Metrics: metrics.New(nil),
	})
}

func dumpTables(p *dataplane.Pipeline) tableDump {
	var d tableDump
	for _, stage := range []hook.Stage{hook.PreRouting, hook.LocalIn, hook.Forward, hook.LocalOut, hook.PostRouting} {
		for _, e := range p.Hooks().Chain(stage) {
			d.Hooks = append(d.Hooks, hookDump{Stage: stage.String(), Priority: e.Priority, Name: e.Name})
		}
	}

	ct := p.Conntrack()
	timeouts := ct.Timeouts()
	d.Conntrack = conntrackDump{
		MaxEntries:  ct.Cap(),
		New:         timeouts.New.String(),
		Established: timeouts.Established.String(),
		Closing:     timeouts.Closing.String(),
	}

	for _, r := range p.Routes().Routes() {
		rd := routeDump{
			Name:        r.Name,
			Destination: r.Prefix.String(),
			Interface:   r.Interface,
			Metric:      r.Metric,
			Local:       r.Local,
		}
		if r.Gateway.IsValid() {
			rd.Gateway = r.Gateway.String()
		}
		d.Routes = append(d.Routes, rd)
	}

	for _, r := range p.NAT().Rules() {
		nd := natDump{
			Name:     r.Name,
			Action:   r.Action.String(),
			Protocol: int(r.Protocol),
			In:       r.InInterface,
			Out:      r.OutInterface,
			To:       r.ToAddrs.String(),
		}
		if r.Src.IsValid() {
			nd.Source = r.Src.String()
		}
		if r.Dst.IsValid() {
			nd.Dest = r.Dst.String()
		}
		if !r.DstPorts.IsZero() {
			nd.DestPorts = r.DstPorts.String()
		}
		if !r.ToPorts.IsZero() {
			nd.ToPorts = r.ToPorts.String()
		}
		d.NAT = append(d.NAT, nd)
	}

	for _, st := range p.VPN().Status() {
		vd := vpnDump{Name: st.Name, PublicKey: st.PublicKey, Address: st.Address}
		for _, ps := range st.Peers {
			vd.Peers = append(vd.Peers, peerDump{
				Name:       ps.Name,
				PublicKey:  ps.PublicKey,
				Endpoint:   ps.Endpoint,
				AllowedIPs: slices.Clone(ps.AllowedIPs),
			})
		}
		d.VPN = append(d.VPN, vd)
	}
	return d
}

func marshalTables(p *dataplane.Pipeline) (string, error) {
	out, err := yaml.Marshal(dumpTables(p))
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func plural(n int, word string) string {
	s := strconv.Itoa(n) + " " + word
	if n != 1 {
		s += "s"
	}
	return s
}
