//go:build linux

package dataplane

import (
	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netns"

	"grimm.is/flowgate/internal/errors"
)

// Steering is an installed nftables table diverting traffic into a queue.
type Steering struct {
	conn  *nftables.Conn
	table *nftables.Table
	ns    netns.NsHandle
}

// Steer installs an inet table whose PREROUTING and OUTPUT chains queue
// every packet not carrying the bypass mark. An existing table of the same
// name is replaced.
func Steer(cfg SteerConfig) (*Steering, error) {
	if cfg.Table == "" {
		return nil, errors.New(errors.KindValidation, "steering table name is required")
	}
	if cfg.BypassMark == 0 {
		cfg.BypassMark = DefaultBypassMark
	}

	s := &Steering{ns: netns.None()}
	var opts []nftables.ConnOption
	if cfg.Namespace != "" {
		ns, err := netns.GetFromName(cfg.Namespace)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindNotFound, "network namespace %q", cfg.Namespace)
		}
		s.ns = ns
		opts = append(opts, nftables.WithNetNSFd(int(ns)))
	}
	conn, err := nftables.New(opts...)
	if err != nil {
		s.closeNS()
		return nil, errors.Wrap(err, errors.KindUnavailable, "open nftables connection")
	}
	s.conn = conn
	s.table = &nftables.Table{Name: cfg.Table, Family: nftables.TableFamilyINet}

	conn.DelTable(s.table)
	_ = conn.Flush()

	conn.AddTable(s.table)
	chains := []*nftables.Chain{
		{
			Name:     "prerouting",
			Table:    s.table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  nftables.ChainHookPrerouting,
			Priority: nftables.ChainPriorityMangle,
		},
		{
			Name:     "output",
			Table:    s.table,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  nftables.ChainHookOutput,
			Priority: nftables.ChainPriorityMangle,
		},
	}
	for _, c := range chains {
		conn.AddChain(c)
		conn.AddRule(&nftables.Rule{
			Table:    s.table,
			Chain:    c,
			Exprs:    queueExprs(cfg),
			UserData: []byte("flowgate-steer"),
		})
	}
	if err := conn.Flush(); err != nil {
		s.closeNS()
		return nil, errors.Wrapf(err, errors.KindUnavailable, "install steering table %s", cfg.Table)
	}
	return s, nil
}

// queueExprs builds "meta mark != bypass queue num N [bypass]".
func queueExprs(cfg SteerConfig) []expr.Any {
	var flag expr.QueueFlag
	if cfg.FailOpen {
		flag = expr.QueueFlagBypass
	}
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{
			Op:       expr.CmpOpNeq,
			Register: 1,
			Data:     binaryutil.NativeEndian.PutUint32(cfg.BypassMark),
		},
		&expr.Queue{Num: cfg.Queue, Flag: flag},
	}
}

// Remove deletes the steering table.
func (s *Steering) Remove() error {
	defer s.closeNS()
	s.conn.DelTable(s.table)
	if err := s.conn.Flush(); err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "remove steering table %s", s.table.Name)
	}
	return nil
}

func (s *Steering) closeNS() {
	if s.ns.IsOpen() {
		_ = s.ns.Close()
	}
}
