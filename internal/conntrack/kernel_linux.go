//go:build linux

package conntrack

import (
	"fmt"

	"github.com/ti-mo/conntrack"
)

// kernel TCP conntrack states that mean the connection is winding down
const (
	tcpFinWait   = 4
	tcpCloseWait = 5
	tcpLastAck   = 6
	tcpTimeWait  = 7
	tcpClose     = 8
)

// ImportKernelFlows dumps the kernel connection table over netlink and
// imports it.
func (t *Tracker) ImportKernelFlows() (int, error) {
	conn, err := conntrack.Dial(nil)
	if err != nil {
		return 0, fmt.Errorf("conntrack dial failed: %w", err)
	}
	defer conn.Close()

	flows, err := conn.Dump(nil)
	if err != nil {
		return 0, fmt.Errorf("conntrack dump failed: %w", err)
	}

	return t.Import(FromKernel(flows))
}

// FromKernel converts kernel flows into import seeds.
func FromKernel(flows []conntrack.Flow) []Info {
	out := make([]Info, 0, len(flows))
	for _, f := range flows {
		orig, reply := f.TupleOrig, f.TupleReply
		if !orig.IP.SourceAddress.IsValid() || !orig.IP.DestinationAddress.IsValid() {
			continue
		}

		info := Info{
			Key: Key{
				Proto:   orig.Proto.Protocol,
				Src:     orig.IP.SourceAddress.Unmap(),
				SrcPort: orig.Proto.SourcePort,
				Dst:     orig.IP.DestinationAddress.Unmap(),
				DstPort: orig.Proto.DestinationPort,
			},
			State:   StateNew,
			Orig:    Counters{Packets: f.CountersOrig.Packets, Bytes: f.CountersOrig.Bytes},
			Replied: Counters{Packets: f.CountersReply.Packets, Bytes: f.CountersReply.Bytes},
		}
		if reply.IP.SourceAddress.IsValid() {
			info.Reply = Key{
				Proto:   reply.Proto.Protocol,
				Src:     reply.IP.SourceAddress.Unmap(),
				SrcPort: reply.Proto.SourcePort,
				Dst:     reply.IP.DestinationAddress.Unmap(),
				DstPort: reply.Proto.DestinationPort,
			}
		}

		if f.Status.SeenReply() {
			info.State = StateEstablished
		}
		if f.ProtoInfo.TCP != nil {
			switch f.ProtoInfo.TCP.State {
			case tcpFinWait, tcpCloseWait, tcpLastAck, tcpTimeWait, tcpClose:
				info.State = StateClosing
			}
		}
		out = append(out, info)
	}
	return out
}
