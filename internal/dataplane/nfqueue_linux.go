//go:build linux

package dataplane

import (
	"context"
	"sync/atomic"

	"github.com/florianl/go-nfqueue/v2"

	"grimm.is/flowgate/internal/errors"
	"grimm.is/flowgate/internal/logging"
)

// Queue feeds packets from a netfilter queue through the pipeline and
// returns the verdicts to the kernel. Translated packets are handed back
// with their rewritten bytes.
type Queue struct {
	p      *Pipeline
	nf     *nfqueue.Nfqueue
	cfg    QueueConfig
	names  ifaceNames
	logger *logging.Logger
	cancel context.CancelFunc
	closed atomic.Bool
}

// OpenQueue binds the queue and starts delivering its packets to p until
// ctx is cancelled or Close is called.
func OpenQueue(ctx context.Context, p *Pipeline, cfg QueueConfig) (*Queue, error) {
	if cfg.MaxLen == 0 {
		cfg.MaxLen = 1024
	}
	nfc := nfqueue.Config{
		NfQueue:      cfg.Num,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  cfg.MaxLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
	}
	if cfg.FailOpen {
		nfc.Flags = nfqueue.NfQaCfgFlagFailOpen
	}

	nf, err := nfqueue.Open(&nfc)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "open nfqueue %d", cfg.Num)
	}

	q := &Queue{
		p:      p,
		nf:     nf,
		cfg:    cfg,
		logger: p.logger.WithFields(map[string]any{"queue": cfg.Num}),
	}
	ctx, q.cancel = context.WithCancel(ctx)

	if err := nf.RegisterWithErrorFunc(ctx, q.handle, q.onError); err != nil {
		q.cancel()
		nf.Close()
		return nil, errors.Wrapf(err, errors.KindUnavailable, "register nfqueue %d", cfg.Num)
	}
	q.logger.Info("reading packets from nfqueue", "max_len", cfg.MaxLen, "fail_open", cfg.FailOpen)
	return q, nil
}

func (q *Queue) handle(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID
	if a.Payload == nil {
		q.verdict(id, nfqueue.NfAccept, nil)
		return 0
	}

	in := Ingress{Local: a.InDev == nil}
	if !in.Local {
		in.Interface = q.names.name(*a.InDev)
	}
	if a.Mark != nil {
		in.Mark = *a.Mark
	}
	v, pkt := q.p.Ingest(*a.Payload, in)

	if kernelAccept(v) && pkt != nil {
		q.verdict(id, nfqueue.NfAccept, pkt.Data)
		return 0
	}
	q.verdict(id, nfqueue.NfDrop, nil)
	return 0
}

func (q *Queue) verdict(id uint32, v int, data []byte) {
	var err error
	if data != nil {
		err = q.nf.SetVerdictModPacket(id, v, data)
	} else {
		err = q.nf.SetVerdict(id, v)
	}
	if err != nil {
		q.p.metrics.RecordDrop("verdict_error")
		q.logger.Debug("failed to set verdict", "packet_id", id, "error", err)
	}
}

func (q *Queue) onError(err error) int {
	if !q.closed.Load() {
		q.logger.Warn("nfqueue error", "error", err)
	}
	return 0
}

// Close stops reading and releases the queue.
func (q *Queue) Close() error {
	if q.closed.Swap(true) {
		return nil
	}
	q.cancel()
	return q.nf.Close()
}
