package reactor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/roach88/babelcore/internal/store"
)

// WriteSnapshot writes the daemon state as text: identity, then neighbours,
// exported routes and learned routes, one per line.
func (d *Daemon) WriteSnapshot(w io.Writer) error {
	now := d.clock.Now()
	var b bytes.Buffer
	fmt.Fprintf(&b, "my-id %s seqno %d uptime %s run %s\n",
		d.self.ID, uint16(d.self.Seqno), d.epoch.Elapsed(now).Truncate(time.Second), d.runID)

	for _, n := range d.tables.Neighbours() {
		fmt.Fprintf(&b, "neighbour %s dev %s reach %04x rxcost %d txcost %d cost %d\n",
			n.Address, n.Ifc.Name, n.Reach, n.RxCost(), n.TxCost, n.Cost())
	}
	for _, x := range d.tables.Xroutes() {
		fmt.Fprintf(&b, "xroute %s metric %d\n", x.Prefix, x.Metric)
	}
	for _, r := range d.tables.Routes() {
		fmt.Fprintf(&b, "route %s metric %d refmetric %d id %s seqno %d age %s via %s dev %s",
			r.Prefix, r.Metric(), r.RefMetric, r.ID, uint16(r.Seqno),
			now.Sub(r.Time).Truncate(time.Second), r.NextHop, r.Neigh.Ifc.Name)
		if r.Installed {
			b.WriteString(" (installed)")
		}
		if r.Feasible {
			b.WriteString(" (feasible)")
		}
		b.WriteByte('\n')
	}
	_, err := w.Write(b.Bytes())
	return err
}

// dump writes a snapshot to w. Requested dumps are also journaled.
func (d *Daemon) dump(ctx context.Context, w io.Writer, record bool) {
	var b bytes.Buffer
	if err := d.WriteSnapshot(&b); err != nil {
		return
	}
	if _, err := w.Write(b.Bytes()); err != nil {
		d.logger.Debug("dump", "error", err)
	}
	if !record || d.journal == nil {
		return
	}
	err := d.journal.RecordSnapshot(ctx, store.Snapshot{
		RunID:      d.runID,
		TakenAt:    d.clock.Now(),
		Seqno:      uint16(d.self.Seqno),
		Neighbours: len(d.tables.Neighbours()),
		Routes:     len(d.tables.Routes()),
		Body:       b.String(),
	})
	if err != nil {
		d.logger.Warn("journal snapshot", "error", err)
	}
}
