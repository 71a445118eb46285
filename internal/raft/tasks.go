package raft

import (
	"fmt"

	"github.com/KilimcininKorOglu/kervan/internal/membership"
)

// logOp is one unit of work for the log writer: an optional truncation,
// an optional append, or a purge/reset, plus an optional reply callback.
// Ops execute strictly in queue order; because the queue is FIFO, an
// empty op doubles as a durability barrier for everything before it.
type logOp struct {
	epoch         uint64
	append        []*Entry
	truncateAfter *uint64
	purgeTo       *uint64
	reset         *LogID
	reply         func(err error)
}

// logWriter owns every mutation of the log store, keeping the event loop
// free of disk stalls. Completion events carry the store's last index so
// the loop's durable watermark exactly tracks the store.
type logWriter struct {
	ch   chan logOp
	done chan struct{}
	node *Node
}

func newLogWriter(n *Node) *logWriter {
	return &logWriter{
		ch:   make(chan logOp, 1024),
		done: make(chan struct{}),
		node: n,
	}
}

func (w *logWriter) enqueue(op logOp) {
	select {
	case w.ch <- op:
	case <-w.node.stopCh:
		if op.reply != nil {
			op.reply(ErrNodeStopped)
		}
	}
}

func (w *logWriter) run() {
	defer close(w.done)
	for op := range w.ch {
		err := w.exec(op)
		if op.reply != nil {
			op.reply(err)
		}
		if op.purgeTo != nil {
			idx := uint64(0)
			if err == nil {
				idx = *op.purgeTo
			}
			w.node.postEvent(purgeDoneEvent{index: idx, err: err})
			continue
		}
		last, lerr := w.node.log.LastIndex()
		if err == nil {
			err = lerr
		}
		w.node.postEvent(appendDoneEvent{epoch: op.epoch, lastIndex: last, err: err})
	}
}

func (w *logWriter) exec(op logOp) error {
	if op.reset != nil {
		return w.node.log.Reset(*op.reset)
	}
	if op.truncateAfter != nil {
		if err := w.node.log.TruncateAfter(*op.truncateAfter); err != nil {
			return err
		}
	}
	if len(op.append) > 0 {
		if err := w.node.log.Append(op.append); err != nil {
			return err
		}
	}
	if op.purgeTo != nil {
		return w.node.log.PurgeTo(*op.purgeTo)
	}
	return nil
}

// applyJob is one unit of work for the applier: a committed range to
// apply, a batch of read queries, a snapshot build, or a snapshot
// install. Exactly one field group is set per job.
type applyJob struct {
	lo, hi  uint64
	queries []*readFuture
	build   *buildJob
	install *installJob
}

// buildJob carries the committed membership for the snapshot meta.
// Membership values are immutable, so sharing one with the applier is
// safe.
type buildJob struct {
	membership *membership.Membership
}

type installJob struct {
	meta   *SnapshotMeta
	data   []byte
	respCh chan *InstallSnapshotReply
}

// applier feeds the state machine: committed entries in log order, then
// queries that became due, with snapshot builds and installs serialized
// on the same goroutine so the machine never sees concurrent access.
type applier struct {
	ch          chan applyJob
	done        chan struct{}
	node        *Node
	lastApplied LogID
}

func newApplier(n *Node) *applier {
	a := &applier{
		ch:   make(chan applyJob, 256),
		done: make(chan struct{}),
		node: n,
	}
	if n.snapMeta != nil {
		a.lastApplied = n.snapMeta.Last
	}
	return a
}

func (a *applier) enqueue(job applyJob) {
	select {
	case a.ch <- job:
	case <-a.node.stopCh:
	}
}

func (a *applier) run() {
	defer close(a.done)
	for job := range a.ch {
		switch {
		case job.install != nil:
			a.runInstall(job.install)
		case job.build != nil:
			a.runBuild(job.build)
		case len(job.queries) > 0:
			a.runQueries(job.queries)
		default:
			a.runApply(job.lo, job.hi)
		}
	}
}

// runApply applies entries [lo, hi] in order. Blank and membership
// entries advance the applied position without touching the machine.
func (a *applier) runApply(lo, hi uint64) {
	n := a.node
	var results []applyResult
	var bytes uint64

	for idx := lo; idx <= hi; {
		batch, err := n.log.Entries(idx, hi, n.opts.MaxBytesPerAppend)
		if err != nil {
			n.postEvent(faultEvent{err: fmt.Errorf("%w: reading committed entries: %v", ErrStorageFault, err)})
			return
		}
		if len(batch) == 0 {
			n.postEvent(faultEvent{err: fmt.Errorf("%w: committed entry %d missing", ErrStorageFault, idx)})
			return
		}
		for _, e := range batch {
			if e.Type == EntryCommand {
				result, aerr := n.machine.Apply(e)
				results = append(results, applyResult{id: e.ID, result: result, err: aerr})
				bytes += uint64(len(e.Data))
			}
			a.lastApplied = e.ID
		}
		idx = batch[len(batch)-1].ID.Index + 1
	}

	n.postEvent(appliedEvent{upTo: hi, bytes: bytes, results: results})
}

// runQueries serves read-only requests against current machine state.
func (a *applier) runQueries(futs []*readFuture) {
	for _, fut := range futs {
		value, err := a.node.machine.Query(fut.req)
		fut.resolve(value, err)
	}
}

// runBuild snapshots the machine at the applier's current position and
// persists it.
func (a *applier) runBuild(job *buildJob) {
	n := a.node
	data, err := n.machine.Snapshot()
	if err != nil {
		n.postEvent(snapshotBuiltEvent{err: fmt.Errorf("%w: %v", ErrSnapshotFailed, err)})
		return
	}
	meta := &SnapshotMeta{
		Last:       a.lastApplied,
		Membership: job.membership,
		Size:       uint64(len(data)),
	}
	if err := n.snapshots.Save(meta, data); err != nil {
		n.postEvent(snapshotBuiltEvent{err: fmt.Errorf("%w: %v", ErrSnapshotFailed, err)})
		return
	}
	n.postEvent(snapshotBuiltEvent{meta: meta})
}

// runInstall replaces machine state from a received snapshot. The
// snapshot is persisted before the restore so a crash between the two
// recovers forward, never backward.
func (a *applier) runInstall(job *installJob) {
	n := a.node
	if err := n.snapshots.Save(job.meta, job.data); err != nil {
		n.postEvent(snapshotInstalledEvent{respCh: job.respCh, err: err})
		return
	}
	if err := n.machine.Restore(job.data); err != nil {
		n.postEvent(snapshotInstalledEvent{respCh: job.respCh, err: fmt.Errorf("%w: %v", ErrRestoreFailed, err)})
		return
	}
	a.lastApplied = job.meta.Last
	n.postEvent(snapshotInstalledEvent{meta: job.meta, respCh: job.respCh})
}
