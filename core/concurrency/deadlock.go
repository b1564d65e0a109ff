package concurrency

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/megumidb/megumidb/core/storage_engine/page"
)

// The deadlock detector periodically rebuilds a wait-for graph from every
// request queue and aborts the youngest transaction of each cycle. It never
// holds a queue mutex while running the DFS; each queue is read and released
// before the graph is analyzed.

// AddEdge records that t1 waits for a lock held by t2.
func (lm *LockManager) AddEdge(t1, t2 TxnID) {
	lm.waitsMu.Lock()
	defer lm.waitsMu.Unlock()
	lm.waitsFor[t1] = append(lm.waitsFor[t1], t2)
}

// RemoveEdge deletes the edge t1 -> t2, if present.
func (lm *LockManager) RemoveEdge(t1, t2 TxnID) {
	lm.waitsMu.Lock()
	defer lm.waitsMu.Unlock()
	adj := lm.waitsFor[t1]
	for i, t := range adj {
		if t == t2 {
			lm.waitsFor[t1] = append(adj[:i], adj[i+1:]...)
			return
		}
	}
}

// GetEdgeList returns every edge of the wait-for graph as (waiter, holder)
// pairs.
func (lm *LockManager) GetEdgeList() [][2]TxnID {
	lm.waitsMu.Lock()
	defer lm.waitsMu.Unlock()
	var edges [][2]TxnID
	for t1, adj := range lm.waitsFor {
		for _, t2 := range adj {
			edges = append(edges, [2]TxnID{t1, t2})
		}
	}
	return edges
}

// HasCycle runs a deterministic DFS over the wait-for graph. On finding a
// cycle it stores the youngest (largest id) member in victim and returns
// true. Vertices are visited in ascending id order and each adjacency list
// is scanned in ascending order, so victim selection is reproducible.
func (lm *LockManager) HasCycle(victim *TxnID) bool {
	lm.waitsMu.Lock()
	defer lm.waitsMu.Unlock()
	return lm.hasCycleLocked(victim)
}

func (lm *LockManager) hasCycleLocked(victim *TxnID) bool {
	vertices := make([]TxnID, 0, len(lm.waitsFor))
	for t := range lm.waitsFor {
		vertices = append(vertices, t)
	}
	sort.Slice(vertices, func(i, j int) bool { return vertices[i] < vertices[j] })
	for _, adj := range lm.waitsFor {
		sort.Slice(adj, func(i, j int) bool { return adj[i] < adj[j] })
	}

	onStack := make(map[TxnID]struct{})
	var path, cycle []TxnID
	var dfs func(t TxnID) bool
	dfs = func(t TxnID) bool {
		if _, ok := onStack[t]; ok {
			// The cycle is the tail of the path starting at t.
			for i := len(path) - 1; i >= 0; i-- {
				cycle = append(cycle, path[i])
				if path[i] == t {
					break
				}
			}
			return true
		}
		onStack[t] = struct{}{}
		path = append(path, t)
		for _, next := range lm.waitsFor[t] {
			if dfs(next) {
				return true
			}
		}
		delete(onStack, t)
		path = path[:len(path)-1]
		return false
	}

	for _, start := range vertices {
		clear(onStack)
		path = path[:0]
		if dfs(start) {
			youngest := InvalidTxnID
			for _, t := range cycle {
				if t > youngest {
					youngest = t
				}
			}
			*victim = youngest
			return true
		}
	}
	return false
}

// runCycleDetection is the detector goroutine body.
func (lm *LockManager) runCycleDetection() {
	defer lm.wg.Done()
	ticker := time.NewTicker(lm.opts.CycleDetectionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lm.stopCh:
			return
		case <-ticker.C:
			lm.detectOnce()
		}
	}
}

// detectOnce builds the wait-for graph, aborts victims until the graph is
// acyclic, then discards the scratch state.
func (lm *LockManager) detectOnce() {
	lm.buildWaitGraph()

	for {
		var victim TxnID
		lm.waitsMu.Lock()
		found := lm.hasCycleLocked(&victim)
		if !found {
			lm.waitsFor = make(map[TxnID][]TxnID)
			lm.txnWaitsTable = make(map[TxnID]TableOID)
			lm.txnWaitsRow = make(map[TxnID]page.RID)
			lm.waitsMu.Unlock()
			return
		}
		// Remove the victim's outgoing edges and every incoming edge.
		delete(lm.waitsFor, victim)
		for t, adj := range lm.waitsFor {
			filtered := adj[:0]
			for _, next := range adj {
				if next != victim {
					filtered = append(filtered, next)
				}
			}
			lm.waitsFor[t] = filtered
		}
		waitsTable, onTable := lm.txnWaitsTable[victim]
		waitsRow, onRow := lm.txnWaitsRow[victim]
		lm.waitsMu.Unlock()

		txn := lm.txns.Get(victim)
		if txn != nil {
			txn.SetState(Aborted)
		}
		lm.metrics.inc(lm.metrics.deadlocks)
		lm.logger.Info("deadlock detected, aborting youngest transaction",
			zap.Int64("txn_id", int64(victim)))

		if onTable {
			if q := lm.tableQueue(waitsTable); q != nil {
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			}
		}
		if onRow {
			if q := lm.rowQueue(waitsRow); q != nil {
				q.mu.Lock()
				q.cond.Broadcast()
				q.mu.Unlock()
			}
		}
	}
}

// buildWaitGraph scans every queue, adding an edge from each waiter to each
// earlier granted holder whose mode is incompatible with it, and remembers
// which resource each waiter blocks on so its queue can be signalled.
func (lm *LockManager) buildWaitGraph() {
	lm.tableMu.Lock()
	tableQueues := make(map[TableOID]*requestQueue, len(lm.tableLocks))
	for oid, q := range lm.tableLocks {
		tableQueues[oid] = q
	}
	lm.tableMu.Unlock()

	for oid, q := range tableQueues {
		q.mu.Lock()
		for e := q.requests.Front(); e != nil; e = e.Next() {
			waiter := e.Value.(*lockRequest)
			if waiter.granted {
				continue
			}
			lm.waitsMu.Lock()
			lm.txnWaitsTable[waiter.txnID] = oid
			lm.waitsMu.Unlock()
			for g := q.requests.Front(); g != nil; g = g.Next() {
				holder := g.Value.(*lockRequest)
				if holder.granted && !compatible(waiter.mode, holder.mode) {
					lm.AddEdge(waiter.txnID, holder.txnID)
				}
			}
		}
		q.mu.Unlock()
	}

	lm.rowMu.Lock()
	rowQueues := make(map[page.RID]*requestQueue, len(lm.rowLocks))
	for rid, q := range lm.rowLocks {
		rowQueues[rid] = q
	}
	lm.rowMu.Unlock()

	for rid, q := range rowQueues {
		q.mu.Lock()
		for e := q.requests.Front(); e != nil; e = e.Next() {
			waiter := e.Value.(*lockRequest)
			if waiter.granted {
				continue
			}
			lm.waitsMu.Lock()
			lm.txnWaitsRow[waiter.txnID] = rid
			lm.waitsMu.Unlock()
			for g := q.requests.Front(); g != nil; g = g.Next() {
				holder := g.Value.(*lockRequest)
				if holder.granted && !compatible(waiter.mode, holder.mode) {
					lm.AddEdge(waiter.txnID, holder.txnID)
				}
			}
		}
		q.mu.Unlock()
	}
}
