package raftsim

import (
	"fmt"
	"sync"

	"github.com/raftkv/consensus-store/pkg/kv"
	"github.com/raftkv/consensus-store/pkg/raft"
)

// CommittedEntry is one node's view of a committed log entry, recorded
// for cross-node comparison.
type CommittedEntry struct {
	Index   uint64
	Term    uint64
	Command raft.Command
	NodeID  string
}

// Violation describes a safety property that did not hold.
type Violation struct {
	Property    string
	Description string
}

// InvariantChecker accumulates committed entries from every node in a
// cluster and checks the properties that must hold no matter how the
// nodes interleaved: every node agrees on what was committed at a
// given index (log matching), each node's committed entries appear in
// increasing index order, and terms never decrease as indices
// increase. Each check looks at the entries gathered by the latest
// CollectFromNodes call; nothing is compared across calls.
type InvariantChecker struct {
	mu              sync.Mutex
	committedByNode map[string][]CommittedEntry
}

func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{committedByNode: make(map[string][]CommittedEntry)}
}

// CollectFromNodes snapshots every node's committed log entries.
func (ic *InvariantChecker) CollectFromNodes(nodes []*raft.Node) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	for _, node := range nodes {
		nodeID := node.GetID()
		commitIndex := node.GetCommitIndex()
		ic.committedByNode[nodeID] = ic.committedByNode[nodeID][:0]
		for _, entry := range node.GetLog() {
			if entry.Index > 0 && entry.Index <= commitIndex {
				ic.committedByNode[nodeID] = append(ic.committedByNode[nodeID], CommittedEntry{
					Index: entry.Index, Term: entry.Term, Command: entry.Command, NodeID: nodeID,
				})
			}
		}
	}
}

// Check runs every safety property and returns every violation found,
// so a caller can report all of them at once instead of stopping at
// the first.
func (ic *InvariantChecker) Check() []Violation {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	var violations []Violation
	violations = append(violations, ic.checkLogMatching()...)
	violations = append(violations, ic.checkMonotonicCommit()...)
	violations = append(violations, ic.checkTermMonotonic()...)
	return violations
}

// checkLogMatching is the Raft log matching property applied to
// already-committed entries: if two nodes committed the same index,
// they must have committed the same term and (for SET) the same
// key/value.
func (ic *InvariantChecker) checkLogMatching() []Violation {
	byIndex := make(map[uint64]map[string]CommittedEntry)
	for nodeID, entries := range ic.committedByNode {
		for _, entry := range entries {
			if byIndex[entry.Index] == nil {
				byIndex[entry.Index] = make(map[string]CommittedEntry)
			}
			byIndex[entry.Index][nodeID] = entry
		}
	}

	var violations []Violation
	for index, byNode := range byIndex {
		var ref *CommittedEntry
		var refNode string
		for nodeID, entry := range byNode {
			entry := entry
			if ref == nil {
				ref, refNode = &entry, nodeID
				continue
			}
			if entry.Term != ref.Term {
				violations = append(violations, Violation{
					Property: "log-matching",
					Description: fmt.Sprintf("index %d: %s committed term %d, %s committed term %d",
						index, refNode, ref.Term, nodeID, entry.Term),
				})
			}
			if entry.Command.Type == raft.CommandSet && ref.Command.Type == raft.CommandSet &&
				(entry.Command.Key != ref.Command.Key || entry.Command.Value != ref.Command.Value) {
				violations = append(violations, Violation{
					Property: "log-matching",
					Description: fmt.Sprintf("index %d: %s committed %s=%s, %s committed %s=%s",
						index, refNode, ref.Command.Key, ref.Command.Value,
						nodeID, entry.Command.Key, entry.Command.Value),
				})
			}
		}
	}
	return violations
}

func (ic *InvariantChecker) checkMonotonicCommit() []Violation {
	var violations []Violation
	for nodeID, entries := range ic.committedByNode {
		var lastIndex uint64
		for _, entry := range entries {
			if entry.Index < lastIndex {
				violations = append(violations, Violation{
					Property:    "monotonic-commit",
					Description: fmt.Sprintf("%s committed index %d after index %d", nodeID, entry.Index, lastIndex),
				})
			}
			lastIndex = entry.Index
		}
	}
	return violations
}

func (ic *InvariantChecker) checkTermMonotonic() []Violation {
	var violations []Violation
	for nodeID, entries := range ic.committedByNode {
		for i := 1; i < len(entries); i++ {
			prev, curr := entries[i-1], entries[i]
			if curr.Index > prev.Index && curr.Term < prev.Term {
				violations = append(violations, Violation{
					Property: "term-monotonic",
					Description: fmt.Sprintf("%s: term %d at index %d precedes term %d at index %d",
						nodeID, prev.Term, prev.Index, curr.Term, curr.Index),
				})
			}
		}
	}
	return violations
}

// CompareStateMachines reports any divergence in final key-value state
// across stores that should have converged.
func CompareStateMachines(stores []*kv.Store) []string {
	if len(stores) == 0 {
		return nil
	}

	var diffs []string
	ref := stores[0].GetSnapshot()

	for i := 1; i < len(stores); i++ {
		state := stores[i].GetSnapshot()
		for key, refValue := range ref {
			if value, ok := state[key]; !ok {
				diffs = append(diffs, fmt.Sprintf("store %d missing key %s (expected %s)", i, key, refValue))
			} else if value != refValue {
				diffs = append(diffs, fmt.Sprintf("store %d has %s=%s, expected %s", i, key, value, refValue))
			}
		}
		for key, value := range state {
			if _, ok := ref[key]; !ok {
				diffs = append(diffs, fmt.Sprintf("store %d has unexpected key %s=%s", i, key, value))
			}
		}
	}
	return diffs
}
