package frontier

import (
	"fmt"

	"github.com/xlab/treeprint"
)

// Dump renders the bridge and checkpoint layout of the tree for debugging.
func (t *BridgeTree) Dump() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	tree := treeprint.New()
	size := uint64(0)
	if t.current != nil {
		size = uint64(t.current.frontier.position) + 1
	}
	tree.SetValue(fmt.Sprintf("%s tree size=%d root=%x", t.domain.name, size, t.rootLocked().Bytes()[:8]))

	bridges := tree.AddBranch(fmt.Sprintf("bridges (%d prior)", len(t.priorBridges)))
	for i, br := range t.priorBridges {
		dumpBridge(bridges, fmt.Sprintf("#%d", i), br)
	}
	if t.current != nil {
		dumpBridge(bridges, "current", t.current)
	}

	marks := tree.AddBranch(fmt.Sprintf("marks (%d)", len(t.saved)))
	for _, p := range t.markedLocked() {
		marks.AddNode(fmt.Sprintf("pos=%d bridge=#%d", p, t.saved[p]))
	}

	cps := tree.AddBranch(fmt.Sprintf("checkpoints (%d/%d)", len(t.checkpoints), t.maxCheckpoints))
	for _, cp := range t.checkpoints {
		cps.AddNode(fmt.Sprintf("id=%d bridges=%d marked=%d forgotten=%d", cp.ID, cp.BridgesLen, len(cp.Marked), len(cp.Forgotten)))
	}
	return tree.String()
}

func dumpBridge(parent treeprint.Tree, label string, br *MerkleBridge) {
	prior := "-"
	if br.hasPrior {
		prior = fmt.Sprintf("%d", br.priorPosition)
	}
	node := parent.AddBranch(fmt.Sprintf("%s prior=%s tip=%d", label, prior, br.frontier.position))
	for _, a := range sortedAddresses(br.tracking) {
		node.AddNode(fmt.Sprintf("tracking %s", a))
	}
	for _, a := range sortedAddresses(br.ommers) {
		h := br.ommers[a]
		node.AddNode(fmt.Sprintf("ommer %s %x", a, h[:4]))
	}
}
