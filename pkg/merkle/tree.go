package merkle

import (
	"github.com/Mindburn-Labs/helm-ledger/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-ledger/pkg/integrity"
)

// Tree holds every level of a built tree, leaves first.
type Tree struct {
	Levels [][]string
	Root   string
}

// LeafCount returns the number of leaf hashes the tree was built from.
func (t *Tree) LeafCount() int {
	if len(t.Levels) == 0 {
		return 0
	}
	return len(t.Levels[0])
}

// Build constructs the tree bottom-up from ordered leaf hashes, pairing
// left to right and duplicating the last hash of an odd level.
func Build(leafHashes []string) (*Tree, error) {
	if len(leafHashes) == 0 {
		return nil, integrity.New(integrity.KindEmptyLedger, "merkle.build", "no leaves")
	}

	level := make([]string, len(leafHashes))
	copy(level, leafHashes)

	tree := &Tree{}
	for len(level) > 1 {
		tree.Levels = append(tree.Levels, level)
		level = buildNextLevel(level)
	}
	tree.Levels = append(tree.Levels, level)
	tree.Root = level[0]
	return tree, nil
}

// Root is Build(leafHashes).Root.
func Root(leafHashes []string) (string, error) {
	t, err := Build(leafHashes)
	if err != nil {
		return "", err
	}
	return t.Root, nil
}

// Proof returns the audit path for the 1-based leafIndex.
func (t *Tree) Proof(leafIndex int) ([]ProofStep, error) {
	n := t.LeafCount()
	if leafIndex < 1 || leafIndex > n {
		return nil, integrity.New(integrity.KindOutOfRange, "merkle.proof", "leaf_index %d outside 1..%d", leafIndex, n)
	}

	path := []ProofStep{}
	pos := leafIndex - 1
	for _, level := range t.Levels[:len(t.Levels)-1] {
		if pos%2 == 0 {
			sibling := level[len(level)-1]
			if pos+1 < len(level) {
				sibling = level[pos+1]
			}
			path = append(path, ProofStep{Direction: DirectionRight, SiblingHash: sibling})
		} else {
			path = append(path, ProofStep{Direction: DirectionLeft, SiblingHash: level[pos-1]})
		}
		pos /= 2
	}
	return path, nil
}

func buildNextLevel(hashes []string) []string {
	count := len(hashes)
	if count%2 != 0 {
		hashes = append(hashes[:count:count], hashes[count-1]) // Duplicate last
		count++
	}

	nextLevel := make([]string, count/2)
	for i := 0; i < count; i += 2 {
		nextLevel[i/2] = NodeHash(hashes[i], hashes[i+1])
	}
	return nextLevel
}

// NodeHash is SHA-256 over the concatenated lowercase hex of both children.
func NodeHash(left, right string) string {
	return canonicalize.HashBytes([]byte(left + right))
}
