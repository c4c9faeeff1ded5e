package merkle

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestProperty_ProofsReproduceRoot(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("every audit path folds to the root", prop.ForAll(
		func(n, pick int) bool {
			leaves := hashes(n)
			tree, err := Build(leaves)
			if err != nil {
				return false
			}
			idx := pick%n + 1
			path, err := tree.Proof(idx)
			if err != nil {
				return false
			}
			return VerifyInclusionProof(InclusionProof{
				LeafIndex:  idx,
				LeafHash:   leaves[idx-1],
				MerkleRoot: tree.Root,
				AuditPath:  path,
			}, tree.Root)
		},
		gen.IntRange(1, 64),
		gen.IntRange(0, 1000),
	))

	properties.Property("appending a leaf changes the root", prop.ForAll(
		func(n int) bool {
			a, _ := Root(hashes(n))
			b, _ := Root(hashes(n + 1))
			return a != b
		},
		gen.IntRange(1, 64),
	))

	properties.TestingRun(t)
}
