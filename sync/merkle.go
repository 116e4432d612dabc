package sync

import (
    "sort"

    . "github.com/PelionIoT/servicedir/data"
    . "github.com/PelionIoT/servicedir/error"
)

// MerkleLeaf is the wire form of one leaf. A peer that receives the full
// sorted leaf list rebuilds a structurally identical tree and can run the
// difference walk locally.
type MerkleLeaf struct {
    EntityID string `json:"entity_id"`
    Hash string `json:"hash"`
}

type merkleNode struct {
    hash Hash
    entityID string
    left *merkleNode
    right *merkleNode
}

func (node *merkleNode) isLeaf() bool {
    return node.left == nil && node.right == nil
}

// MerkleTree is a binary hash tree over a snapshot of registry entries,
// sorted by entity id so two trees over the same logical state are
// structurally identical and share a root hash.
type MerkleTree struct {
    root *merkleNode
    leaves []*merkleNode
}

func NewMerkleTree(entries []*RegistryEntry) *MerkleTree {
    sorted := make([]*RegistryEntry, len(entries))
    copy(sorted, entries)

    sort.Slice(sorted, func(i, j int) bool {
        return sorted[i].EntityID < sorted[j].EntityID
    })

    leaves := make([]*merkleNode, 0, len(sorted))

    for _, entry := range sorted {
        leaves = append(leaves, &merkleNode{
            hash: entry.LeafHash(),
            entityID: entry.EntityID,
        })
    }

    return buildFromLeaves(leaves)
}

// NewMerkleTreeFromLeaves rebuilds a tree from a peer's serialized leaf
// list. The list must be sorted and unique by entity id or the rebuilt
// tree would not be comparable with a locally built one.
func NewMerkleTreeFromLeaves(wireLeaves []MerkleLeaf) (*MerkleTree, error) {
    leaves := make([]*merkleNode, 0, len(wireLeaves))

    for i, wireLeaf := range wireLeaves {
        if len(wireLeaf.EntityID) == 0 {
            return nil, EMerkleLeaves
        }

        if i > 0 && wireLeaves[i - 1].EntityID >= wireLeaf.EntityID {
            return nil, EMerkleLeaves
        }

        hash, err := ParseHash(wireLeaf.Hash)

        if err != nil {
            return nil, EMerkleLeaves
        }

        leaves = append(leaves, &merkleNode{
            hash: hash,
            entityID: wireLeaf.EntityID,
        })
    }

    return buildFromLeaves(leaves), nil
}

func buildFromLeaves(leaves []*merkleNode) *MerkleTree {
    tree := &MerkleTree{
        leaves: leaves,
    }

    if len(leaves) == 0 {
        return tree
    }

    level := leaves

    for len(level) > 1 {
        nextLevel := make([]*merkleNode, 0, (len(level) + 1) / 2)

        for i := 0; i + 1 < len(level); i += 2 {
            nextLevel = append(nextLevel, &merkleNode{
                hash: combineHashes(level[i].hash, level[i + 1].hash),
                left: level[i],
                right: level[i + 1],
            })
        }

        // an unpaired trailing node moves up unchanged
        if len(level) % 2 == 1 {
            nextLevel = append(nextLevel, level[len(level) - 1])
        }

        level = nextLevel
    }

    tree.root = level[0]

    return tree
}

func combineHashes(left Hash, right Hash) Hash {
    leftBytes := left.Bytes()
    rightBytes := right.Bytes()

    combined := make([]byte, 0, HASH_SIZE_BYTES * 2)
    combined = append(combined, leftBytes[:]...)
    combined = append(combined, rightBytes[:]...)

    return NewHash(combined)
}

// RootHash is the zero hash for an empty tree.
func (tree *MerkleTree) RootHash() Hash {
    if tree.root == nil {
        return Hash{}
    }

    return tree.root.hash
}

func (tree *MerkleTree) LeafCount() int {
    return len(tree.leaves)
}

func (tree *MerkleTree) Leaves() []MerkleLeaf {
    wireLeaves := make([]MerkleLeaf, 0, len(tree.leaves))

    for _, leaf := range tree.leaves {
        wireLeaves = append(wireLeaves, MerkleLeaf{
            EntityID: leaf.entityID,
            Hash: leaf.hash.Hex(),
        })
    }

    return wireLeaves
}

// FindDifferences returns the sorted entity ids whose per-entry state
// differs between the two trees. Matching subtree hashes prune the walk so
// the cost is proportional to the number of real differences plus the tree
// depth. When the two leaf sets differ in membership the walk compares
// shifted subtrees and can sweep in entities that actually agree, so every
// candidate is checked against both leaf indexes before it is reported.
func (tree *MerkleTree) FindDifferences(otherTree *MerkleTree) []string {
    candidates := make(map[string]bool)

    collectDifferences(tree.root, otherTree.root, candidates)

    localIndex := tree.leafIndex()
    otherIndex := otherTree.leafIndex()

    differences := make([]string, 0, len(candidates))

    for entityID := range candidates {
        localHash, localOK := localIndex[entityID]
        otherHash, otherOK := otherIndex[entityID]

        if localOK && otherOK && localHash == otherHash {
            continue
        }

        differences = append(differences, entityID)
    }

    sort.Strings(differences)

    return differences
}

func (tree *MerkleTree) leafIndex() map[string]Hash {
    index := make(map[string]Hash, len(tree.leaves))

    for _, leaf := range tree.leaves {
        index[leaf.entityID] = leaf.hash
    }

    return index
}

func collectDifferences(node *merkleNode, otherNode *merkleNode, differences map[string]bool) {
    if node == nil && otherNode == nil {
        return
    }

    if node == nil {
        collectLeaves(otherNode, differences)

        return
    }

    if otherNode == nil {
        collectLeaves(node, differences)

        return
    }

    if node.hash == otherNode.hash {
        return
    }

    if node.isLeaf() && otherNode.isLeaf() {
        differences[node.entityID] = true
        differences[otherNode.entityID] = true

        return
    }

    if node.isLeaf() || otherNode.isLeaf() {
        collectLeaves(node, differences)
        collectLeaves(otherNode, differences)

        return
    }

    collectDifferences(node.left, otherNode.left, differences)
    collectDifferences(node.right, otherNode.right, differences)
}

func collectLeaves(node *merkleNode, differences map[string]bool) {
    if node == nil {
        return
    }

    if node.isLeaf() {
        differences[node.entityID] = true

        return
    }

    collectLeaves(node.left, differences)
    collectLeaves(node.right, differences)
}
