package merkletree

import (
	"crypto/sha256"
	"errors"
	"math/bits"
)

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

func hashLeaf(val []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte{leafPrefix})
	h.Write(val)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func hashNode(left, right [32]byte) [32]byte {
	buf := make([]byte, 0, 1+2*len(left))
	buf = append(buf, nodePrefix)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return sha256.Sum256(buf)
}

// Depth returns the branch length for a tree with the given number of leaves.
func Depth(leaves int) int {
	if leaves <= 1 {
		return 0
	}
	return bits.Len(uint(leaves - 1))
}

// MakeMerkleTree stores the tree in an array, mt[1] is the root
// and mt[bottomrow+i] the i-th leaf.
func MakeMerkleTree(shards [][]byte) ([][32]byte, error) {
	n := len(shards)
	if n < 1 {
		return nil, errors.New("too few shards")
	}
	bottomrow := 1 << Depth(n)
	mt := make([][32]byte, 2*bottomrow)

	for i := 0; i < n; i++ {
		mt[bottomrow+i] = hashLeaf(shards[i])
	}

	for i := bottomrow - 1; i > 0; i-- {
		mt[i] = hashNode(mt[i*2], mt[i*2+1])
	}

	return mt, nil
}

func RootHash(mt [][32]byte) [32]byte {
	return mt[1]
}

func GetMerkleBranch(index int, mt [][32]byte) [][32]byte {
	var res [][32]byte
	t := index + (len(mt) >> 1)
	for t > 1 {
		res = append(res, mt[t^1])
		t /= 2
	}
	return res
}

func MerkleTreeVerify(val []byte, rootHash [32]byte, branch [][32]byte, index int) bool {
	if index < 0 || index >= 1<<len(branch) {
		return false
	}
	tmp := hashLeaf(val)
	tIndex := index

	for _, br := range branch {
		if tIndex&1 == 1 {
			tmp = hashNode(br, tmp)
		} else {
			tmp = hashNode(tmp, br)
		}
		tIndex >>= 1
	}

	return tmp == rootHash
}
