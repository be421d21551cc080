// Package merkle builds keccak256 binary Merkle trees over 256-bit words and
// produces inclusion proofs that fold the same way the bulk registration
// verifier does.
package merkle

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

var (
	// ErrEmptyTree is returned when a tree is requested over zero leaves.
	ErrEmptyTree = errors.New("merkle: no leaves")
	// ErrIndexOutOfRange is returned when a proof is requested for a leaf that
	// does not exist.
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
)

// Side identifies which side of the path node a proof sibling occupies.
type Side uint8

const (
	// SiblingLeft means the sibling hash is concatenated before the running hash.
	SiblingLeft Side = iota
	// SiblingRight means the sibling hash is concatenated after the running hash.
	SiblingRight
)

func (s Side) String() string {
	if s == SiblingLeft {
		return "l"
	}
	return "r"
}

// Step is a single proof element.
type Step struct {
	Side Side        `json:"side"`
	Hash common.Hash `json:"hash"`
}

// Proof is an ordered list of siblings from the leaf up to the root.
type Proof []Step

// Index re-derives the position of the proven leaf from the sibling sides.
func (p Proof) Index() uint64 {
	var index uint64
	for i, step := range p {
		if step.Side == SiblingLeft {
			index |= 1 << uint(i)
		}
	}
	return index
}

// Tree keeps every level of the tree, leaves first.
type Tree struct {
	layers [][]common.Hash
}

// LeafHash hashes a value as a 32-byte big-endian word.
func LeafHash(value *uint256.Int) common.Hash {
	word := value.Bytes32()
	return ethcrypto.Keccak256Hash(word[:])
}

// HashPair hashes two nodes concatenated left to right.
func HashPair(left, right common.Hash) common.Hash {
	return ethcrypto.Keccak256Hash(left[:], right[:])
}

// Build hashes the provided values in order and folds them into a tree. An odd
// trailing node at any level is paired with the zero word.
func Build(values []*uint256.Int) (*Tree, error) {
	if len(values) == 0 {
		return nil, ErrEmptyTree
	}
	level := make([]common.Hash, len(values))
	for i, v := range values {
		if v == nil {
			v = new(uint256.Int)
		}
		level[i] = LeafHash(v)
	}
	layers := [][]common.Hash{level}
	for len(level) > 1 {
		next := make([]common.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			right := common.Hash{}
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, HashPair(level[i], right))
		}
		layers = append(layers, next)
		level = next
	}
	return &Tree{layers: layers}, nil
}

// Root returns the tree root. A single leaf tree has the leaf hash as root.
func (t *Tree) Root() common.Hash {
	if t == nil || len(t.layers) == 0 {
		return common.Hash{}
	}
	top := t.layers[len(t.layers)-1]
	return top[0]
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	if t == nil || len(t.layers) == 0 {
		return 0
	}
	return len(t.layers[0])
}

// Height returns the number of proof steps for any leaf.
func (t *Tree) Height() int {
	if t == nil || len(t.layers) == 0 {
		return 0
	}
	return len(t.layers) - 1
}

// Prove returns the inclusion proof for the leaf at index.
func (t *Tree) Prove(index int) (Proof, error) {
	if index < 0 || index >= t.Len() {
		return nil, fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, t.Len())
	}
	proof := make(Proof, 0, t.Height())
	pos := index
	for _, level := range t.layers[:len(t.layers)-1] {
		if pos%2 == 0 {
			sibling := common.Hash{}
			if pos+1 < len(level) {
				sibling = level[pos+1]
			}
			proof = append(proof, Step{Side: SiblingRight, Hash: sibling})
		} else {
			proof = append(proof, Step{Side: SiblingLeft, Hash: level[pos-1]})
		}
		pos /= 2
	}
	return proof, nil
}

// RootFromProof folds the proof over the hashed value.
func RootFromProof(proof Proof, value *uint256.Int) common.Hash {
	if value == nil {
		value = new(uint256.Int)
	}
	hash := LeafHash(value)
	for _, step := range proof {
		if step.Side == SiblingLeft {
			hash = HashPair(step.Hash, hash)
		} else {
			hash = HashPair(hash, step.Hash)
		}
	}
	return hash
}

// Verify reports whether proof links value to root.
func Verify(proof Proof, value *uint256.Int, root common.Hash) bool {
	return RootFromProof(proof, value) == root
}

// AddressValue converts an address to the word used as its leaf value.
func AddressValue(addr common.Address) *uint256.Int {
	return new(uint256.Int).SetBytes(addr.Bytes())
}

// BuildAddresses builds a tree whose leaves are the given addresses.
func BuildAddresses(addrs []common.Address) (*Tree, error) {
	values := make([]*uint256.Int, len(addrs))
	for i, addr := range addrs {
		values[i] = AddressValue(addr)
	}
	return Build(values)
}
