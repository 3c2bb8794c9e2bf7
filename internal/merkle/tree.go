// Package merkle builds the claim tree whose root is published on-chain.
//
// Leaves are keccak256(predictionTag || address || uint256 amount), matching
// Solidity's abi.encodePacked(bytes32, address, uint256). Interior nodes hash
// their two children in ascending byte order, so proofs carry no left/right
// flags and verify with OpenZeppelin's MerkleProof.
package merkle

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidAddress = errors.New("invalid EVM address")
	ErrLeafNotFound   = errors.New("leaf not in tree")
	ErrNegativeAmount = errors.New("claim amount must be non-negative")
)

// Hash is a 32-byte keccak256 digest.
type Hash [32]byte

func (h Hash) Hex() string {
	return "0x" + hex.EncodeToString(h[:])
}

// ParseHash decodes a 0x-prefixed 32-byte hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != len(h) {
		return h, fmt.Errorf("invalid hash %q", s)
	}
	copy(h[:], b)
	return h, nil
}

// Claim is one winner's claimable amount before hashing.
type Claim struct {
	UserID      uuid.UUID
	Address     string
	AmountUnits int64
}

// Leaf is a hashed, address-unique claim.
type Leaf struct {
	PredictionID uuid.UUID `json:"prediction_id"`
	Address      string    `json:"address"`
	AmountUnits  int64     `json:"amount_units"`
	Hash         Hash      `json:"-"`
	HashHex      string    `json:"hash"`
}

// Tree holds every level from sorted leaves (layers[0]) up to the root.
type Tree struct {
	layers [][]Hash
	root   Hash
}

func keccak(parts ...[]byte) Hash {
	k := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		k.Write(p)
	}
	var h Hash
	copy(h[:], k.Sum(nil))
	return h
}

// PredictionTag binds leaves to one market: the UUID's 16 bytes followed by
// 16 zero bytes, i.e. its dash-free hex right-padded to bytes32.
func PredictionTag(predictionID uuid.UUID) [32]byte {
	var tag [32]byte
	copy(tag[:16], predictionID[:])
	return tag
}

func parseAddress(addr string) ([20]byte, error) {
	var out [20]byte
	s := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	copy(out[:], b)
	return out, nil
}

// ValidAddress reports whether addr is a 20-byte hex address.
func ValidAddress(addr string) bool {
	_, err := parseAddress(addr)
	return err == nil
}

// HashLeaf computes keccak256(abi.encodePacked(bytes32 tag, address, uint256 amount)).
func HashLeaf(predictionID uuid.UUID, address string, amountUnits int64) (Hash, error) {
	if amountUnits < 0 {
		return Hash{}, ErrNegativeAmount
	}
	addr, err := parseAddress(address)
	if err != nil {
		return Hash{}, err
	}
	tag := PredictionTag(predictionID)
	var amount [32]byte
	big.NewInt(amountUnits).FillBytes(amount[:])
	return keccak(tag[:], addr[:], amount[:]), nil
}

// HashPair hashes two nodes in ascending byte order.
func HashPair(a, b Hash) Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return keccak(a[:], b[:])
}

// BuildLeaves de-duplicates claims by address (summing amounts), drops
// zero amounts and hashes each remaining claim.
func BuildLeaves(predictionID uuid.UUID, claims []Claim) ([]Leaf, error) {
	byAddr := make(map[string]int64)
	var order []string
	for _, c := range claims {
		if c.AmountUnits < 0 {
			return nil, fmt.Errorf("%w: %s", ErrNegativeAmount, c.Address)
		}
		if _, err := parseAddress(c.Address); err != nil {
			return nil, err
		}
		key := strings.ToLower(c.Address)
		if _, seen := byAddr[key]; !seen {
			order = append(order, key)
		}
		byAddr[key] += c.AmountUnits
	}

	leaves := make([]Leaf, 0, len(order))
	for _, addr := range order {
		amount := byAddr[addr]
		if amount == 0 {
			continue
		}
		h, err := HashLeaf(predictionID, addr, amount)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, Leaf{
			PredictionID: predictionID,
			Address:      addr,
			AmountUnits:  amount,
			Hash:         h,
			HashHex:      h.Hex(),
		})
	}
	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i].Hash[:], leaves[j].Hash[:]) < 0
	})
	return leaves, nil
}

// NewTree builds a tree from leaf hashes. Duplicate hashes collapse.
// An empty input yields keccak256("") as the root.
func NewTree(hashes []Hash) *Tree {
	level := append([]Hash(nil), hashes...)
	sort.Slice(level, func(i, j int) bool {
		return bytes.Compare(level[i][:], level[j][:]) < 0
	})
	level = unique(level)

	if len(level) == 0 {
		return &Tree{root: keccak()}
	}

	layers := [][]Hash{level}
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, HashPair(level[i], level[i+1]))
			} else {
				next = append(next, level[i]) // carried up unchanged
			}
		}
		layers = append(layers, next)
		level = next
	}

	return &Tree{layers: layers, root: level[0]}
}

func unique(sorted []Hash) []Hash {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, h := range sorted[1:] {
		if h != out[len(out)-1] {
			out = append(out, h)
		}
	}
	return out
}

// Root returns the tree root.
func (t *Tree) Root() Hash {
	return t.root
}

// LeafCount returns the number of unique leaves.
func (t *Tree) LeafCount() int {
	if len(t.layers) == 0 {
		return 0
	}
	return len(t.layers[0])
}

// Proof returns the sibling hashes from leaf level to root. Levels where the
// node was carried up without a sibling contribute nothing.
func (t *Tree) Proof(leaf Hash) ([]Hash, error) {
	if len(t.layers) == 0 {
		return []Hash{}, ErrLeafNotFound
	}
	leaves := t.layers[0]
	idx := sort.Search(len(leaves), func(i int) bool {
		return bytes.Compare(leaves[i][:], leaf[:]) >= 0
	})
	if idx == len(leaves) || leaves[idx] != leaf {
		return nil, ErrLeafNotFound
	}

	proof := []Hash{}
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := idx ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a leaf and its proof.
func Verify(root, leaf Hash, proof []Hash) bool {
	computed := leaf
	for _, sibling := range proof {
		computed = HashPair(computed, sibling)
	}
	return computed == root
}

// Build hashes claims into leaves and constructs the tree over them.
func Build(predictionID uuid.UUID, claims []Claim) (*Tree, []Leaf, error) {
	leaves, err := BuildLeaves(predictionID, claims)
	if err != nil {
		return nil, nil, err
	}
	hashes := make([]Hash, len(leaves))
	for i, l := range leaves {
		hashes[i] = l.Hash
	}
	return NewTree(hashes), leaves, nil
}
