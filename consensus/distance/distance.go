// Package distance implements the deterministic fork-choice rule.
//
// Every validator address sits at a fixed point of a 160-bit ring. A block
// hash projects onto the same ring through its low 160 bits, and the
// validator closest to the parent hash is the preferred proposer for the
// next height. Summing these per-link distances over a chain suffix yields a
// total order over competing forks of equal length: the smaller sum wins,
// with the lexicographically smaller tip hash breaking exact ties.
package distance

import (
	"errors"

	"github.com/holiman/uint256"

	"github.com/bywise/go-bywise/common"
	"github.com/bywise/go-bywise/crypto/bwsaddr"
)

var (
	// ErrLengthMismatch is returned when a chain's hash and proposer
	// sequences do not align.
	ErrLengthMismatch = errors.New("distance: hash and proposer count mismatch")

	// ErrEmptyChain is returned when comparing zero-length suffixes.
	ErrEmptyChain = errors.New("distance: empty chain suffix")
)

// low160 projects a 32-byte hash onto the 160-bit ring by taking its low
// 20 bytes.
func low160(h common.Hash) *uint256.Int {
	return new(uint256.Int).SetBytes(h[common.HashLength-common.KeyLength:])
}

func key160(k common.Key) *uint256.Int {
	return new(uint256.Int).SetBytes(k[:])
}

// Distance returns |low160(h) − key| as a 160-bit unsigned magnitude.
func Distance(h common.Hash, key common.Key) *uint256.Int {
	a, b := low160(h), key160(key)
	if a.Cmp(b) >= 0 {
		return a.Sub(a, b)
	}
	return b.Sub(b, a)
}

// DistanceAddress decodes a BWS address and returns its distance from h.
func DistanceAddress(h common.Hash, address string) (*uint256.Int, error) {
	key, err := bwsaddr.DecodeKey(address)
	if err != nil {
		return nil, err
	}
	return Distance(h, key), nil
}

// CompareKeys returns the key closer to the reference hash; on an exact tie
// the numerically smaller key wins. This is the single-block collapse of the
// chain comparator: stateless leader election at one height.
func CompareKeys(h common.Hash, a, b common.Key) common.Key {
	da, db := Distance(h, a), Distance(h, b)
	switch da.Cmp(db) {
	case -1:
		return a
	case 1:
		return b
	}
	if key160(a).Cmp(key160(b)) <= 0 {
		return a
	}
	return b
}

// CompareAddress returns whichever of two proposer addresses is preferred at
// the reference hash.
func CompareAddress(h common.Hash, addrA, addrB string) (string, error) {
	ka, err := bwsaddr.DecodeKey(addrA)
	if err != nil {
		return "", err
	}
	kb, err := bwsaddr.DecodeKey(addrB)
	if err != nil {
		return "", err
	}
	if CompareKeys(h, ka, kb) == ka {
		return addrA, nil
	}
	return addrB, nil
}

// ChainDistance sums Distance(parentHash[i], proposer[i]) over a chain
// suffix. parentHashes[i] is the hash each proposer extended.
func ChainDistance(parentHashes []common.Hash, proposers []string) (*uint256.Int, error) {
	if len(parentHashes) != len(proposers) {
		return nil, ErrLengthMismatch
	}
	sum := new(uint256.Int)
	for i, h := range parentHashes {
		d, err := DistanceAddress(h, proposers[i])
		if err != nil {
			return nil, err
		}
		sum.Add(sum, d)
	}
	return sum, nil
}

// Link is one step of a chain suffix fed to CompareChains.
type Link struct {
	ParentHash common.Hash // hash of the block being extended
	Proposer   string      // address that proposed the extending block
	Hash       common.Hash // hash of the extending block
}

// CompareChains decides between two suffixes of equal length. It returns
// true when chain a wins. Ties on total distance resolve by the smaller tip
// hash; identical tips leave a winning for determinism.
func CompareChains(a, b []Link) (bool, error) {
	if len(a) == 0 || len(b) == 0 {
		return false, ErrEmptyChain
	}
	if len(a) != len(b) {
		// Longer suffixes never reach the comparator; the caller prefers
		// length first.
		return len(a) > len(b), nil
	}
	sumA, err := sumLinks(a)
	if err != nil {
		return false, err
	}
	sumB, err := sumLinks(b)
	if err != nil {
		return false, err
	}
	switch sumA.Cmp(sumB) {
	case -1:
		return true, nil
	case 1:
		return false, nil
	}
	return a[len(a)-1].Hash.Cmp(b[len(b)-1].Hash) <= 0, nil
}

func sumLinks(links []Link) (*uint256.Int, error) {
	sum := new(uint256.Int)
	for _, l := range links {
		d, err := DistanceAddress(l.ParentHash, l.Proposer)
		if err != nil {
			return nil, err
		}
		sum.Add(sum, d)
	}
	return sum, nil
}
