package telemetry

import (
	"math"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// maxTarget is the difficulty-1 target, 0x00000000FFFF0000...0000.
var maxTarget = new(big.Int).Lsh(big.NewInt(0xFFFF), 208)

// DifficultyToTarget converts a share difficulty into the target a hash must not exceed.
// Non-positive or non-finite difficulties map to the difficulty-1 target.
func DifficultyToTarget(difficulty float64) *big.Int {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return new(big.Int).Set(maxTarget)
	}

	q := new(big.Float).SetPrec(256).SetInt(maxTarget)
	q.Quo(q, big.NewFloat(difficulty))
	target, _ := q.Int(nil)
	return target
}

// HashMeetsTarget reports whether hash, read as a little-endian number, is at or below target.
func HashMeetsTarget(hash *chainhash.Hash, target *big.Int) bool {
	var be [chainhash.HashSize]byte
	for i := range chainhash.HashSize {
		be[i] = hash[chainhash.HashSize-1-i]
	}
	return new(big.Int).SetBytes(be[:]).Cmp(target) <= 0
}
