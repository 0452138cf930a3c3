package gateway

import (
	"crypto/rand"
	"encoding/hex"
	mathrand "math/rand/v2"
	"strconv"
	"strings"
	"time"
)

func randomHex(length int) string {
	if length <= 0 {
		return ""
	}

	buf := make([]byte, length)

	_, err := rand.Read(buf)
	if err != nil {
		return ""
	}

	return hex.EncodeToString(buf)
}

// randomDuration returns a duration uniformly drawn from [min, max).
func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}

	return min + time.Duration(mathrand.Int64N(int64(max-min)))
}

// returnRangeInt32 converts a string like 0-4,6-7 to [0,1,2,3,4,6,7],
// dropping values outside [0, max).
func returnRangeInt32(rangeString string, max int32) (result []int32) {
	splits := strings.Split(rangeString, ",")

	for _, split := range splits {
		ranges := strings.Split(split, "-")

		if len(ranges) == 1 {
			if i, err := strconv.Atoi(split); err == nil {
				if 0 <= i && int32(i) < max {
					result = append(result, int32(i))
				}
			}

			continue
		}

		if low, err := strconv.Atoi(ranges[0]); err == nil {
			if hi, err := strconv.Atoi(ranges[len(ranges)-1]); err == nil {
				for i := int32(low); i < int32(hi+1); i++ {
					if 0 <= i && i < max {
						result = append(result, i)
					}
				}
			}
		}
	}

	return result
}

// filterShardsForNode keeps only the shard ids this node owns, splitting
// ids across nodes by modulo.
func filterShardsForNode(shardIDs []int32, nodeCount, nodeID int32) []int32 {
	if nodeCount <= 1 {
		return shardIDs
	}

	filtered := make([]int32, 0, len(shardIDs))

	for _, id := range shardIDs {
		if id%nodeCount == nodeID {
			filtered = append(filtered, id)
		}
	}

	return filtered
}
