package transfer

import (
	"crypto/md5"

	"github.com/parcel-client/parcel/interval"
)

// sumDigest computes the MD5 sum of a completed interval's bytes, ported
// from parcel/utils.py's md5sum (hashlib.md5(block).digest()).
func sumDigest(raw []byte) interval.Digest {
	return interval.Digest{
		Present: true,
		Sum:     md5.Sum(raw),
	}
}
