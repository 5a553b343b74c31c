package checkpoint

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	"github.com/acorvin/tally/internal/errors"
	"github.com/acorvin/tally/internal/types"
)

// encodeSnapshot serializes a snapshot for storage: JSON, snappy block
// compression, then a murmur3-128 checksum over the compressed bytes.
func encodeSnapshot(snap types.EngineSnapshot) (payload []byte, checksum string, err error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, "", errors.Wrap(err, "marshal snapshot")
	}
	payload = snappy.Encode(nil, raw)
	return payload, checksumHex(payload), nil
}

// decodeSnapshot reverses encodeSnapshot. Any mismatch between the stored
// and recomputed checksum is state corruption; the payload must not be
// trusted and the caller has to fail loudly.
func decodeSnapshot(payload []byte, checksum string) (types.EngineSnapshot, error) {
	var snap types.EngineSnapshot
	if sum := checksumHex(payload); sum != checksum {
		return snap, errors.NewCorruption(
			fmt.Sprintf("checkpoint checksum mismatch: stored %s, computed %s", checksum, sum))
	}
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return snap, errors.NewCorruption(fmt.Sprintf("checkpoint payload does not decompress: %v", err))
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snap, errors.NewCorruption(fmt.Sprintf("checkpoint payload does not decode: %v", err))
	}
	return snap, nil
}

// checksumHex returns the murmur3-128 digest of b as a 32-character hex
// string.
func checksumHex(b []byte) string {
	h1, h2 := murmur3.Sum128(b)
	return fmt.Sprintf("%016x%016x", h1, h2)
}
