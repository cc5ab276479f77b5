package changeledger

import "strconv"

// chainVerifier checks blocks one at a time, in index order, so that stores
// can stream rows into it without materialising the whole chain.
type chainVerifier struct {
	deviceID string
	prev     *Block
	count    int
}

func newChainVerifier(deviceID string) *chainVerifier {
	return &chainVerifier{deviceID: deviceID}
}

// check validates b against the block seen before it. The link is checked
// before the content hash, and the hash before the version.
func (v *chainVerifier) check(b *Block) error {
	wantIndex, wantPrev, wantVersion := 0, GenesisPrevHash, 1
	if v.prev != nil {
		wantIndex, wantPrev, wantVersion = v.prev.Index+1, v.prev.Hash, v.prev.Version+1
	}

	if b.Index != wantIndex || b.PrevHash != wantPrev {
		return &IntegrityViolation{
			DeviceID: v.deviceID,
			Index:    b.Index,
			Kind:     KindBrokenLink,
			Stored:   b.PrevHash,
			Expected: wantPrev,
		}
	}
	if computed := HashBlock(b); computed != b.Hash {
		return &IntegrityViolation{
			DeviceID: v.deviceID,
			Index:    b.Index,
			Kind:     KindHashMismatch,
			Stored:   b.Hash,
			Expected: computed,
		}
	}
	if b.Version != wantVersion {
		return &IntegrityViolation{
			DeviceID: v.deviceID,
			Index:    b.Index,
			Kind:     KindVersionSkew,
			Stored:   strconv.Itoa(b.Version),
			Expected: strconv.Itoa(wantVersion),
		}
	}

	v.prev = b
	v.count++
	return nil
}

// tip returns the hash of the last verified block, or "" for an empty chain.
func (v *chainVerifier) tip() string {
	if v.prev == nil {
		return ""
	}
	return v.prev.Hash
}

// VerifyBlocks checks a device's blocks, ordered by index from genesis to
// tip. It returns nil for an empty or intact chain and an
// *IntegrityViolation for the first offending block otherwise.
func VerifyBlocks(deviceID string, blocks []*Block) error {
	v := newChainVerifier(deviceID)
	for _, b := range blocks {
		if err := v.check(b); err != nil {
			return err
		}
	}
	return nil
}
