package changeledger

import "github.com/chaintrace/chaintrace/internal/codec"

// encodeBlock serialises b for the key-value stores.
func encodeBlock(c *codec.Codec, b *Block) ([]byte, error) {
	return c.Marshal(b)
}

// decodeBlock restores a block written by encodeBlock. Timestamps come back
// in UTC so that HashBlock and equality checks see the value that was hashed.
func decodeBlock(c *codec.Codec, val []byte) (*Block, error) {
	b := &Block{}
	if err := c.Unmarshal(val, b); err != nil {
		return nil, err
	}
	b.Timestamp = b.Timestamp.UTC()
	return b, nil
}
