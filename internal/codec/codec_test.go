package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string    `json:"name"`
	Count int       `json:"count"`
	At    time.Time `json:"at"`
}

func TestCodec_RoundTrip(t *testing.T) {
	c := New()

	in := record{
		Name:  "hostname RTR01-NYC\nntp server 1.1.1.1",
		Count: 7,
		At:    time.Date(2024, 5, 1, 12, 30, 0, 123456000, time.UTC),
	}

	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out record
	require.NoError(t, c.Unmarshal(data, &out))

	assert.Equal(t, in.Name, out.Name)
	assert.Equal(t, in.Count, out.Count)
	assert.True(t, in.At.Equal(out.At), "time %v != %v", in.At, out.At)
}

func TestCodec_Deterministic(t *testing.T) {
	c := New()
	in := record{Name: "a", Count: 1}

	first, err := c.Marshal(in)
	require.NoError(t, err)
	second, err := c.Marshal(in)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestCodec_UnmarshalGarbage(t *testing.T) {
	c := New()
	var out record
	err := c.Unmarshal([]byte("not zstd"), &out)
	assert.ErrorIs(t, err, ErrUnknownFormat)

	err = c.Unmarshal(nil, &out)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestCodec_UnmarshalCorruptBody(t *testing.T) {
	c := New()
	data, err := c.Marshal(record{Name: "a"})
	require.NoError(t, err)

	corrupt := append([]byte{data[0]}, []byte("garbage")...)
	var out record
	err = c.Unmarshal(corrupt, &out)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownFormat)
}
