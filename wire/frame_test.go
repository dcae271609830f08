package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{
		Magic:     Magic,
		Serial:    42,
		Flags:     7,
		Pid:       1234,
		Timestamp: 1690000000.5,
		Length:    16,
	}

	buf := make([]byte, HeaderSize)
	f.Encode(buf)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	assert.Error(t, err)
}

func TestAlignUp8(t *testing.T) {
	tests := []struct {
		name  string
		input uint64
		want  uint64
	}{
		{"zero", 0, 8},
		{"already aligned", 8, 16},
		{"already aligned 16", 16, 24},
		{"one past", 9, 16},
		{"needs 7", 1, 8},
		{"needs 1", 7, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AlignUp8(tt.input))
		})
	}
}
