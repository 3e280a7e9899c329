package model

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatUidSet(t *testing.T) {
	tests := []struct {
		name string
		uids []uint32
		want string
	}{
		{"empty", nil, ""},
		{"single", []uint32{7}, "7"},
		{"run", []uint32{1, 2, 3}, "1:3"},
		{"mixed", []uint32{9, 1, 3, 2, 7, 10}, "1:3,7,9:10"},
		{"duplicates", []uint32{4, 4, 5}, "4:5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatUidSet(tt.uids))
		})
	}
}

func TestParseUidSet(t *testing.T) {
	got, err := ParseUidSet("1:3,7,10:9")
	require.NoError(t, err)
	if diff := cmp.Diff([]uint32{1, 2, 3, 7, 9, 10}, got); diff != "" {
		t.Errorf("ParseUidSet mismatch (-want +got):\n%s", diff)
	}

	got, err = ParseUidSet("  ")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = ParseUidSet("5:*")
	assert.Error(t, err)
	_, err = ParseUidSet("0")
	assert.Error(t, err)
}

func TestParseUidSetRoundTrip(t *testing.T) {
	in := []uint32{2, 3, 4, 11, 40, 41}
	got, err := ParseUidSet(FormatUidSet(in))
	require.NoError(t, err)
	assert.Equal(t, in, got)
}

func TestUidSetOperations(t *testing.T) {
	assert.Equal(t, []uint32{1, 4}, SubtractUids([]uint32{1, 2, 3, 4}, []uint32{2, 3, 9}))
	assert.Nil(t, SubtractUids([]uint32{1}, []uint32{1}))
	assert.Equal(t, []uint32{1, 2, 3, 5}, UnionUids([]uint32{3, 1}, []uint32{5, 2, 1}))

	in := []uint32{3, 1, 2}
	assert.Equal(t, []uint32{1, 2, 3}, SortedUids(in))
	assert.Equal(t, []uint32{3, 1, 2}, in)
}

func TestServerIDs(t *testing.T) {
	uid, err := ParseUid("42")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), uid)
	assert.Equal(t, "42", FormatUid(uid))

	_, err = ParseUid("abc")
	assert.Error(t, err)
}
