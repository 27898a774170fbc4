package dtx

import (
	"fmt"
	"strings"
	"testing"

	"github.com/dr0pdb/icecanedtm/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormGIDPadsGxid(t *testing.T) {
	gid, err := FormGID(1618033988, 7)
	require.Nil(t, err, "Unexpected error while forming gid")
	assert.Equal(t, "1618033988-0000000007", gid, "gid should carry a 10 digit zero padded gxid")
}

func TestFormAndCrackOpenGIDRoundTrip(t *testing.T) {
	cases := []struct {
		ts   DistributedTransactionTimeStamp
		gxid DistributedTransactionID
	}{
		{0, 1},
		{100, 5},
		{1618033988, 1234567890},
		{4294967295, LastDistributedTransactionID},
	}

	for _, c := range cases {
		gid, err := FormGID(c.ts, c.gxid)
		require.Nil(t, err, "Unexpected error while forming gid")

		ts, gxid, err := CrackOpenGID(gid)
		require.Nil(t, err, fmt.Sprintf("Unexpected error while cracking open gid %s", gid))
		assert.Equal(t, c.ts, ts, "timestamp doesn't survive the round trip")
		assert.Equal(t, c.gxid, gxid, "gxid doesn't survive the round trip")
	}
}

func TestGIDsAreDistinctWithinEpoch(t *testing.T) {
	seen := make(map[string]bool)
	for gxid := FirstDistributedTransactionID; gxid < 2000; gxid++ {
		gid, err := FormGID(1000, gxid)
		require.Nil(t, err, "Unexpected error while forming gid")
		assert.False(t, seen[gid], fmt.Sprintf("duplicate gid %s", gid))
		seen[gid] = true
	}
}

func TestCrackOpenGIDRejectsForeignIdentifiers(t *testing.T) {
	for _, gid := range []string{"", "100", "-5", "100-", "abc-5", "100-x", "100-99999999999", "T1_prepared"} {
		_, _, err := CrackOpenGID(gid)
		_, ok := err.(common.MalformedGidError)
		assert.True(t, ok, fmt.Sprintf("expected malformed gid error for %q, got %v", gid, err))
	}
}

func TestCrackOpenGIDRejectsTooLongIdentifiers(t *testing.T) {
	_, _, err := CrackOpenGID(strings.Repeat("1", GIDSize) + "-1")
	_, ok := err.(common.IdentifierTooLongError)
	assert.True(t, ok, "expected identifier too long error")
}
