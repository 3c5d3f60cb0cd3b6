package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	vlog "github.com/vonnegut/vonnegut/internal/log"
	"github.com/vonnegut/vonnegut/internal/wire"
)

func testConfig() vlog.Config {
	return vlog.Config{SegmentBytes: 1 << 20, IndexIntervalBytes: 1 << 20}
}

func TestCreateOpensPartitionDirectories(t *testing.T) {
	dir := t.TempDir()
	r := New([]string{dir}, testConfig(), nil, nil)

	require.NoError(t, r.Create("orders", 2))

	for p := int32(0); p < 2; p++ {
		_, ok := r.Get("orders", p)
		require.True(t, ok)
		_, err := os.Stat(filepath.Join(dir, "orders-"+itoa(int(p))))
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), r.PartitionCount("orders"))
}

func TestEnsureIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	r := New([]string{dir}, testConfig(), nil, nil)

	require.NoError(t, r.Ensure("orders", 1))
	part, ok := r.Get("orders", 0)
	require.True(t, ok)

	// Appending after the first Ensure proves the second call below
	// reuses the same open partition rather than reopening (and
	// truncating) it.
	_, _, err := part.Append(recordBatch("hello"))
	require.NoError(t, err)

	require.NoError(t, r.Ensure("orders", 1))
	again, ok := r.Get("orders", 0)
	require.True(t, ok)
	require.Same(t, part, again)
	require.Equal(t, int64(1), again.NextOffset())
}

func TestEnsureGrowsPartitionCountButNeverShrinks(t *testing.T) {
	dir := t.TempDir()
	r := New([]string{dir}, testConfig(), nil, nil)

	require.NoError(t, r.Ensure("orders", 1))
	require.NoError(t, r.Ensure("orders", 3))
	require.Equal(t, int32(3), r.PartitionCount("orders"))

	for p := int32(0); p < 3; p++ {
		_, ok := r.Get("orders", p)
		require.True(t, ok)
	}
}

func TestDeleteRemovesDirectoryAndDeregisters(t *testing.T) {
	dir := t.TempDir()
	r := New([]string{dir}, testConfig(), nil, nil)

	require.NoError(t, r.Create("orders", 1))
	require.NoError(t, r.Delete("orders"))

	_, ok := r.Get("orders", 0)
	require.False(t, ok)
	require.False(t, r.Exists("orders"))

	_, err := os.Stat(filepath.Join(dir, "orders-0"))
	require.True(t, os.IsNotExist(err))
}

func TestDeleteUnknownTopicReturnsErrUnknownTopic(t *testing.T) {
	dir := t.TempDir()
	r := New([]string{dir}, testConfig(), nil, nil)
	require.ErrorIs(t, r.Delete("missing"), ErrUnknownTopic)
}

func TestListIsSortedByTopic(t *testing.T) {
	dir := t.TempDir()
	r := New([]string{dir}, testConfig(), nil, nil)

	require.NoError(t, r.Ensure("zebra", 1))
	require.NoError(t, r.Ensure("apple", 2))

	list := r.List()
	require.Len(t, list, 2)
	require.Equal(t, "apple", list[0].Topic)
	require.Equal(t, int32(2), list[0].PartitionCount)
	require.Equal(t, "zebra", list[1].Topic)
}

type fakeChainLookup struct {
	chain Chain
	ok    bool
}

func (f fakeChainLookup) ChainFor(string) (Chain, bool) { return f.chain, f.ok }

func TestGetChainOmitsUnknownAndUncoveredTopics(t *testing.T) {
	dir := t.TempDir()

	r := New([]string{dir}, testConfig(), fakeChainLookup{chain: Chain{HeadID: 1, TailID: 2}, ok: true}, nil)
	_, ok := r.GetChain("never-created")
	require.False(t, ok, "a topic with no registered partitions must be omitted even if the chain lookup would answer")

	require.NoError(t, r.Ensure("orders", 1))
	ch, ok := r.GetChain("orders")
	require.True(t, ok)
	require.Equal(t, Chain{HeadID: 1, TailID: 2}, ch)

	rNoChain := New([]string{dir}, testConfig(), fakeChainLookup{ok: false}, nil)
	require.NoError(t, rNoChain.Ensure("orphan", 1))
	_, ok = rNoChain.GetChain("orphan")
	require.False(t, ok)
}

func TestOpenExistingReopensPartitionsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	r := New([]string{dir}, testConfig(), nil, nil)
	require.NoError(t, r.Create("orders", 2))
	require.NoError(t, r.Create("audit-log", 1))
	part, ok := r.Get("orders", 1)
	require.True(t, ok)
	_, last, err := part.Append(recordBatch("survives restart"))
	require.NoError(t, err)
	require.Equal(t, int64(0), last)
	require.NoError(t, r.Close())

	r2 := New([]string{dir}, testConfig(), nil, nil)
	require.NoError(t, r2.OpenExisting())
	require.Equal(t, int32(2), r2.PartitionCount("orders"))
	require.Equal(t, int32(1), r2.PartitionCount("audit-log"))

	part, ok = r2.Get("orders", 1)
	require.True(t, ok)
	require.Equal(t, int64(0), part.HighWaterMark())
}

func TestParsePartitionDirName(t *testing.T) {
	topic, partition, ok := parsePartitionDirName("orders-0")
	require.True(t, ok)
	require.Equal(t, "orders", topic)
	require.Equal(t, int32(0), partition)

	// Topic names may themselves contain dashes; the partition number is
	// always the suffix after the last one.
	topic, partition, ok = parsePartitionDirName("audit-log-12")
	require.True(t, ok)
	require.Equal(t, "audit-log", topic)
	require.Equal(t, int32(12), partition)

	_, _, ok = parsePartitionDirName("noPartitionSuffix")
	require.False(t, ok)
	_, _, ok = parsePartitionDirName("trailing-")
	require.False(t, ok)
}

func recordBatch(value string) wire.RecordBatch {
	return wire.RecordBatch{Records: []wire.Record{{Value: []byte(value)}}}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
