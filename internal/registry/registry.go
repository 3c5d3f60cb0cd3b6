// Package registry implements the topic registry (component C): a
// concurrent map from (topic, partition) to an open partition log,
// matching the concurrent-map-over-authoritative-state shape of
// friggdb's readerWriter.
package registry

import (
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/pkg/errors"

	vlog "github.com/vonnegut/vonnegut/internal/log"
)

// ErrUnknownTopic is returned by operations against a topic that was
// never created or has been deleted.
var ErrUnknownTopic = errors.New("registry: unknown topic")

type key struct {
	topic     string
	partition int32
}

// ChainLookup answers "which chain owns this topic" for metadata
// responses; it is implemented by internal/cluster's NodeAssignment and
// kept as a narrow interface here so the registry has no import-cycle
// on the supervisor package.
type ChainLookup interface {
	ChainFor(topic string) (Chain, bool)
}

// Chain is the subset of a chain-map entry the registry needs to answer
// get_chain: the head and tail node ids from the process-wide node-id
// table. Metadata responses number their brokers per response instead.
type Chain struct {
	HeadID int32
	TailID int32
}

// Registry owns every open partition log across the configured log
// roots. A partition lives entirely in one root, chosen by a stable
// hash of its (topic, partition) name so repeated opens land in the
// same place.
type Registry struct {
	dirs   []string
	config vlog.Config
	logger log.Logger
	chains ChainLookup

	mu         sync.RWMutex
	partitions map[key]*vlog.Partition
	counts     map[string]int32 // topic -> partition count, for list/ensure
}

func New(dirs []string, config vlog.Config, chains ChainLookup, logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Registry{
		dirs:       dirs,
		config:     config,
		logger:     logger,
		chains:     chains,
		partitions: make(map[key]*vlog.Partition),
		counts:     make(map[string]int32),
	}
}

// dirFor picks the log root a partition lives in.
func (r *Registry) dirFor(topic string, partition int32) string {
	if len(r.dirs) == 1 {
		return r.dirs[0]
	}
	h := fnv.New32a()
	h.Write([]byte(topic))
	h.Write([]byte{'-'})
	h.Write([]byte(strconv.Itoa(int(partition))))
	return r.dirs[h.Sum32()%uint32(len(r.dirs))]
}

// OpenExisting scans every configured log root for partition
// directories left by a previous run, reopening (and crash-recovering)
// each, and sweeps any tombstone directories an interrupted delete left
// behind. Called once at startup, before the listener starts serving.
func (r *Registry) OpenExisting() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, root := range r.dirs {
		if err := vlog.SweepTombstones(root); err != nil {
			return err
		}
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return errors.Wrapf(err, "registry: scan log root %s", root)
		}
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			topic, partition, ok := parsePartitionDirName(e.Name())
			if !ok {
				continue
			}
			k := key{topic, partition}
			if _, exists := r.partitions[k]; exists {
				continue
			}
			part, err := vlog.Open(root, topic, partition, r.config, r.logger)
			if err != nil {
				return errors.Wrapf(err, "registry: reopen partition %s-%d", topic, partition)
			}
			r.partitions[k] = part
			if r.counts[topic] < partition+1 {
				r.counts[topic] = partition + 1
			}
		}
	}
	return nil
}

// parsePartitionDirName splits "<topic>-<partition>" at the last dash,
// so topic names containing dashes still parse.
func parsePartitionDirName(name string) (string, int32, bool) {
	i := strings.LastIndexByte(name, '-')
	if i <= 0 || i == len(name)-1 {
		return "", 0, false
	}
	n, err := strconv.ParseInt(name[i+1:], 10, 32)
	if err != nil || n < 0 {
		return "", 0, false
	}
	return name[:i], int32(n), true
}

// Create opens (creating on disk if necessary) every partition of topic
// up to partitionCount. It is not idempotent across different
// partitionCount values for the same topic: a second Create with a
// smaller count leaves the extra partitions in place, matching the
// source's "create never shrinks" semantics; callers wanting idempotent
// behavior should use Ensure.
func (r *Registry) Create(topic string, partitionCount int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openPartitionsLocked(topic, partitionCount)
}

// Ensure idempotently creates topic with partitionCount partitions if
// it does not already exist; it is a no-op success if the topic is
// already registered with at least that many partitions.
func (r *Registry) Ensure(topic string, partitionCount int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.counts[topic]; ok && existing >= partitionCount {
		return nil
	}
	return r.openPartitionsLocked(topic, partitionCount)
}

func (r *Registry) openPartitionsLocked(topic string, partitionCount int32) error {
	for p := int32(0); p < partitionCount; p++ {
		k := key{topic, p}
		if _, ok := r.partitions[k]; ok {
			continue
		}
		part, err := vlog.Open(r.dirFor(topic, p), topic, p, r.config, r.logger)
		if err != nil {
			return errors.Wrapf(err, "registry: open partition %s-%d", topic, p)
		}
		r.partitions[k] = part
	}
	if r.counts[topic] < partitionCount {
		r.counts[topic] = partitionCount
	}
	return nil
}

// Delete removes a topic and every one of its partitions from disk.
func (r *Registry) Delete(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	count, ok := r.counts[topic]
	if !ok {
		return ErrUnknownTopic
	}
	for p := int32(0); p < count; p++ {
		k := key{topic, p}
		part, ok := r.partitions[k]
		if !ok {
			continue
		}
		if err := part.Delete(); err != nil {
			return errors.Wrapf(err, "registry: delete partition %s-%d", topic, p)
		}
		delete(r.partitions, k)
	}
	delete(r.counts, topic)
	return nil
}

// DeletePartition removes a single partition, used by the replicate_delete_topic
// propagation path.
func (r *Registry) DeletePartition(topic string, partition int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{topic, partition}
	part, ok := r.partitions[k]
	if !ok {
		return ErrUnknownTopic
	}
	if err := part.Delete(); err != nil {
		return errors.Wrapf(err, "registry: delete partition %s-%d", topic, partition)
	}
	delete(r.partitions, k)

	remaining := false
	for other := range r.partitions {
		if other.topic == topic {
			remaining = true
			break
		}
	}
	if !remaining {
		delete(r.counts, topic)
	}
	return nil
}

// Get returns the open partition log for (topic, partition).
func (r *Registry) Get(topic string, partition int32) (*vlog.Partition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partitions[key{topic, partition}]
	return p, ok
}

// TopicInfo is one (topic, partition_count) pair as reported by List.
type TopicInfo struct {
	Topic          string
	PartitionCount int32
}

// List enumerates every registered topic and its partition count, for
// the `topics` operation. Order is stable (lexicographic by topic).
func (r *Registry) List() []TopicInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TopicInfo, 0, len(r.counts))
	for topic, count := range r.counts {
		out = append(out, TopicInfo{Topic: topic, PartitionCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Exists reports whether topic has been created.
func (r *Registry) Exists(topic string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.counts[topic]
	return ok
}

// PartitionCount returns topic's partition count, or 0 if unknown.
func (r *Registry) PartitionCount(topic string) int32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counts[topic]
}

// GetChain returns the chain entry covering topic, translated to its
// process-wide head/tail node-id pair. Metadata responses rely on it to
// decide which topics to report; a topic with no
// covering chain or with no registered partitions answers false so the
// caller can silently omit it (SPEC_FULL.md §6: "topics that do not
// exist are omitted").
func (r *Registry) GetChain(topic string) (Chain, bool) {
	if !r.Exists(topic) {
		return Chain{}, false
	}
	if r.chains == nil {
		return Chain{}, false
	}
	return r.chains.ChainFor(topic)
}

// Close closes every open partition's file descriptors without
// removing anything from disk, used on graceful process shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for _, p := range r.partitions {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
