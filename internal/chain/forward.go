package chain

import (
	"github.com/go-kit/log/level"

	"github.com/vonnegut/vonnegut/internal/metrics"
	"github.com/vonnegut/vonnegut/internal/wire"
)

// Forward drives one produce's replication to the next hop, including
// the write-repair convergence loop from SPEC_FULL.md §4.2: if the
// downstream reports it is already ahead (it has some or all of these
// records from an earlier, since-retried attempt), Forward trims the
// already-applied prefix and re-issues the remainder, which strictly
// shrinks the offset gap each round and so terminates. The caller is
// expected to have already appended batch to its own local partition
// before calling Forward, matching the produce path's append-then-replicate
// order, so no local write happens here.
func (c *Client) Forward(topic string, partition int32, expectedStartOffset int64, batch wire.RecordBatch) (offsetOfLast int64, err error) {
	for {
		resp, err := c.Replicate(wire.ReplicateRequest{
			Topic:               topic,
			Partition:           partition,
			ExpectedStartOffset: expectedStartOffset,
			Batch:               batch,
		})
		if err != nil {
			return -1, err
		}

		switch resp.ErrorCode {
		case wire.NoError:
			return resp.OffsetOfLast, nil

		case wire.WriteRepair:
			metrics.WriteRepairTotal.WithLabelValues(topic).Inc()
			if len(resp.Repair.Records) == 0 {
				// Nothing to converge on; treat as a transient no-op and
				// retry the same request once the caller redrives.
				return -1, wire.WriteRepair
			}
			level.Info(c.logger).Log("msg", "write repair", "topic", topic, "partition", partition,
				"repair_from", resp.Repair.Records[0].Offset, "repair_count", len(resp.Repair.Records))

			lastRepaired := resp.Repair.Records[len(resp.Repair.Records)-1].Offset
			remaining := recordsFrom(batch, lastRepaired+1)
			if len(remaining) == 0 {
				return lastRepaired, nil
			}
			expectedStartOffset = lastRepaired + 1
			batch = wire.RecordBatch{Records: remaining}
			continue

		default:
			return -1, resp.ErrorCode
		}
	}
}

func recordsFrom(batch wire.RecordBatch, offset int64) []wire.Record {
	for i, rec := range batch.Records {
		if rec.Offset >= offset {
			return batch.Records[i:]
		}
	}
	return nil
}
