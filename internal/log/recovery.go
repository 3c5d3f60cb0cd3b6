package log

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// tombstonePrefix marks a partition directory mid-delete, rendered as
// "<prefix><topic>-<partition>-<unix_nano>" per SPEC_FULL.md §3. A
// rename to this name is atomic on the same filesystem, so a crash
// between the rename and the final RemoveAll leaves an orphan
// directory that is unambiguously garbage, never live partition data.
const tombstonePrefix = ".tombstone-"

// SweepTombstones removes every partition directory under dataDir left
// in a tombstoned state by a delete that crashed before completing.
// Safe to call repeatedly; a directory that's already gone is not an
// error.
func SweepTombstones(dataDir string) error {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "log: read data directory for tombstone sweep")
	}

	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), tombstonePrefix) {
			continue
		}
		path := filepath.Join(dataDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			return errors.Wrapf(err, "log: remove orphaned tombstone directory %s", path)
		}
	}
	return nil
}
