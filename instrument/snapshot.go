package instrument

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wippyai/fibers/errors"
)

// Snapshotter stores intermediate units for diagnosis.
type Snapshotter interface {
	Snapshot(className, stage string, data []byte) error
}

// FileSnapshotter writes each snapshot to its own file in Dir, named
// <dotted.name>-<unix-millis>-fibers-<n>-<stage>.fbc. Existing files are
// never overwritten.
type FileSnapshotter struct {
	Dir string
	now func() time.Time
	seq atomic.Int64
}

// NewFileSnapshotter writes snapshots to dir, or the working directory when
// dir is empty.
func NewFileSnapshotter(dir string) *FileSnapshotter {
	return &FileSnapshotter{Dir: dir, now: time.Now}
}

// Snapshot implements Snapshotter.
func (s *FileSnapshotter) Snapshot(className, stage string, data []byte) error {
	now := time.Now
	if s.now != nil {
		now = s.now
	}
	name := fmt.Sprintf("%s-%d-fibers-%d-%s.fbc",
		strings.ReplaceAll(className, "/", "."), now().UnixMilli(), s.seq.Add(1), stage)
	path := filepath.Join(s.Dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.IO(errors.PhaseDiagnostic, err, "create snapshot "+path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.IO(errors.PhaseDiagnostic, err, "write snapshot "+path)
	}
	if err := f.Close(); err != nil {
		return errors.IO(errors.PhaseDiagnostic, err, "close snapshot "+path)
	}
	return nil
}
