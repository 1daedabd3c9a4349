package scheduler

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/teotikalki/laminar/internal/logging"
)

// sweepRunDirsLocked removes old per-build working directories of a job
// after one of its runs completed. Counting back starts below the oldest
// still-active build of the job (their rundirs must survive), or from the
// latest assigned build number when none are active. Archive directories
// are never swept.
func (e *Engine) sweepRunDirsLocked(job string) {
	oldestActive := 0
	for _, r := range e.active {
		if r.Name != job {
			continue
		}
		if oldestActive == 0 || r.Build < oldestActive {
			oldestActive = r.Build
		}
	}
	var bound int
	if oldestActive == 0 {
		bound = e.buildNums[job]
	} else {
		bound = oldestActive - 1
	}

	for i := bound - e.st.KeepRundirs; i > 0; i-- {
		d := e.runDir(job, i)
		// once a directory is missing, everything older was already
		// swept on a previous pass
		if _, err := os.Stat(d); err != nil {
			break
		}
		if err := os.RemoveAll(d); err != nil {
			logging.Warn(context.Background(), "failed to remove old run directory",
				zap.String("dir", d), zap.Error(err))
		}
	}
}
