package store

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValidateOutputs performs the structural validation of staged outputs
// at commit time. Any failure is ErrMalformedOutput: the task is failed
// and nothing is committed.
func ValidateOutputs(job *Job, outputs []StagedOutput) error {
	for i, out := range outputs {
		if out.DatasetID == uuid.Nil {
			return fmt.Errorf("output %d: missing dataset id: %w", i, ErrMalformedOutput)
		}
		if strings.TrimSpace(out.ConfigHash) == "" {
			return fmt.Errorf("output %d: missing config hash: %w", i, ErrMalformedOutput)
		}

		switch job.UpdateStrategy {
		case UpdateReplace:
			if strings.TrimSpace(out.StorageLocation) == "" {
				return fmt.Errorf("output %d: replace output requires a storage location: %w", i, ErrMalformedOutput)
			}
		case UpdateAppend:
			for j, rec := range out.Records {
				if strings.TrimSpace(rec.DedupeKey) == "" {
					return fmt.Errorf("output %d record %d: missing dedupe key: %w", i, j, ErrMalformedOutput)
				}
			}
		default:
			return fmt.Errorf("job %s: unknown update strategy %q: %w", job.ID, job.UpdateStrategy, ErrMalformedOutput)
		}
	}
	return nil
}
