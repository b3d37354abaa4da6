package audit

import (
	"encoding/json"
	"fmt"
)

// Reconstruct returns every entry for one correlation id, in chain order
// across all segments. An empty result means the log holds no trace of the
// request.
func Reconstruct(dir, correlationID string) ([]Entry, error) {
	paths, err := segmentPaths(dir)
	if err != nil {
		return nil, fmt.Errorf("list audit segments: %w", err)
	}

	var out []Entry
	for _, path := range paths {
		lines, err := readLines(path)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				return nil, fmt.Errorf("%s: malformed entry: %w", path, err)
			}
			if e.CorrelationID == correlationID {
				out = append(out, e)
			}
		}
	}
	return out, nil
}
