package audit

import (
	"encoding/json"
	"fmt"
	"os"
)

// VerifyResult reports a chain walk over every segment in order.
type VerifyResult struct {
	Entries int
	Valid   bool
	// BrokenAt is the 1-based global line number of the first entry whose
	// prev_hash does not match the chain, 0 when the chain is intact.
	BrokenAt int
	Detail   string
}

// Verify walks every segment oldest-first and checks that each entry links
// to the hash of the previous line. The oldest surviving entry anchors the
// walk: its prev_hash is accepted as-is, since older segments may have
// been pruned.
func Verify(dir string) (VerifyResult, error) {
	paths, err := segmentPaths(dir)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("list audit segments: %w", err)
	}

	res := VerifyResult{Valid: true}
	expect := ""
	for _, path := range paths {
		lines, err := readLines(path)
		if err != nil {
			return VerifyResult{}, err
		}
		for _, line := range lines {
			res.Entries++
			var e Entry
			if err := json.Unmarshal(line, &e); err != nil {
				return VerifyResult{
					Entries:  res.Entries,
					BrokenAt: res.Entries,
					Detail:   fmt.Sprintf("%s: malformed entry: %v", path, err),
				}, nil
			}
			if expect != "" && e.PrevHash != expect {
				return VerifyResult{
					Entries:  res.Entries,
					BrokenAt: res.Entries,
					Detail:   fmt.Sprintf("%s: prev_hash %s, chain expects %s", path, e.PrevHash, expect),
				}, nil
			}
			expect = HashLine(line)
		}
	}
	return res, nil
}

func readLines(path string) ([][]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read audit segment: %w", err)
	}
	return splitLines(raw), nil
}
