package trace

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// SigningKeyEnv names the environment variable holding the trace signing key.
const SigningKeyEnv = "CTXFLOW_TRACE_SIGNING_KEY"

// VerifyResult is the outcome of verifying a trace file.
type VerifyResult struct {
	EventCount     int
	Valid          bool
	BrokenAt       int // 1-based event index, -1 when the chain holds
	Error          string
	RunID          string
	Process        string
	Status         Status // empty when the run never completed
	Events         map[EventType]int
	ChainHash      string
	SigningKeyID   string
	SignatureOK    bool
	SignatureNoKey bool // signed, but no key to check against
}

// VerifyFile verifies the hash chain of a trace file, checking the
// signature with the key from SigningKeyEnv when one is set.
func VerifyFile(path string) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	return Verify(f, []byte(os.Getenv(SigningKeyEnv)))
}

// Verify replays the trace: every event must name the previous line's
// hash and belong to the same run. The run_complete event's chain hash
// and HMAC signature are checked when present.
func Verify(r io.Reader, key []byte) (*VerifyResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	res := &VerifyResult{BrokenAt: -1, Events: map[EventType]int{}}
	prev := Genesis
	var last Event

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		res.EventCount++
		n := res.EventCount

		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return res.broken(n, "invalid JSON: %v", err), nil
		}
		if evt.PrevHash != prev {
			return res.broken(n, "prev_hash mismatch (expected %s, got %s)", short(prev), short(evt.PrevHash)), nil
		}
		switch {
		case res.RunID == "":
			res.RunID = evt.RunID
		case evt.RunID != res.RunID:
			return res.broken(n, "run_id %q, want %q", evt.RunID, res.RunID), nil
		}

		res.Events[evt.Type]++
		if evt.Type == EventRunStart {
			res.Process, _ = evt.Data["process"].(string)
		}

		h := sha256.Sum256(line)
		prev = hex.EncodeToString(h[:])
		last = evt
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}

	res.Valid = true
	if last.Type != EventRunComplete {
		return res, nil
	}
	status, _ := last.Data["status"].(string)
	res.Status = Status(status)
	res.ChainHash, _ = last.Data["chain_hash"].(string)

	sig, signed := last.Data["signature"].(string)
	if !signed {
		return res, nil
	}
	res.SigningKeyID, _ = last.Data["signing_key_id"].(string)
	switch {
	case len(key) == 0:
		res.SignatureNoKey = true
	case res.ChainHash != "":
		res.SignatureOK = hmac.Equal([]byte(sig), []byte(Sign(key, res.ChainHash)))
	}
	return res, nil
}

func (r *VerifyResult) broken(n int, format string, args ...any) *VerifyResult {
	r.Valid = false
	r.BrokenAt = n
	r.Error = fmt.Sprintf("event %d: ", n) + fmt.Sprintf(format, args...)
	return r
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}
