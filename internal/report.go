package tftp

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

// Report summarizes a finished transfer.
type Report struct {
	Filename    string
	Bytes       int64
	Blocks      int
	Retransmits int
	Elapsed     time.Duration

	// Digest is the BLAKE3 sum of the file contents that went over the wire.
	Digest []byte

	start time.Time
	hash  *blake3.Hasher
}

func newReport(filename string) *Report {
	return &Report{
		Filename: filename,
		start:    time.Now(),
		hash:     blake3.New(),
	}
}

// block records one acknowledged block.
func (r *Report) block(payload []byte) {
	r.hash.Write(payload)
	r.Bytes += int64(len(payload))
	r.Blocks++
}

func (r *Report) finish() {
	r.Elapsed = time.Since(r.start)
	r.Digest = r.hash.Sum(nil)
}

// Rate returns the throughput scaled to a readable unit.
func (r *Report) Rate() (rate float64, unit string) {
	secs := r.Elapsed.Seconds()
	if secs <= 0 {
		return 0, "bps"
	}
	rate = float64(r.Bytes) / secs
	switch {
	case 1e6 <= rate && rate < 1e9:
		rate /= 1e6
		unit = "Mbps"
	case 1e3 <= rate && rate < 1e6:
		rate /= 1e3
		unit = "kbps"
	default:
		unit = "bps"
	}
	return
}

func (r *Report) String() string {
	rate, unit := r.Rate()
	return fmt.Sprintf("%s: %d bytes in %d blocks (%.2f %s, %d retransmits) blake3:%s",
		r.Filename, r.Bytes, r.Blocks, rate, unit, r.Retransmits,
		hex.EncodeToString(r.Digest))
}
