package logging

import "strings"

// memberStride is how many distinct members pass between sampled log lines
// while extraction streams many small files.
const memberStride = 10

// ProgressSampler gates repetitive progress logging. Extraction emits an
// observation per write; the log keeps phase changes, every tenth member, and
// percent-bucket advances through the archive as a whole.
type ProgressSampler struct {
	bucketSize float64
	lastPhase  string
	lastMember string
	members    int
	lastBucket int
}

// NewProgressSampler constructs a sampler that emits on phase changes, member
// milestones, and percent-bucket boundaries (default 5%).
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 5
	}
	return &ProgressSampler{bucketSize: bucketSize, lastBucket: -1}
}

// ShouldLog reports whether a progress observation earns a log line. Percent
// can be negative to indicate "unknown"; member names the file currently being
// written, empty outside extraction.
func (s *ProgressSampler) ShouldLog(percent float64, phase, member string) bool {
	if s == nil {
		return true
	}
	emit := false
	phase = strings.TrimSpace(phase)
	if phase != "" && phase != s.lastPhase {
		s.lastPhase = phase
		s.lastMember = ""
		s.members = 0
		s.lastBucket = -1
		emit = true
	}
	if member != "" && member != s.lastMember {
		s.lastMember = member
		if s.members%memberStride == 0 {
			emit = true
		}
		s.members++
	}
	if percent >= 0 {
		bucket := int(percent / s.bucketSize)
		if percent >= 100 {
			bucket = int(100 / s.bucketSize)
		}
		if bucket > s.lastBucket {
			s.lastBucket = bucket
			emit = true
		}
	}
	return emit
}

// Reset clears the sampler state (e.g. when a new job starts).
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.lastPhase = ""
	s.lastMember = ""
	s.members = 0
	s.lastBucket = -1
}
