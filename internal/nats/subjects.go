package nats

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

// Bucket and subject layout.
//
//	tangle-stencils             -- stencil documents keyed by encoded id
//	tangle-candidates           -- id.{id} documents plus in.{weight}.{id} index keys
//	tangle-results              -- reported artifacts keyed by encoded id
//	tangle.events.all           -- every job lifecycle event
//	tangle.events.kind.{kind}   -- events for one job kind
const (
	SubjectPrefix = "tangle"

	// KV bucket names
	BucketStencils   = "tangle-stencils"
	BucketCandidates = "tangle-candidates"
	BucketResults    = "tangle-results"
)

const (
	candidateDocPrefix   = "id."
	candidateIndexPrefix = "in."
)

// EventsAllSubject receives every job event.
func EventsAllSubject() string {
	return fmt.Sprintf("%s.events.all", SubjectPrefix)
}

// EventKindSubject receives events for one job kind.
// Example: tangle.events.kind.montesinos
func EventKindSubject(kind core.Kind) string {
	return fmt.Sprintf("%s.events.kind.%s", SubjectPrefix, kind)
}

// encodeKey maps an arbitrary id onto the KV key alphabet. Candidate ids
// contain '/' and spaces, which NATS keys reject.
func encodeKey(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

func decodeKey(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("decode key %q: %w", key, err)
	}
	return string(b), nil
}

func candidateDocKey(id string) string {
	return candidateDocPrefix + encodeKey(id)
}

func candidateIndexPrefixFor(weight int) string {
	return fmt.Sprintf("%s%d.", candidateIndexPrefix, weight)
}

func candidateIndexKey(weight int, id string) string {
	return candidateIndexPrefixFor(weight) + encodeKey(id)
}

// candidateIDFromIndex extracts the id from an in.{weight}.{id} key.
func candidateIDFromIndex(key string) (string, error) {
	i := strings.LastIndexByte(key, '.')
	if i < 0 {
		return "", fmt.Errorf("malformed index key %q", key)
	}
	return decodeKey(key[i+1:])
}
