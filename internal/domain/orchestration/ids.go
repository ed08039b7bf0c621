package orchestration

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

// taskIDPattern enforces invariant 2: a task_id contains only
// [A-Za-z0-9-] characters.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// SanitizeSemanticIndex strips every character outside [A-Za-z0-9-] from a
// blueprint-supplied semantic index, so task IDs built from user-influenced
// indices (e.g. "tile x5,y10") still satisfy invariant 2.
func SanitizeSemanticIndex(idx string) string {
	out := make([]byte, 0, len(idx))
	for i := 0; i < len(idx); i++ {
		c := idx[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-':
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "x"
	}
	return string(out)
}

// BuildTaskID constructs the canonical task_id: {job_id[:8]}-s{stage}-{semanticIndex}.
func BuildTaskID(jobID string, stage int, semanticIndex string) string {
	prefix := jobID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("%s-s%d-%s", prefix, stage, SanitizeSemanticIndex(semanticIndex))
}

// ValidateTaskID enforces invariant 2: taskID must begin with the parent
// job's first 8 hex characters and contain only [A-Za-z0-9-].
func ValidateTaskID(taskID, parentJobID string) error {
	if taskID == "" {
		return fmt.Errorf("task_id is empty")
	}
	if !taskIDPattern.MatchString(taskID) {
		return fmt.Errorf("task_id %q contains characters outside [A-Za-z0-9-]", taskID)
	}
	prefix := parentJobID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	if len(taskID) < len(prefix) || taskID[:len(prefix)] != prefix {
		return fmt.Errorf("task_id %q does not begin with parent job prefix %q", taskID, prefix)
	}
	return nil
}

// ExtractSemanticIndex recovers the semantic index segment of a task_id
// built by BuildTaskID, i.e. everything after "{prefix}-s{stage}-". Used
// to populate TaskRecord.TaskIndex so the predecessor loader can match
// same-index tasks across consecutive stages.
func ExtractSemanticIndex(taskID string, stage int) string {
	marker := fmt.Sprintf("-s%d-", stage)
	idx := indexOf(taskID, marker)
	if idx < 0 {
		return taskID
	}
	return taskID[idx+len(marker):]
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

// Canonicalize produces the canonical JSON byte encoding used for job_id
// generation: object keys sorted lexicographically at every nesting level,
// no insignificant whitespace. Two parameter maps that are deep-equal after
// normalization always canonicalize to identical bytes.
func Canonicalize(v map[string]any) ([]byte, error) {
	norm := normalize(v)
	return json.Marshal(norm)
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(orderedMap, 0, len(keys))
		for _, k := range keys {
			out = append(out, kv{k, normalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

type kv struct {
	Key string
	Val any
}

// orderedMap marshals as a JSON object preserving insertion order, which
// here is always the sorted key order normalize() produced.
type orderedMap []kv

func (m orderedMap) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, '{')
	for i, p := range m {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyBytes, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyBytes...)
		buf = append(buf, ':')
		valBytes, err := json.Marshal(p.Val)
		if err != nil {
			return nil, err
		}
		buf = append(buf, valBytes...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// GenerateJobID computes the idempotency key: the 64-hex SHA-256 digest of
// Canonicalize(params). Two parameter maps that canonicalize to the same
// bytes always yield the same job_id.
func GenerateJobID(params map[string]any) (string, error) {
	canon, err := Canonicalize(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize parameters: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}
