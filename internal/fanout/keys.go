package fanout

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var chunkIndexPattern = regexp.MustCompile(`^chunk_(\d+)`)

// Layout names the objects a pipeline run reads and writes.
type Layout struct {
	InputPrefix  string
	InputSuffix  string
	ChunkPrefix  string
	ChunkSuffix  string
	ResultPrefix string
	ResultSuffix string
}

// IsInput reports whether key names an input list.
func (l Layout) IsInput(key string) bool {
	return strings.HasPrefix(key, l.InputPrefix) && strings.HasSuffix(key, l.InputSuffix)
}

// ChunkKey returns the object key for chunk i.
func (l Layout) ChunkKey(i int) string {
	return fmt.Sprintf("%schunk_%d%s", l.ChunkPrefix, i, l.ChunkSuffix)
}

// ResultKey returns the artifact key for the given chunk key.
func (l Layout) ResultKey(chunkKey string) string {
	base := strings.TrimSuffix(path.Base(chunkKey), l.ChunkSuffix)
	return fmt.Sprintf("%s%s_results%s", l.ResultPrefix, base, l.ResultSuffix)
}

// ChunkIndex parses the chunk index from a chunk or result key.
func ChunkIndex(key string) (int, bool) {
	m := chunkIndexPattern.FindStringSubmatch(path.Base(key))
	if m == nil {
		return 0, false
	}
	i, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return i, true
}

// Indices returns the distinct chunk indices of objects carrying suffix.
func Indices(objects []ObjectInfo, suffix string) map[int]struct{} {
	out := make(map[int]struct{}, len(objects))
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, suffix) {
			continue
		}
		if i, ok := ChunkIndex(obj.Key); ok {
			out[i] = struct{}{}
		}
	}
	return out
}
