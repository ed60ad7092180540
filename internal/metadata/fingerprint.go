package metadata

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"sort"
	"strings"
)

// droppedHeaders never enter the snapshot or the fingerprint.
var droppedHeaders = map[string]struct{}{
	"cookie":        {},
	"authorization": {},
}

// Snapshot copies the request headers with lowercase keys, multi-value
// headers joined by ",", excluding cookie and authorization.
func Snapshot(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key, values := range h {
		lower := strings.ToLower(key)
		if _, dropped := droppedHeaders[lower]; dropped {
			continue
		}
		out[lower] = strings.Join(values, ",")
	}
	return out
}

// Fingerprint computes the stable FNV-1a hash of a header snapshot: the
// lowercase `key:value` pairs sorted alphabetically and joined by `|`.
// Reordering headers or changing the case of header names does not change
// the result.
func Fingerprint(headers map[string]string) string {
	pairs := make([]string, 0, len(headers))
	for key, value := range headers {
		lower := strings.ToLower(key)
		if _, dropped := droppedHeaders[lower]; dropped {
			continue
		}
		pairs = append(pairs, lower+":"+value)
	}
	sort.Strings(pairs)

	h := fnv.New32a()
	h.Write([]byte(strings.Join(pairs, "|")))
	return fmt.Sprintf("%08x", h.Sum32())
}
