package tarlayer

import (
	"fmt"
	"sort"
	"strings"
)

// paxRecord renders one PAX extended-header record "<len> <k>=<v>\n",
// where len is the self-inclusive byte length of the whole record. The
// digit count of len is itself part of len, so a naive length must be
// corrected to a fixed point: if appending the length's own digits pushes
// the total past the next power of ten, the digit count grows and len must
// be recomputed once more (it never grows a second time, since one extra
// digit covers up to 10x the previous length).
func paxRecord(key, value string) string {
	payload := fmt.Sprintf(" %s=%s\n", key, value)
	payloadLen := len(payload)

	total := payloadLen + len(fmt.Sprintf("%d", payloadLen))
	for {
		candidate := payloadLen + len(fmt.Sprintf("%d", total))
		if candidate == total {
			break
		}
		total = candidate
	}
	return fmt.Sprintf("%d%s", total, payload)
}

// paxPayload sorts keys lexicographically and concatenates their records.
func paxPayload(headers map[string]string) string {
	if len(headers) == 0 {
		return ""
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(paxRecord(k, headers[k]))
	}
	return sb.String()
}
