package dedup

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"

	"relaypoint/internal/types"
)

// Metadata keys excluded from the content hash. They vary per submission
// without changing what the notification says.
var volatileMetadataKeys = map[string]bool{
	"timestamp":  true,
	"trace_id":   true,
	"request_id": true,
	"attempt":    true,
	"retryCount": true,
}

// contentHash fingerprints what the recipient would actually see. Two
// submissions with the same hash are the same notification for dedup
// purposes.
func contentHash(n *types.Notification) string {
	var b strings.Builder
	b.WriteString(n.TenantID)
	b.WriteByte('|')
	b.WriteString(n.UserID)
	b.WriteByte('|')
	b.WriteString(string(n.EventType))
	b.WriteByte('|')
	b.WriteString(n.Title)
	b.WriteByte('|')
	b.WriteString(n.Message)

	if len(n.Metadata) > 0 {
		keys := make([]string, 0, len(n.Metadata))
		for k := range n.Metadata {
			if !volatileMetadataKeys[k] {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "|%s=%v", k, n.Metadata[k])
		}
	}

	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
