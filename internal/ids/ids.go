// Package ids generates prefixed identifiers for stored records. The prefix
// makes an id self-describing in logs and event payloads.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const (
	PrefixThread   = "th"
	PrefixDocument = "doc"
	PrefixChunk    = "ch"
	PrefixRequest  = "req"
	PrefixEvent    = "ev"
	PrefixToolCall = "tool"
	PrefixRef      = "ref"
	PrefixMessage  = "msg"
)

// New returns "<prefix>_<uuid-without-dashes>".
func New(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}
