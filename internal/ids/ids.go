// Package ids generates the identifiers used across taskd: time-ordered
// UUIDv7 values for task trackers and reservations, and compact xids for
// message envelopes and instance originators.
package ids

import (
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewTracker returns a UUIDv7 value (time-ordered) or panics if generation fails.
func NewTracker() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewMessage returns a sortable, globally unique message id.
func NewMessage() string {
	return xid.New().String()
}

// NewOriginator returns an instance identity of the form <host>-<xid>. The
// host prefix keeps ids readable in logs; the xid suffix keeps restarts of
// the same host distinct.
func NewOriginator() string {
	host, err := os.Hostname()
	host = strings.ToLower(strings.TrimSpace(host))
	if err != nil || host == "" {
		host = "taskd"
	}
	return host + "-" + xid.New().String()
}
