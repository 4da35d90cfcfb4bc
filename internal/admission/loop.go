package admission

import "github.com/busybox42/mailgate/internal/message"

// CountHops returns the number of Received fields in the candidate header.
func CountHops(c *message.Candidate) int {
	return c.CountFields("Received")
}

// IsLoop reports whether a message that already traversed hops relays
// should be refused. A limit of zero disables the check.
func IsLoop(hops, limit int) bool {
	return limit > 0 && hops >= limit
}
