package notify

import (
	"fmt"
	"strings"
)

// FailurePolicy decides what happens to a subscriber whose delivery failed.
type FailurePolicy int

const (
	// FailureRetain leaves the subscriber unchanged so the next cycle retries.
	FailureRetain FailurePolicy = iota
	// FailureUnsubscribe removes the subscriber.
	FailureUnsubscribe
)

func (p FailurePolicy) String() string {
	switch p {
	case FailureRetain:
		return "retain"
	case FailureUnsubscribe:
		return "unsubscribe"
	default:
		return fmt.Sprintf("FailurePolicy(%d)", int(p))
	}
}

// ParseFailurePolicy parses "retain" or "unsubscribe". Empty means retain.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "retain":
		return FailureRetain, nil
	case "unsubscribe":
		return FailureUnsubscribe, nil
	default:
		return FailureRetain, fmt.Errorf("unknown failure policy %q (want retain or unsubscribe)", s)
	}
}
