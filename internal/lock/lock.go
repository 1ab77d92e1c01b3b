// Package lock serializes reconciliations that touch the same email or phone.
//
// A reconciliation acquires one key per identifier it submits. Keys are always
// acquired in lexicographic order so two requests sharing identifiers can never
// deadlock on each other.
package lock

import (
	"context"
	"errors"
	"sort"
	"strings"
)

// ErrTimeout is returned when a key could not be acquired before the wait
// budget ran out. Callers treat it as a concurrency conflict.
var ErrTimeout = errors.New("lock: wait timeout")

// Unlock releases every key taken by a single Lock call.
type Unlock func()

// Locker acquires a set of keys as one unit.
type Locker interface {
	Lock(ctx context.Context, keys []string) (Unlock, error)
}

// Keys builds the ordered, de-duplicated lock keys for a submission. Emails
// compare case-insensitively; phones compare on their trimmed text.
func Keys(email, phone *string) []string {
	keys := make([]string, 0, 2)
	if email != nil {
		if v := strings.ToLower(strings.TrimSpace(*email)); v != "" {
			keys = append(keys, "email:"+v)
		}
	}
	if phone != nil {
		if v := strings.TrimSpace(*phone); v != "" {
			keys = append(keys, "phone:"+v)
		}
	}
	return normalize(keys)
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
