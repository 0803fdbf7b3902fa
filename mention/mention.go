// Package mention parses @username tokens out of free-text comment content
// and resolves the notification audience for a comment. Everything here is
// pure; the caller persists the resulting notification rows.
package mention

import (
	"regexp"
	"strings"

	"billing-pipeline/domain"
)

// A candidate mention is '@' plus word characters, preceded by start-of-text
// or whitespace so emails like a@b.com are left alone. Length is bounded the
// same way usernames are at registration.
var pattern = regexp.MustCompile(`(^|\s)@([A-Za-z0-9_]+)`)

const maxUsernameLen = 50

// Parse extracts unique candidate usernames from content, preserving first
// occurrence order. Dedup is case-insensitive; the returned names keep the
// casing of their first occurrence, without the '@' prefix.
func Parse(content string) []string {
	matches := pattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]struct{})
	var out []string
	for _, m := range matches {
		name := m[2]
		if len(name) > maxUsernameLen {
			continue
		}
		lower := strings.ToLower(name)
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		out = append(out, name)
	}
	return out
}

// Context describes the comment the content belongs to.
type Context struct {
	AuthorUserID string
	// ParentAuthorUserID is set when the comment is a reply; its author is
	// always notified in addition to any mentions.
	ParentAuthorUserID string
}

// Recipient is one (user, notification type) pair in the resolved audience.
type Recipient struct {
	UserID string
	Type   string
}

// Resolve determines the notification audience for a comment. Candidate
// mentions are matched case-insensitively against the supplied directory
// snapshot (lowercase username -> user); unmatched tokens are ignored.
// An author is never notified of their own action, and the result is a set:
// a user mentioned twice yields a single recipient. Mention recipients come
// first in parse order, the reply recipient last.
func Resolve(content string, rctx Context, users map[string]domain.User) []Recipient {
	var out []Recipient
	added := make(map[Recipient]struct{})
	add := func(r Recipient) {
		if _, dup := added[r]; dup {
			return
		}
		added[r] = struct{}{}
		out = append(out, r)
	}

	for _, name := range Parse(content) {
		u, ok := users[strings.ToLower(name)]
		if !ok {
			continue
		}
		if u.ID == rctx.AuthorUserID {
			continue
		}
		add(Recipient{UserID: u.ID, Type: domain.NotificationMention})
	}

	if rctx.ParentAuthorUserID != "" && rctx.ParentAuthorUserID != rctx.AuthorUserID {
		add(Recipient{UserID: rctx.ParentAuthorUserID, Type: domain.NotificationReply})
	}

	return out
}
