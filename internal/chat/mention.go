package chat

import (
	"iter"
	"strings"
	"unicode"

	"github.com/whisper/rooms/internal/store"
)

// Mentions yields the distinct @-tokens of content from left to right. A
// token is the non-whitespace run following an '@', kept as written, so
// "@Park," yields "Park,".
func Mentions(content string) iter.Seq[string] {
	return func(yield func(string) bool) {
		seen := make(map[string]struct{})
		for field := range strings.FieldsSeq(content) {
			at := strings.IndexByte(field, '@')
			if at < 0 {
				continue
			}
			token := field[at+1:]
			if token == "" {
				continue
			}
			if _, dup := seen[token]; dup {
				continue
			}
			seen[token] = struct{}{}
			if !yield(token) {
				return
			}
		}
	}
}

// MatchMentions returns the members whose display name equals an @-token in
// content. Matching is exact and case-sensitive. A token matches as written
// first, so "@Dr." finds a member named "Dr."; only when nobody has that
// name is trailing punctuation dropped, so "@Kim!" still finds "Kim". Each
// member appears at most once, in token order.
func MatchMentions(content string, members []store.Member) []store.Member {
	byName := make(map[string][]store.Member, len(members))
	for _, m := range members {
		if m.DisplayName == "" {
			continue
		}
		byName[m.DisplayName] = append(byName[m.DisplayName], m)
	}

	var (
		out  []store.Member
		seen = make(map[string]struct{})
	)
	for token := range Mentions(content) {
		named, ok := byName[token]
		if !ok {
			named = byName[strings.TrimRightFunc(token, unicode.IsPunct)]
		}
		for _, m := range named {
			if _, ok := seen[m.UserID]; ok {
				continue
			}
			seen[m.UserID] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}
