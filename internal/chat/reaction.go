package chat

import "slices"

// Reaction is one emoji and the set of users who reacted with it.
type Reaction struct {
	Emoji   string
	UserIDs []string
}

// Count is always the size of the user set.
func (r Reaction) Count() int { return len(r.UserIDs) }

// Has reports whether userID reacted with this emoji.
func (r Reaction) Has(userID string) bool {
	return slices.Contains(r.UserIDs, userID)
}

// AddReaction returns a new reaction list with userID added to emoji. The
// input is never modified. changed is false when the user already reacted.
func AddReaction(rs []Reaction, emoji, userID string) (out []Reaction, changed bool) {
	i := slices.IndexFunc(rs, func(r Reaction) bool { return r.Emoji == emoji })
	if i >= 0 && rs[i].Has(userID) {
		return rs, false
	}
	out = cloneReactions(rs)
	if i < 0 {
		return append(out, Reaction{Emoji: emoji, UserIDs: []string{userID}}), true
	}
	out[i].UserIDs = append(out[i].UserIDs, userID)
	return out, true
}

// RemoveReaction returns a new list without userID under emoji; an entry left
// with no users is dropped.
func RemoveReaction(rs []Reaction, emoji, userID string) (out []Reaction, changed bool) {
	i := slices.IndexFunc(rs, func(r Reaction) bool { return r.Emoji == emoji })
	if i < 0 || !rs[i].Has(userID) {
		return rs, false
	}
	out = cloneReactions(rs)
	out[i].UserIDs = slices.DeleteFunc(out[i].UserIDs, func(u string) bool { return u == userID })
	if len(out[i].UserIDs) == 0 {
		out = slices.Delete(out, i, i+1)
	}
	return out, true
}

// NormalizeReactions merges duplicate emoji, dedupes users and drops empty
// entries. Used on data arriving from the wire.
func NormalizeReactions(rs []Reaction) []Reaction {
	var out []Reaction
	for _, r := range rs {
		if r.Emoji == "" {
			continue
		}
		for _, u := range r.UserIDs {
			if u == "" {
				continue
			}
			out, _ = AddReaction(out, r.Emoji, u)
		}
	}
	return out
}

func cloneReactions(rs []Reaction) []Reaction {
	if rs == nil {
		return nil
	}
	out := make([]Reaction, len(rs))
	for i, r := range rs {
		out[i] = Reaction{Emoji: r.Emoji, UserIDs: slices.Clone(r.UserIDs)}
	}
	return out
}
