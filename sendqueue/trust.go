package sendqueue

import "golang.org/x/exp/slices"

// trustGate determines which of a set of recipients have unresolved identity
// key changes. A non-empty result blocks the whole attempt so no partial
// send reaches a now-suspect identity set.
type trustGate struct {
	conversations ConversationStore
}

func newTrustGate(conversations ConversationStore) *trustGate {
	return &trustGate{conversations: conversations}
}

// check returns the untrusted subset in a stable order so notifications are
// deterministic regardless of where the recipient set came from.
func (t *trustGate) check(recipients []RecipientRef) []RecipientRef {
	var untrusted []RecipientRef
	for _, r := range recipients {
		if t.conversations.IsUntrusted(r) {
			untrusted = append(untrusted, r)
		}
	}
	slices.Sort(untrusted)
	return untrusted
}
