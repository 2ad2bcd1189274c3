package sendqueue

import (
	"strings"

	"go.uber.org/zap"
)

// recipientValidator filters a raw recipient list down to sendable refs. It
// drops duplicates, the local user and malformed refs, preserving first-seen
// order. Dropped entries are logged at warn with a reason.
type recipientValidator struct {
	log  *zap.SugaredLogger
	self RecipientRef
}

func newRecipientValidator(log *zap.SugaredLogger, self RecipientRef) *recipientValidator {
	return &recipientValidator{log: log, self: self}
}

func (v *recipientValidator) validate(candidates []RecipientRef) []RecipientRef {
	seen := make(map[RecipientRef]bool, len(candidates))
	valid := make([]RecipientRef, 0, len(candidates))
	for _, c := range candidates {
		if c == "" || strings.ContainsAny(string(c), " \t\n") {
			v.log.Warnf("dropping recipient %q: malformed ref", c)
			continue
		}
		if c == v.self {
			v.log.Warnf("dropping recipient %s: local user", c)
			continue
		}
		if seen[c] {
			v.log.Warnf("dropping recipient %s: duplicate", c)
			continue
		}
		seen[c] = true
		valid = append(valid, c)
	}
	return valid
}
