package types

import (
	"strings"
)

// Trade comments carry strategy attribution in the form
// STRATEGY[|RANGE][|DIRECTION][|CONFIRMATIONS], capped at 31 characters.
// There is no dedicated strategy-id field on a position, so the comment is
// the only link from a position back to its originating strategy.

// MaxCommentLen is the longest comment a broker accepts
const MaxCommentLen = 31

// Known strategy tags
const (
	StrategyTagBreakout = "TB"
	StrategyTagFakeout  = "FB"
	StrategyTagHFT      = "HFT"
)

// Known range tags
const (
	RangeTag15M1M = "15M_1M"
	RangeTag4H5M  = "4H_5M"
)

// CommentTag is the parsed form of a trade comment
type CommentTag struct {
	Strategy      string `json:"strategy"`
	Range         string `json:"range,omitempty"`
	Direction     string `json:"direction,omitempty"`
	Confirmations string `json:"confirmations,omitempty"`
}

// BuildComment assembles a trade comment, dropping trailing fields that would
// push it past the length cap. The strategy tag is never dropped.
func BuildComment(strategy, rangeTag, direction, confirmations string) string {
	parts := []string{strategy}
	for _, p := range []string{rangeTag, direction, confirmations} {
		if p == "" {
			continue
		}
		parts = append(parts, p)
	}
	comment := strings.Join(parts, "|")
	for len(comment) > MaxCommentLen && len(parts) > 1 {
		parts = parts[:len(parts)-1]
		comment = strings.Join(parts, "|")
	}
	if len(comment) > MaxCommentLen {
		comment = comment[:MaxCommentLen]
	}
	return comment
}

// ParseComment parses a trade comment. Legacy comments that do not follow the
// pipe grammar are handled by a prefix match on the known strategy tags.
func ParseComment(comment string) CommentTag {
	if comment == "" {
		return CommentTag{}
	}
	parts := strings.Split(comment, "|")
	tag := CommentTag{Strategy: parts[0]}
	if !knownStrategyTag(tag.Strategy) {
		// Legacy form: fall back to prefix match
		for _, s := range []string{StrategyTagHFT, StrategyTagBreakout, StrategyTagFakeout} {
			if strings.HasPrefix(comment, s) {
				return CommentTag{Strategy: s}
			}
		}
		return CommentTag{Strategy: comment}
	}
	for _, p := range parts[1:] {
		switch {
		case p == RangeTag15M1M || p == RangeTag4H5M:
			tag.Range = p
		case p == "buy" || p == "sell":
			tag.Direction = p
		default:
			tag.Confirmations = p
		}
	}
	return tag
}

func knownStrategyTag(s string) bool {
	return s == StrategyTagBreakout || s == StrategyTagFakeout || s == StrategyTagHFT
}
