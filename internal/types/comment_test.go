package types

import (
	"testing"
)

func TestBuildComment_Full(t *testing.T) {
	c := BuildComment(StrategyTagBreakout, RangeTag15M1M, "buy", "VTR")
	if c != "TB|15M_1M|buy|VTR" {
		t.Errorf("unexpected comment: %q", c)
	}
	if len(c) > MaxCommentLen {
		t.Errorf("comment exceeds %d chars: %q", MaxCommentLen, c)
	}
}

func TestBuildComment_DropsTrailingFieldsOverCap(t *testing.T) {
	long := "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	c := BuildComment(StrategyTagFakeout, RangeTag4H5M, "sell", long)
	if len(c) > MaxCommentLen {
		t.Fatalf("comment exceeds cap: %q (%d)", c, len(c))
	}
	if ParseComment(c).Strategy != StrategyTagFakeout {
		t.Errorf("strategy tag lost: %q", c)
	}
}

func TestParseComment(t *testing.T) {
	tests := []struct {
		comment string
		want    CommentTag
	}{
		{"TB|15M_1M|buy|VTR", CommentTag{Strategy: "TB", Range: "15M_1M", Direction: "buy", Confirmations: "VTR"}},
		{"FB|4H_5M|sell", CommentTag{Strategy: "FB", Range: "4H_5M", Direction: "sell"}},
		{"HFT|buy", CommentTag{Strategy: "HFT", Direction: "buy"}},
		{"TB", CommentTag{Strategy: "TB"}},
		{"", CommentTag{}},
		// Legacy comment without pipes falls back to prefix match
		{"HFT-momentum-v2", CommentTag{Strategy: "HFT"}},
		{"TB breakout old", CommentTag{Strategy: "TB"}},
	}
	for _, tt := range tests {
		if got := ParseComment(tt.comment); got != tt.want {
			t.Errorf("ParseComment(%q) = %+v, want %+v", tt.comment, got, tt.want)
		}
	}
}

func TestPositionFilter_StrategyTag(t *testing.T) {
	p := &Position{Symbol: "EURUSD", MagicNumber: 77, Comment: "TB|15M_1M|buy"}
	if !(PositionFilter{Symbol: "EURUSD", Magic: 77, StrategyTag: "TB"}).Matches(p) {
		t.Error("expected filter to match")
	}
	if (PositionFilter{StrategyTag: "FB"}).Matches(p) {
		t.Error("expected strategy tag mismatch")
	}
	if (PositionFilter{Symbol: "GBPUSD"}).Matches(p) {
		t.Error("expected symbol mismatch")
	}
}
