package translate

import (
	"reflect"
	"strings"
	"testing"

	"github.com/adverant/nexus/imagetranslate-worker/internal/cluster"
)

func TestSanitize(t *testing.T) {
	in := []string{"  hello \n  world ", "你 好", "www.example.com scans", "...!!", "", "Chapter 3", "第一"}
	want := []string{"hello world", "你好", "", "", "", "", "第一"}

	got := Sanitize(in, DefaultNoisePattern)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Sanitize = %q, want %q", got, want)
	}

	if got := Sanitize([]string{"Chapter 3"}, nil); got[0] != "Chapter 3" {
		t.Errorf("nil noise pattern should keep text, got %q", got[0])
	}
}

func TestNoisePatternsDiffer(t *testing.T) {
	tests := []struct {
		text        string
		wantRegion  bool
		wantSegment bool
	}{
		{text: "Chapter 12", wantRegion: true, wantSegment: true},
		{text: "出品 监制", wantRegion: true, wantSegment: true},
		{text: "责编 小王", wantRegion: true, wantSegment: false},
		{text: "www.example.com", wantRegion: false, wantSegment: true},
		{text: "https://t.co/x", wantRegion: false, wantSegment: true},
		{text: "ACLOUD scans", wantRegion: false, wantSegment: true},
		{text: "hello world", wantRegion: false, wantSegment: false},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := cluster.DefaultNoisePattern.MatchString(tt.text); got != tt.wantRegion {
				t.Errorf("region pattern match = %v, want %v", got, tt.wantRegion)
			}
			if got := DefaultNoisePattern.MatchString(tt.text); got != tt.wantSegment {
				t.Errorf("segment pattern match = %v, want %v", got, tt.wantSegment)
			}
		})
	}
}

func TestSplitLongSegment(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		limit int
		want  []string
	}{
		{
			name:  "short stays whole",
			input: "abc",
			limit: 10,
			want:  []string{"abc"},
		},
		{
			name:  "cuts after sentence end past 60 percent",
			input: "aaaaaaa. bbbbbbbbbb",
			limit: 10,
			want:  []string{"aaaaaaa.", "bbbbbbbbbb"},
		},
		{
			name:  "ignores early terminator and hard cuts",
			input: "a. bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
			limit: 10,
			want:  nil, // checked by length below
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := splitLongSegment(tc.input, tc.limit)
			if tc.want != nil {
				if !reflect.DeepEqual(got, tc.want) {
					t.Errorf("splitLongSegment = %q, want %q", got, tc.want)
				}
				return
			}
			if strings.ReplaceAll(strings.Join(got, ""), " ", "") != strings.ReplaceAll(tc.input, " ", "") {
				t.Errorf("pieces %q lose text", got)
			}
			for _, p := range got[:len(got)-1] {
				if len([]rune(p)) > tc.limit {
					t.Errorf("piece %q longer than limit", p)
				}
			}
		})
	}
}

func TestPackRespectsBudget(t *testing.T) {
	texts := []string{strings.Repeat("a", 900), strings.Repeat("b", 800), strings.Repeat("c", 300), "d"}
	chunks := Pack(texts, MaxPerCall)

	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if !reflect.DeepEqual(chunks[0].Pieces, []int{0, 1}) || !reflect.DeepEqual(chunks[1].Pieces, []int{2, 3}) {
		t.Errorf("unexpected packing %v / %v", chunks[0].Pieces, chunks[1].Pieces)
	}
	for _, ch := range chunks {
		if n := len([]rune(ch.Text)); n > MaxPerCall {
			t.Errorf("chunk of %d runes exceeds budget", n)
		}
	}
	if got := SplitTranslated(chunks[1].Text); !reflect.DeepEqual(got, []string{strings.Repeat("c", 300), "d"}) {
		t.Errorf("chunk does not round trip through the delimiter")
	}
}

func TestPackOversizePieceAlone(t *testing.T) {
	chunks := Pack([]string{"x", strings.Repeat("y", 50), "z"}, 10)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if chunks[1].Text != strings.Repeat("y", 50) {
		t.Errorf("oversize piece should be sent on its own")
	}
}

func TestAlign(t *testing.T) {
	sources := []string{"s0", "s1", "s2"}
	testCases := []struct {
		name  string
		parts []string
		want  []string
	}{
		{name: "exact", parts: []string{"a", "b", "c"}, want: []string{"a", "b", "c"}},
		{name: "missing padded", parts: []string{"a"}, want: []string{"a", "s1", "s2"}},
		{name: "extra truncated", parts: []string{"a", "b", "c", "d"}, want: []string{"a", "b", "c"}},
		{name: "blank replaced", parts: []string{"a", "", "c"}, want: []string{"a", "s1", "c"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := align(tc.parts, sources); !reflect.DeepEqual(got, tc.want) {
				t.Errorf("align = %q, want %q", got, tc.want)
			}
		})
	}
}
