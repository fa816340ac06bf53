package tokenutil

import (
	"strings"
	"testing"
)

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{
			name:    "empty string",
			content: "",
			want:    0,
		},
		{
			name:    "single word",
			content: "hello",
			want:    1, // max(1*1.33=1, 5/4=1) = 1
		},
		{
			name:    "paragraph",
			content: "The quick brown fox jumps over the lazy dog near the river bank",
			want:    17, // 13 words * 1.33 = 17, len=63, 63/4=15 => max(17,15) = 17
		},
		{
			name:    "code snippet",
			content: `func main() { fmt.Println("hello") }`,
			want:    9, // len=37, 37/4=9; 4 words * 1.33 = 5 => max(5,9) = 9
		},
		{
			name: "CJK text",
			// CJK characters: each is typically 3 bytes in UTF-8, few whitespace-separated words.
			content: "你好世界欢迎光临",
			want:    6, // 1 word * 1.33 = 1; len=24 bytes, 24/4=6 => max(1,6) = 6
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.content)
			if got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}

func TestTruncateToBudget_FitsUnchanged(t *testing.T) {
	content := "short entry"
	if got := TruncateToBudget(content, 100); got != content {
		t.Fatalf("expected unchanged content, got %q", got)
	}
}

func TestTruncateToBudget_ZeroBudget(t *testing.T) {
	if got := TruncateToBudget("anything", 0); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestTruncateToBudget_DropsOldestLines(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, "journal entry number with several words in it")
	}
	content := strings.Join(lines, "\n")
	got := TruncateToBudget(content, 40)
	if got == content {
		t.Fatal("expected truncation")
	}
	if EstimateTokens(got) > 40 {
		t.Fatalf("estimate %d exceeds budget 40", EstimateTokens(got))
	}
	// The tail survives.
	if !strings.HasSuffix(content, got) {
		t.Fatal("expected truncated content to be a suffix of the original")
	}
}

func TestTruncateToBudget_SingleLongLine(t *testing.T) {
	content := strings.Repeat("x", 4000)
	got := TruncateToBudget(content, 10)
	if EstimateTokens(got) > 10 {
		t.Fatalf("estimate %d exceeds budget 10", EstimateTokens(got))
	}
	if got == "" {
		t.Fatal("expected a trailing slice, got empty")
	}
}
