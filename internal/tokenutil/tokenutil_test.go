package tokenutil

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "empty string", content: "", want: 0},
		{name: "single word", content: "hello", want: 1},
		{
			name:    "english sentence",
			content: "The quick brown fox jumps over the lazy dog near the river bank",
			want:    17, // 13 words * 1.33
		},
		{
			name:    "json record",
			content: `{"verdict":"merge","confidence":0.9}`,
			want:    9, // 37 bytes / 4
		},
		{
			name:    "chinese headline",
			content: "苹果公司在德克萨斯州开设新工厂",
			want:    15, // one rune per Han character beats 45/4
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.content); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}
