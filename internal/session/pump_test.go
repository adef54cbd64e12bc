package session

import (
	"testing"
)

func TestChunkDecoder(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{"ascii", []string{"hello", " world"}, []string{"hello", " world"}},
		{"split two-byte rune", []string{"caf\xc3", "\xa9!"}, []string{"caf", "é!"}},
		{"split three-byte rune", []string{"\xe2", "\x82", "\xac"}, []string{"", "", "€"}},
		{"invalid byte replaced", []string{"a\xffb"}, []string{"a�b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newChunkDecoder()
			for i, c := range tt.chunks {
				if got := d.decode([]byte(c)); got != tt.want[i] {
					t.Errorf("chunk %d: got %q, want %q", i, got, tt.want[i])
				}
			}
		})
	}
}

func TestChunkDecoderFlush(t *testing.T) {
	d := newChunkDecoder()
	if got := d.decode([]byte("ok\xe2\x82")); got != "ok" {
		t.Fatalf("decode: got %q", got)
	}
	if got := d.flush(); got != "�" {
		t.Errorf("flush: got %q, want replacement rune", got)
	}
	if got := d.flush(); got != "" {
		t.Errorf("second flush: got %q, want empty", got)
	}
}
