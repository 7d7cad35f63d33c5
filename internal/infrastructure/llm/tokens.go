package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	encoder *tiktoken.Tiktoken
)

// CountTokens estimates the token count of s using the cl100k_base
// encoding. When the encoding cannot be loaded (offline, missing cache)
// it falls back to the len/4 heuristic.
func CountTokens(s string) int {
	encOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	if encoder == nil {
		return (len(s) + 3) / 4
	}
	return len(encoder.Encode(s, nil, nil))
}
