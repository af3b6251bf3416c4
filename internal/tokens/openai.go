package tokens

import (
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"
)

// Chat framing overhead, per OpenAI's counting guidance.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	replyPriming     = 3
)

// TiktokenCounter counts tokens exactly for OpenAI model families.
type TiktokenCounter struct {
	mu     sync.RWMutex
	codecs map[tokenizer.Encoding]tokenizer.Codec
}

// NewTiktokenCounter creates a counter with an empty codec cache.
func NewTiktokenCounter() *TiktokenCounter {
	return &TiktokenCounter{codecs: make(map[tokenizer.Encoding]tokenizer.Codec)}
}

// SupportsModel reports whether model uses a tiktoken encoding.
func (c *TiktokenCounter) SupportsModel(model string) bool {
	m := strings.ToLower(model)
	for _, p := range []string{"gpt-", "o1", "o3", "o4", "text-embedding"} {
		if strings.HasPrefix(m, p) {
			return true
		}
	}
	return false
}

// Count returns the tokens of a system and user message pair.
func (c *TiktokenCounter) Count(model, system, prompt string) (int, error) {
	codec, err := c.codec(encodingFor(model))
	if err != nil {
		return 0, err
	}
	total := replyPriming
	for _, text := range []string{system, prompt} {
		if text == "" {
			continue
		}
		ids, _, err := codec.Encode(text)
		if err != nil {
			return 0, fmt.Errorf("encode: %w", err)
		}
		total += tokensPerMessage + tokensPerRole + len(ids)
	}
	return total, nil
}

func (c *TiktokenCounter) codec(enc tokenizer.Encoding) (tokenizer.Codec, error) {
	c.mu.RLock()
	cached, ok := c.codecs[enc]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	codec, err := tokenizer.Get(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}

	c.mu.Lock()
	c.codecs[enc] = codec
	c.mu.Unlock()
	return codec, nil
}

// encodingFor maps model names to encodings.
//   - O200kBase: GPT-4.1, GPT-4o, o-series and newer
//   - Cl100kBase: GPT-4, GPT-3.5-turbo, embeddings
func encodingFor(model string) tokenizer.Encoding {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"), strings.HasPrefix(m, "gpt-5"):
		return tokenizer.O200kBase
	case strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return tokenizer.O200kBase
	case strings.HasPrefix(m, "gpt-4"), strings.HasPrefix(m, "gpt-3.5"), strings.HasPrefix(m, "text-embedding"):
		return tokenizer.Cl100kBase
	default:
		return tokenizer.O200kBase
	}
}
