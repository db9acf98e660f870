package antiban

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

// ============================================
// ANTI-ABUSE POLICY
// Pacing and content variation used by the sender and the dispatcher.
// ============================================

// Config tunes the policy. Zero values fall back to DefaultConfig.
type Config struct {
	TypingPerCharMin time.Duration
	TypingPerCharMax time.Duration
	TypingPerWordMin time.Duration
	TypingPerWordMax time.Duration
	TypingMin        time.Duration
	TypingMax        time.Duration

	// CooldownJitter is the fraction of the batch cooldown added at random.
	CooldownJitter float64

	EmojiChance       float64
	CloseChance       float64
	PunctuationChance float64
	ZeroWidthMin      int
	ZeroWidthMax      int
}

// DefaultConfig mirrors the timings the worker has always used:
// 30-80ms per character, 50-100ms per word, clamped to 0.5s-5s.
func DefaultConfig() Config {
	return Config{
		TypingPerCharMin:  30 * time.Millisecond,
		TypingPerCharMax:  80 * time.Millisecond,
		TypingPerWordMin:  50 * time.Millisecond,
		TypingPerWordMax:  100 * time.Millisecond,
		TypingMin:         500 * time.Millisecond,
		TypingMax:         5 * time.Second,
		CooldownJitter:    0.1,
		EmojiChance:       0.3,
		CloseChance:       0.25,
		PunctuationChance: 0.5,
		ZeroWidthMin:      2,
		ZeroWidthMax:      4,
	}
}

// Policy is safe for concurrent use.
type Policy struct {
	cfg Config

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewPolicy builds a policy. A nil source seeds from the runtime.
func NewPolicy(cfg Config, src rand.Source) *Policy {
	def := DefaultConfig()
	if cfg.TypingPerCharMax <= 0 {
		cfg.TypingPerCharMin, cfg.TypingPerCharMax = def.TypingPerCharMin, def.TypingPerCharMax
	}
	if cfg.TypingPerWordMax <= 0 {
		cfg.TypingPerWordMin, cfg.TypingPerWordMax = def.TypingPerWordMin, def.TypingPerWordMax
	}
	if cfg.TypingMax <= 0 {
		cfg.TypingMin, cfg.TypingMax = def.TypingMin, def.TypingMax
	}
	if cfg.ZeroWidthMax <= 0 {
		cfg.ZeroWidthMin, cfg.ZeroWidthMax = def.ZeroWidthMin, def.ZeroWidthMax
	}
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Policy{cfg: cfg, rnd: rand.New(src)}
}

// between returns a uniformly random duration in [lo, hi].
func (p *Policy) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(p.rnd.Int64N(int64(hi-lo)+1))
}

// ============================================
// TIMING
// ============================================

// TypingDelay simulates how long a person needs to type text.
func (p *Policy) TypingDelay(text string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	chars := len([]rune(text))
	words := len(strings.Fields(text))

	total := time.Duration(chars)*p.between(p.cfg.TypingPerCharMin, p.cfg.TypingPerCharMax) +
		time.Duration(words)*p.between(p.cfg.TypingPerWordMin, p.cfg.TypingPerWordMax)

	if total > p.cfg.TypingMax {
		total = p.cfg.TypingMax
	}
	if total < p.cfg.TypingMin {
		total = p.cfg.TypingMin
	}
	return total
}

// RandomDelay picks a delay inside [min, max].
func (p *Policy) RandomDelay(min, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	if min < 0 {
		min = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.between(min, max)
}

// MessageDelay is base ± jitter, never negative.
func (p *Policy) MessageDelay(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		if base < 0 {
			return 0
		}
		return base
	}
	p.mu.Lock()
	d := base - jitter + p.between(0, 2*jitter)
	p.mu.Unlock()
	if d < 0 {
		return 0
	}
	return d
}

// BatchCooldown is base plus up to CooldownJitter of base. Zero stays zero.
func (p *Policy) BatchCooldown(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	extra := time.Duration(float64(base) * p.cfg.CooldownJitter)
	p.mu.Lock()
	defer p.mu.Unlock()
	return base + p.between(0, extra)
}

// ============================================
// CONTENT VARIATION
// ============================================

var closings = []string{
	"Thanks!",
	"Best regards",
	"Kind regards",
	"Have a great day",
	"Cheers",
}

var emojis = []string{
	"😊", "👍", "🙏", "✨", "💪", "🎉", "👋", "😄",
	"🔥", "💯", "⭐", "🌟", "🙌", "👏",
}

var zeroWidth = []string{
	"\u200B", // zero-width space
	"\u200C", // zero-width non-joiner
	"\u200D", // zero-width joiner
	"\uFEFF", // zero-width no-break space
}

// Vary returns a cosmetically different rendition of text so that bulk
// sends do not share an identical body.
func (p *Policy) Vary(text string) string {
	if strings.TrimSpace(text) == "" {
		return text
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := p.spin(text)
	out = p.punctuate(out)
	if p.cfg.CloseChance > 0 && p.rnd.Float64() < p.cfg.CloseChance {
		out += "\n\n" + closings[p.rnd.IntN(len(closings))]
	}
	if p.cfg.EmojiChance > 0 && p.rnd.Float64() < p.cfg.EmojiChance {
		out += " " + emojis[p.rnd.IntN(len(emojis))]
	}
	n := p.cfg.ZeroWidthMin
	if p.cfg.ZeroWidthMax > n {
		n += p.rnd.IntN(p.cfg.ZeroWidthMax - n + 1)
	}
	for i := 0; i < n; i++ {
		out += zeroWidth[p.rnd.IntN(len(zeroWidth))]
	}
	return out
}

// SpinTags resolves {a|b|c} groups. Braces without a '|' are left alone so
// placeholders such as {name} survive.
func (p *Policy) SpinTags(text string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spin(text)
}

func (p *Policy) spin(text string) string {
	var b strings.Builder
	rest := text
	for {
		start := strings.IndexByte(rest, '{')
		if start == -1 {
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end == -1 {
			break
		}
		end += start

		inner := rest[start+1 : end]
		b.WriteString(rest[:start])
		if strings.Contains(inner, "|") {
			opts := strings.Split(inner, "|")
			b.WriteString(opts[p.rnd.IntN(len(opts))])
		} else {
			b.WriteString(rest[start : end+1])
		}
		rest = rest[end+1:]
	}
	b.WriteString(rest)
	return b.String()
}

// punctuate swaps the closing punctuation mark.
func (p *Policy) punctuate(text string) string {
	if p.cfg.PunctuationChance <= 0 || p.rnd.Float64() >= p.cfg.PunctuationChance {
		return text
	}
	trimmed := strings.TrimRight(text, ".!")
	marks := []string{"", ".", "!", "!!"}
	return trimmed + marks[p.rnd.IntN(len(marks))]
}

// StripInvisible removes the zero-width marks added by Vary.
func StripInvisible(text string) string {
	for _, z := range zeroWidth {
		text = strings.ReplaceAll(text, z, "")
	}
	return text
}
