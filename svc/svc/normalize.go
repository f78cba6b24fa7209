package svc

import (
	"strings"
	"unicode/utf8"

	"fadebin/cfg"
)

// Out-of-allow-list choices are cosmetic, so they coerce silently to a
// default instead of failing the request. Only content size is a hard
// rejection.

var allowedLanguages = map[string]struct{}{
	"auto": {}, "plaintext": {}, "rust": {}, "python": {}, "javascript": {},
	"typescript": {}, "go": {}, "java": {}, "cpp": {}, "html": {},
	"css": {}, "json": {}, "yaml": {}, "sql": {}, "bash": {},
}

const (
	languageAuto  = "auto"
	titleFallback = "Untitled"
	maxTitleRunes = 80
)

func normalizeExpiresIn(secs int64, c *cfg.Cfg) int64 {
	if secs <= 0 {
		return c.DefaultTTLSecs
	}
	for _, preset := range c.TTLPresetsSecs {
		if preset == secs {
			return secs
		}
	}
	return c.DefaultTTLSecs
}

func normalizeTokenLength(n int, c *cfg.Cfg) int {
	if n <= 0 {
		return c.DefaultTokenLength
	}
	for _, allowed := range c.TokenLengths {
		if allowed == n {
			return n
		}
	}
	return c.DefaultTokenLength
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if _, ok := allowedLanguages[lang]; ok {
		return lang
	}
	return languageAuto
}

// normalizeTitle falls back to the first non-blank content line, truncated
// to 80 runes, then to "Untitled".
func normalizeTitle(title, content string) string {
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if utf8.RuneCountInString(line) > maxTitleRunes {
			runes := []rune(line)
			return string(runes[:maxTitleRunes])
		}
		return line
	}
	return titleFallback
}

func normalizeMaxViews(v *int64) *int64 {
	if v == nil || *v <= 0 {
		return nil
	}
	n := *v
	return &n
}
