// Package bus carries the asynchronous side of the protocol: the intent
// mirror and fill reports, one subject per symbol.
package bus

import (
	"fmt"
	"strings"
)

// SanitizeSymbol normalizes a venue symbol for use in a subject name:
// uppercase, separators removed, so "btc/usdt" and "BTC-USDT" both map to
// "BTCUSDT".
func SanitizeSymbol(symbol string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(symbol)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IntentSubject is the per-symbol topic the decision side mirrors approved
// intents onto.
func IntentSubject(symbol string) string {
	return fmt.Sprintf("intent.%s", SanitizeSymbol(symbol))
}

// FillSubject is the per-symbol topic execution publishes live fills to.
func FillSubject(symbol string) string {
	return fmt.Sprintf("fill.%s", SanitizeSymbol(symbol))
}

// ShadowFillSubject carries paper-mode fills, kept apart from live fills
// so consumers cannot confuse the two.
func ShadowFillSubject(symbol string) string {
	return fmt.Sprintf("shadow_fill.%s", SanitizeSymbol(symbol))
}
