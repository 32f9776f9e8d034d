package actuator

import "strings"

// keyNames is the closed set of named keys a PressKey step may use.
var keyNames = []string{
	"Enter", "Tab", "Escape", "Backspace", "Delete", "Space",
	"ArrowUp", "ArrowDown", "ArrowLeft", "ArrowRight",
	"PageUp", "PageDown", "Home", "End",
}

var keyAliases = map[string]string{
	"return": "Enter",
	"esc":    "Escape",
	"del":    "Delete",
	"up":     "ArrowUp",
	"down":   "ArrowDown",
	"left":   "ArrowLeft",
	"right":  "ArrowRight",
	" ":      "Space",
}

// KeyNames returns the supported key names.
func KeyNames() []string {
	out := make([]string, len(keyNames))
	copy(out, keyNames)
	return out
}

// NormalizeKey maps a key name, case-insensitively and with common aliases,
// onto its canonical form.
func NormalizeKey(key string) (string, bool) {
	if alias, ok := keyAliases[strings.ToLower(key)]; ok {
		return alias, true
	}
	trimmed := strings.TrimSpace(key)
	for _, k := range keyNames {
		if strings.EqualFold(k, trimmed) {
			return k, true
		}
	}
	return "", false
}
