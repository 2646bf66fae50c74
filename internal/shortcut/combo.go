// Package shortcut normalizes key presses into canonical combinations and
// dispatches them to bound actions.
package shortcut

import (
	"fmt"
	"strings"
)

// Platform decides which physical key is the primary modifier.
type Platform int

const (
	// PlatformMac uses Meta (Cmd) as the primary modifier.
	PlatformMac Platform = iota
	// PlatformOther uses Ctrl as the primary modifier.
	PlatformOther
)

func (p Platform) String() string {
	if p == PlatformMac {
		return "mac"
	}
	return "other"
}

// ParsePlatform maps a configuration value or a browser platform string
// (navigator.platform, userAgentData.platform, a user agent) to a Platform.
func ParsePlatform(info string) (Platform, bool) {
	s := strings.ToLower(strings.TrimSpace(info))
	if s == "" {
		return PlatformMac, false
	}
	for _, hint := range []string{"mac", "darwin", "iphone", "ipad"} {
		if strings.Contains(s, hint) {
			return PlatformMac, true
		}
	}
	for _, hint := range []string{"win", "linux", "x11", "cros", "android", "other"} {
		if strings.Contains(s, hint) {
			return PlatformOther, true
		}
	}
	return PlatformMac, false
}

// DetectPlatform resolves info once, using fallback when the string is
// empty or unrecognised.
func DetectPlatform(info string, fallback Platform) Platform {
	if p, ok := ParsePlatform(info); ok {
		return p
	}
	return fallback
}

// KeyEvent is a raw keydown as reported by the host.
type KeyEvent struct {
	Key   string `json:"key"`
	Alt   bool   `json:"altKey"`
	Ctrl  bool   `json:"ctrlKey"`
	Meta  bool   `json:"metaKey"`
	Shift bool   `json:"shiftKey"`
}

// Combo is a platform-independent key combination. Primary is Cmd on mac
// and Ctrl elsewhere; Secondary is the other one of the two.
type Combo struct {
	Key       string
	Alt       bool
	Primary   bool
	Secondary bool
	Shift     bool
}

// Normalize folds a raw event into its canonical combination.
func Normalize(ev KeyEvent, p Platform) Combo {
	c := Combo{Key: normalizeKey(ev.Key), Alt: ev.Alt, Shift: ev.Shift}
	if p == PlatformMac {
		c.Primary, c.Secondary = ev.Meta, ev.Ctrl
	} else {
		c.Primary, c.Secondary = ev.Ctrl, ev.Meta
	}
	return c
}

// String renders the canonical form: alt, cmd, ctrl, shift, then the key.
func (c Combo) String() string {
	var b strings.Builder
	if c.Alt {
		b.WriteString("alt+")
	}
	if c.Primary {
		b.WriteString("cmd+")
	}
	if c.Secondary {
		b.WriteString("ctrl+")
	}
	if c.Shift {
		b.WriteString("shift+")
	}
	b.WriteString(c.Key)
	return b.String()
}

// HasModifiers reports whether any modifier is held.
func (c Combo) HasModifiers() bool {
	return c.Alt || c.Primary || c.Secondary || c.Shift
}

var modifierNames = map[string]func(*Combo){
	"alt":     func(c *Combo) { c.Alt = true },
	"option":  func(c *Combo) { c.Alt = true },
	"opt":     func(c *Combo) { c.Alt = true },
	"cmd":     func(c *Combo) { c.Primary = true },
	"command": func(c *Combo) { c.Primary = true },
	"mod":     func(c *Combo) { c.Primary = true },
	"primary": func(c *Combo) { c.Primary = true },
	"ctrl":    func(c *Combo) { c.Secondary = true },
	"control": func(c *Combo) { c.Secondary = true },
	"shift":   func(c *Combo) { c.Shift = true },
}

var keyAliases = map[string]string{
	" ":     "space",
	"esc":   "escape",
	"up":    "arrowup",
	"down":  "arrowdown",
	"left":  "arrowleft",
	"right": "arrowright",
	"del":   "delete",
	"plus":  "+",
}

func normalizeKey(k string) string {
	if k == " " {
		return "space"
	}
	k = strings.ToLower(strings.TrimSpace(k))
	if alias, ok := keyAliases[k]; ok {
		return alias
	}
	return k
}

// ParseCombo reads a binding written as modifiers and a key joined by '+',
// e.g. "cmd+1", "alt+ArrowDown", "cmd+,". In bindings "ctrl" names the
// secondary modifier; "cmd" always means the platform primary.
func ParseCombo(s string) (Combo, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Combo{}, fmt.Errorf("empty key combination")
	}
	var c Combo
	var key string
	parts := strings.Split(s, "+")
	if strings.HasSuffix(s, "++") || s == "+" {
		key = "+"
		parts = strings.Split(strings.TrimSuffix(s, "++"), "+")
		if s == "+" {
			parts = nil
		}
	} else {
		key = parts[len(parts)-1]
		parts = parts[:len(parts)-1]
	}
	for _, p := range parts {
		name := strings.ToLower(strings.TrimSpace(p))
		if name == "" {
			continue
		}
		set, ok := modifierNames[name]
		if !ok {
			return Combo{}, fmt.Errorf("%q: unknown modifier %q", s, p)
		}
		set(&c)
	}
	c.Key = normalizeKey(key)
	if c.Key == "" {
		return Combo{}, fmt.Errorf("%q: missing key", s)
	}
	return c, nil
}
