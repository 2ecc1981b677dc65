// Package copilot – risk.go classifies tool calls into ordered risk tiers.
// The classifier is a function of the tool name and its arguments: the
// tool's base tier, raised by the first matching command pattern for bash and
// forced to CRITICAL for file writes under protected system prefixes.
package copilot

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// RiskTier is a totally ordered danger classification.
type RiskTier int

const (
	RiskSafe RiskTier = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the upper-case tier name.
func (r RiskTier) String() string {
	switch r {
	case RiskSafe:
		return "SAFE"
	case RiskLow:
		return "LOW"
	case RiskMedium:
		return "MEDIUM"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("RiskTier(%d)", int(r))
	}
}

// Label returns the tier name with its chat emoji.
func (r RiskTier) Label() string {
	switch r {
	case RiskSafe:
		return "✅ SAFE"
	case RiskLow:
		return "🟢 LOW"
	case RiskMedium:
		return "🟡 MEDIUM"
	case RiskHigh:
		return "🔴 HIGH"
	case RiskCritical:
		return "🚨 CRITICAL"
	default:
		return r.String()
	}
}

// ParseRiskTier parses a case-insensitive tier name.
func ParseRiskTier(s string) (RiskTier, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SAFE":
		return RiskSafe, nil
	case "LOW":
		return RiskLow, nil
	case "MEDIUM":
		return RiskMedium, nil
	case "HIGH":
		return RiskHigh, nil
	case "CRITICAL":
		return RiskCritical, nil
	}
	return RiskSafe, fmt.Errorf("unknown risk tier %q", s)
}

// RiskRule maps a command regex to a tier.
type RiskRule struct {
	Pattern string `yaml:"pattern"`
	Tier    string `yaml:"tier"`
}

// RiskConfig customizes classification.
type RiskConfig struct {
	// ExtraBashRules are evaluated before the built-in rules.
	ExtraBashRules []RiskRule `yaml:"extra_bash_rules"`

	// ProtectedPrefixes are path prefixes whose writes are always CRITICAL.
	// Empty uses the defaults.
	ProtectedPrefixes []string `yaml:"protected_prefixes"`

	// WorkingDir resolves relative paths the same way the file tools do.
	// It is filled from tools.working_dir.
	WorkingDir string `yaml:"-"`
}

// DefaultRiskConfig returns the default classifier settings.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		ProtectedPrefixes: []string{"/etc/", "/usr/", "/bin/", "/sbin/", "/System/"},
	}
}

// defaultBashRules are checked in order; the first match wins.
var defaultBashRules = []struct {
	pattern string
	tier    RiskTier
}{
	// Destroys the machine or its data.
	{`\brm\s+(-\S+\s+)*(/|/\*|~/?|\$HOME/?)(\s|;|&|\||$)`, RiskCritical},
	{`\brm\s+.*--no-preserve-root`, RiskCritical},
	{`:\(\)\s*\{.*\|.*&`, RiskCritical},
	{`\bdd\s+.*\bif=/dev/(random|zero|urandom)`, RiskCritical},
	{`\bdd\s+.*\bof=/dev/`, RiskCritical},
	{`\bmkfs(\.\w+)?\b|\bformat\b`, RiskCritical},
	{`>\s*/dev/sd[a-z]`, RiskCritical},
	{`\bchmod\s+(-R\s+)?777\s+/(\s|$)`, RiskCritical},

	{`\brm\s`, RiskHigh},
	{`\bsudo\b|\bdoas\b`, RiskHigh},
	{`\bchmod\s+[0-7]{3,4}\b`, RiskHigh},
	{`\b(curl|wget)\b.*\|\s*(ba|z)?sh\b`, RiskHigh},
	{`\bkill\b|\bkillall\b|\bpkill\b`, RiskHigh},
	{`\blaunchctl\s+(load|unload|bootstrap|bootout)\b`, RiskHigh},
	{`\bsystemctl\s+(start|stop|restart|enable|disable)\b`, RiskHigh},
	{`\bcrontab\b`, RiskHigh},
	{`\b(shutdown|reboot|halt)\b`, RiskHigh},
	{`\bifconfig\b.*\bdown\b|\bnetworksetup\b.*\bset`, RiskHigh},
	{`\biptables\s+-F|\bufw\s+disable`, RiskHigh},
	{`\b(passwd|userdel|groupdel)\b`, RiskHigh},

	{`\bmv\b`, RiskMedium},
	{`\bcp\s+.*\s+/`, RiskMedium},
	{`\bssh\b|\brsync\b|\bscp\b`, RiskMedium},
	{`\bbrew\s+(install|uninstall|upgrade)\b`, RiskMedium},
	{`\b(npm|pip|pip3)\s+(install|uninstall)\b`, RiskMedium},
	{`\bgit\s+(push|reset|rebase|clean)\b`, RiskMedium},
	{`\bopen\s+-a\b`, RiskMedium},

	{`^\s*(ls|pwd|whoami|date|echo|cat|head|tail|grep|wc|uptime|df|du)\b[^|;&>]*$`, RiskSafe},

	{`\bmkdir\b|\btouch\b|\becho\b|\bcat\b`, RiskLow},
	{`\bgrep\b|\bfind\b|\bls\b|\bpwd\b|\bwhoami\b|\bdate\b`, RiskLow},
	{`\bpython3?\b|\bnode\b|\bruby\b|\bperl\b`, RiskLow},
}

type compiledRule struct {
	re   *regexp.Regexp
	tier RiskTier
}

// RiskClassifier classifies tool calls. It holds no mutable state.
type RiskClassifier struct {
	rules             []compiledRule
	protectedPrefixes []string
	baseDir           string
}

// NewRiskClassifier compiles the configured and built-in rules.
func NewRiskClassifier(cfg RiskConfig) (*RiskClassifier, error) {
	c := &RiskClassifier{
		protectedPrefixes: cfg.ProtectedPrefixes,
		baseDir:           baseDir(cfg.WorkingDir),
	}
	if len(c.protectedPrefixes) == 0 {
		c.protectedPrefixes = DefaultRiskConfig().ProtectedPrefixes
	}

	for _, r := range cfg.ExtraBashRules {
		tier, err := ParseRiskTier(r.Tier)
		if err != nil {
			return nil, fmt.Errorf("risk rule %q: %w", r.Pattern, err)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("risk rule %q: %w", r.Pattern, err)
		}
		c.rules = append(c.rules, compiledRule{re: re, tier: tier})
	}
	for _, r := range defaultBashRules {
		c.rules = append(c.rules, compiledRule{re: regexp.MustCompile("(?i)" + r.pattern), tier: r.tier})
	}
	return c, nil
}

// BaseTier returns the declared tier of a tool; unknown tools are MEDIUM.
func (c *RiskClassifier) BaseTier(tool ToolName) RiskTier {
	if spec, ok := toolSpecs[tool]; ok {
		return spec.base
	}
	return RiskMedium
}

// Classify returns the effective tier for a tool call.
func (c *RiskClassifier) Classify(tool ToolName, args map[string]any) RiskTier {
	base := c.BaseTier(tool)

	switch tool {
	case ToolBash:
		cmd, _ := args["command"].(string)
		return max(base, c.ClassifyCommand(cmd))
	case ToolFileWrite:
		path, _ := args["path"].(string)
		if path != "" && c.isProtectedPath(resolvePath(path, c.baseDir)) {
			return RiskCritical
		}
	}
	return base
}

// ClassifyCommand matches a shell command against the ordered rules.
func (c *RiskClassifier) ClassifyCommand(cmd string) RiskTier {
	for _, r := range c.rules {
		if r.re.MatchString(cmd) {
			return r.tier
		}
	}
	return RiskMedium
}

// isProtectedPath reports whether the absolute path p, or the location it
// reaches through symlinks, is a protected prefix or lies beneath one.
func (c *RiskClassifier) isProtectedPath(p string) bool {
	candidates := []string{filepath.ToSlash(p)}
	if resolved := realPath(p); resolved != p {
		candidates = append(candidates, filepath.ToSlash(resolved))
	}
	for _, cand := range candidates {
		for _, prefix := range c.protectedPrefixes {
			dir := strings.TrimSuffix(prefix, "/")
			if cand == dir || strings.HasPrefix(cand, dir+"/") {
				return true
			}
		}
	}
	return false
}

// realPath follows symlinks through the longest existing ancestor of p.
func realPath(p string) string {
	dir, rest := p, ""
	for {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return p
		}
		rest = filepath.Join(filepath.Base(dir), rest)
		dir = parent
	}
}
