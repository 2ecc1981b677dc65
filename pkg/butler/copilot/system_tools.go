// Package copilot – system_tools.go defines the built-in host tools: shell
// execution and file access on the machine the butler runs on, plus sending
// files back to the chat.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// safeEnvKeys are the only environment variables passed to commands.
var safeEnvKeys = []string{
	"PATH", "HOME", "USER", "LANG", "LC_ALL", "LC_CTYPE",
	"TERM", "SHELL", "TMPDIR", "XDG_RUNTIME_DIR",
}

// defaultBlocklist refuses commands regardless of approval.
var defaultBlocklist = []string{
	`\brm\s+-[rf]+\s*/(\w|\*|\s|$)`,
	`:\(\)\s*\{.*\|.*&`,
	`\bdd\s+if=/dev/(random|zero|urandom)\s+of=/dev/sd`,
	`>\s*/dev/sd[a-z]`,
	`\bmkfs\b`,
}

// SystemTools returns the registrations for bash and the file tools.
func SystemTools(cfg ToolsConfig) ([]ToolRegistration, error) {
	defaults := DefaultToolsConfig()
	if cfg.BashTimeout <= 0 {
		cfg.BashTimeout = defaults.BashTimeout
	}
	if cfg.BashMaxTimeout < cfg.BashTimeout {
		cfg.BashMaxTimeout = max(defaults.BashMaxTimeout, cfg.BashTimeout)
	}
	if cfg.FileMaxBytes <= 0 {
		cfg.FileMaxBytes = defaults.FileMaxBytes
	}
	if cfg.ListMaxEntries <= 0 {
		cfg.ListMaxEntries = defaults.ListMaxEntries
	}

	blocklist := make([]*regexp.Regexp, 0, len(defaultBlocklist)+len(cfg.BlockedCommands))
	for _, p := range append(append([]string{}, defaultBlocklist...), cfg.BlockedCommands...) {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("tools.blocked_commands %q: %w", p, err)
		}
		blocklist = append(blocklist, re)
	}

	base := baseDir(cfg.WorkingDir)
	bash := &bashTool{
		timeout:    cfg.BashTimeout,
		maxTimeout: cfg.BashMaxTimeout,
		dir:        base,
		blocklist:  blocklist,
	}

	return []ToolRegistration{
		{
			Definition: MakeToolDefinition(ToolBash,
				"Run a shell command on the user's computer and return its combined output. "+
					"Risky commands require the user's approval before they run.",
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"command": map[string]any{
							"type":        "string",
							"description": "Shell command to execute",
						},
						"timeout": map[string]any{
							"type":        "integer",
							"description": fmt.Sprintf("Timeout in seconds (default %d, max %d)", int(cfg.BashTimeout.Seconds()), int(cfg.BashMaxTimeout.Seconds())),
						},
					},
					"required": []string{"command"},
				}),
			Handler: bash.run,
		},
		{
			Definition: MakeToolDefinition(ToolFileRead,
				fmt.Sprintf("Read a text file. Returns at most %d bytes.", cfg.FileMaxBytes),
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path": map[string]any{"type": "string", "description": "File path; ~ expands to the home directory"},
					},
					"required": []string{"path"},
				}),
			Handler: func(_ context.Context, _ ToolContext, args map[string]any) (string, error) {
				return readFile(base, stringArg(args, "path"), cfg.FileMaxBytes)
			},
		},
		{
			Definition: MakeToolDefinition(ToolFileWrite,
				"Write text to a file, creating parent directories as needed.",
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string", "description": "File path"},
						"content": map[string]any{"type": "string", "description": "Content to write"},
						"append":  map[string]any{"type": "boolean", "description": "Append instead of overwriting (default false)"},
					},
					"required": []string{"path", "content"},
				}),
			Handler: func(_ context.Context, _ ToolContext, args map[string]any) (string, error) {
				return writeFile(base, stringArg(args, "path"), stringArg(args, "content"), boolArg(args, "append"))
			},
		},
		{
			Definition: MakeToolDefinition(ToolFileList,
				"List the entries of a directory with their sizes.",
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":        map[string]any{"type": "string", "description": "Directory path"},
						"show_hidden": map[string]any{"type": "boolean", "description": "Include dotfiles (default false)"},
					},
					"required": []string{"path"},
				}),
			Handler: func(_ context.Context, _ ToolContext, args map[string]any) (string, error) {
				return listDir(base, stringArg(args, "path"), boolArg(args, "show_hidden"), cfg.ListMaxEntries)
			},
		},
		{
			Definition: MakeToolDefinition(ToolFileSend,
				"Send a file from the computer to the user in this chat.",
				map[string]any{
					"type": "object",
					"properties": map[string]any{
						"path":    map[string]any{"type": "string", "description": "File to send"},
						"caption": map[string]any{"type": "string", "description": "Optional caption"},
					},
					"required": []string{"path"},
				}),
			Handler: func(ctx context.Context, tc ToolContext, args map[string]any) (string, error) {
				return sendFile(ctx, tc, base, args)
			},
		},
	}, nil
}

// ---------- bash ----------

type bashTool struct {
	timeout    time.Duration
	maxTimeout time.Duration
	dir        string
	blocklist  []*regexp.Regexp
}

func (b *bashTool) run(ctx context.Context, _ ToolContext, args map[string]any) (string, error) {
	command := strings.TrimSpace(stringArg(args, "command"))
	if command == "" {
		return "", errors.New("command is required")
	}
	for _, re := range b.blocklist {
		if re.MatchString(command) {
			return "", &BlockedError{Reason: fmt.Sprintf("This command is permanently blocked for safety: %q", command)}
		}
	}

	timeout := b.timeout
	if secs := intArg(args, "timeout", 0); secs > 0 {
		timeout = min(time.Duration(secs)*time.Second, b.maxTimeout)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	detachProcessGroup(cmd)
	cmd.Env = sanitizedEnv()
	cmd.Dir = b.dir

	out, err := cmd.CombinedOutput()
	output := strings.TrimRight(string(out), "\n")

	if cmdCtx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("[TIMEOUT] Command exceeded %ds", int(timeout.Seconds())), nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Sprintf("[exit %d]\n%s", exitErr.ExitCode(), output), nil
		}
		return "", fmt.Errorf("running command: %w", err)
	}
	if output == "" {
		return "[no output]", nil
	}
	return output, nil
}


func sanitizedEnv() []string {
	env := make([]string, 0, len(safeEnvKeys))
	for _, k := range safeEnvKeys {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// ---------- files ----------

func readFile(base, path string, maxBytes int) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	p := resolvePath(path, base)
	info, err := os.Stat(p)
	if err != nil {
		return "", fileError(path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("not a file: %s", path)
	}

	f, err := os.Open(p)
	if err != nil {
		return "", fileError(path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(maxBytes)))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	text := strings.ToValidUTF8(string(data), "\uFFFD")
	if info.Size() > int64(maxBytes) {
		text += fmt.Sprintf("\n…[truncated, file is %d bytes, showing first %d]", info.Size(), maxBytes)
	}
	return text, nil
}

func writeFile(base, path, content string, appendMode bool) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	p := resolvePath(path, base)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("creating directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if err != nil {
		return "", fileError(path, err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", path, err)
	}

	verb := "Wrote"
	if appendMode {
		verb = "Appended"
	}
	return fmt.Sprintf("[OK] %s %d bytes to %s", verb, len(content), path), nil
}

func listDir(base, path string, showHidden bool, maxEntries int) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	p := resolvePath(path, base)
	info, err := os.Stat(p)
	if err != nil {
		return "", fileError(path, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", path)
	}

	entries, err := os.ReadDir(p)
	if err != nil {
		return "", fileError(path, err)
	}
	if !showHidden {
		visible := entries[:0]
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), ".") {
				visible = append(visible, e)
			}
		}
		entries = visible
	}
	// Directories first, then case-insensitive by name.
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	var lines []string
	for _, e := range entries[:min(len(entries), maxEntries)] {
		if e.IsDir() {
			lines = append(lines, "📁 "+e.Name()+"/")
			continue
		}
		size := "?"
		if fi, err := e.Info(); err == nil {
			size = humanize.IBytes(uint64(fi.Size()))
		}
		lines = append(lines, fmt.Sprintf("📄 %s (%s)", e.Name(), size))
	}

	body := "(empty directory)"
	if len(lines) > 0 {
		body = strings.Join(lines, "\n")
	}
	if extra := len(entries) - maxEntries; extra > 0 {
		body += fmt.Sprintf("\n…[%d more entries not shown]", extra)
	}
	return fmt.Sprintf("Contents of %s:\n%s", path, body), nil
}

func sendFile(ctx context.Context, tc ToolContext, base string, args map[string]any) (string, error) {
	path := stringArg(args, "path")
	if tc.Files == nil {
		return "", fmt.Errorf("the %s channel cannot send files", tc.Channel)
	}
	p := resolvePath(path, base)
	info, err := os.Stat(p)
	if err != nil {
		return "", fileError(path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("not a file: %s", path)
	}
	if err := tc.Files.SendFile(ctx, p, stringArg(args, "caption")); err != nil {
		return "", fmt.Errorf("sending %s: %w", filepath.Base(p), err)
	}
	return fmt.Sprintf("[OK] Sent %s to user", filepath.Base(p)), nil
}

// fileError turns filesystem errors into short messages for the model.
func fileError(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("not found: %s", path)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("permission denied: %s", path)
	}
	return err
}

// baseDir is where commands run and relative file paths resolve: the
// configured working directory, or the user's home.
func baseDir(workingDir string) string {
	if workingDir != "" {
		return resolvePath(workingDir, "")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return ""
}

// resolvePath expands ~ and returns p as a clean absolute path, joining
// relative paths onto base. An empty base means the process directory.
func resolvePath(p, base string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	if !filepath.IsAbs(p) && base != "" {
		p = filepath.Join(base, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}
