package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
)

// streamEvent is the subset of the agent's stream-json schema we render.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message *struct {
		Content []struct {
			Type  string `json:"type"`
			Text  string `json:"text"`
			Name  string `json:"name"`
			Input struct {
				Command     string `json:"command"`
				Description string `json:"description"`
				FilePath    string `json:"file_path"`
				Pattern     string `json:"pattern"`
			} `json:"input"`
		} `json:"content"`
	} `json:"message"`
	IsError    bool    `json:"is_error"`
	NumTurns   int     `json:"num_turns"`
	DurationMS int64   `json:"duration_ms"`
	CostUSD    float64 `json:"total_cost_usd"`
}

// LogFormatter wraps an io.Writer and formats agent stream-json output into
// human-readable log lines. Non-JSON lines pass through unchanged.
type LogFormatter struct {
	w       io.Writer
	verbose bool
	prefix  string

	mu  sync.Mutex
	buf []byte

	tools int
	edits int
}

// NewLogFormatter creates a formatter writing to w. If verbose is true raw
// JSON is passed through untouched.
func NewLogFormatter(w io.Writer, verbose bool) *LogFormatter {
	return &LogFormatter{w: w, verbose: verbose}
}

// SetPrefix sets the label printed before each line (e.g. "P1").
func (f *LogFormatter) SetPrefix(prefix string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefix = prefix
	f.tools, f.edits = 0, 0
}

// Write implements io.Writer. Partial lines are buffered until complete.
func (f *LogFormatter) Write(p []byte) (int, error) {
	if f.verbose {
		return f.w.Write(p)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.buf = append(f.buf, p...)
	var out strings.Builder
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(f.buf[:i]))
		f.buf = f.buf[i+1:]
		if line == "" {
			continue
		}
		if formatted := f.formatLine(line); formatted != "" {
			if f.prefix != "" {
				out.WriteString("[" + f.prefix + "] ")
			}
			out.WriteString(formatted)
			out.WriteByte('\n')
		}
	}
	if out.Len() > 0 {
		if _, err := io.WriteString(f.w, out.String()); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (f *LogFormatter) formatLine(line string) string {
	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
		return line
	}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			return "agent session started"
		}
	case "assistant":
		if ev.Message == nil {
			return ""
		}
		var lines []string
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				if text := firstLine(block.Text); text != "" {
					lines = append(lines, text)
				}
			case "tool_use":
				f.tools++
				lines = append(lines, f.formatTool(block.Name, block.Input.Command, block.Input.FilePath, block.Input.Pattern, block.Input.Description))
			}
		}
		return strings.Join(lines, "\n")
	case "result":
		status := "done"
		if ev.IsError || (ev.Subtype != "" && ev.Subtype != "success") {
			status = "failed (" + ev.Subtype + ")"
		}
		return fmt.Sprintf("agent %s: %d turns, %d tool calls, %d edits, %.1fs, $%.2f",
			status, ev.NumTurns, f.tools, f.edits, float64(ev.DurationMS)/1000, ev.CostUSD)
	}
	return ""
}

func (f *LogFormatter) formatTool(name, command, path, pattern, description string) string {
	switch name {
	case "Bash":
		if description != "" {
			return fmt.Sprintf("[shell] %s (%s)", truncate(command, 80), description)
		}
		return "[shell] " + truncate(command, 80)
	case "Write", "Edit", "MultiEdit":
		f.edits++
		return fmt.Sprintf("[%s] %s", strings.ToLower(name), path)
	case "Read":
		return "[read] " + filepath.Base(path)
	case "Grep", "Glob":
		return fmt.Sprintf("[%s] %s", strings.ToLower(name), pattern)
	}
	return "[tool] " + name
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, 120)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
