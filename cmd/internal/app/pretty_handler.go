package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"

	defaultLogWidth = 100
	minLogWidth     = 40

	segmentSep = "  "
	wrapIndent = "    ↳ "
	ellipsis   = "…"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// prettyHandler renders one record per line for local development, wrapping
// attributes onto continuation lines when the terminal is narrow.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	pre    []string
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	head := h.paint(ansiDim, ts.Format("15:04:05.000")) + " " + levelTag(r.Level, h.color) + " " + h.paint(ansiBright, r.Message)
	segments := []string{head}

	segments = append(segments, h.pre...)
	r.Attrs(func(a slog.Attr) bool {
		segments = h.appendAttr(segments, a, "")
		return true
	})

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			segments = append(segments, h.paint(ansiDim, fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line)))
		}
	}

	lines := wrapSegments(segments, segmentSep, h.terminalWidth(), wrapIndent)
	out := strings.Join(lines, "\n") + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, out)
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.pre = append([]string{}, h.pre...)
	for _, a := range attrs {
		cp.pre = h.appendAttr(cp.pre, a, "")
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(segments []string, a slog.Attr, parent string) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return segments
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return segments
	}
	if parent != "" {
		key = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			segments = h.appendAttr(segments, ga, key)
		}
		return segments
	}

	shown := remapPrettyKey(key)
	if len(h.groups) > 0 {
		shown = strings.Join(h.groups, ".") + "." + shown
	}
	return append(segments, h.paint(ansiDim, shown+"=")+h.prettyValue(key, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path", "nav", "redirect":
		return h.paint(ansiCyan, strings.TrimSpace(v.String()))
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	case "err":
		return h.paint(ansiRed, quoteIfNeeded(valueToString(v)))
	}
	return quoteIfNeeded(valueToString(v))
}

func (h *prettyHandler) paint(code, s string) string {
	return paint(code, s, h.color)
}

// terminalWidth prefers ELAW_LOG_WIDTH, then COLUMNS. Widths too narrow to be
// useful fall back to the default.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{"ELAW_LOG_WIDTH", "COLUMNS"} {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < minLogWidth {
			return defaultLogWidth
		}
		return n
	}
	return defaultLogWidth
}

// wrapSegments packs segments into lines of at most width visible columns.
// Continuation lines start with indent; a segment wider than a whole line is
// truncated with an ellipsis.
func wrapSegments(segments []string, sep string, width int, indent string) []string {
	if width <= 0 {
		width = defaultLogWidth
	}

	var (
		lines []string
		cur   strings.Builder
		used  int
	)
	flush := func() {
		if cur.Len() > 0 {
			lines = append(lines, cur.String())
		}
		cur.Reset()
		used = 0
	}

	for _, seg := range segments {
		if seg == "" {
			continue
		}
		segLen := visualLen(seg)

		if used > 0 && used+visualLen(sep)+segLen <= width {
			cur.WriteString(sep)
			cur.WriteString(seg)
			used += visualLen(sep) + segLen
			continue
		}

		prefix := ""
		if used > 0 || len(lines) > 0 {
			flush()
			prefix = indent
		}

		room := width - visualLen(prefix)
		if segLen > room {
			seg = truncateVisual(seg, room)
			segLen = visualLen(seg)
		}
		cur.WriteString(prefix)
		cur.WriteString(seg)
		used = visualLen(prefix) + segLen
	}
	flush()
	return lines
}

func truncateVisual(s string, room int) string {
	plain := []rune(stripANSI(s))
	if room <= 1 {
		return ellipsis
	}
	if len(plain) <= room {
		return string(plain)
	}
	return string(plain[:room-1]) + ellipsis
}

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen is the number of terminal columns s occupies.
func visualLen(s string) int {
	return lipgloss.Width(stripANSI(s))
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "took"
	default:
		return k
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint(ansiRed, "ERR", color)
	case level >= slog.LevelWarn:
		return paint(ansiYellow, "WRN", color)
	case level < slog.LevelInfo:
		return paint(ansiMagenta, "DBG", color)
	default:
		return paint(ansiBlue, "INF", color)
	}
}

func colorizeHTTPMethod(m string, color bool) string {
	switch m {
	case "GET", "HEAD":
		return paint(ansiGreen, m, color)
	case "POST":
		return paint(ansiBlue, m, color)
	case "DELETE":
		return paint(ansiRed, m, color)
	default:
		return paint(ansiYellow, m, color)
	}
}

func colorizeStatusCode(code int, color bool) string {
	s := strconv.Itoa(code)
	switch {
	case code >= 500:
		return paint(ansiRed, s, color)
	case code >= 400:
		return paint(ansiYellow, s, color)
	case code >= 300:
		return paint(ansiCyan, s, color)
	default:
		return paint(ansiGreen, s, color)
	}
}

func colorizeStatusClass(class string, color bool) string {
	switch class {
	case "5xx":
		return paint(ansiRed, class, color)
	case "4xx":
		return paint(ansiYellow, class, color)
	case "3xx":
		return paint(ansiCyan, class, color)
	default:
		return paint(ansiGreen, class, color)
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(ansiRed, s, color)
	case ms >= 250:
		return paint(ansiYellow, s, color)
	default:
		return paint(ansiDim, s, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "success", "ok", "adopted":
		return paint(ansiGreen, result, color)
	case "redirect":
		return paint(ansiCyan, result, color)
	case "client_error", "cleared":
		return paint(ansiYellow, result, color)
	case "server_error", "fail":
		return paint(ansiRed, result, color)
	default:
		return result
	}
}

func paint(code, s string, color bool) string {
	if !color || s == "" {
		return s
	}
	return code + s + ansiReset
}
