package protocol

import (
	"bytes"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Default reassembly limits.
const (
	DefaultCompletionTimeout = 1000 * time.Millisecond
	DefaultMaxBuffer         = 4096
)

// Source identifies the rule that produced a Frame.
type Source int

const (
	SourceFastPath Source = iota + 1 // whole buffer was one flat object
	SourceSplit                      // cut at a "}{" boundary
	SourceScan                       // flat-object pattern scan
	SourceScrape                     // synthesized from fields in one fragment
	SourceRead                       // value of a characteristic read
)

func (s Source) String() string {
	switch s {
	case SourceFastPath:
		return "fast-path"
	case SourceSplit:
		return "split"
	case SourceScan:
		return "scan"
	case SourceScrape:
		return "scrape"
	case SourceRead:
		return "read"
	default:
		return "unknown"
	}
}

// Frame is one complete message candidate produced by the Reassembler.
type Frame struct {
	Text   string
	Source Source
}

// ReassemblerOptions configures a Reassembler.
type ReassemblerOptions struct {
	CompletionTimeout time.Duration // max gap between fragments of one message
	MaxBuffer         int           // max bytes kept between fragments
	FieldScrape       bool          // synthesize frames from recognizable fields
}

// DefaultReassemblerOptions returns the firmware-matched defaults.
func DefaultReassemblerOptions() ReassemblerOptions {
	return ReassemblerOptions{
		CompletionTimeout: DefaultCompletionTimeout,
		MaxBuffer:         DefaultMaxBuffer,
		FieldScrape:       true,
	}
}

var (
	flatObject = regexp.MustCompile(`\{[^{}]*\}`)

	// A scraped number must be followed by a delimiter inside the same
	// fragment, otherwise it may be truncated ("V":1. | 05).
	adcField  = regexp.MustCompile(`"?ADC"?\s*:\s*(-?\d+)\s*[,}\s]`)
	voltField = regexp.MustCompile(`"?V"?\s*:\s*(-?\d+(?:\.\d+)?)\s*[,}\s]`)
	ppmField  = regexp.MustCompile(`"?ppm"?\s*:\s*(-?\d+(?:\.\d+)?)\s*[,}\s]`)
)

// Reassembler rebuilds JSON messages from BLE notification payloads. The
// firmware sends flat objects; a message larger than the negotiated MTU
// arrives as several fragments, and several short messages may share one
// fragment.
//
// A Reassembler is not safe for concurrent use; the owning Link serializes
// calls.
type Reassembler struct {
	opts ReassemblerOptions
	buf  []byte
	last time.Time
}

// NewReassembler creates a Reassembler. Zero option fields fall back to the
// defaults.
func NewReassembler(opts ReassemblerOptions) *Reassembler {
	if opts.CompletionTimeout <= 0 {
		opts.CompletionTimeout = DefaultCompletionTimeout
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = DefaultMaxBuffer
	}
	return &Reassembler{opts: opts}
}

// Feed consumes one notification payload received at now and returns the
// frames it completed, in order. The field-scrape rule may return a frame
// for data that a framing rule also returned; callers must treat every
// frame independently.
func (r *Reassembler) Feed(fragment []byte, now time.Time) (frames []Frame) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("[REASM] extraction failed, keeping buffer", "panic", p, "buffered", len(r.buf))
		}
	}()

	if len(r.buf) > 0 && !r.last.IsZero() && now.Sub(r.last) > r.opts.CompletionTimeout {
		slog.Debug("[REASM] fragment gap exceeded completion timeout, discarding partial message",
			"gap", now.Sub(r.last), "discarded", len(r.buf))
		r.buf = r.buf[:0]
	}
	r.last = now

	if len(fragment) == 0 {
		return nil
	}
	r.buf = append(r.buf, fragment...)

	frames = r.extract(frames)
	r.enforceBound()

	if r.opts.FieldScrape {
		if f, ok := scrapeFields(fragment); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

// Reset drops any partial message.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
	r.last = time.Time{}
}

// Buffered returns the number of bytes held for an incomplete message.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// extract applies the framing rules in priority order: the exact-frame
// fast path, then "}{" boundary splits (repeated so back-to-back messages
// come out in order), then the flat-object scan.
func (r *Reassembler) extract(frames []Frame) []Frame {
	for {
		trimmed := bytes.TrimSpace(r.buf)
		if len(trimmed) == 0 {
			r.buf = r.buf[:0]
			return frames
		}
		if isFlatObject(trimmed) {
			frames = append(frames, Frame{Text: string(trimmed), Source: SourceFastPath})
			r.buf = r.buf[:0]
			return frames
		}

		idx := bytes.Index(r.buf, []byte("}{"))
		if idx < 0 {
			break
		}
		left := r.buf[:idx+1]
		locs := flatObject.FindAllIndex(left, -1)
		if len(locs) == 0 {
			slog.Debug("[REASM] dropping unframed bytes before boundary", "bytes", len(left))
		}
		for _, loc := range locs {
			frames = append(frames, Frame{Text: string(left[loc[0]:loc[1]]), Source: SourceSplit})
		}
		r.buf = append(r.buf[:0], r.buf[idx+1:]...)
	}

	locs := flatObject.FindAllIndex(r.buf, -1)
	if len(locs) == 0 {
		return frames
	}
	for _, loc := range locs {
		frames = append(frames, Frame{Text: string(r.buf[loc[0]:loc[1]]), Source: SourceScan})
	}
	end := locs[len(locs)-1][1]
	if len(bytes.TrimSpace(r.buf[end:])) == 0 {
		r.buf = r.buf[:0]
	} else {
		r.buf = append(r.buf[:0], r.buf[end:]...)
	}
	return frames
}

// enforceBound keeps the buffer under MaxBuffer. The newest '{' is kept
// when the tail starting there still fits, since it may begin a message.
func (r *Reassembler) enforceBound() {
	if len(r.buf) <= r.opts.MaxBuffer {
		return
	}
	if i := bytes.LastIndexByte(r.buf, '{'); i > 0 && len(r.buf)-i <= r.opts.MaxBuffer {
		slog.Warn("[REASM] buffer limit reached, dropping unterminated data", "dropped", i, "limit", r.opts.MaxBuffer)
		r.buf = append(r.buf[:0], r.buf[i:]...)
		return
	}
	slog.Warn("[REASM] buffer limit reached, clearing", "dropped", len(r.buf), "limit", r.opts.MaxBuffer)
	r.buf = r.buf[:0]
}

// isFlatObject reports whether b is exactly one JSON object with no braces
// other than the outer pair (braces inside string values are ignored).
func isFlatObject(b []byte) bool {
	if len(b) < 2 || b[0] != '{' || b[len(b)-1] != '}' {
		return false
	}
	inString, escaped := false, false
	for _, c := range b[1 : len(b)-1] {
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && (c == '{' || c == '}'):
			return false
		}
	}
	return !inString
}

// scrapeFields looks for the reading fields in a single fragment and, when
// at least two are present, synthesizes a minimal object from them.
func scrapeFields(fragment []byte) (Frame, bool) {
	var parts []string
	if m := adcField.FindSubmatch(fragment); m != nil {
		parts = append(parts, `"ADC":`+string(m[1]))
	}
	if m := voltField.FindSubmatch(fragment); m != nil {
		parts = append(parts, `"V":`+string(m[1]))
	}
	if m := ppmField.FindSubmatch(fragment); m != nil {
		parts = append(parts, `"ppm":`+string(m[1]))
	}
	if len(parts) < 2 {
		return Frame{}, false
	}
	return Frame{Text: "{" + strings.Join(parts, ",") + "}", Source: SourceScrape}, true
}
