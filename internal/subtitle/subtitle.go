// Package subtitle parses caption and transcript files into timed cues.
//
// Four formats are supported: WebVTT, SubRip (SRT), Google Meet transcript
// exports, and plain text (one cue per line). Detect resolves the concrete
// format for "auto" imports from the filename extension, then from a content
// sniff. Parsing is best-effort where upload tooling tends to be sloppy:
// stray blocks without a timing line are skipped and styling tags are
// stripped; only a malformed timing line fails the parse.
package subtitle

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SourceType identifies the format of an uploaded conversation file.
type SourceType string

const (
	// SourceAuto asks the server to detect the format from the filename
	// and content.
	SourceAuto SourceType = "auto"
	// SourceAudio routes the file to one-shot STT transcription.
	SourceAudio SourceType = "audio"
	// SourceText treats every non-empty line as one cue without timing.
	SourceText SourceType = "text"
	// SourceVTT parses WebVTT cues, honoring the leading voice tag.
	SourceVTT SourceType = "vtt"
	// SourceSRT parses SubRip blocks with comma-decimal timecodes.
	SourceSRT SourceType = "srt"
	// SourceGoogleMeet parses Meet transcript exports: bare timestamp
	// marker lines followed by "Name: text" lines.
	SourceGoogleMeet SourceType = "google_meet"
)

// IsValid reports whether s is one of the accepted import source types.
func (s SourceType) IsValid() bool {
	switch s {
	case SourceAuto, SourceAudio, SourceText, SourceVTT, SourceSRT, SourceGoogleMeet:
		return true
	}
	return false
}

// Cue is one timed caption or transcript line. Start and End are offsets from
// the beginning of the recording; both are zero for untimed formats. Speaker
// is empty when the format carries no attribution.
type Cue struct {
	Start   time.Duration
	End     time.Duration
	Speaker string
	Text    string
}

// maxLineBytes bounds a single input line; longer lines fail the scan rather
// than ballooning memory on a hostile upload.
const maxLineBytes = 1 << 20

// ─────────────────────────────────────────────────────────────────────────────
// Detection
// ─────────────────────────────────────────────────────────────────────────────

// audioExts are the upload extensions routed to one-shot STT instead of a
// text parser.
var audioExts = map[string]bool{
	".wav":  true,
	".mp3":  true,
	".m4a":  true,
	".aac":  true,
	".ogg":  true,
	".oga":  true,
	".opus": true,
	".flac": true,
	".webm": true,
}

// Detect resolves the "auto" source type from the uploaded filename, falling
// back to a content sniff of the first bytes when the extension is unknown.
// It never returns SourceAuto; plain text is the terminal fallback.
func Detect(filename string, head []byte) SourceType {
	switch ext := strings.ToLower(filepath.Ext(filename)); {
	case ext == ".vtt":
		return SourceVTT
	case ext == ".srt":
		return SourceSRT
	case audioExts[ext]:
		return SourceAudio
	case ext == ".txt":
		// Meet exports arrive as .txt; tell them apart by their block markers.
		if looksLikeMeet(head) {
			return SourceGoogleMeet
		}
		return SourceText
	}

	s := strings.TrimPrefix(string(head), "\uFEFF")
	switch {
	case strings.HasPrefix(s, "WEBVTT"):
		return SourceVTT
	case strings.Contains(s, "-->"):
		return SourceSRT
	case looksLikeMeet(head):
		return SourceGoogleMeet
	}
	return SourceText
}

// looksLikeMeet reports whether the head shows the Meet transcript shape:
// a bare timestamp marker line with a "Name: text" line after it.
func looksLikeMeet(head []byte) bool {
	marker := false
	for _, line := range strings.Split(string(head), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if _, ok := meetTimestamp(line); ok {
			marker = true
			continue
		}
		if _, _, ok := splitSpeakerLine(line); ok && marker {
			return true
		}
	}
	return false
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatch
// ─────────────────────────────────────────────────────────────────────────────

// Parse reads r in the given format. SourceAuto must be resolved through
// Detect first, and SourceAudio has no text parser; both return an error.
func Parse(source SourceType, r io.Reader) ([]Cue, error) {
	switch source {
	case SourceVTT:
		return ParseVTT(r)
	case SourceSRT:
		return ParseSRT(r)
	case SourceGoogleMeet:
		return ParseGoogleMeet(r)
	case SourceText:
		return ParsePlainText(r)
	default:
		return nil, fmt.Errorf("subtitle: no parser for source type %q", source)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// WebVTT
// ─────────────────────────────────────────────────────────────────────────────

// ParseVTT parses a WebVTT file. The WEBVTT header is accepted but not
// required; NOTE, STYLE and REGION blocks are skipped. The speaker of a cue
// comes from its leading voice tag (<v Name>); further voice spans inside
// the same cue are stripped with the rest of the styling tags.
func ParseVTT(r io.Reader) ([]Cue, error) {
	blocks, err := scanBlocks(r)
	if err != nil {
		return nil, fmt.Errorf("subtitle: vtt: read input: %w", err)
	}

	var cues []Cue
	for i, block := range blocks {
		if i == 0 && strings.HasPrefix(block[0], "WEBVTT") {
			continue
		}
		if strings.HasPrefix(block[0], "NOTE") ||
			strings.HasPrefix(block[0], "STYLE") ||
			strings.HasPrefix(block[0], "REGION") {
			continue
		}
		cue, ok, err := parseCueBlock(block)
		if err != nil {
			return nil, fmt.Errorf("subtitle: vtt: %w", err)
		}
		if ok {
			cues = append(cues, cue)
		}
	}
	return cues, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// SubRip
// ─────────────────────────────────────────────────────────────────────────────

// ParseSRT parses a SubRip file: numbered blocks with comma-decimal
// timecodes. The index line is tolerated but not required.
func ParseSRT(r io.Reader) ([]Cue, error) {
	blocks, err := scanBlocks(r)
	if err != nil {
		return nil, fmt.Errorf("subtitle: srt: read input: %w", err)
	}

	var cues []Cue
	for _, block := range blocks {
		cue, ok, err := parseCueBlock(block)
		if err != nil {
			return nil, fmt.Errorf("subtitle: srt: %w", err)
		}
		if ok {
			cues = append(cues, cue)
		}
	}
	return cues, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Google Meet transcript
// ─────────────────────────────────────────────────────────────────────────────

// ParseGoogleMeet parses a Meet transcript export. Bare timestamp lines
// (HH:MM:SS) open a block whose offset applies to the "Name: text" lines
// after it; unattributed lines continue the previous cue. Header material
// before the first cue is dropped, though a header line containing ": "
// cannot be told apart from attribution and will produce a stray cue.
// End times are synthesized from the next cue's start.
func ParseGoogleMeet(r io.Reader) ([]Cue, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var cues []Cue
	var current time.Duration
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			line = strings.TrimPrefix(line, "\uFEFF")
			first = false
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if d, ok := meetTimestamp(line); ok {
			current = d
			continue
		}
		if speaker, text, ok := splitSpeakerLine(line); ok {
			cues = append(cues, Cue{Start: current, End: current, Speaker: speaker, Text: text})
			continue
		}
		if len(cues) > 0 {
			cues[len(cues)-1].Text += " " + line
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("subtitle: google meet: read input: %w", err)
	}
	return normalizeEnds(cues), nil
}

// meetTimestamp matches a bare HH:MM:SS (or MM:SS) block marker line.
func meetTimestamp(line string) (time.Duration, bool) {
	if strings.ContainsAny(line, " \t") || !strings.Contains(line, ":") {
		return 0, false
	}
	d, err := parseTimecode(line)
	if err != nil {
		return 0, false
	}
	return d, true
}

// splitSpeakerLine splits "Alice Johnson: text" into name and text. The name
// must be short and free of sentence punctuation so that prose containing a
// colon is not mistaken for attribution.
func splitSpeakerLine(line string) (speaker, text string, ok bool) {
	i := strings.Index(line, ": ")
	if i <= 0 || i > 64 {
		return "", "", false
	}
	name := strings.TrimSpace(line[:i])
	if name == "" || strings.ContainsAny(name, ".!?\"") {
		return "", "", false
	}
	return name, strings.TrimSpace(line[i+2:]), true
}

// normalizeEnds gives marker-based cues a span up to the next cue's start;
// the format itself carries no end times.
func normalizeEnds(cues []Cue) []Cue {
	for i := range cues {
		if i+1 < len(cues) && cues[i+1].Start > cues[i].Start {
			cues[i].End = cues[i+1].Start
		} else {
			cues[i].End = cues[i].Start
		}
	}
	return cues
}

// ─────────────────────────────────────────────────────────────────────────────
// Plain text
// ─────────────────────────────────────────────────────────────────────────────

// ParsePlainText turns every non-empty line into an untimed cue.
func ParsePlainText(r io.Reader) ([]Cue, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var cues []Cue
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			line = strings.TrimPrefix(line, "\uFEFF")
			first = false
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cues = append(cues, Cue{Text: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("subtitle: text: read input: %w", err)
	}
	return cues, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Shared helpers
// ─────────────────────────────────────────────────────────────────────────────

// scanBlocks splits r into blank-line-separated blocks of non-empty lines.
func scanBlocks(r io.Reader) ([][]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var blocks [][]string
	var cur []string
	first := true
	for sc.Scan() {
		line := sc.Text()
		if first {
			line = strings.TrimPrefix(line, "\uFEFF")
			first = false
		}
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				blocks = append(blocks, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(cur) > 0 {
		blocks = append(blocks, cur)
	}
	return blocks, nil
}

// parseCueBlock handles one VTT/SRT cue: an optional identifier or index
// line, the timing line, then text lines. Blocks without a timing line in
// the first two lines are skipped as decoration.
func parseCueBlock(block []string) (Cue, bool, error) {
	idx := -1
	for i, line := range block {
		if strings.Contains(line, "-->") {
			idx = i
			break
		}
	}
	if idx < 0 || idx > 1 {
		return Cue{}, false, nil
	}

	timing := block[idx]
	parts := strings.SplitN(timing, "-->", 2)
	start, err := parseTimecode(parts[0])
	if err != nil {
		return Cue{}, false, fmt.Errorf("timing %q: %w", timing, err)
	}
	// Cue settings (position, align) may follow the end timecode.
	endFields := strings.Fields(parts[1])
	if len(endFields) == 0 {
		return Cue{}, false, fmt.Errorf("timing %q: missing end timecode", timing)
	}
	end, err := parseTimecode(endFields[0])
	if err != nil {
		return Cue{}, false, fmt.Errorf("timing %q: %w", timing, err)
	}

	text := strings.Join(block[idx+1:], "\n")
	speaker, text := extractVoice(text)
	text = strings.TrimSpace(stripTags(text))
	if text == "" {
		return Cue{}, false, nil
	}
	return Cue{Start: start, End: end, Speaker: speaker, Text: text}, true, nil
}

// extractVoice pulls the speaker name out of a leading WebVTT voice tag
// (<v Name> or <v.class Name>). Only the first tag is honored; any later
// voice spans fall to stripTags.
func extractVoice(text string) (speaker, rest string) {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "<v") {
		return "", text
	}
	end := strings.IndexByte(t, '>')
	if end < 0 {
		return "", text
	}
	tag := t[2:end]
	if i := strings.IndexByte(tag, ' '); i >= 0 {
		speaker = strings.TrimSpace(tag[i+1:])
	}
	return speaker, t[end+1:]
}

// stripTags removes angle-bracket tags from s using a simple state machine.
// It is intentionally minimal, not a full markup parser, but sufficient for
// the styling and voice spans carried in caption text.
func stripTags(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// parseTimecode parses HH:MM:SS.mmm with optional hours; SubRip's comma
// decimal separator is accepted.
func parseTimecode(s string) (time.Duration, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("malformed timecode %q", s)
	}

	var hours int
	idx := 0
	if len(parts) == 3 {
		h, err := strconv.Atoi(parts[0])
		if err != nil || h < 0 {
			return 0, fmt.Errorf("malformed timecode %q", s)
		}
		hours = h
		idx = 1
	}
	mins, err := strconv.Atoi(parts[idx])
	if err != nil || mins < 0 {
		return 0, fmt.Errorf("malformed timecode %q", s)
	}
	secs, err := strconv.ParseFloat(parts[idx+1], 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("malformed timecode %q", s)
	}

	return time.Duration(hours)*time.Hour +
		time.Duration(mins)*time.Minute +
		time.Duration(secs*float64(time.Second)), nil
}
