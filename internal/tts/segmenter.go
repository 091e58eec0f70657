package tts

import "strings"

// Segmenter buffers streamed model text and cuts it into speakable units.
// The first unit is allowed to be shorter so speech starts as early as
// possible; later units wait for more text so prosody stays natural. Cuts
// prefer sentence punctuation, then commas, then whitespace.
type Segmenter struct {
	firstUnitChars int
	nextUnitChars  int
	cutWindow      int

	buffer     string
	emittedAny bool
}

func NewSegmenter(firstUnitChars, nextUnitChars int) *Segmenter {
	if firstUnitChars <= 0 {
		firstUnitChars = 24
	}
	if nextUnitChars < firstUnitChars {
		nextUnitChars = firstUnitChars
	}
	return &Segmenter{
		firstUnitChars: firstUnitChars,
		nextUnitChars:  nextUnitChars,
		cutWindow:      nextUnitChars + 2,
	}
}

// Push appends streamed text and returns any units now ready to speak.
func (s *Segmenter) Push(delta string) []string {
	if strings.TrimSpace(delta) == "" && s.buffer == "" {
		return nil
	}
	s.buffer += delta
	return s.flush(false)
}

// Finalize force-flushes whatever remains, ending the utterance.
func (s *Segmenter) Finalize() []string {
	return s.flush(true)
}

// Reset drops buffered text, e.g. after a barge-in cancelled the turn.
func (s *Segmenter) Reset() {
	s.buffer = ""
	s.emittedAny = false
}

func (s *Segmenter) flush(force bool) []string {
	var out []string
	for {
		minChars := s.nextUnitChars
		if !s.emittedAny {
			minChars = s.firstUnitChars
		}
		unit, rest, ok := nextUnit(s.buffer, minChars, s.cutWindow, force)
		if !ok {
			break
		}
		s.buffer = rest
		unit = normalizeUnit(unit)
		if unit == "" {
			continue
		}
		s.emittedAny = true
		out = append(out, unit)
	}
	return out
}

func nextUnit(input string, minChars, cutWindow int, force bool) (unit, rest string, ok bool) {
	if input == "" {
		return "", "", false
	}
	if force {
		return input, "", true
	}
	if len(input) < minChars {
		return "", input, false
	}

	if idx := sentenceBoundary(input, minChars); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}
	if idx := commaBoundary(input, minChars); idx >= 0 {
		return input[:idx+1], input[idx+1:], true
	}

	cut := whitespaceBoundary(input, minChars, cutWindow)
	if cut <= 0 {
		return "", input, false
	}
	return input[:cut], input[cut:], true
}

func sentenceBoundary(input string, minChars int) int {
	for i := minChars - 1; i < len(input); i++ {
		switch input[i] {
		case '.', '!', '?', ';', ':', '\n':
			// A period inside a number ("5,432.10") is not a boundary.
			if input[i] == '.' && i+1 < len(input) && isDigit(input[i+1]) {
				continue
			}
			return i
		}
	}
	return -1
}

func commaBoundary(input string, minChars int) int {
	for i := minChars - 1; i < len(input); i++ {
		if input[i] == ',' {
			// Same guard for thousands separators ("5,432").
			if i+1 < len(input) && isDigit(input[i+1]) {
				continue
			}
			return i
		}
	}
	return -1
}

func whitespaceBoundary(input string, minChars, window int) int {
	if len(input) <= minChars {
		return len(input)
	}
	limit := minChars + window
	if limit > len(input) {
		limit = len(input)
	}
	for i := minChars; i < limit; i++ {
		switch input[i] {
		case ' ', '\t', '\n', '\r':
			return i
		}
	}
	return minChars
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func normalizeUnit(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return strings.Join(strings.Fields(raw), " ")
}
