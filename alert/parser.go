package alert

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParserConfig bounds what the parser accepts and how it derives targets.
type ParserConfig struct {
	MinPrice        float64
	MaxPrice        float64
	MaxStopDistance float64 // 0 disables the check
	Target1Offset   float64
	Target2Offset   float64
}

// DefaultParserConfig matches the ES alert stream: targets at +7 and +12.
func DefaultParserConfig() ParserConfig {
	return ParserConfig{
		MinPrice:        3000,
		MaxPrice:        8000,
		MaxStopDistance: 50,
		Target1Offset:   7,
		Target2Offset:   12,
	}
}

func (c ParserConfig) Validate() error {
	if c.MinPrice < 0 || c.MaxPrice <= c.MinPrice {
		return errors.New("parser: max_price must be greater than min_price")
	}
	if c.Target1Offset <= 0 {
		return errors.New("parser: target1_offset must be positive")
	}
	if c.Target2Offset <= c.Target1Offset {
		return errors.New("parser: target2_offset must be greater than target1_offset")
	}
	if c.MaxStopDistance < 0 {
		return errors.New("parser: max_stop_distance must be >= 0")
	}
	return nil
}

var (
	headerRe = regexp.MustCompile(`(?im)^\s*(?:🚨\s*)?([A-Za-z][A-Za-z0-9._/-]*)\s+(long|short)\b(.*)$`)
	stopRe   = regexp.MustCompile(`(?im)^\s*stop\s*:\s*(\S*)`)
)

// Parser turns alert text of the form
//
//	🚨 ES long 6326: A
//	Stop: 6316
//
// into an Alert. It holds no state beyond its config.
type Parser struct {
	cfg ParserConfig
}

func NewParser(cfg ParserConfig) (*Parser, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Parser{cfg: cfg}, nil
}

func (p *Parser) Config() ParserConfig { return p.cfg }

// ParseMessage parses raw and stamps the upstream message identity on the
// result.
func (p *Parser) ParseMessage(messageID string, ts time.Time, raw string) (Alert, error) {
	a, err := p.Parse(raw)
	if err != nil {
		return Alert{}, err
	}
	a.MessageID = messageID
	a.SourceTimestamp = ts
	return a, nil
}

// Parse is pure: the same text always yields the same Alert or the same error.
func (p *Parser) Parse(raw string) (Alert, error) {
	m := headerRe.FindStringSubmatch(raw)
	if m == nil {
		return Alert{}, missing("direction")
	}
	dir, err := ParseDirection(m[2])
	if err != nil {
		return Alert{}, missing("direction")
	}

	entryTok, classTok, perr := splitEntry(m[3])
	if perr != nil {
		return Alert{}, perr
	}
	entry, perr := number("entry", entryTok)
	if perr != nil {
		return Alert{}, perr
	}
	class, perr := sizeClass(classTok)
	if perr != nil {
		return Alert{}, perr
	}

	sm := stopRe.FindStringSubmatch(raw)
	if sm == nil || sm[1] == "" {
		return Alert{}, missing("stop")
	}
	stop, perr := number("stop", sm[1])
	if perr != nil {
		return Alert{}, perr
	}

	if perr := p.checkRange(dir, entry, stop); perr != nil {
		return Alert{}, perr
	}

	s := dir.Sign()
	return Alert{
		Symbol:     strings.ToUpper(m[1]),
		Direction:  dir,
		EntryPrice: entry,
		StopPrice:  stop,
		SizeClass:  class,
		Target1:    entry + s*p.cfg.Target1Offset,
		Target2:    entry + s*p.cfg.Target2Offset,
		RawText:    raw,
	}, nil
}

func (p *Parser) checkRange(dir Direction, entry, stop float64) *ParseError {
	if entry < p.cfg.MinPrice || entry > p.cfg.MaxPrice {
		return outOfRange("entry", "%g not in [%g, %g]", entry, p.cfg.MinPrice, p.cfg.MaxPrice)
	}
	if stop < p.cfg.MinPrice || stop > p.cfg.MaxPrice {
		return outOfRange("stop", "%g not in [%g, %g]", stop, p.cfg.MinPrice, p.cfg.MaxPrice)
	}
	dist := (entry - stop) * dir.Sign()
	if dist <= 0 {
		return outOfRange("stop", "%g is not on the loss side of %g for %s", stop, entry, dir)
	}
	if p.cfg.MaxStopDistance > 0 && dist > p.cfg.MaxStopDistance {
		return outOfRange("stop", "distance %g exceeds %g", dist, p.cfg.MaxStopDistance)
	}
	return nil
}

// splitEntry splits " 6326: A GAMMA" into "6326" and "A".
func splitEntry(rest string) (string, string, *ParseError) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", "", missing("entry")
	}
	before, after, ok := strings.Cut(rest, ":")
	before = strings.TrimSpace(before)
	if before == "" {
		return "", "", missing("entry")
	}
	if !ok {
		if _, perr := number("entry", before); perr != nil {
			return "", "", perr
		}
		return "", "", missing("size_class")
	}
	fields := strings.Fields(after)
	if len(fields) == 0 {
		return "", "", missing("size_class")
	}
	// Anything after the class letter (GAMMA, emoji, notes) is ignored.
	return before, fields[0], nil
}

func sizeClass(tok string) (SizeClass, *ParseError) {
	if len(tok) != 1 {
		return "", &ParseError{Reason: MissingField, Field: "size_class", Detail: "expected a single letter, got " + strconv.Quote(tok)}
	}
	c := tok[0]
	if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		return "", &ParseError{Reason: MissingField, Field: "size_class", Detail: "expected a single letter, got " + strconv.Quote(tok)}
	}
	return SizeClass(strings.ToUpper(tok)), nil
}

func number(field, tok string) (float64, *ParseError) {
	tok = strings.TrimRight(tok, ",;")
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &ParseError{Reason: MalformedNumber, Field: field, Detail: strconv.Quote(tok)}
	}
	return v, nil
}
