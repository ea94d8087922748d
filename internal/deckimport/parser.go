// Package deckimport reads deck-list files into ordered card name lists.
//
// Supported line conventions:
//
//	Lightning Bolt            plain name, quantity 1
//	4 Lightning Bolt          quantity prefix
//	4 [MOR] Heritage Druid    quantity prefix with set annotation
//	4x<TAB>Lightning Bolt     MTGS tab format
//	SB: 2 Duress              sideboard entry
//
// Lines starting with "//", the "sideboard" marker and MTGS [DECK] and
// [URL=...] tag lines produce no cards.
package deckimport

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var (
	// ErrUndecodable is returned when no supported encoding decodes a file.
	ErrUndecodable = errors.New("could not decode deck list with any supported encoding")

	// ErrEmptyList is returned when a deck list yields no card names.
	ErrEmptyList = errors.New("no card names found in deck list")
)

var (
	mtgsLine     = regexp.MustCompile(`^(\d+)x\t(.+)$`)
	quantityLine = regexp.MustCompile(`^(\d+)\s+(.+)$`)
	setPrefix    = regexp.MustCompile(`^\[[^\]]*\]\s*`)
)

// MaxQuantity caps how many times ParseText repeats one line's name.
const MaxQuantity = 1000

// ParsedCard is one deck-list line.
type ParsedCard struct {
	Quantity int
	Name     string
	Board    string // "main" or "sideboard"
}

// Encoding is a named text decoder. A nil Decoder means strict UTF-8.
type Encoding struct {
	Name    string
	Decoder encoding.Encoding
}

// DefaultEncodings are tried in order until one decodes the whole file.
var DefaultEncodings = []Encoding{
	{Name: "utf-8"},
	{Name: "latin-1", Decoder: charmap.ISO8859_1},
	{Name: "cp1252", Decoder: charmap.Windows1252},
	{Name: "iso-8859-1", Decoder: charmap.ISO8859_1},
}

// Parser parses deck lists.
type Parser struct {
	Encodings []Encoding
	log       *zap.Logger
}

// NewParser creates a parser using DefaultEncodings. log may be nil.
func NewParser(log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{Encodings: DefaultEncodings, log: log}
}

// ParseFile decodes and parses the file at path.
func (p *Parser) ParseFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read deck list: %w", err)
	}

	text, enc, err := p.decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	names := p.ParseText(text)
	p.log.Info("Read card list",
		zap.String("path", path),
		zap.String("encoding", enc),
		zap.Int("entries", len(names)),
	)
	return names, nil
}

// ParseText returns card names in first-appearance order, each repeated
// by its quantity, capped at MaxQuantity.
func (p *Parser) ParseText(text string) []string {
	var names []string
	for _, card := range p.ParseLines(text) {
		n := card.Quantity
		if n > MaxQuantity {
			p.log.Warn("Capping card quantity", zap.String("card", card.Name), zap.Int("quantity", n), zap.Int("max", MaxQuantity))
			n = MaxQuantity
		}
		for range n {
			names = append(names, card.Name)
		}
	}
	return names
}

// ParseLines parses text into one entry per card line. Entries with a
// zero quantity are kept.
func (p *Parser) ParseLines(text string) []*ParsedCard {
	var cards []*ParsedCard
	board := "main"

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)

		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		if line == "[DECK]" || line == "[/DECK]" ||
			strings.HasPrefix(line, "[URL=") || strings.HasPrefix(line, "[/URL]") {
			continue
		}
		if strings.EqualFold(line, "sideboard") {
			board = "sideboard"
			continue
		}

		lineBoard := board
		if rest, ok := strings.CutPrefix(line, "SB:"); ok {
			line = strings.TrimSpace(rest)
			lineBoard = "sideboard"
		}

		if card := parseLine(line); card != nil {
			card.Board = lineBoard
			cards = append(cards, card)
		}
	}
	return cards
}

func parseLine(line string) *ParsedCard {
	if m := mtgsLine.FindStringSubmatch(line); m != nil {
		if q, err := strconv.Atoi(m[1]); err == nil {
			return &ParsedCard{Quantity: q, Name: strings.TrimSpace(m[2])}
		}
	}

	if m := quantityLine.FindStringSubmatch(line); m != nil {
		if q, err := strconv.Atoi(m[1]); err == nil {
			name := setPrefix.ReplaceAllString(strings.TrimSpace(m[2]), "")
			return &ParsedCard{Quantity: q, Name: strings.TrimSpace(name)}
		}
	}

	if line == "" {
		return nil
	}
	return &ParsedCard{Quantity: 1, Name: line}
}

// decode returns the text under the first encoding that accepts data.
func (p *Parser) decode(data []byte) (string, string, error) {
	for _, enc := range p.Encodings {
		if enc.Decoder == nil {
			if utf8.Valid(data) {
				return string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))), enc.Name, nil
			}
			continue
		}
		out, err := enc.Decoder.NewDecoder().Bytes(data)
		if err != nil {
			p.log.Debug("Encoding rejected deck list", zap.String("encoding", enc.Name), zap.Error(err))
			continue
		}
		return string(out), enc.Name, nil
	}
	return "", "", ErrUndecodable
}
