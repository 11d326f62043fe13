package wbxml

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Done is returned by NextTag when the requested enclosing element has
// been closed.
const Done = -1

// ErrEmptyDocument is returned by NewParser when the stream contains no
// WBXML header. Servers signal some conditions with a 200 and an empty
// body, so callers check for this explicitly.
var ErrEmptyDocument = errors.New("wbxml: empty document")

// Parser is a pull parser over a WBXML token stream.
//
// The calling convention mirrors the document structure: NextTag(parent)
// advances to the next start tag inside parent and returns Done when the
// parent element ends. Value reads the text content of the current tag.
type Parser struct {
	r     *bufio.Reader
	page  int
	stack []int
	// empty is set when the current tag had no content bit; Value
	// returns "" and no END token is consumed.
	empty bool
}

// NewParser reads the document header and returns a parser positioned
// before the root element.
func NewParser(r io.Reader) (*Parser, error) {
	p := &Parser{r: bufio.NewReader(r)}

	// version, public identifier, charset, string table length
	if _, err := p.r.ReadByte(); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyDocument
		}
		return nil, fmt.Errorf("wbxml: reading version: %w", err)
	}
	if _, err := p.readMultiByteInt(); err != nil {
		return nil, fmt.Errorf("wbxml: reading public id: %w", err)
	}
	if _, err := p.readMultiByteInt(); err != nil {
		return nil, fmt.Errorf("wbxml: reading charset: %w", err)
	}
	tableLen, err := p.readMultiByteInt()
	if err != nil {
		return nil, fmt.Errorf("wbxml: reading string table length: %w", err)
	}
	if tableLen > 0 {
		if _, err := io.CopyN(io.Discard, p.r, int64(tableLen)); err != nil {
			return nil, fmt.Errorf("wbxml: skipping string table: %w", err)
		}
	}
	return p, nil
}

// NextTag advances to the next start tag within the element identified
// by endingTag and returns its tag constant. It returns Done when
// endingTag closes, and io.EOF past the end of the document when
// endingTag is the document root sentinel (0).
func (p *Parser) NextTag(endingTag int) (int, error) {
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(p.stack) == 0 {
				return Done, nil
			}
			return 0, err
		}

		switch b {
		case tokSwitchPage:
			pg, err := p.r.ReadByte()
			if err != nil {
				return 0, err
			}
			p.page = int(pg)
		case tokEnd:
			if len(p.stack) == 0 {
				return 0, errors.New("wbxml: unbalanced END token")
			}
			closed := p.stack[len(p.stack)-1]
			p.stack = p.stack[:len(p.stack)-1]
			if closed == endingTag {
				return Done, nil
			}
		case tokStrI:
			// Stray text between elements: skip to terminator.
			if _, err := p.readInlineString(); err != nil {
				return 0, err
			}
		case tokOpaque:
			n, err := p.readMultiByteInt()
			if err != nil {
				return 0, err
			}
			if _, err := io.CopyN(io.Discard, p.r, int64(n)); err != nil {
				return 0, err
			}
		default:
			tag := p.page<<codePageShift | int(b&0x3F)
			if b&contentMask != 0 {
				p.stack = append(p.stack, tag)
				p.empty = false
			} else {
				p.empty = true
			}
			return tag, nil
		}
	}
}

// Value reads the text content of the current element and consumes its
// END token. An empty element yields "".
func (p *Parser) Value() (string, error) {
	if p.empty {
		p.empty = false
		return "", nil
	}

	var sb strings.Builder
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			return "", err
		}
		switch b {
		case tokStrI:
			s, err := p.readInlineString()
			if err != nil {
				return "", err
			}
			sb.WriteString(s)
		case tokOpaque:
			n, err := p.readMultiByteInt()
			if err != nil {
				return "", err
			}
			raw := make([]byte, n)
			if _, err := io.ReadFull(p.r, raw); err != nil {
				return "", err
			}
			sb.Write(raw)
		case tokEnd:
			if len(p.stack) == 0 {
				return "", errors.New("wbxml: unbalanced END token in value")
			}
			p.stack = p.stack[:len(p.stack)-1]
			return sb.String(), nil
		default:
			return "", fmt.Errorf("wbxml: unexpected token 0x%02X in text content", b)
		}
	}
}

// ValueInt reads the current element's content as a decimal integer.
func (p *Parser) ValueInt() (int, error) {
	s, err := p.Value()
	if err != nil {
		return 0, err
	}
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("wbxml: non-numeric content %q: %w", s, err)
	}
	return n, nil
}

// Skip consumes the current element and its entire subtree.
func (p *Parser) Skip() error {
	if p.empty {
		p.empty = false
		return nil
	}
	depth := len(p.stack)
	for {
		b, err := p.r.ReadByte()
		if err != nil {
			return err
		}
		switch b {
		case tokSwitchPage:
			pg, err := p.r.ReadByte()
			if err != nil {
				return err
			}
			p.page = int(pg)
		case tokEnd:
			if len(p.stack) == 0 {
				return errors.New("wbxml: unbalanced END token in skip")
			}
			p.stack = p.stack[:len(p.stack)-1]
			if len(p.stack) < depth {
				return nil
			}
		case tokStrI:
			if _, err := p.readInlineString(); err != nil {
				return err
			}
		case tokOpaque:
			n, err := p.readMultiByteInt()
			if err != nil {
				return err
			}
			if _, err := io.CopyN(io.Discard, p.r, int64(n)); err != nil {
				return err
			}
		default:
			if b&contentMask != 0 {
				p.stack = append(p.stack, p.page<<codePageShift|int(b&0x3F))
			}
		}
	}
}

func (p *Parser) readInlineString() (string, error) {
	s, err := p.r.ReadString(0x00)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

func (p *Parser) readMultiByteInt() (uint32, error) {
	var v uint32
	for i := 0; i < 5; i++ {
		b, err := p.r.ReadByte()
		if err != nil {
			return 0, err
		}
		v = v<<7 | uint32(b&0x7F)
		if b&0x80 == 0 {
			return v, nil
		}
	}
	return 0, errors.New("wbxml: multi-byte integer too long")
}
