package payload

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// Graft copies the first child element of data's root element into doc,
// just before the closing tag of doc's root element.
func Graft(doc, data []byte) ([]byte, error) {
	child, err := firstChild(data)
	if err != nil {
		return nil, fmt.Errorf("failed to locate enrich element: %w", err)
	}

	rootEnd, err := rootCloseOffset(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to locate document root: %w", err)
	}

	out := make([]byte, 0, len(doc)+len(child))
	out = append(out, doc[:rootEnd]...)
	out = append(out, child...)
	out = append(out, doc[rootEnd:]...)
	return out, nil
}

func firstChild(data []byte) ([]byte, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	depth := 0
	var start int64 = -1
	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil, ErrFieldNotFound
		}
		if err != nil {
			return nil, errors.Join(ErrMalformed, err)
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 && start < 0 {
				start = offset
			}
		case xml.EndElement:
			if depth == 2 && start >= 0 {
				return data[start:dec.InputOffset()], nil
			}
			depth--
		}
	}
}

func rootCloseOffset(doc []byte) (int, error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	depth := 0
	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return 0, ErrMalformed
		}
		if err != nil {
			return 0, errors.Join(ErrMalformed, err)
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				return int(offset), nil
			}
		}
	}
}
