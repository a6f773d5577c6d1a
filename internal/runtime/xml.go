package runtime

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
)

// XMLToDict parses an XML document into nested maps for script use.
// Attributes are keyed "@name", character data lands under "#text" when
// an element also has children, repeated siblings collapse into a list.
func (r *Runtime) XMLToDict(ctx context.Context, doc string) (map[string]any, error) {
	decoder := xml.NewDecoder(strings.NewReader(doc))
	for {
		tok, err := decoder.Token()
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			value, err := decodeElement(decoder, start)
			if err != nil {
				return nil, fmt.Errorf("parse xml: %w", err)
			}
			return map[string]any{start.Name.Local: value}, nil
		}
	}
}

func decodeElement(decoder *xml.Decoder, start xml.StartElement) (any, error) {
	node := map[string]any{}
	for _, attr := range start.Attr {
		node["@"+attr.Name.Local] = attr.Value
	}
	var text strings.Builder

	for {
		tok, err := decoder.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(decoder, t)
			if err != nil {
				return nil, err
			}
			key := t.Name.Local
			switch existing := node[key].(type) {
			case nil:
				node[key] = child
			case []any:
				node[key] = append(existing, child)
			default:
				node[key] = []any{existing, child}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			content := strings.TrimSpace(text.String())
			if len(node) == 0 {
				return content, nil
			}
			if content != "" {
				node["#text"] = content
			}
			return node, nil
		}
	}
}
