package workflow

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"strings"
)

// isValidJSON reports whether data parses as a complete JSON document.
func isValidJSON(data string) bool {
	return json.Valid([]byte(data))
}

// isValidXML reports whether data is well-formed XML. It walks the
// full token stream rather than unmarshaling into a fixed shape, since
// OutputValidationRule has no schema to decode against — only
// well-formedness is being asserted.
func isValidXML(data string) bool {
	if strings.TrimSpace(data) == "" {
		return false
	}
	dec := xml.NewDecoder(strings.NewReader(data))
	sawElement := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return sawElement
		}
		if err != nil {
			return false
		}
		if _, ok := tok.(xml.StartElement); ok {
			sawElement = true
		}
	}
}
