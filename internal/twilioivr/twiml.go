package twilioivr

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// twimlDoc is the subset of a TwiML response this client acts on. Verbs
// other than Say, Hangup and Redirect (Gather, Pause, Play, ...) shape the
// telephony experience but carry no prompt text, so they are walked through.
type twimlDoc struct {
	Says     []string
	Hangup   bool
	Redirect string
}

// parseTwiML walks a TwiML document and collects Say texts in document order.
// The document must have a Response root element.
func parseTwiML(body []byte) (*twimlDoc, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))

	var doc twimlDoc
	var sawRoot bool
	var sayDepth int
	var redirectDepth int
	var sayBuf, redirectBuf strings.Builder

	for {
		token, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed TwiML: %w", err)
		}

		switch t := token.(type) {
		case xml.StartElement:
			if !sawRoot {
				if t.Name.Local != "Response" {
					return nil, fmt.Errorf("malformed TwiML: root element is %q, want Response", t.Name.Local)
				}
				sawRoot = true
				continue
			}
			switch t.Name.Local {
			case "Say":
				sayDepth++
			case "Hangup":
				doc.Hangup = true
			case "Redirect":
				redirectDepth++
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "Say":
				if sayDepth > 0 {
					sayDepth--
					if text := strings.TrimSpace(sayBuf.String()); text != "" {
						doc.Says = append(doc.Says, text)
					}
					sayBuf.Reset()
				}
			case "Redirect":
				if redirectDepth > 0 {
					redirectDepth--
					if doc.Redirect == "" {
						doc.Redirect = strings.TrimSpace(redirectBuf.String())
					}
					redirectBuf.Reset()
				}
			}
		case xml.CharData:
			if sayDepth > 0 {
				sayBuf.Write(t)
			}
			if redirectDepth > 0 {
				redirectBuf.Write(t)
			}
		}
	}

	if !sawRoot {
		return nil, fmt.Errorf("malformed TwiML: missing Response root element")
	}
	return &doc, nil
}
