package gmail

import (
	"bytes"
	"strings"

	"github.com/jhillyerd/enmime"
)

// headerNames are the headers a parsed Message exposes to policies and
// to reply/forward composition.
var headerNames = []string{
	"From", "To", "Cc", "Reply-To", "Subject", "Date",
	"Message-ID", "In-Reply-To", "References", "List-Unsubscribe",
	"Auto-Submitted", "Precedence",
}

// parseRaw turns an RFC 5322 payload into a Message with a header map
// and a plain-text body. HTML-only messages keep the raw HTML body; the
// snippet from the API is usually a better short form anyway.
func parseRaw(raw []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(headerNames))
	for _, name := range headerNames {
		if v := env.GetHeader(name); v != "" {
			headers[name] = v
		}
	}

	body := strings.TrimSpace(env.Text)
	if body == "" {
		body = strings.TrimSpace(env.HTML)
	}

	return &Message{Headers: headers, Body: body}, nil
}
