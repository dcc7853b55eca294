package gmail

import (
	"bytes"
	"fmt"
	"io"
	netmail "net/mail"
	"strings"

	"github.com/emersion/go-message/mail"
)

// composeReply builds an RFC 5322 reply to msg: To is the original
// sender (Reply-To preferred), the subject gains a Re: prefix, and
// In-Reply-To/References thread the reply under the original message.
func composeReply(msg *Message, body string) ([]byte, error) {
	to, err := parseAddresses(msg.From())
	if err != nil {
		return nil, fmt.Errorf("parse recipient: %w", err)
	}

	var h mail.Header
	h.SetAddressList("To", to)
	h.SetSubject(withPrefix(msg.Header("Subject"), "Re:"))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	if origID := msgID(msg.Header("Message-ID")); origID != "" {
		h.SetMsgIDList("In-Reply-To", []string{origID})
		refs := append(msgIDs(msg.Header("References")), origID)
		h.SetMsgIDList("References", refs)
	}

	return writeSinglePart(h, body)
}

// composeForward builds a forward of msg to the given address with the
// original body quoted below a forwarded-message banner.
func composeForward(msg *Message, address string) ([]byte, error) {
	to, err := parseAddresses(address)
	if err != nil {
		return nil, fmt.Errorf("parse recipient: %w", err)
	}

	var h mail.Header
	h.SetAddressList("To", to)
	h.SetSubject(withPrefix(msg.Header("Subject"), "Fwd:"))
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var b strings.Builder
	b.WriteString("---------- Forwarded message ----------\n")
	fmt.Fprintf(&b, "From: %s\n", msg.Header("From"))
	if date := msg.Header("Date"); date != "" {
		fmt.Fprintf(&b, "Date: %s\n", date)
	}
	fmt.Fprintf(&b, "Subject: %s\n", msg.Header("Subject"))
	if origTo := msg.Header("To"); origTo != "" {
		fmt.Fprintf(&b, "To: %s\n", origTo)
	}
	b.WriteString("\n")
	b.WriteString(msg.Body)

	return writeSinglePart(h, b.String())
}

// writeSinglePart renders a single inline text part under the header.
func writeSinglePart(h mail.Header, body string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// parseAddresses parses a header-style address list, accepting a bare
// address when the list fails to parse.
func parseAddresses(s string) ([]*mail.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty address")
	}
	parsed, err := netmail.ParseAddressList(s)
	if err != nil {
		if strings.ContainsRune(s, '@') && !strings.ContainsAny(s, " <>,") {
			return []*mail.Address{{Address: s}}, nil
		}
		return nil, err
	}
	out := make([]*mail.Address, len(parsed))
	for i, a := range parsed {
		out[i] = &mail.Address{Name: a.Name, Address: a.Address}
	}
	return out, nil
}

// withPrefix prepends prefix ("Re:"/"Fwd:") unless already present.
func withPrefix(subject, prefix string) string {
	if strings.HasPrefix(strings.ToLower(subject), strings.ToLower(prefix)) {
		return subject
	}
	return prefix + " " + subject
}

// msgID strips the angle brackets from a Message-ID header value.
func msgID(v string) string {
	return strings.Trim(strings.TrimSpace(v), "<>")
}

// msgIDs splits a References header into bare message ids.
func msgIDs(v string) []string {
	var ids []string
	for _, f := range strings.Fields(v) {
		if id := msgID(f); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
