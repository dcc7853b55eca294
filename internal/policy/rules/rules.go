// Package rules implements a deterministic header- and label-based
// decision policy. It needs no network and no API key, which makes it
// the default policy and the fallback when no model is configured.
package rules

import (
	"context"
	"strings"

	"github.com/mailpilot/mailpilot/internal/gmail"
)

// DefaultReplyTemplate is the canned acknowledgement sent for messages
// classified as questions.
const DefaultReplyTemplate = "Thanks for reaching out. I've received your message and will get back to you soon."

// Policy classifies messages with fixed rules. Bulk mail (promotions,
// newsletters, automated senders) is archived, receipts are labeled,
// direct questions get an acknowledgement reply, everything else is
// left untouched.
type Policy struct {
	// ReceiptLabel is applied to receipts and order confirmations.
	// Empty disables the rule.
	ReceiptLabel string

	// ReplyTemplate is the body sent for question replies. Defaults to
	// DefaultReplyTemplate.
	ReplyTemplate string
}

// New returns a rules policy with the default labels and templates.
func New() *Policy {
	return &Policy{
		ReceiptLabel:  "Receipts",
		ReplyTemplate: DefaultReplyTemplate,
	}
}

var bulkLabels = []string{
	"CATEGORY_PROMOTIONS",
	"CATEGORY_SOCIAL",
	"CATEGORY_UPDATES",
	"SPAM",
}

var receiptKeywords = []string{
	"receipt", "invoice", "order confirmation", "payment confirmation",
	"your order", "has shipped",
}

// Decide applies the rules in precedence order: bulk, receipt,
// question, noop.
func (p *Policy) Decide(ctx context.Context, msg *gmail.Message) (gmail.Action, error) {
	if p.isBulk(msg) {
		return gmail.Archive(), nil
	}
	if p.ReceiptLabel != "" && p.isReceipt(msg) {
		return gmail.AddLabel(p.ReceiptLabel), nil
	}
	if p.isQuestion(msg) {
		body := p.ReplyTemplate
		if body == "" {
			body = DefaultReplyTemplate
		}
		return gmail.Reply(body), nil
	}
	return gmail.NoOp(), nil
}

// isBulk matches promotions, newsletters and automated senders, the
// classes of mail that never need a response.
func (p *Policy) isBulk(msg *gmail.Message) bool {
	for _, l := range bulkLabels {
		if msg.HasLabel(l) {
			return true
		}
	}
	if msg.Header("List-Unsubscribe") != "" {
		return true
	}
	if v := strings.ToLower(msg.Header("Auto-Submitted")); v != "" && v != "no" {
		return true
	}
	switch strings.ToLower(msg.Header("Precedence")) {
	case "bulk", "list", "junk":
		return true
	}
	sender := strings.ToLower(msg.Header("From"))
	for _, marker := range []string{"no-reply", "noreply", "donotreply", "do-not-reply"} {
		if strings.Contains(sender, marker) {
			return true
		}
	}
	return false
}

func (p *Policy) isReceipt(msg *gmail.Message) bool {
	subject := strings.ToLower(msg.Header("Subject"))
	for _, kw := range receiptKeywords {
		if strings.Contains(subject, kw) {
			return true
		}
	}
	return false
}

// isQuestion treats a question mark in the subject or body as a request
// that deserves at least an acknowledgement.
func (p *Policy) isQuestion(msg *gmail.Message) bool {
	if strings.Contains(msg.Header("Subject"), "?") {
		return true
	}
	return strings.Contains(msg.Body, "?")
}
