package rules

import (
	"context"
	"testing"

	"github.com/mailpilot/mailpilot/internal/gmail"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name string
		msg  *gmail.Message
		want gmail.ActionKind
	}{
		{
			name: "promotions_label",
			msg: &gmail.Message{
				Labels:  []string{"INBOX", "CATEGORY_PROMOTIONS"},
				Headers: map[string]string{"From": "deals@shop.example.com", "Subject": "50% off"},
			},
			want: gmail.ActionArchive,
		},
		{
			name: "newsletter_unsubscribe_header",
			msg: &gmail.Message{
				Headers: map[string]string{
					"From":             "digest@news.example.com",
					"Subject":          "Weekly digest",
					"List-Unsubscribe": "<mailto:unsub@news.example.com>",
				},
			},
			want: gmail.ActionArchive,
		},
		{
			name: "auto_submitted",
			msg: &gmail.Message{
				Headers: map[string]string{
					"From":           "cron@host.example.com",
					"Subject":        "job finished",
					"Auto-Submitted": "auto-generated",
				},
			},
			want: gmail.ActionArchive,
		},
		{
			name: "noreply_sender",
			msg: &gmail.Message{
				Headers: map[string]string{"From": "no-reply@service.example.com", "Subject": "Notification"},
			},
			want: gmail.ActionArchive,
		},
		{
			name: "receipt_subject",
			msg: &gmail.Message{
				Headers: map[string]string{"From": "shop@example.com", "Subject": "Your order confirmation #42"},
			},
			want: gmail.ActionAddLabel,
		},
		{
			name: "question_in_subject",
			msg: &gmail.Message{
				Headers: map[string]string{"From": "colleague@example.com", "Subject": "Free for lunch?"},
			},
			want: gmail.ActionReply,
		},
		{
			name: "question_in_body",
			msg: &gmail.Message{
				Headers: map[string]string{"From": "colleague@example.com", "Subject": "Quick thing"},
				Body:    "Could you review my branch today?",
			},
			want: gmail.ActionReply,
		},
		{
			name: "plain_message",
			msg: &gmail.Message{
				Headers: map[string]string{"From": "colleague@example.com", "Subject": "FYI"},
				Body:    "Heads up, the deploy went out.",
			},
			want: gmail.ActionNoOp,
		},
	}

	p := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Decide(context.Background(), tt.msg)
			if err != nil {
				t.Fatalf("Decide: %v", err)
			}
			if got.Kind != tt.want {
				t.Errorf("Decide = %v, want kind %s", got, tt.want)
			}
			if err := got.Validate(); err != nil {
				t.Errorf("returned invalid action: %v", err)
			}
		})
	}
}

func TestBulkBeatsQuestion(t *testing.T) {
	msg := &gmail.Message{
		Labels: []string{"CATEGORY_PROMOTIONS"},
		Headers: map[string]string{
			"From":    "deals@shop.example.com",
			"Subject": "Ready to save big?",
		},
	}
	got, err := New().Decide(context.Background(), msg)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got.Kind != gmail.ActionArchive {
		t.Errorf("Decide = %v, want archive to win over reply", got)
	}
}

func TestReceiptRuleDisabled(t *testing.T) {
	p := New()
	p.ReceiptLabel = ""
	msg := &gmail.Message{
		Headers: map[string]string{"From": "shop@example.com", "Subject": "Invoice 7"},
	}
	got, err := p.Decide(context.Background(), msg)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if got.Kind != gmail.ActionNoOp {
		t.Errorf("Decide = %v, want noop with rule disabled", got)
	}
}
