package realtime

import (
	"testing"
)

func TestParseInbound(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want func(Inbound) bool
	}{
		{
			name: "subscribe document",
			raw:  `{"type":"subscribe-document","payload":{"documentId":"d1"}}`,
			want: func(m Inbound) bool {
				sub, ok := m.(*SubscribeDocument)
				return ok && sub.DocumentID == "d1"
			},
		},
		{
			name: "unsubscribe document",
			raw:  `{"type":"unsubscribe-document","payload":{"documentId":"d1"}}`,
			want: func(m Inbound) bool {
				_, ok := m.(*UnsubscribeDocument)
				return ok
			},
		},
		{
			name: "subscribe workspace",
			raw:  `{"type":"subscribe-workspace","payload":{"workspaceId":"w1"}}`,
			want: func(m Inbound) bool {
				sub, ok := m.(*SubscribeWorkspace)
				return ok && sub.WorkspaceID == "w1"
			},
		},
		{
			name: "subscribe user without payload",
			raw:  `{"type":"subscribe-user"}`,
			want: func(m Inbound) bool {
				_, ok := m.(*SubscribeUser)
				return ok
			},
		},
		{
			name: "document update",
			raw:  `{"type":"document-update","payload":{"documentId":"d1","update":"aGk="}}`,
			want: func(m Inbound) bool {
				u, ok := m.(*DocumentUpdate)
				return ok && u.DocumentID == "d1" && string(u.Update) == "hi"
			},
		},
		{
			name: "presence update",
			raw:  `{"type":"presence-update","payload":{"documentId":"d1","data":{"cursor":5}}}`,
			want: func(m Inbound) bool {
				p, ok := m.(*PresenceUpdate)
				return ok && p.DocumentID == "d1" && len(p.Data) > 0
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := parseInbound([]byte(tc.raw))
			if err != nil {
				t.Fatalf("parseInbound: %v", err)
			}
			if !tc.want(msg) {
				t.Fatalf("unexpected message %#v", msg)
			}
		})
	}
}

func TestParseInboundRejectsUnknownType(t *testing.T) {
	if _, err := parseInbound([]byte(`{"type":"shutdown-server"}`)); err == nil {
		t.Fatal("unknown type accepted")
	}
}

func TestParseInboundRejectsGarbage(t *testing.T) {
	if _, err := parseInbound([]byte(`{{{`)); err == nil {
		t.Fatal("malformed json accepted")
	}
	if _, err := parseInbound([]byte(`{"type":"document-update","payload":"not-an-object"}`)); err == nil {
		t.Fatal("malformed payload accepted")
	}
}
