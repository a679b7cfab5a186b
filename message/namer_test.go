package message

import (
	"strings"
	"testing"

	"google.golang.org/protobuf/types/known/wrapperspb"
)

type createOrgRequest struct{}

type orgCreated struct{}

type pinnedChannel struct{}

func (pinnedChannel) ChannelName() string { return "Billing.Invoice Issued.v2" }

func TestTypeNamerChannelName(t *testing.T) {
	namer := NewTypeNamer("Fleet")

	name := namer.ChannelName(KindRequest, &createOrgRequest{})
	want := "fleet.request.github.com.shortlink-org.go-mediator.message.create_org_request.v1"
	if name != want {
		t.Fatalf("unexpected request channel: %s", name)
	}

	if value := namer.ChannelName(KindRequest, createOrgRequest{}); value != name {
		t.Fatalf("pointer and value must share a channel: %s != %s", value, name)
	}

	event := namer.ChannelName(KindNotification, orgCreated{})
	if !strings.HasPrefix(event, "fleet.notification.") || !strings.HasSuffix(event, ".org_created.v1") {
		t.Fatalf("unexpected notification channel: %s", event)
	}
}

func TestTypeNamerOverride(t *testing.T) {
	namer := NewTypeNamer("")

	if got := namer.ChannelName(KindNotification, pinnedChannel{}); got != "billing.invoice_issued.v2" {
		t.Fatalf("expected override, got %s", got)
	}

	if ns := namer.Namespace(); ns != "mediator" {
		t.Fatalf("expected default namespace, got %s", ns)
	}
}

func TestTypeNamerProto(t *testing.T) {
	namer := NewTypeNamer("mediator")

	got := namer.ChannelName(KindRequest, wrapperspb.String("x"))
	if got != "mediator.request.google.protobuf.string_value.v1" {
		t.Fatalf("unexpected proto channel: %s", got)
	}

	if nilPtr := ChannelFor[*wrapperspb.StringValue](namer, KindRequest); nilPtr != got {
		t.Fatalf("typed nil must resolve to the same channel: %s", nilPtr)
	}
}

func TestSanitizeChannel(t *testing.T) {
	if got := SanitizeChannel(" Billing/Command:Create Invoice "); got != "billing.command_create_invoice" {
		t.Fatalf("unexpected sanitized channel: %s", got)
	}

	long := SanitizeChannel(strings.Repeat("a", 400))
	if len(long) != maxChannelLength {
		t.Fatalf("expected %d chars, got %d", maxChannelLength, len(long))
	}
}

func TestCamelToSnake(t *testing.T) {
	cases := map[string]string{
		"CreateOrgRequest": "create_org_request",
		"HTTPServer":       "http_server",
		"orgID":            "org_id",
		"a.B":              "a.b",
	}

	for in, want := range cases {
		if got := camelToSnake(in); got != want {
			t.Fatalf("camelToSnake(%q) = %q, want %q", in, got, want)
		}
	}
}
