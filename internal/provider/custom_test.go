package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/givly/donation-service/internal/domain"
)

func TestCustomVerify_MatchingSecret(t *testing.T) {
	p := NewCustom(&staticSecretSource{secret: "shared-secret-1"})
	req := &IngressRequest{Slug: "bank-relay", SignatureHeader: "shared-secret-1"}

	if err := p.Verify(context.Background(), req); err != nil {
		t.Fatalf("expected matching secret to verify, got %v", err)
	}
}

func TestCustomVerify_WrongSecret(t *testing.T) {
	p := NewCustom(&staticSecretSource{secret: "shared-secret-1"})
	req := &IngressRequest{Slug: "bank-relay", SignatureHeader: "guess"}

	if err := p.Verify(context.Background(), req); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestCustomVerify_MissingHeader(t *testing.T) {
	p := NewCustom(&staticSecretSource{secret: "shared-secret-1"})
	req := &IngressRequest{Slug: "bank-relay", SignatureHeader: ""}

	if err := p.Verify(context.Background(), req); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error for missing header, got %v", err)
	}
}

func TestCustomVerify_UnknownEndpoint(t *testing.T) {
	p := NewCustom(&staticSecretSource{err: errors.New("no active endpoint")})
	req := &IngressRequest{Slug: "unknown", SignatureHeader: "anything"}

	if err := p.Verify(context.Background(), req); err == nil {
		t.Fatal("expected error when secret lookup fails")
	}
}

func TestCustomNormalize_Statuses(t *testing.T) {
	p := NewCustom(&staticSecretSource{secret: "s"})

	for _, status := range []string{"paid", "failed", "refunded"} {
		body := []byte(`{"event_id":"ce-1","donation_ref":"don-1","status":"` + status + `","amount":700,"currency":"usd"}`)
		event, err := p.Normalize(&IngressRequest{RawBody: body})
		if err != nil {
			t.Fatalf("%s: unexpected error %v", status, err)
		}
		if event.Type != domain.EventCustomDonation {
			t.Fatalf("%s: expected custom event type, got %q", status, event.Type)
		}
		if event.ExternalPaymentRef != "don-1" {
			t.Fatalf("%s: expected donation ref don-1, got %q", status, event.ExternalPaymentRef)
		}
		if len(event.Raw) == 0 {
			t.Fatalf("%s: expected raw payload to be retained", status)
		}
	}
}

func TestCustomNormalize_RejectsBadPayloads(t *testing.T) {
	p := NewCustom(&staticSecretSource{secret: "s"})

	bad := [][]byte{
		[]byte(`not json`),
		[]byte(`{"donation_ref":"don-1","status":"paid"}`),
		[]byte(`{"event_id":"ce-1","status":"paid"}`),
		[]byte(`{"event_id":"ce-1","donation_ref":"don-1","status":"exploded"}`),
	}
	for _, body := range bad {
		if _, err := p.Normalize(&IngressRequest{RawBody: body}); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("payload %s: expected malformed payload error, got %v", body, err)
		}
	}
}
