package domain

import (
	"errors"
	"testing"
)

func TestBookingRequestValidate(t *testing.T) {
	tests := []struct {
		name  string
		req   BookingRequest
		paths []string
	}{
		{name: "valid", req: BookingRequest{UserID: "user-1", Tier: TierGA, Quantity: 2}},
		{name: "blank user", req: BookingRequest{UserID: "   ", Tier: TierGA, Quantity: 1}, paths: []string{"userId"}},
		{name: "lower-case tier", req: BookingRequest{UserID: "user-1", Tier: "ga", Quantity: 1}, paths: []string{"tier"}},
		{name: "zero quantity", req: BookingRequest{UserID: "user-1", Tier: TierVIP}, paths: []string{"quantity"}},
		{name: "everything wrong", req: BookingRequest{Quantity: -1}, paths: []string{"userId", "tier", "quantity"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			if len(tc.paths) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}

			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if len(validationErr.Details) != len(tc.paths) {
				t.Fatalf("expected %d details, got %+v", len(tc.paths), validationErr.Details)
			}
			for i, path := range tc.paths {
				if validationErr.Details[i].Path != path {
					t.Fatalf("detail %d path = %q, want %q", i, validationErr.Details[i].Path, path)
				}
			}
		})
	}
}
