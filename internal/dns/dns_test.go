package dns

import (
	"context"
	"testing"
)

func TestPickAddressPrefersIPv4(t *testing.T) {
	tests := []struct {
		name    string
		ips     []string
		want    string
		wantErr bool
	}{
		{name: "empty", wantErr: true},
		{name: "v4 after v6", ips: []string{"2606:4700::1", "104.16.0.1"}, want: "104.16.0.1"},
		{name: "v6 only", ips: []string{"2606:4700::1"}, want: "2606:4700::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pickAddress(tt.ips)
			if (err != nil) != tt.wantErr {
				t.Fatalf("pickAddress() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("pickAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLookupIPLiteral(t *testing.T) {
	for _, host := range []string{"127.0.0.1", "::1"} {
		got, err := Lookup(context.Background(), host)
		if err != nil {
			t.Fatalf("Lookup(%q) error: %v", host, err)
		}
		if got != host {
			t.Errorf("Lookup(%q) = %q", host, got)
		}
	}
}
