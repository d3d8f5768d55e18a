package safe

import (
	"errors"
	"net/netip"
	"strings"
	"testing"
)

func TestValidateURL(t *testing.T) {
	orig := lookupHost
	t.Cleanup(func() { lookupHost = orig })
	lookupHost = func(host string) ([]string, error) {
		switch host {
		case "intranet.shop-x.com":
			return []string{"10.1.2.3"}, nil
		case "shop-x.com":
			return []string{"93.184.216.34"}, nil
		}
		return nil, errors.New("no such host")
	}

	tests := []struct {
		url  string
		want error
	}{
		{"https://shop-x.com/product/tee", nil},
		{"http://unknown.example/", nil},
		{"ftp://shop-x.com/", ErrUnsafeScheme},
		{"file:///etc/passwd", ErrUnsafeScheme},
		{"http://127.0.0.1:8080/", ErrSSRF},
		{"http://localhost/", ErrSSRF},
		{"http://[::1]/", ErrSSRF},
		{"http://169.254.169.254/latest/meta-data", ErrSSRF},
		{"http://192.168.1.10/", ErrSSRF},
		{"https://intranet.shop-x.com/", ErrSSRF},
	}
	for _, tt := range tests {
		err := ValidateURL(tt.url)
		if tt.want == nil && err != nil {
			t.Errorf("ValidateURL(%q): unexpected error %v", tt.url, err)
		}
		if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("ValidateURL(%q): got %v, want %v", tt.url, err, tt.want)
		}
	}
	if err := ValidateURL("https:///nohost"); err == nil {
		t.Error("expected error for url without host")
	}
}

func TestValidateIdentifier(t *testing.T) {
	good := []string{"shop-x", "job_20260301T120000Z_abc", "v1.2", "A"}
	for _, s := range good {
		if err := ValidateIdentifier(s); err != nil {
			t.Errorf("ValidateIdentifier(%q): %v", s, err)
		}
	}
	bad := []string{"", ".", "..", "../etc", "a/b", "a b", "é", strings.Repeat("x", MaxIdentifierLen+1)}
	for _, s := range bad {
		if err := ValidateIdentifier(s); !errors.Is(err, ErrInvalidIdentifier) {
			t.Errorf("ValidateIdentifier(%q): got %v, want ErrInvalidIdentifier", s, err)
		}
	}
}

func TestLimitedReadAll(t *testing.T) {
	data, err := LimitedReadAll(strings.NewReader("hello"), 5)
	if err != nil || string(data) != "hello" {
		t.Errorf("at limit: got %q, %v", data, err)
	}
	if _, err := LimitedReadAll(strings.NewReader("hello!"), 5); !errors.Is(err, ErrTooLarge) {
		t.Errorf("over limit: got %v, want ErrTooLarge", err)
	}
}

func TestIsPrivate(t *testing.T) {
	tests := map[string]bool{
		"10.0.0.1":        true,
		"172.20.0.1":      true,
		"100.64.0.1":      true,
		"0.0.0.0":         true,
		"::ffff:10.0.0.1": true,
		"fd00::1":         true,
		"8.8.8.8":         false,
		"2606:4700::1111": false,
	}
	for s, want := range tests {
		if got := isPrivate(netip.MustParseAddr(s)); got != want {
			t.Errorf("isPrivate(%s): got %v, want %v", s, got, want)
		}
	}
}
