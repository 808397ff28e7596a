package httpserver

import (
	"testing"
	"time"
)

func TestConfigValidateFillsDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{AuthSigningKey: "secret"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		test.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != defaultAllowedOrigin {
		test.Fatalf("expected default origin, got %v", cfg.AllowedOrigins)
	}
	if cfg.AuthIssuer != defaultAuthIssuer {
		test.Fatalf("expected default issuer, got %q", cfg.AuthIssuer)
	}
	if cfg.RequestTimeout != defaultTimeout {
		test.Fatalf("expected default timeout, got %v", cfg.RequestTimeout)
	}
}

func TestConfigValidateRequiresSigningKey(test *testing.T) {
	test.Parallel()
	cfg := Config{ListenAddr: ":8080", RequestTimeout: time.Second}
	if err := cfg.Validate(); err == nil {
		test.Fatalf("expected error for missing signing key")
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name string
		raw  string
		want int
	}{
		{name: "empty", raw: "", want: 0},
		{name: "single", raw: "http://localhost:8000", want: 1},
		{name: "multiple with spaces", raw: "http://a.example , http://b.example,", want: 2},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			origins := ParseAllowedOrigins(testCase.raw)
			if len(origins) != testCase.want {
				test.Fatalf("expected %d origins, got %v", testCase.want, origins)
			}
		})
	}
}
