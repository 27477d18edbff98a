package util

import (
	"net/http"
	"testing"
)

func TestNewProxyFunc_Explicit(t *testing.T) {
	proxy := NewProxyFunc("http://proxy.local:3128", "http://secure-proxy.local:3128", "internal.example")

	tests := []struct {
		url  string
		want string
	}{
		{"http://otx.alienvault.com/api", "http://proxy.local:3128"},
		{"https://www.virustotal.com/api/v3", "http://secure-proxy.local:3128"},
		{"https://internal.example/api", ""},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodGet, tt.url, nil)
			if err != nil {
				t.Fatalf("NewRequest failed: %v", err)
			}
			got, err := proxy(req)
			if err != nil {
				t.Fatalf("proxy returned error: %v", err)
			}
			if tt.want == "" {
				if got != nil {
					t.Errorf("expected no proxy, got %s", got)
				}
				return
			}
			if got == nil || got.String() != tt.want {
				t.Errorf("proxy(%s) = %v, want %s", tt.url, got, tt.want)
			}
		})
	}
}

func TestNewProxyFunc_EmptyUsesEnvironment(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "")
	t.Setenv("HTTP_PROXY", "")

	proxy := NewProxyFunc("", "", "")
	req, _ := http.NewRequest(http.MethodGet, "https://otx.alienvault.com", nil)
	got, err := proxy(req)
	if err != nil {
		t.Fatalf("proxy returned error: %v", err)
	}
	if got != nil {
		t.Errorf("expected no proxy from empty environment, got %s", got)
	}
}
