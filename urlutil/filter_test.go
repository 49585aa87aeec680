package urlutil

import "testing"

func TestScopeContains(t *testing.T) {
	tests := []struct {
		name      string
		startURL  string
		targetURL string
		expected  bool
	}{
		{
			name:      "same host",
			startURL:  "https://example.com/",
			targetURL: "https://example.com/page",
			expected:  true,
		},
		{
			name:      "subdomain shares registrable domain",
			startURL:  "https://www.example.com/",
			targetURL: "https://blog.example.com/post",
			expected:  true,
		},
		{
			name:      "different domain",
			startURL:  "https://example.com/",
			targetURL: "https://other.com/page",
			expected:  false,
		},
		{
			name:      "different TLD",
			startURL:  "https://example.com/",
			targetURL: "https://example.org/",
			expected:  false,
		},
		{
			name:      "multi-label public suffix",
			startURL:  "https://shop.example.co.uk/",
			targetURL: "https://other.co.uk/",
			expected:  false,
		},
		{
			name:      "multi-label public suffix same site",
			startURL:  "https://shop.example.co.uk/",
			targetURL: "https://www.example.co.uk/",
			expected:  true,
		},
		{
			name:      "scheme agnostic",
			startURL:  "https://example.com/",
			targetURL: "http://example.com/page",
			expected:  true,
		},
		{
			name:      "partial suffix mismatch",
			startURL:  "https://example.com/",
			targetURL: "https://notexample.com",
			expected:  false,
		},
		{
			name:      "IP literal same port",
			startURL:  "http://127.0.0.1:8080/",
			targetURL: "http://127.0.0.1:8080/a",
			expected:  true,
		},
		{
			name:      "IP literal different port",
			startURL:  "http://127.0.0.1:8080/",
			targetURL: "http://127.0.0.1:9090/a",
			expected:  false,
		},
		{
			name:      "localhost compared by port",
			startURL:  "http://localhost:3000/",
			targetURL: "http://localhost:3001/",
			expected:  false,
		},
		{
			name:      "relative target is out of scope",
			startURL:  "https://example.com/",
			targetURL: "/about",
			expected:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, err := NewScope(tt.startURL)
			if err != nil {
				t.Fatalf("NewScope(%q) error = %v", tt.startURL, err)
			}
			got := scope.Contains(tt.targetURL)
			if got != tt.expected {
				t.Errorf("Contains(%q) from %q = %v, want %v", tt.targetURL, tt.startURL, got, tt.expected)
			}
		})
	}
}

func TestNewScope_RequiresHost(t *testing.T) {
	if _, err := NewScope("/relative"); err == nil {
		t.Error("NewScope() expected error for URL without host")
	}
}

func TestIsSameSite(t *testing.T) {
	if !IsSameSite("https://a.example.com/x", "https://b.example.com/") {
		t.Error("IsSameSite() = false for sibling subdomains, want true")
	}
	if IsSameSite("https://example.com/x", "::bad") {
		t.Error("IsSameSite() = true for unparseable base, want false")
	}
}

func TestIsHTTPScheme(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected bool
	}{
		{name: "https scheme", input: "https://example.com", expected: true},
		{name: "http scheme", input: "http://example.com", expected: true},
		{name: "uppercase scheme", input: "HTTP://example.com", expected: true},
		{name: "mailto scheme", input: "mailto:user@example.com", expected: false},
		{name: "tel scheme", input: "tel:+1234567890", expected: false},
		{name: "javascript scheme", input: "javascript:void(0)", expected: false},
		{name: "ftp scheme", input: "ftp://files.example.com", expected: false},
		{name: "empty string", input: "", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsHTTPScheme(tt.input)
			if got != tt.expected {
				t.Errorf("IsHTTPScheme(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestResolveReference(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		ref      string
		expected string
		wantErr  bool
	}{
		{
			name:     "absolute URL returned as-is",
			base:     "https://example.com",
			ref:      "https://other.com/page",
			expected: "https://other.com/page",
		},
		{
			name:     "relative path resolved",
			base:     "https://example.com/blog/",
			ref:      "post1",
			expected: "https://example.com/blog/post1",
		},
		{
			name:     "root-relative resolved",
			base:     "https://example.com/blog/",
			ref:      "/about",
			expected: "https://example.com/about",
		},
		{
			name:     "protocol-relative",
			base:     "https://example.com",
			ref:      "//cdn.example.com/file",
			expected: "https://cdn.example.com/file",
		},
		{
			name:    "unparseable base",
			base:    "://bad",
			ref:     "/x",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveReference(tt.base, tt.ref)
			if (err != nil) != tt.wantErr {
				t.Errorf("ResolveReference() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.expected {
				t.Errorf("ResolveReference(%q, %q) = %v, want %v", tt.base, tt.ref, got, tt.expected)
			}
		})
	}
}
