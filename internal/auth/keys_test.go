package auth

import "testing"

func TestHashKey(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"api token", "deploy-token", "e0e2baa1858c9be1a3e01469a2bc9cf12342e00ddc40e3607234a58ba1891e92"},
		{"surrounding whitespace trimmed", "  deploy-token\n", "e0e2baa1858c9be1a3e01469a2bc9cf12342e00ddc40e3607234a58ba1891e92"},
		{"empty string", "", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HashKey(tt.input); got != tt.expected {
				t.Errorf("HashKey(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestHashKey_DifferentInputsDifferentOutputs(t *testing.T) {
	if HashKey("token-a") == HashKey("token-b") {
		t.Error("different tokens produced the same hash")
	}
}
