package mcp

import "testing"

func TestRegexPromptParser(t *testing.T) {
	p := NewRegexPromptParser()

	tests := []struct {
		message string
		tool    string
		args    map[string]string
	}{
		{"What's my balance?", "check-balance", nil},
		{"check balance of 0x000000000000000000000000000000000000dEaD on base sepolia", "check-balance",
			map[string]string{"address": "0x000000000000000000000000000000000000dEaD", "network": "eip155:84532"}},
		{"Create a new wallet on solana", "create-wallet", map[string]string{"network": "solana:devnet"}},
		{"send 1500 to 0x000000000000000000000000000000000000dEaD", "send-transaction",
			map[string]string{"amount": "1500", "to": "0x000000000000000000000000000000000000dEaD"}},
		{"build a transaction for 42 to 0x000000000000000000000000000000000000dEaD on eip155:1", "build-transaction",
			map[string]string{"amount": "42", "network": "eip155:1"}},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			intent, ok := p.Parse(tt.message)
			if !ok {
				t.Fatalf("no match")
			}
			if intent.ToolName != tt.tool {
				t.Fatalf("tool = %s, want %s", intent.ToolName, tt.tool)
			}
			for k, v := range tt.args {
				if intent.Arguments[k] != v {
					t.Errorf("%s = %v, want %s", k, intent.Arguments[k], v)
				}
			}
		})
	}

	for _, msg := range []string{"", "hello there", "tell me a joke"} {
		if _, ok := p.Parse(msg); ok {
			t.Errorf("%q should not match", msg)
		}
	}
}
