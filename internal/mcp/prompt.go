package mcp

import (
	"regexp"
	"strings"
)

// ParsedIntent is a tool call guessed from free text.
type ParsedIntent struct {
	ToolName  string                 `json:"toolName"`
	Arguments map[string]interface{} `json:"arguments"`
}

// PromptParser maps a chat message to a tool call. ok is false when nothing
// matched.
type PromptParser interface {
	Parse(message string) (intent *ParsedIntent, ok bool)
}

var (
	addressPattern = `(0x[0-9a-fA-F]{40}|[1-9A-HJ-NP-Za-km-z]{32,44})`
	amountPattern  = `([0-9]+)`

	buildRe   = regexp.MustCompile(`(?i)\b(?:build|prepare|draft)\b.*?\btransaction\b.*?` + amountPattern + `.*?\bto\s+` + addressPattern)
	sendRe    = regexp.MustCompile(`(?i)\b(?:send|transfer|pay)\s+` + amountPattern + `\b.*?\bto\s+` + addressPattern)
	walletRe  = regexp.MustCompile(`(?i)\b(?:create|new|generate|make)\b.*?\bwallet\b`)
	balanceRe = regexp.MustCompile(`(?i)\bbalance\b`)
	addressRe = regexp.MustCompile(`\b` + addressPattern + `\b`)
	networkRe = regexp.MustCompile(`\b((?:eip155|solana):[-_a-zA-Z0-9]+)\b`)
)

var networkAliases = map[string]string{
	"base sepolia": "eip155:84532",
	"sepolia":      "eip155:11155111",
	"base":         "eip155:8453",
	"ethereum":     "eip155:1",
	"solana":       "solana:devnet",
}

// RegexPromptParser recognises the built-in wallet tools in plain English.
type RegexPromptParser struct{}

func NewRegexPromptParser() *RegexPromptParser { return &RegexPromptParser{} }

func (p *RegexPromptParser) Parse(message string) (*ParsedIntent, bool) {
	message = strings.TrimSpace(message)
	if message == "" {
		return nil, false
	}

	withNetwork := func(args map[string]interface{}) map[string]interface{} {
		if network := detectNetwork(message); network != "" {
			args["network"] = network
		}
		return args
	}

	if m := buildRe.FindStringSubmatch(message); m != nil {
		return &ParsedIntent{ToolName: "build-transaction", Arguments: withNetwork(map[string]interface{}{
			"amount": m[1], "to": m[2],
		})}, true
	}
	if m := sendRe.FindStringSubmatch(message); m != nil {
		return &ParsedIntent{ToolName: "send-transaction", Arguments: withNetwork(map[string]interface{}{
			"amount": m[1], "to": m[2],
		})}, true
	}
	if walletRe.MatchString(message) {
		return &ParsedIntent{ToolName: "create-wallet", Arguments: withNetwork(map[string]interface{}{})}, true
	}
	if balanceRe.MatchString(message) {
		args := map[string]interface{}{}
		if m := addressRe.FindStringSubmatch(message); m != nil {
			args["address"] = m[1]
		}
		return &ParsedIntent{ToolName: "check-balance", Arguments: withNetwork(args)}, true
	}
	return nil, false
}

func detectNetwork(message string) string {
	if m := networkRe.FindStringSubmatch(message); m != nil {
		return m[1]
	}
	lower := strings.ToLower(message)
	// longest alias first so "base sepolia" beats "base"
	for _, alias := range []string{"base sepolia", "sepolia", "base", "ethereum", "solana"} {
		if strings.Contains(lower, "on "+alias) || strings.Contains(lower, "for "+alias) {
			return networkAliases[alias]
		}
	}
	return ""
}
