package main

import "github.com/Trustflow-Network-Labs/x402-mcp-gateway/internal/cmd"

func main() {
	cmd.Execute()
}
