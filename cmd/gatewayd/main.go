// Command gatewayd runs the OpenAI-compatible gateway.
package main

import "github.com/brightloom-dev/llmgateway/internal/cmd"

func main() {
	cmd.Execute()
}
