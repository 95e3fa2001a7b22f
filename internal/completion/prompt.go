package completion

import (
	"whisperer/internal/config"
	"whisperer/pkg/types"
)

// DefaultPreamble frames the terminal history for the model.
const DefaultPreamble = "The following is commands and output from a Zsh terminal. In the Response, provide a concise analysis of it and debug any errors. Restricted to 50 words or less."

// BuildPrompt wraps instruction in the instruction/response template.
func BuildPrompt(preamble, instruction string) string {
	return preamble + "\n### Instructions:" + instruction + "\n\n### Response:\n\n"
}

// NewRequest builds the /completion body for prompt.
func NewRequest(prompt string, s config.Sampling, stopWords []string) types.CompletionRequest {
	return types.CompletionRequest{
		Prompt:      prompt,
		BatchSize:   s.BatchSize,
		TopK:        s.TopK,
		TopP:        s.TopP,
		NKeep:       s.NKeep,
		NPredict:    s.NPredict,
		Stop:        append([]string(nil), stopWords...),
		Exclude:     []string{},
		Threads:     s.Threads,
		AsLoop:      true,
		Interactive: false,
	}
}
