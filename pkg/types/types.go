package types

// CompletionRequest is the body POSTed to the inference server's /completion
// endpoint. It only registers the generation job; tokens are fetched from
// /next-token afterwards.
type CompletionRequest struct {
	Prompt      string   `json:"prompt"`
	BatchSize   int      `json:"batch_size"`
	TopK        int      `json:"top_k"`
	TopP        float64  `json:"top_p"`
	NKeep       int      `json:"n_keep"`
	NPredict    int      `json:"n_predict"`
	Stop        []string `json:"stop"`
	Exclude     []string `json:"exclude"`
	Threads     int      `json:"threads"`
	AsLoop      bool     `json:"as_loop"`
	Interactive bool     `json:"interactive"`
}

// TokenEvent is one /next-token response.
type TokenEvent struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
}

// Status is served by the local status endpoint while an invocation runs.
type Status struct {
	State     string `json:"state"`
	ServerPID int    `json:"server_pid,omitempty"`
	ServerURL string `json:"server_url"`
	Polls     int    `json:"polls"`
	Fragments int    `json:"fragments"`
	Aborted   bool   `json:"aborted"`
}
