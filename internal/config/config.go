package config

import (
	"fmt"
	"time"

	"whisperer/internal/common/fsutil"
)

// Defaults applied when corresponding fields are unset.
const (
	DefaultHistoryPath = "~/.llama-whisperer/history"
	DefaultServerPath  = "~/llama.cpp/bin/server"
	DefaultModelPath   = "~/llama.cpp/models/stable-vicuna-13B.ggmlv3.q8_0.bin"
	DefaultHost        = "127.0.0.1"
	DefaultPort        = 3000
	DefaultCtxSize     = 2048
	DefaultLines       = 2
)

// DefaultStopWords end generation when any of them shows up in a fragment.
var DefaultStopWords = []string{"###", "Question:", "Human:", "Assistant:"}

// ServerConfig describes the inference server process.
type ServerConfig struct {
	BinaryPath  string   `json:"binary_path" yaml:"binary_path" toml:"binary_path"`
	ModelPath   string   `json:"model_path" yaml:"model_path" toml:"model_path"`
	Host        string   `json:"host" yaml:"host" toml:"host"`
	Port        int      `json:"port" yaml:"port" toml:"port"`
	ContextSize int      `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	ExtraArgs   []string `json:"extra_args" yaml:"extra_args" toml:"extra_args"`
	// StopGrace is how long a terminated server gets before it is killed.
	StopGrace Duration `json:"stop_grace" yaml:"stop_grace" toml:"stop_grace"`
}

// Args returns the command line passed to the server binary.
func (s ServerConfig) Args() []string {
	args := []string{
		"-m", s.ModelPath,
		"--ctx_size", fmt.Sprint(s.ContextSize),
		"--port", fmt.Sprint(s.Port),
	}
	return append(args, s.ExtraArgs...)
}

// BaseURL is the HTTP root of the server.
func (s ServerConfig) BaseURL() string {
	host := s.Host
	if host == "" {
		host = DefaultHost
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

// Sampling holds the generation parameters sent with every completion.
type Sampling struct {
	BatchSize int     `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	TopK      int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	TopP      float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	NKeep     int     `json:"n_keep" yaml:"n_keep" toml:"n_keep"`
	NPredict  int     `json:"n_predict" yaml:"n_predict" toml:"n_predict"`
	Threads   int     `json:"threads" yaml:"threads" toml:"threads"`
}

// HistoryConfig points at the terminal history file.
type HistoryConfig struct {
	Path  string `json:"path" yaml:"path" toml:"path"`
	Lines int    `json:"lines" yaml:"lines" toml:"lines"`
}

// ClientConfig tunes the completion client.
type ClientConfig struct {
	StopWords []string `json:"stop_words" yaml:"stop_words" toml:"stop_words"`
	// ConnectTimeout bounds how long submit keeps retrying while the server boots.
	ConnectTimeout Duration `json:"connect_timeout" yaml:"connect_timeout" toml:"connect_timeout"`
	// StopTimeout bounds the fire-and-forget stop request.
	StopTimeout Duration `json:"stop_timeout" yaml:"stop_timeout" toml:"stop_timeout"`
	// PollRetries is the number of extra attempts per poll; 0 keeps polls fail-fast.
	PollRetries int `json:"poll_retries" yaml:"poll_retries" toml:"poll_retries"`
	// EchoPrompt is a pointer so a file can switch it off without being mistaken for "unset".
	EchoPrompt *bool `json:"echo_prompt" yaml:"echo_prompt" toml:"echo_prompt"`
}

// Echo reports whether the prompt is written to stdout before generation.
func (c ClientConfig) Echo() bool { return c.EchoPrompt == nil || *c.EchoPrompt }

// LogConfig selects log level and encoding.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// MetricsConfig enables the local status/metrics listener when Addr is set.
type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"`
}

// Config is built once at startup and passed by value afterwards.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server" toml:"server"`
	Sampling Sampling      `json:"sampling" yaml:"sampling" toml:"sampling"`
	History  HistoryConfig `json:"history" yaml:"history" toml:"history"`
	Client   ClientConfig  `json:"client" yaml:"client" toml:"client"`
	Log      LogConfig     `json:"log" yaml:"log" toml:"log"`
	Metrics  MetricsConfig `json:"metrics" yaml:"metrics" toml:"metrics"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			BinaryPath:  DefaultServerPath,
			ModelPath:   DefaultModelPath,
			Host:        DefaultHost,
			Port:        DefaultPort,
			ContextSize: DefaultCtxSize,
			StopGrace:   Duration(2 * time.Second),
		},
		Sampling: Sampling{
			BatchSize: 512,
			TopK:      40,
			TopP:      0.9,
			NKeep:     0,
			NPredict:  100,
			Threads:   8,
		},
		History: HistoryConfig{Path: DefaultHistoryPath, Lines: DefaultLines},
		Client: ClientConfig{
			StopWords:      append([]string(nil), DefaultStopWords...),
			ConnectTimeout: Duration(60 * time.Second),
			StopTimeout:    Duration(2 * time.Second),
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Merge overlays the non-zero fields of o onto c.
func (c Config) Merge(o Config) Config {
	if o.Server.BinaryPath != "" {
		c.Server.BinaryPath = o.Server.BinaryPath
	}
	if o.Server.ModelPath != "" {
		c.Server.ModelPath = o.Server.ModelPath
	}
	if o.Server.Host != "" {
		c.Server.Host = o.Server.Host
	}
	if o.Server.Port != 0 {
		c.Server.Port = o.Server.Port
	}
	if o.Server.ContextSize != 0 {
		c.Server.ContextSize = o.Server.ContextSize
	}
	if len(o.Server.ExtraArgs) > 0 {
		c.Server.ExtraArgs = append([]string(nil), o.Server.ExtraArgs...)
	}
	if o.Server.StopGrace != 0 {
		c.Server.StopGrace = o.Server.StopGrace
	}

	if o.Sampling.BatchSize != 0 {
		c.Sampling.BatchSize = o.Sampling.BatchSize
	}
	if o.Sampling.TopK != 0 {
		c.Sampling.TopK = o.Sampling.TopK
	}
	if o.Sampling.TopP != 0 {
		c.Sampling.TopP = o.Sampling.TopP
	}
	if o.Sampling.NKeep != 0 {
		c.Sampling.NKeep = o.Sampling.NKeep
	}
	if o.Sampling.NPredict != 0 {
		c.Sampling.NPredict = o.Sampling.NPredict
	}
	if o.Sampling.Threads != 0 {
		c.Sampling.Threads = o.Sampling.Threads
	}

	if o.History.Path != "" {
		c.History.Path = o.History.Path
	}
	if o.History.Lines != 0 {
		c.History.Lines = o.History.Lines
	}

	if len(o.Client.StopWords) > 0 {
		c.Client.StopWords = append([]string(nil), o.Client.StopWords...)
	}
	if o.Client.ConnectTimeout != 0 {
		c.Client.ConnectTimeout = o.Client.ConnectTimeout
	}
	if o.Client.StopTimeout != 0 {
		c.Client.StopTimeout = o.Client.StopTimeout
	}
	if o.Client.PollRetries != 0 {
		c.Client.PollRetries = o.Client.PollRetries
	}
	if o.Client.EchoPrompt != nil {
		v := *o.Client.EchoPrompt
		c.Client.EchoPrompt = &v
	}

	if o.Log.Level != "" {
		c.Log.Level = o.Log.Level
	}
	if o.Log.Format != "" {
		c.Log.Format = o.Log.Format
	}
	if o.Metrics.Addr != "" {
		c.Metrics.Addr = o.Metrics.Addr
	}
	return c
}

// ExpandPaths resolves a leading '~' in every path field.
func (c Config) ExpandPaths() (Config, error) {
	for _, p := range []*string{&c.Server.BinaryPath, &c.Server.ModelPath, &c.History.Path} {
		v, err := fsutil.ExpandHome(*p)
		if err != nil {
			return c, err
		}
		*p = v
	}
	return c, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Server.BinaryPath == "":
		return fmt.Errorf("server binary path is empty")
	case c.Server.ModelPath == "":
		return fmt.Errorf("model path is empty")
	case c.History.Path == "":
		return fmt.Errorf("history path is empty")
	case c.Server.Port < 1 || c.Server.Port > 65535:
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	case c.Server.ContextSize < 1:
		return fmt.Errorf("context size must be positive: %d", c.Server.ContextSize)
	case c.History.Lines < 1:
		return fmt.Errorf("lines must be at least 1: %d", c.History.Lines)
	case c.Sampling.NPredict < 1:
		return fmt.Errorf("n_predict must be positive: %d", c.Sampling.NPredict)
	case len(c.Client.StopWords) == 0:
		return fmt.Errorf("stop word set is empty")
	case c.Server.StopGrace < 0 || c.Client.ConnectTimeout < 0 || c.Client.StopTimeout < 0:
		return fmt.Errorf("timeouts must not be negative")
	case c.Client.PollRetries < 0:
		return fmt.Errorf("poll retries must not be negative: %d", c.Client.PollRetries)
	}
	for _, w := range c.Client.StopWords {
		if w == "" {
			return fmt.Errorf("stop word set contains an empty word")
		}
	}
	return nil
}
