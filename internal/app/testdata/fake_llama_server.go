package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
)

// A stand-in for the llama.cpp example server: it accepts the flags the
// supervisor passes and speaks the /completion + /next-token protocol.
func main() {
	var model string
	var ctxSize int
	var port string
	var tokens string
	var exitCode int
	var endless bool
	var dieAfter int
	flag.StringVar(&model, "m", "", "model path")
	flag.IntVar(&ctxSize, "ctx_size", 0, "context size")
	flag.StringVar(&port, "port", "0", "port")
	flag.StringVar(&tokens, "tokens", "The| error| is a| typo. ###", "pipe separated fragments to serve")
	flag.IntVar(&exitCode, "exit", -1, "exit immediately with this code")
	flag.BoolVar(&endless, "endless", false, "never run out of fragments")
	flag.IntVar(&dieAfter, "die-after", -1, "crash with code 4 on the poll after this many fragments")
	flag.Parse()

	if exitCode >= 0 {
		fmt.Fprintf(os.Stderr, "fake server failing on purpose\n")
		os.Exit(exitCode)
	}
	fmt.Printf("fake server: model=%s ctx_size=%d port=%s\n", model, ctxSize, port)

	var mu sync.Mutex
	queue := []string{}
	stopped := false
	served := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Prompt == "" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		mu.Lock()
		queue = strings.Split(tokens, "|")
		stopped = false
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/next-token", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if r.URL.Query().Get("stop") == "true" {
			stopped = true
			fmt.Fprintln(os.Stderr, "stop requested")
			_ = json.NewEncoder(w).Encode(map[string]any{"content": "", "stop": true})
			return
		}
		if endless && !stopped {
			time.Sleep(10 * time.Millisecond)
			_ = json.NewEncoder(w).Encode(map[string]any{"content": " more", "stop": false})
			return
		}
		if dieAfter >= 0 && served >= dieAfter {
			// drop the connection mid-request
			fmt.Fprintln(os.Stderr, "fake server crashing")
			os.Exit(4)
		}
		if stopped || len(queue) == 0 {
			_ = json.NewEncoder(w).Encode(map[string]any{"content": "", "stop": true})
			return
		}
		next := queue[0]
		queue = queue[1:]
		served++
		_ = json.NewEncoder(w).Encode(map[string]any{"content": next, "stop": len(queue) == 0})
	})

	srv := &http.Server{Addr: "127.0.0.1:" + port, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Wait for SIGTERM then shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
