// Command lmtpworker is the subprocess side of the pipe LMTP transport: it
// loads one local ONNX model, drives the worker-side LMTP Session against
// it, and exits when its parent process does (spec §4.7's shutdown
// paragraph: "the worker polls its parent process every 10ms; if the
// parent dies, the worker exits").
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/lmql-rt/corert/internal/lmtp"
	"github.com/lmql-rt/corert/internal/lmtp/backend"
	"github.com/lmql-rt/corert/internal/lmtp/transport"
	"github.com/lmql-rt/corert/internal/tokenizer"
)

func main() {
	modelPath := flag.String("model", "", "path to the ONNX model file")
	vocabSize := flag.Int("vocab-size", 0, "model vocabulary size")
	maxSeqLen := flag.Int("max-seq-len", 2048, "maximum input sequence length")
	eosTokenID := flag.Int("eos-token-id", 0, "end-of-text token id")
	tokenizerDir := flag.String("tokenizer-dir", "tokenizers", "directory of tokenizer vocab files")
	tokenizerName := flag.String("tokenizer", "", "named tokenizer to decode sampled ids with")
	modelName := flag.String("model-name", "local", "model name reported in MSG model_info replies")
	parentPID := flag.Int("parent-pid", os.Getppid(), "PID the worker exits if reparented away from")
	flag.Parse()

	model, err := backend.Load(backend.Config{ModelPath: *modelPath, VocabSize: *vocabSize, MaxSequenceLen: *maxSeqLen})
	if err != nil {
		log.Fatalf("lmtpworker: loading model: %v", err)
	}
	defer model.Close()

	var codec lmtp.TextCodec
	if *tokenizerName != "" {
		registry := tokenizer.NewRegistry(*tokenizerDir)
		defer registry.Close()
		tok, err := registry.Get(*tokenizerName)
		if err != nil {
			log.Printf("lmtpworker: tokenizer %q unavailable, TOKEN text will be empty: %v", *tokenizerName, err)
		} else {
			codec = tok
		}
	}

	t := transport.NewWorkerPipe(os.Stdin, os.Stdout)
	worker := lmtp.NewWorker(t, model, codec, lmtp.ModelInfo{
		Model:             *modelName,
		VocabSize:         *vocabSize,
		EOSTokenID:        *eosTokenID,
		SupportsLogitBias: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go pollParent(cancel, *parentPID)

	if err := worker.Serve(ctx); err != nil {
		log.Printf("lmtpworker: serve exited: %v", err)
	}
}

func pollParent(cancel context.CancelFunc, parentPID int) {
	ticker := time.NewTicker(transport.ParentAlivePollInterval * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		if !transport.ParentAlive(parentPID) {
			cancel()
			os.Exit(0)
		}
	}
}
