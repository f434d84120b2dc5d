package http_test

import (
	"context"
	"fmt"
	"time"

	httpserver "github.com/fyrsmithlabs/reviewrag/internal/http"
	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/rag"
)

type staticAnswerer struct{}

func (staticAnswerer) Answer(context.Context, rag.QueryRequest) (*rag.AnswerResult, error) {
	return &rag.AnswerResult{}, nil
}

type alwaysHealthy struct{}

func (alwaysHealthy) Ping(context.Context) error                       { return nil }
func (alwaysHealthy) ActiveGeneration(context.Context) (string, error) { return "", nil }

// ExampleServer demonstrates how to create and start the HTTP server.
func ExampleServer() {
	logger := logging.NewNop()

	server, err := httpserver.NewServer(staticAnswerer{}, alwaysHealthy{}, logger, &httpserver.Config{
		Host: "127.0.0.1",
		Port: 18089,
	})
	if err != nil {
		panic(err)
	}

	go func() {
		_ = server.Start()
	}()

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		fmt.Println("shutdown error:", err)
	}

	fmt.Println("Server started and stopped successfully")
	// Output: Server started and stopped successfully
}
