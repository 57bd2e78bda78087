package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/delfi/pkg/provider/llm"
	llmmock "github.com/MrWong99/delfi/pkg/provider/llm/mock"
)

func TestLLMFallback_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from primary"},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{Prompt: "q"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(secondary.CompleteCalls) != 0 {
		t.Errorf("secondary called %d times, want 0", len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_Failover(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("model crashed")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "rescued"},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{Prompt: "q"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "rescued" {
		t.Errorf("Content = %q", resp.Content)
	}
	if len(primary.CompleteCalls) != 1 || len(secondary.CompleteCalls) != 1 {
		t.Errorf("calls: primary=%d secondary=%d", len(primary.CompleteCalls), len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_AllFail(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("also down")}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{Prompt: "q"})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_OpenBreakerSkipsPrimary(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errors.New("down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "ok"},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})
	fb.AddFallback("secondary", secondary)

	// First call fails over and trips the primary's breaker.
	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// Second call should skip the primary entirely.
	if _, err := fb.Complete(context.Background(), llm.CompletionRequest{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(primary.CompleteCalls) != 1 {
		t.Errorf("primary called %d times, want 1 (breaker open)", len(primary.CompleteCalls))
	}
	if len(secondary.CompleteCalls) != 2 {
		t.Errorf("secondary called %d times, want 2", len(secondary.CompleteCalls))
	}
}

func TestLLMFallback_Ping(t *testing.T) {
	primary := &llmmock.Provider{PingErr: errors.New("down")}
	secondary := &llmmock.Provider{}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	if err := fb.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	secondary.PingErr = errors.New("now also down")
	if err := fb.Ping(context.Background()); err == nil {
		t.Fatal("expected error when all backends are down")
	}
}

func TestLLMFallback_ModelID(t *testing.T) {
	primary := &llmmock.Provider{Model: "llama3.2:3b"}
	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", &llmmock.Provider{Model: "gpt-4o-mini"})

	if got := fb.ModelID(); got != "llama3.2:3b" {
		t.Errorf("ModelID = %q, want primary's model", got)
	}
}
