package discord

import (
	"strings"
	"testing"
)

func TestChunkTextShortMessagePassesThrough(t *testing.T) {
	chunks := chunkText("hello", 2000)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Fatalf("unexpected chunks: %v", chunks)
	}
}

func TestChunkTextEmpty(t *testing.T) {
	if chunks := chunkText("   ", 2000); chunks != nil {
		t.Fatalf("expected nil for blank text, got %v", chunks)
	}
}

func TestChunkTextPrefersNewlineBreaks(t *testing.T) {
	text := strings.Repeat("a", 50) + "\n" + strings.Repeat("b", 50)
	chunks := chunkText(text, 60)
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %v", len(chunks), chunks)
	}
	if !strings.HasPrefix(chunks[0], "a") || !strings.HasPrefix(chunks[1], "b") {
		t.Fatalf("split not on newline: %v", chunks)
	}
}

func TestChunkTextFallsBackToSpaces(t *testing.T) {
	text := strings.Repeat("word ", 30)
	chunks := chunkText(text, 52)
	for i, chunk := range chunks {
		if len(chunk) > 52 {
			t.Fatalf("chunk %d exceeds limit: %d", i, len(chunk))
		}
		if strings.HasPrefix(chunk, " ") || strings.HasSuffix(chunk, " ") {
			t.Fatalf("chunk %d not trimmed: %q", i, chunk)
		}
	}
	if got := strings.Join(chunks, " "); got != strings.TrimSpace(text) {
		t.Fatalf("content lost: %q", got)
	}
}

func TestChunkTextHardCutsUnbrokenRuns(t *testing.T) {
	text := strings.Repeat("x", 4500)
	chunks := chunkText(text, 2000)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) > 2000 {
			t.Fatalf("chunk %d exceeds limit: %d", i, len(chunk))
		}
	}
	total := 0
	for _, chunk := range chunks {
		total += len(chunk)
	}
	if total != 4500 {
		t.Fatalf("content lost: %d", total)
	}
}

func TestNormalizeBotToken(t *testing.T) {
	if got := normalizeBotToken("abc123"); got != "Bot abc123" {
		t.Fatalf("unexpected token: %q", got)
	}
	if got := normalizeBotToken("Bot abc123"); got != "Bot abc123" {
		t.Fatalf("prefix duplicated: %q", got)
	}
}

func TestAuthURL(t *testing.T) {
	got := authURL("https://example.com", "google", "login", "user 1")
	if got != "https://example.com/auth/google/login?user_id=user+1" {
		t.Fatalf("unexpected url: %q", got)
	}
}
