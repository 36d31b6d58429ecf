package budget

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/marcus/roundtable/internal/providers"
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Mode
		wantErr bool
	}{
		{name: "empty defaults to off", input: "", want: ModeOff},
		{name: "off", input: "off", want: ModeOff},
		{name: "soft", input: "soft", want: ModeSoft},
		{name: "hard", input: "hard", want: ModeHard},
		{name: "unknown", input: "strict", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMode(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q, got mode %q", tt.input, got)
				}
				if !errors.Is(err, ErrUnknownMode) {
					t.Errorf("Expected ErrUnknownMode, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseMode(%q) failed: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Expected mode %q, got %q", tt.want, got)
			}
		})
	}
}

func TestReserveOffModeAlwaysAllows(t *testing.T) {
	g := New(ModeOff, 0)

	for i := 0; i < 5; i++ {
		if !g.Reserve(providers.IDOpenAI, 100.0) {
			t.Fatalf("Reservation %d refused in off mode", i)
		}
	}
	if got := g.Spent(); math.Abs(got-500.0) > 1e-9 {
		t.Errorf("Expected 500.0 spent, got %v", got)
	}
}

func TestReserveHardModeRefusesOverCap(t *testing.T) {
	g := New(ModeHard, 0.05)

	if !g.Reserve(providers.IDOpenAI, 0.02) {
		t.Fatal("First reservation should be within budget")
	}
	if !g.Reserve(providers.IDAnthropic, 0.02) {
		t.Fatal("Second reservation should be within budget")
	}
	if g.Reserve(providers.IDGemini, 0.02) {
		t.Fatal("Third reservation should exceed the cap and be refused")
	}

	// Refusal must not consume budget.
	if got := g.Spent(); math.Abs(got-0.04) > 1e-9 {
		t.Errorf("Expected 0.04 spent after refusal, got %v", got)
	}

	// A smaller task that still fits should be admitted.
	if !g.Reserve(providers.IDOllama, 0.01) {
		t.Fatal("Reservation exactly at the cap should be allowed")
	}
	if g.Reserve(providers.IDOpenAI, 0.001) {
		t.Fatal("Reservation past an exhausted cap should be refused")
	}
}

func TestReserveSoftModeAllowsOverCap(t *testing.T) {
	g := New(ModeSoft, 0.03)

	for i := 0; i < 4; i++ {
		if !g.Reserve(providers.IDOpenAI, 0.02) {
			t.Fatalf("Reservation %d refused in soft mode", i)
		}
	}
	if got := g.Spent(); math.Abs(got-0.08) > 1e-9 {
		t.Errorf("Expected 0.08 spent, got %v", got)
	}
}

func TestSpentByProvider(t *testing.T) {
	g := New(ModeSoft, 10)
	g.Reserve(providers.IDOpenAI, 0.02)
	g.Reserve(providers.IDOpenAI, 0.03)
	g.Reserve(providers.IDGemini, 0.01)

	spent := g.SpentByProvider()
	if math.Abs(spent["openai"]-0.05) > 1e-9 {
		t.Errorf("Expected openai spend 0.05, got %v", spent["openai"])
	}
	if math.Abs(spent["gemini"]-0.01) > 1e-9 {
		t.Errorf("Expected gemini spend 0.01, got %v", spent["gemini"])
	}

	// Mutating the copy must not affect the guard.
	spent["openai"] = 99
	if again := g.SpentByProvider(); math.Abs(again["openai"]-0.05) > 1e-9 {
		t.Errorf("Guard state mutated through returned map: %v", again["openai"])
	}
}

func TestRemaining(t *testing.T) {
	g := New(ModeHard, 1.0)

	if got := g.Remaining(); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Expected 1.0 remaining, got %v", got)
	}
	g.Reserve(providers.IDOpenAI, 0.4)
	if got := g.Remaining(); math.Abs(got-0.6) > 1e-9 {
		t.Errorf("Expected 0.6 remaining, got %v", got)
	}

	soft := New(ModeSoft, 0.1)
	soft.Reserve(providers.IDOpenAI, 0.5)
	if got := soft.Remaining(); got != 0 {
		t.Errorf("Expected remaining floored at zero, got %v", got)
	}
}

func TestReserveConcurrent(t *testing.T) {
	// 20 goroutines each try to reserve 0.01 against a 0.10 cap; exactly
	// ten must win regardless of interleaving.
	g := New(ModeHard, 0.10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Reserve(providers.IDOpenAI, 0.01) {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 10 {
		t.Errorf("Expected exactly 10 admitted reservations, got %d", admitted)
	}
	if got := g.Spent(); math.Abs(got-0.10) > 1e-9 {
		t.Errorf("Expected 0.10 spent, got %v", got)
	}
}
