package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"deepseek-bot/internal/indicators"
)

func TestNew(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	if store.db == nil {
		t.Error("Store database is nil")
	}

	dbPath := filepath.Join(tempDir, "dstrader-data.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
}

func TestNew_InvalidPath(t *testing.T) {
	_, err := New("/nonexistent/path/that/does/not/exist")
	if err == nil {
		t.Error("Expected error for invalid path, got nil")
	}
}

func TestStore_Close(t *testing.T) {
	tempDir := t.TempDir()

	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Errorf("Error closing store: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Error closing already closed store: %v", err)
	}
}

func TestStore_CloseNilDB(t *testing.T) {
	store := &Store{db: nil}
	if err := store.Close(); err != nil {
		t.Errorf("Expected no error for nil db, got: %v", err)
	}
}

func TestStoreAndGetBars(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	bars := []indicators.Bar{
		{Symbol: "BTCUSDT", Open: 49990, High: 50010, Low: 49980, Close: 50000, Volume: 1.2, Ts: now},
		{Symbol: "BTCUSDT", Open: 50000, High: 50030, Low: 49995, Close: 50010, Volume: 0.8, Ts: now.Add(time.Minute)},
		{Symbol: "ETHUSDT", Open: 3000, High: 3010, Low: 2990, Close: 3005, Volume: 5, Ts: now.Add(time.Minute)},
		{Symbol: "BTCUSDT", Open: 50010, High: 50050, Low: 50000, Close: 50040, Volume: 1.1, Ts: now.Add(time.Hour)}, // outside range
	}
	for _, bar := range bars {
		if err := store.StoreBar(bar); err != nil {
			t.Fatalf("Failed to store bar: %v", err)
		}
	}

	got, err := store.GetBars("BTCUSDT", now.Add(-time.Minute), now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Failed to get bars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 bars, got %d", len(got))
	}
	if got[0].Close != 50000 {
		t.Errorf("Expected first close 50000, got %f", got[0].Close)
	}
	if got[1].Close != 50010 {
		t.Errorf("Expected second close 50010, got %f", got[1].Close)
	}
}

func TestGetBars_EmptyResult(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	bars, err := store.GetBars("BTCUSDT", now.Add(-time.Hour), now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("Failed to get bars: %v", err)
	}
	if len(bars) != 0 {
		t.Errorf("Expected empty result, got %d bars", len(bars))
	}
}

func TestStoreAndGetDecisions(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	now := time.Now()
	decisions := []Decision{
		{Symbol: "BTCUSDT", Action: "BUY", Confidence: "HIGH", Reason: "breakout", Price: 50000, Quantity: 0.002, GroupID: "BTCUSDT-LONG-1", Ts: now},
		{Symbol: "BTCUSDT", Action: "HOLD", Confidence: "LOW", Reason: "no edge", Price: 50010, Ts: now.Add(time.Minute)},
	}
	for _, d := range decisions {
		if err := store.StoreDecision(d); err != nil {
			t.Fatalf("Failed to store decision: %v", err)
		}
	}

	got, err := store.GetDecisions("BTCUSDT", now.Add(-time.Minute), now.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("Failed to get decisions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 decisions, got %d", len(got))
	}
	if got[0].Action != "BUY" || got[0].GroupID != "BTCUSDT-LONG-1" {
		t.Errorf("Unexpected first decision: %+v", got[0])
	}
}

func TestConcurrentAccess(t *testing.T) {
	tempDir := t.TempDir()
	store, err := New(tempDir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer store.Close()

	done := make(chan bool, 10)
	now := time.Now()

	for i := 0; i < 5; i++ {
		go func() {
			for j := 0; j < 10; j++ {
				bar := indicators.Bar{
					Symbol: "BTCUSDT",
					Close:  50000,
					Ts:     now.Add(time.Duration(j) * time.Millisecond),
				}
				store.StoreBar(bar)
			}
			done <- true
		}()
	}
	for i := 0; i < 5; i++ {
		go func() {
			for j := 0; j < 10; j++ {
				store.GetBars("BTCUSDT", now.Add(-time.Second), now.Add(time.Second))
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}
