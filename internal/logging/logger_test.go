package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestCategoriesCreateLogFiles(t *testing.T) {
	tempDir := t.TempDir()

	resetForTest()
	err := Initialize(tempDir, Options{
		Debug: true,
		Level: "debug",
	})
	if err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategoryProcessor,
		CategoryDMA,
		CategoryConscience,
		CategoryBus,
		CategoryRegistry,
		CategoryAudit,
		CategoryPersistence,
		CategoryHandler,
		CategoryMemory,
		CategoryConfig,
		CategoryTelemetry,
		CategorySecrets,
		CategoryLLM,
	}

	for _, cat := range categories {
		if !IsCategoryEnabled(cat) {
			t.Errorf("Category %s should be enabled", cat)
		}
		logger := Get(cat)
		logger.Info("Test info message for %s", cat)
		logger.Debug("Test debug message for %s", cat)
		logger.Warn("Test warn message for %s", cat)
		logger.Error("Test error message for %s", cat)
	}

	// Convenience functions route to the same files
	Boot("convenience boot log")
	Processor("convenience processor log")
	DMA("convenience dma log")
	Bus("convenience bus log")
	Handler("convenience handler log")

	CloseAll()

	logsPath := filepath.Join(tempDir, "logs")
	entries, err := os.ReadDir(logsPath)
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}

	for _, cat := range categories {
		found := false
		for _, entry := range entries {
			if strings.Contains(entry.Name(), string(cat)+".log") {
				found = true
				content, err := os.ReadFile(filepath.Join(logsPath, entry.Name()))
				if err != nil {
					t.Errorf("Failed to read log file for %s: %v", cat, err)
					continue
				}
				if len(content) == 0 {
					t.Errorf("Log file for %s is empty", cat)
				}
				break
			}
		}
		if !found {
			t.Errorf("No log file found for category: %s", cat)
		}
	}
}

func TestDebugModeDisabledIsNoOp(t *testing.T) {
	tempDir := t.TempDir()

	resetForTest()
	if err := Initialize(tempDir, Options{Debug: false, Level: "debug"}); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}

	if IsDebugMode() {
		t.Error("Expected debug mode to be disabled")
	}
	if IsCategoryEnabled(CategoryProcessor) {
		t.Error("Categories must be disabled when debug is off")
	}

	Processor("this should NOT be logged")
	Get(CategoryBus).Error("this should NOT be logged")

	CloseAll()

	logsPath := filepath.Join(tempDir, "logs")
	if entries, err := os.ReadDir(logsPath); err == nil && len(entries) > 0 {
		t.Errorf("Expected no log files in production mode, found %d", len(entries))
	}
}

func TestCategoryToggle(t *testing.T) {
	tempDir := t.TempDir()

	resetForTest()
	err := Initialize(tempDir, Options{
		Debug: true,
		Level: "debug",
		Categories: map[string]bool{
			"processor": true,
			"bus":       false,
		},
	})
	if err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}

	if !IsCategoryEnabled(CategoryProcessor) {
		t.Error("processor should be enabled")
	}
	if IsCategoryEnabled(CategoryBus) {
		t.Error("bus should be disabled")
	}
	// Categories absent from the map default to enabled in debug mode
	if !IsCategoryEnabled(CategoryDMA) {
		t.Error("dma (not in config) should default to enabled")
	}

	Processor("this SHOULD be logged")
	Bus("this should NOT be logged")
	DMA("this SHOULD be logged (default enabled)")

	CloseAll()

	entries, _ := os.ReadDir(filepath.Join(tempDir, "logs"))
	var hasProcessor, hasBus bool
	for _, e := range entries {
		if strings.Contains(e.Name(), "processor") {
			hasProcessor = true
		}
		if strings.Contains(e.Name(), "_bus.log") {
			hasBus = true
		}
	}
	if !hasProcessor {
		t.Error("Expected processor log file")
	}
	if hasBus {
		t.Error("Should NOT have bus log file (disabled)")
	}
}

func TestReconfigureFlipsDebug(t *testing.T) {
	tempDir := t.TempDir()

	resetForTest()
	if err := Initialize(tempDir, Options{Debug: true, Level: "info"}); err != nil {
		t.Fatalf("Failed to initialize: %v", err)
	}
	if !IsDebugMode() {
		t.Fatal("debug should start enabled")
	}

	Reconfigure(Options{Debug: false})
	if IsDebugMode() {
		t.Error("Reconfigure should disable debug mode")
	}

	CloseAll()
}

func TestTimerLogging(t *testing.T) {
	tempDir := t.TempDir()

	resetForTest()
	Initialize(tempDir, Options{Debug: true, Level: "debug"})

	timer := StartTimer(CategoryDMA, "TestOperation")
	time.Sleep(time.Millisecond)
	elapsed := timer.Stop()

	if elapsed <= 0 {
		t.Error("Timer should have recorded non-zero duration")
	}

	CloseAll()
}
