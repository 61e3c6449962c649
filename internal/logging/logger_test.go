package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func resetState() {
	CloseAll()
	loggers = make(map[Category]*Logger)
	logsDir = ""
	stateDir = ""
	config = loggingConfig{}
}

func TestAllCategoriesLog(t *testing.T) {
	dir := t.TempDir()

	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": true
		}
	}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetState()
	if err := Initialize(dir); err != nil {
		t.Fatalf("Failed to initialize logging: %v", err)
	}
	defer resetState()

	if !IsDebugMode() {
		t.Error("Expected debug mode to be enabled")
	}

	categories := []Category{
		CategoryBoot,
		CategoryInject,
		CategoryDOM,
		CategoryChannel,
		CategoryGateway,
		CategoryLedger,
		CategoryAPI,
		CategoryBrowser,
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

	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatalf("Failed to read logs dir: %v", err)
	}
	found := make(map[string]bool)
	for _, e := range entries {
		for _, cat := range categories {
			if strings.HasSuffix(e.Name(), "_"+string(cat)+".log") {
				found[string(cat)] = true
			}
		}
	}
	for _, cat := range categories {
		if !found[string(cat)] {
			t.Errorf("No log file created for category %s", cat)
		}
	}
}

func TestProductionModeIsSilent(t *testing.T) {
	dir := t.TempDir()

	// No config.json at all: production mode.
	resetState()
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer resetState()

	if IsDebugMode() {
		t.Error("Expected debug mode to be disabled without config")
	}

	Get(CategoryInject).Info("should go nowhere")
	Inject("convenience should be a no-op too")

	if _, err := os.Stat(filepath.Join(dir, "logs")); !os.IsNotExist(err) {
		t.Errorf("logs directory should not exist in production mode")
	}
}

func TestReloadWhileLogging(t *testing.T) {
	dir := t.TempDir()

	configContent := `{
		"logging": {
			"level": "debug",
			"debug_mode": true
		}
	}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetState()
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer resetState()

	logger := Get(CategoryGateway)

	// Log while the config is reloaded out from under the writers;
	// level and format reads must go through the config lock.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			logger.Debug("iteration %d", i)
			logger.Info("iteration %d", i)
			logger.Warn("iteration %d", i)
			logger.Error("iteration %d", i)
		}
	}()
	for i := 0; i < 50; i++ {
		next := `{"logging": {"level": "warn", "debug_mode": true, "json_format": true}}`
		if i%2 == 0 {
			next = configContent
		}
		if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(next), 0644); err != nil {
			t.Fatalf("Failed to rewrite config: %v", err)
		}
		if err := ReloadConfig(); err != nil {
			t.Fatalf("ReloadConfig: %v", err)
		}
	}
	<-done
}

func TestCategoryFilter(t *testing.T) {
	dir := t.TempDir()

	configContent := `{
		"logging": {
			"level": "info",
			"debug_mode": true,
			"categories": {"inject": true, "channel": false}
		}
	}`
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	resetState()
	if err := Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer resetState()

	if !IsCategoryEnabled(CategoryInject) {
		t.Error("inject should be enabled")
	}
	if IsCategoryEnabled(CategoryChannel) {
		t.Error("channel should be disabled")
	}
	// Unlisted categories default to enabled in debug mode.
	if !IsCategoryEnabled(CategoryLedger) {
		t.Error("ledger should default to enabled")
	}
}
