package learning

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BaSui01/agentroute/config"
)

func persisterConfig(t *testing.T) config.LearningConfig {
	t.Helper()
	cfg := testLearningConfig()
	cfg.StatePath = filepath.Join(t.TempDir(), "qtable.json")
	return cfg
}

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("file %s never appeared", path)
}

func TestPersister_SaveLoadRoundtrip(t *testing.T) {
	cfg := persisterConfig(t)
	tab := NewTable(nil)
	tab.Set("v1:complexity:high|input_type:text", "A", 0.1588)
	tab.Set("v1:complexity:high|input_type:text", "B", -0.75)
	tab.Set("v1:complexity:low|input_type:audio", "C", 1.25)

	p, err := NewPersister(cfg, tab, nil, nil, nil)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	if err := p.ForceSave(context.Background()); err != nil {
		t.Fatalf("force save: %v", err)
	}

	// 临时文件不残留
	if _, err := os.Stat(cfg.StatePath + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after save")
	}

	restored := NewTable(nil)
	p2, err := NewPersister(cfg, restored, nil, nil, nil)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	if err := p2.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	if restored.Len() != 3 {
		t.Fatalf("restored entries = %d, want 3", restored.Len())
	}
	if got := restored.Get("v1:complexity:high|input_type:text", "A"); got != 0.1588 {
		t.Errorf("restored Q = %v, want 0.1588", got)
	}
	if got := restored.Get("v1:complexity:low|input_type:audio", "C"); got != 1.25 {
		t.Errorf("restored Q = %v, want 1.25", got)
	}
}

func TestPersister_LoadMissingFileIsClean(t *testing.T) {
	cfg := persisterConfig(t)
	tab := NewTable(nil)
	p, err := NewPersister(cfg, tab, nil, nil, nil)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	if err := p.Load(context.Background()); err != nil {
		t.Errorf("missing file should load clean: %v", err)
	}
	if tab.Len() != 0 {
		t.Errorf("table not empty: %d", tab.Len())
	}
}

func TestPersister_LoadCorruptFileLeavesTableEmpty(t *testing.T) {
	cfg := persisterConfig(t)
	if err := os.MkdirAll(filepath.Dir(cfg.StatePath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cfg.StatePath, []byte("{truncated gar"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tab := NewTable(nil)
	p, err := NewPersister(cfg, tab, nil, nil, nil)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	if err := p.Load(context.Background()); err == nil {
		t.Error("corrupt file should surface an error")
	}
	if tab.Len() != 0 {
		t.Errorf("corrupt load populated table: %d", tab.Len())
	}
}

// 中断的写盘只会留下临时文件，正本不受影响。
func TestPersister_StaleTempFileIgnored(t *testing.T) {
	cfg := persisterConfig(t)
	tab := NewTable(nil)
	tab.Set("v1:s", "A", 0.5)

	p, err := NewPersister(cfg, tab, nil, nil, nil)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	if err := p.ForceSave(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	// 模拟一次写到一半被杀的遗留
	if err := os.WriteFile(cfg.StatePath+".tmp", []byte("half-written"), 0o644); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	restored := NewTable(nil)
	p2, _ := NewPersister(cfg, restored, nil, nil, nil)
	if err := p2.Load(context.Background()); err != nil {
		t.Fatalf("load with stale temp: %v", err)
	}
	if got := restored.Get("v1:s", "A"); got != 0.5 {
		t.Errorf("canonical file corrupted by stale temp: %v", got)
	}
}

func TestPersister_ThresholdTriggersSave(t *testing.T) {
	cfg := persisterConfig(t)
	cfg.SaveThreshold = 5

	tab := NewTable(nil)
	p, err := NewPersister(cfg, tab, nil, nil, nil)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	u, err := NewUpdater(cfg, tab, nil, p, nil, nil)
	if err != nil {
		t.Fatalf("updater: %v", err)
	}

	for i := 0; i < 5; i++ {
		u.ApplyReward("v1:s", "A", 1.0, "")
	}
	waitForFile(t, cfg.StatePath)
}

func TestPersister_IntervalTriggersSave(t *testing.T) {
	cfg := persisterConfig(t)
	cfg.SaveThreshold = 1000 // 只让定时器触发
	cfg.SaveInterval = 50 * time.Millisecond

	tab := NewTable(nil)
	tab.Set("v1:s", "A", 0.5)
	p, err := NewPersister(cfg, tab, nil, nil, nil)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	p.Start()
	defer func() { _ = p.Close(context.Background()) }()

	p.MarkDirty()
	waitForFile(t, cfg.StatePath)
}

func TestPersister_DirtyAccounting(t *testing.T) {
	cfg := persisterConfig(t)
	tab := NewTable(nil)
	p, err := NewPersister(cfg, tab, nil, nil, nil)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}

	p.MarkDirty()
	p.MarkDirty()
	p.MarkDirty()
	if got := p.Stats().Dirty; got != 3 {
		t.Errorf("dirty = %d, want 3", got)
	}

	if err := p.ForceSave(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got := p.Stats().Dirty; got != 0 {
		t.Errorf("dirty after save = %d, want 0", got)
	}
	if p.Stats().LastSave.IsZero() {
		t.Error("last save timestamp not recorded")
	}
}

func TestPersister_CloseFlushes(t *testing.T) {
	cfg := persisterConfig(t)
	tab := NewTable(nil)
	tab.Set("v1:s", "A", 0.42)

	p, err := NewPersister(cfg, tab, nil, nil, nil)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	p.Start()
	p.MarkDirty()

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(cfg.StatePath); err != nil {
		t.Errorf("shutdown save missing: %v", err)
	}

	restored := NewTable(nil)
	p2, _ := NewPersister(cfg, restored, nil, nil, nil)
	if err := p2.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := restored.Get("v1:s", "A"); got != 0.42 {
		t.Errorf("restored = %v, want 0.42", got)
	}
}

func TestPersister_CloseWithoutStart(t *testing.T) {
	cfg := persisterConfig(t)
	p, err := NewPersister(cfg, NewTable(nil), nil, nil, nil)
	if err != nil {
		t.Fatalf("persister: %v", err)
	}
	if err := p.Close(context.Background()); err != nil {
		t.Errorf("close without start: %v", err)
	}
}
