package gateway

import (
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fenland-imaging/gateway/internal/config"
)

func TestNewDaemon_RequiresDBAndConfig(t *testing.T) {
	if _, err := NewDaemon(DaemonOpts{}); err == nil {
		t.Fatal("expected error for nil db")
	}

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	if _, err := NewDaemon(DaemonOpts{DB: gdb}); err == nil {
		t.Fatal("expected error for nil config")
	}

	d, err := NewDaemon(DaemonOpts{DB: gdb, Config: &config.Config{}})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}
	if d.out == nil {
		t.Error("out should default to stdout")
	}
}
