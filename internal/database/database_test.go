package database

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&Instance{}, &Setting{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	DB = db
}

func TestSettingsRoundTrip(t *testing.T) {
	setupTestDB(t)

	if err := SetSetting("fernet_key", "abc"); err != nil {
		t.Fatalf("set setting: %v", err)
	}
	v, err := GetSetting("fernet_key")
	if err != nil {
		t.Fatalf("get setting: %v", err)
	}
	if v != "abc" {
		t.Errorf("expected abc, got %q", v)
	}

	// Overwrite keeps a single row
	if err := SetSetting("fernet_key", "def"); err != nil {
		t.Fatalf("overwrite setting: %v", err)
	}
	v, _ = GetSetting("fernet_key")
	if v != "def" {
		t.Errorf("expected def after overwrite, got %q", v)
	}
}

func TestInstanceCreateAndLookup(t *testing.T) {
	setupTestDB(t)

	inst := &Instance{
		ID:          "id-1",
		Name:        "sales",
		Integration: "direct",
		Token:       "SECRET-TOKEN-1",
		Status:      "close",
	}
	if err := CreateInstance(inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	loaded, err := GetInstanceByName("sales")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if loaded.ID != "id-1" || loaded.Token != "SECRET-TOKEN-1" {
		t.Errorf("unexpected record: %+v", loaded)
	}

	if _, err := GetInstanceByName("missing"); err == nil {
		t.Error("expected error for missing instance")
	}
}

func TestGetInstanceByToken(t *testing.T) {
	setupTestDB(t)

	if err := CreateInstance(&Instance{ID: "id-1", Name: "sales", Token: "SECRET-TOKEN-1"}); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	inst, err := GetInstanceByToken("SECRET-TOKEN-1")
	if err != nil {
		t.Fatalf("get by token: %v", err)
	}
	if inst == nil || inst.Name != "sales" {
		t.Errorf("expected sales, got %+v", inst)
	}

	// Unknown token is nil, nil: not an error, just no match.
	inst, err = GetInstanceByToken("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst != nil {
		t.Errorf("expected nil for unknown token, got %+v", inst)
	}

	inst, err = GetInstanceByToken("")
	if err != nil || inst != nil {
		t.Errorf("empty token should match nothing, got %+v, %v", inst, err)
	}
}

func TestTokenInUse(t *testing.T) {
	setupTestDB(t)

	if err := CreateInstance(&Instance{ID: "id-1", Name: "sales", Token: "SECRET-TOKEN-1"}); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	used, err := TokenInUse("SECRET-TOKEN-1")
	if err != nil {
		t.Fatalf("token in use: %v", err)
	}
	if !used {
		t.Error("expected token to be in use")
	}
	used, _ = TokenInUse("other")
	if used {
		t.Error("expected token to be free")
	}
}

func TestInstanceNameTaken(t *testing.T) {
	setupTestDB(t)

	if err := CreateInstance(&Instance{ID: "id-1", Name: "sales", Token: "t1"}); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	taken, err := InstanceNameTaken("sales")
	if err != nil {
		t.Fatalf("name taken: %v", err)
	}
	if !taken {
		t.Error("expected sales to be taken")
	}
	taken, err = InstanceNameTaken("support")
	if err != nil {
		t.Fatalf("name taken: %v", err)
	}
	if taken {
		t.Error("expected support to be free")
	}
}

func TestDuplicateTokenRejectedBySchema(t *testing.T) {
	setupTestDB(t)

	if err := CreateInstance(&Instance{ID: "id-1", Name: "sales", Token: "SHARED-TOKEN"}); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	// A second row with the same token under a different name must not
	// persist, even when inserted directly.
	err := CreateInstance(&Instance{ID: "id-2", Name: "support", Token: "SHARED-TOKEN"})
	if err == nil {
		t.Fatal("expected unique violation for duplicate token")
	}
	if !IsDuplicate(err) {
		t.Errorf("expected duplicate classification, got %v", err)
	}

	all, _ := ListInstances(InstanceFilter{})
	if len(all) != 1 {
		t.Errorf("expected a single persisted row, got %d", len(all))
	}
}

func TestUpdateInstanceStatusTracksDisconnectedAt(t *testing.T) {
	setupTestDB(t)

	if err := CreateInstance(&Instance{ID: "id-1", Name: "sales", Status: "open"}); err != nil {
		t.Fatalf("create instance: %v", err)
	}

	if err := UpdateInstanceStatus("sales", "close"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	loaded, _ := GetInstanceByName("sales")
	if loaded.Status != "close" {
		t.Errorf("expected close, got %q", loaded.Status)
	}
	if loaded.DisconnectedAt == nil {
		t.Fatal("expected disconnected_at to be set on close")
	}

	if err := UpdateInstanceStatus("sales", "open"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	loaded, _ = GetInstanceByName("sales")
	if loaded.DisconnectedAt != nil {
		t.Error("expected disconnected_at cleared on open")
	}
}

func TestListInstancesFilter(t *testing.T) {
	setupTestDB(t)

	CreateInstance(&Instance{ID: "id-1", Name: "sales", Token: "t1"})
	CreateInstance(&Instance{ID: "id-2", Name: "support", Token: "t2"})

	all, err := ListInstances(InstanceFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(all))
	}

	byName, _ := ListInstances(InstanceFilter{Name: "sales"})
	if len(byName) != 1 || byName[0].ID != "id-1" {
		t.Errorf("name filter failed: %+v", byName)
	}

	byID, _ := ListInstances(InstanceFilter{ID: "id-2"})
	if len(byID) != 1 || byID[0].Name != "support" {
		t.Errorf("id filter failed: %+v", byID)
	}
}

func TestStaleInstances(t *testing.T) {
	setupTestDB(t)

	old := time.Now().UTC().Add(-2 * time.Hour)
	recent := time.Now().UTC().Add(-1 * time.Minute)

	CreateInstance(&Instance{ID: "id-1", Name: "stale", Token: "t1", Status: "close", DisconnectedAt: &old})
	CreateInstance(&Instance{ID: "id-2", Name: "fresh", Token: "t2", Status: "close", DisconnectedAt: &recent})
	CreateInstance(&Instance{ID: "id-3", Name: "live", Token: "t3", Status: "open"})

	stale, err := StaleInstances(time.Hour)
	if err != nil {
		t.Fatalf("stale instances: %v", err)
	}
	if len(stale) != 1 || stale[0].Name != "stale" {
		t.Errorf("expected only the stale instance, got %+v", stale)
	}
}

func TestStaleInstancesIncludesStuckConnecting(t *testing.T) {
	setupTestDB(t)

	// Never paired: status stayed connecting and disconnected_at was
	// never set.
	CreateInstance(&Instance{ID: "id-1", Name: "pending", Token: "t1", Status: "connecting"})
	CreateInstance(&Instance{ID: "id-2", Name: "recent", Token: "t2", Status: "connecting"})

	old := time.Now().UTC().Add(-2 * time.Hour)
	if err := DB.Model(&Instance{}).Where("name = ?", "pending").UpdateColumn("updated_at", old).Error; err != nil {
		t.Fatalf("age record: %v", err)
	}

	stale, err := StaleInstances(time.Hour)
	if err != nil {
		t.Fatalf("stale instances: %v", err)
	}
	if len(stale) != 1 || stale[0].Name != "pending" {
		t.Errorf("expected the stuck-connecting instance, got %+v", stale)
	}
}

func TestDeleteInstanceByName(t *testing.T) {
	setupTestDB(t)

	CreateInstance(&Instance{ID: "id-1", Name: "sales"})
	if err := DeleteInstanceByName("sales"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := GetInstanceByName("sales"); err == nil {
		t.Error("expected instance to be gone")
	}

	// Deleting a missing name is not an error at this layer.
	if err := DeleteInstanceByName("missing"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
