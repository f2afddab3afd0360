package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/datapipe_backend/config"
	"github.com/mmdatafocus/datapipe_backend/models"
	"github.com/mmdatafocus/datapipe_backend/utils"
	"gorm.io/datatypes"
)

// Exercises the gorm store against a real MySQL: raw row immutability, canonical
// upsert with lineage overwrite, mapping windows and discontinued flagging.
func TestStore_MySQLRoundTrip(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "datapipe_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	db := config.GetDB()
	store := models.NewStore(db)

	src := &models.IngestionSource{
		TenantId:   "t1",
		Name:       "plans",
		EntityType: "plan",
		BaseURL:    "http://upstream.local",
	}
	if err := db.WithContext(ctx).Create(src).Error; err != nil {
		t.Fatalf("create source: %v", err)
	}

	startedAt := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	completedAt := startedAt.Add(time.Minute)
	batch := &models.IngestionBatch{
		ID:            uuid.NewString(),
		TenantId:      "t1",
		SourceId:      src.ID,
		EntityType:    "plan",
		RequestedMode: models.SyncModeFull,
		EffectiveMode: models.SyncModeFull,
		Status:        models.BatchStatusCompleted,
		TotalCount:    1,
		ValidCount:    1,
		StartedAt:     startedAt,
		CompletedAt:   &completedAt,
	}
	if err := store.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("CreateBatch: %v", err)
	}
	if err := store.CreateBatch(ctx, batch); !errors.Is(err, models.ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey on second create, got %v", err)
	}

	raws := []models.RawRecord{{
		BatchId:    batch.ID,
		TenantId:   "t1",
		SourceId:   src.ID,
		EntityType: "plan",
		CapturedAt: startedAt,
		Payload:    datatypes.JSON(`{"id":"X1","cost":5000}`),
	}}
	if err := store.InsertRawRecords(ctx, raws); err != nil {
		t.Fatalf("InsertRawRecords: %v", err)
	}
	raw := raws[0]
	if raw.ID == 0 {
		t.Fatalf("expected raw id to be assigned")
	}
	if err := db.WithContext(ctx).Model(&raw).Update("schema_version", "v2").Error; !errors.Is(err, utils.ErrInvariantViolation) {
		t.Fatalf("expected raw update to be rejected, got %v", err)
	}
	if err := db.WithContext(ctx).Delete(&raw).Error; !errors.Is(err, utils.ErrInvariantViolation) {
		t.Fatalf("expected raw delete to be rejected, got %v", err)
	}

	// Two consecutive mapping windows for the same destination.
	mar1 := startedAt
	apr1 := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	for _, m := range []models.FieldMapping{
		{TenantId: "t1", SourceId: src.ID, SourceField: "cost", DestinationField: "monthlyRate", DataType: models.DataTypeNumber, IsActive: true, ValidFrom: mar1.AddDate(0, -2, 0), ValidUntil: &apr1},
		{TenantId: "t1", SourceId: src.ID, SourceField: "cost", DestinationField: "monthlyRate", DataType: models.DataTypeNumber, TransformKind: "scale", TransformParams: datatypes.JSONMap{"factor": 100}, IsActive: true, ValidFrom: apr1},
	} {
		if err := db.WithContext(ctx).Create(&m).Error; err != nil {
			t.Fatalf("create mapping: %v", err)
		}
	}
	active, err := store.ActiveMappings(ctx, src.ID, mar1)
	if err != nil {
		t.Fatalf("ActiveMappings: %v", err)
	}
	if len(active) != 1 || active[0].TransformKind == "scale" {
		t.Fatalf("expected the March mapping only, got %+v", active)
	}
	active, err = store.ActiveMappings(ctx, src.ID, apr1)
	if err != nil {
		t.Fatalf("ActiveMappings: %v", err)
	}
	if len(active) != 1 || active[0].TransformKind != "scale" {
		t.Fatalf("expected the April mapping only, got %+v", active)
	}

	var canonicalId uint64
	write := func(fields map[string]any, at time.Time) {
		t.Helper()
		err := store.RunInTx(ctx, func(w models.CanonicalWriter) error {
			rec, err := w.FindCanonical("t1", "plan", "X1")
			if err != nil {
				return err
			}
			if rec == nil {
				rec = &models.CanonicalRecord{TenantId: "t1", EntityType: "plan", NaturalId: "X1"}
				if err := rec.SetFields(fields); err != nil {
					return err
				}
				rec.LastSeenAt = at
				rec.SourceRawRecordId = raw.ID
				rec.SourceBatchId = batch.ID
				if err := w.InsertCanonical(rec); err != nil {
					return err
				}
			} else {
				if err := rec.SetFields(fields); err != nil {
					return err
				}
				rec.LastSeenAt = at
				if err := w.UpdateCanonical(rec); err != nil {
					return err
				}
			}
			canonicalId = rec.ID
			lineage, err := models.NewLineage(rec.ID, &raw, []models.MappingSnapshot{{MappingId: active[0].ID}}, at)
			if err != nil {
				return err
			}
			return w.UpsertLineage(lineage)
		})
		if err != nil {
			t.Fatalf("RunInTx: %v", err)
		}
	}
	write(map[string]any{"monthlyRate": 5000}, mar1)
	write(map[string]any{"monthlyRate": 500000}, apr1)

	var count int64
	if err := db.WithContext(ctx).Model(&models.CanonicalRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("count canonical: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one canonical record, got %d", count)
	}
	lineage, err := store.GetLineage(ctx, canonicalId)
	if err != nil {
		t.Fatalf("GetLineage: %v", err)
	}
	if !lineage.EffectiveAt.Equal(apr1) {
		t.Fatalf("expected lineage overwritten to %s, got %s", apr1, lineage.EffectiveAt)
	}

	// Other entity types of the same tenant are never flagged.
	other := &models.CanonicalRecord{TenantId: "t1", EntityType: "customer", NaturalId: "C1", Fields: datatypes.JSON(`{}`), LastSeenAt: mar1.AddDate(0, -1, 0), SourceBatchId: batch.ID}
	if err := db.WithContext(ctx).Create(other).Error; err != nil {
		t.Fatalf("create other: %v", err)
	}
	flagged, err := store.MarkDiscontinued(ctx, "t1", "plan", apr1.AddDate(0, 0, 1), apr1)
	if err != nil {
		t.Fatalf("MarkDiscontinued: %v", err)
	}
	if flagged != 1 {
		t.Fatalf("expected one flagged record, got %d", flagged)
	}
	rec, err := store.GetCanonical(ctx, canonicalId)
	if err != nil {
		t.Fatalf("GetCanonical: %v", err)
	}
	if !rec.Discontinued() {
		t.Fatalf("expected record to be discontinued")
	}
	otherAfter, err := store.GetCanonical(ctx, other.ID)
	if err != nil {
		t.Fatalf("GetCanonical other: %v", err)
	}
	if otherAfter.Discontinued() {
		t.Fatalf("customer record must not be flagged by a plan full sync")
	}

	if _, err := store.GetCanonical(ctx, 999999); !errors.Is(err, utils.ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing for unknown id, got %v", err)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("datapipe-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=datapipe_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
