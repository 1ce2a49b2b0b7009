package service

import (
	"context"
	"errors"
	"testing"

	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/storage/metadoc"
)

func hasIssue(issues []model.HealthIssue, typ model.IssueType) bool {
	for _, i := range issues {
		if i.Type == typ {
			return true
		}
	}
	return false
}

func mustHealth(t *testing.T, env *testEnv, employeeID string) *model.HealthReport {
	t.Helper()
	r, err := env.health.ComputeHealth(context.Background(), employeeID)
	if err != nil {
		t.Fatalf("ComputeHealth: %v", err)
	}
	return r
}

func TestComputeHealth_Healthy(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	env.mustStore(t, upload("e1", "a", hrUser))

	r := mustHealth(t, env, "e1")
	if r.Status != model.HealthHealthy || r.Score != 100 {
		t.Errorf("ожидался healthy/100, получено %s/%d: %+v %+v", r.Status, r.Score, r.Issues, r.Warnings)
	}
	if !r.CheckedAt.Equal(env.clock.Now()) {
		t.Errorf("CheckedAt: %v", r.CheckedAt)
	}
}

func TestComputeHealth_TotalAbsenceIsError(t *testing.T) {
	env := newTestEnv(t, employee("e1"), employee("e2"))
	ctx := context.Background()

	// Контейнер никогда не создавался
	r := mustHealth(t, env, "e1")
	if r.Status != model.HealthError || r.Score != 0 || !hasIssue(r.Issues, model.IssueContainerMissing) {
		t.Errorf("без контейнера: %s/%d %+v", r.Status, r.Score, r.Issues)
	}

	// Директория удалена, маркер остался
	if _, err := env.containers.Initialize(ctx, "e2", false); err != nil {
		t.Fatal(err)
	}
	env.backend.Delete(ctx, metadoc.ContainerPath("e2"))
	r = mustHealth(t, env, "e2")
	if r.Status != model.HealthError || r.Score != 0 {
		t.Errorf("директория удалена: %s/%d", r.Status, r.Score)
	}
	if !hasIssue(r.Issues, model.IssueContainerMissing) || !hasIssue(r.Issues, model.IssueDrift) {
		t.Errorf("маркер без директории: ожидались container_missing и drift, получено %+v", r.Issues)
	}
	if hasIssue(mustHealth(t, env, "e1").Issues, model.IssueDrift) {
		t.Error("без маркера и без директории расхождения нет")
	}
}

func TestComputeHealth_TotalAbsenceReportsStoredRecords(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	ctx := context.Background()
	rec := env.mustStore(t, upload("e1", "a", hrUser))
	env.backend.Delete(ctx, metadoc.ContainerPath("e1"))

	r := mustHealth(t, env, "e1")
	if r.Status != model.HealthError || r.Score != 0 {
		t.Errorf("ожидался error/0, получено %s/%d", r.Status, r.Score)
	}
	found := false
	for _, is := range r.Issues {
		if is.Type == model.IssueOrphanRecord && is.FileID == rec.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("запись без blob должна быть в отчёте: %+v", r.Issues)
	}
}

func TestComputeHealth_MissingDirectoryNeverHealthy(t *testing.T) {
	for _, c := range model.Categories {
		t.Run(string(c), func(t *testing.T) {
			env := newTestEnv(t, employee("e1"))
			ctx := context.Background()
			if _, err := env.containers.Initialize(ctx, "e1", false); err != nil {
				t.Fatal(err)
			}
			env.backend.Delete(ctx, metadoc.CategoryPath("e1", c))

			r := mustHealth(t, env, "e1")
			if r.Status == model.HealthHealthy {
				t.Fatal("контейнер без директории категории не может быть healthy")
			}
			if r.Status != model.HealthCritical || !hasIssue(r.Issues, model.IssueMissingDirectory) {
				t.Errorf("ожидался critical с missing_directory, получено %s %+v", r.Status, r.Issues)
			}
			if r.Score != 100-weightMissingDirectory {
				t.Errorf("score %d", r.Score)
			}
		})
	}
}

func TestComputeHealth_Drift(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	ctx := context.Background()
	if _, err := env.containers.Initialize(ctx, "e1", false); err != nil {
		t.Fatal(err)
	}
	env.employees.UpdateContainer(ctx, "e1", model.ContainerState{Status: model.ContainerNone})

	r := mustHealth(t, env, "e1")
	if r.Status != model.HealthCritical || !hasIssue(r.Issues, model.IssueDrift) {
		t.Errorf("ожидался drift, получено %s %+v", r.Status, r.Issues)
	}

	res, err := env.health.Repair(ctx, "e1")
	if err != nil || !res.Success {
		t.Fatalf("Repair: %+v %v", res, err)
	}
	if !env.employees.get("e1").HasContainerMarker() {
		t.Error("маркер контейнера должен быть восстановлен")
	}
	if r := mustHealth(t, env, "e1"); r.Status != model.HealthHealthy {
		t.Errorf("после ремонта: %s %+v", r.Status, r.Issues)
	}
}

func TestComputeHealth_UnreadableMetadataIsError(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	ctx := context.Background()
	env.mustStore(t, upload("e1", "a", hrUser))
	env.backend.Write(ctx, metadoc.MetadataPath("e1"), []byte("not json"))

	r := mustHealth(t, env, "e1")
	if r.Status != model.HealthError || !hasIssue(r.Issues, model.IssueMetadataUnreadable) {
		t.Errorf("ожидался error, получено %s %+v", r.Status, r.Issues)
	}

	if _, err := env.health.Repair(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	meta, err := metadoc.Read(ctx, env.backend, "e1")
	if err != nil || meta.TotalFiles != 1 {
		t.Errorf("metadata.json должен быть пересобран из записей: %+v %v", meta, err)
	}
}

func TestComputeHealth_CountTolerance(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	ctx := context.Background()
	env.mustStore(t, upload("e1", "a", hrUser))

	meta, _ := metadoc.Read(ctx, env.backend, "e1")
	meta.TotalFiles++
	d := meta.Directories[model.CategoryCertificates]
	d.FileCount++
	meta.Directories[model.CategoryCertificates] = d
	metadoc.Write(ctx, env.backend, meta)

	r := mustHealth(t, env, "e1")
	if r.Status != model.HealthWarning || !hasIssue(r.Warnings, model.IssueMetadataMismatch) {
		t.Errorf("без допуска ожидался warning, получено %s %+v", r.Status, r.Warnings)
	}

	tolerant := NewHealthService(env.employees, env.files, env.containers, env.backend, env.locks, env.clock,
		HealthConfig{CountTolerance: 1}, testLogger())
	r, err := tolerant.ComputeHealth(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != model.HealthHealthy {
		t.Errorf("с допуском 1 ожидался healthy, получено %s %+v", r.Status, r.Warnings)
	}
}

func TestRepair_OrphanRecordWithoutBackup(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	ctx := context.Background()
	rec := env.mustStore(t, upload("e1", "a", hrUser))
	env.backend.Delete(ctx, rec.StoragePath)

	r := mustHealth(t, env, "e1")
	if r.Status != model.HealthCritical || !hasIssue(r.Issues, model.IssueOrphanRecord) {
		t.Fatalf("ожидался orphan_record, получено %s %+v", r.Status, r.Issues)
	}

	res, err := env.health.Repair(ctx, "e1")
	if err != nil || !res.Success {
		t.Fatalf("Repair: %+v %v", res, err)
	}
	got, _ := env.files.GetByID(ctx, rec.ID)
	if got.Status != model.StatusDeleted || got.MetaString(model.MetaDeleteReason) != "blob_missing" {
		t.Errorf("запись без blob должна быть закрыта: %s %v", got.Status, got.Metadata)
	}
	if env.employees.get("e1").ContainerFileCount != 0 {
		t.Error("счётчик должен быть выровнен")
	}
}

func TestRepair_OrphanRecordRestoredFromBackup(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	ctx := context.Background()
	rec := env.mustStore(t, upload("e1", "a", hrUser))
	if _, err := env.store.Backup(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	env.backend.Delete(ctx, rec.StoragePath)

	res, err := env.health.Repair(ctx, "e1")
	if err != nil || !res.Success {
		t.Fatalf("Repair: %+v %v", res, err)
	}
	got, _ := env.files.GetByID(ctx, rec.ID)
	if got.Status != model.StatusStored {
		t.Errorf("запись должна остаться stored, получено %s", got.Status)
	}
	if v, err := env.store.Verify(ctx, rec.ID); err != nil || !v.Match {
		t.Errorf("восстановленный blob: %+v %v", v, err)
	}
}

func TestRepair_OrphanFileArchived(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	ctx := context.Background()
	env.mustStore(t, upload("e1", "a", hrUser))
	stray := metadoc.FilePath("e1", model.CategoryPhotos, "stray.jpg")
	env.backend.Write(ctx, stray, []byte("stray"))

	r := mustHealth(t, env, "e1")
	if r.Status != model.HealthWarning || !hasIssue(r.Warnings, model.IssueOrphanFile) {
		t.Fatalf("ожидался orphan_file warning, получено %s %+v", r.Status, r.Warnings)
	}

	if _, err := env.health.Repair(ctx, "e1"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := env.backend.Exists(ctx, stray); ok {
		t.Error("файл без записи должен быть убран из контейнера")
	}
	if ok, _ := env.backend.Exists(ctx, metadoc.OrphanArchivePath("e1", model.CategoryPhotos, "stray.jpg")); !ok {
		t.Error("файл без записи должен быть в archive/orphans")
	}
}

func TestRepair_ChecksumMismatchWithoutBackupIsPartial(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	ctx := context.Background()
	rec := env.mustStore(t, upload("e1", "a", hrUser))
	env.backend.Write(ctx, rec.StoragePath, []byte("%PDF-1.4 подмена"))
	env.backend.Delete(ctx, metadoc.CategoryPath("e1", model.CategoryDocuments))

	r := mustHealth(t, env, "e1")
	if !hasIssue(r.Issues, model.IssueChecksumMismatch) {
		t.Fatalf("ожидался checksum_mismatch: %+v", r.Issues)
	}

	res, err := env.health.Repair(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || len(res.Errors) != 1 {
		t.Errorf("ожидался частичный успех с одной ошибкой: %+v", res)
	}
	if len(res.RepairsMade) == 0 {
		t.Error("директория должна быть восстановлена несмотря на ошибку")
	}
	if env.employees.get("e1").ContainerStatus != model.ContainerDegraded {
		t.Error("контейнер с неисправленной проблемой должен быть degraded")
	}
}

func TestRepair_Converges(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	ctx := context.Background()

	a := env.mustStore(t, upload("e1", "a", hrUser))
	env.mustStore(t, upload("e1", "b", hrUser))

	env.backend.Delete(ctx, a.StoragePath)
	env.backend.Delete(ctx, metadoc.CategoryPath("e1", model.CategoryPhotos))
	env.backend.Write(ctx, metadoc.FilePath("e1", model.CategoryDocuments, "x"), []byte("x"))
	env.backend.Write(ctx, metadoc.MetadataPath("e1"), []byte("{"))
	env.employees.UpdateContainer(ctx, "e1", model.ContainerState{Status: model.ContainerActive, FileCount: 7})

	first, err := env.health.Repair(ctx, "e1")
	if err != nil || !first.Success || len(first.RepairsMade) == 0 {
		t.Fatalf("первый ремонт: %+v %v", first, err)
	}

	second, err := env.health.Repair(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if !second.Success || len(second.RepairsMade) != 0 || len(second.Errors) != 0 {
		t.Errorf("второй ремонт не должен находить проблем: %+v", second)
	}
	if r := mustHealth(t, env, "e1"); r.Status != model.HealthHealthy {
		t.Errorf("после ремонта: %s %+v %+v", r.Status, r.Issues, r.Warnings)
	}
}

func TestRepair_ConvergesAfterContainerDeleted(t *testing.T) {
	tests := []struct {
		name       string
		backup     bool
		wantStatus model.FileStatus
		wantFiles  int
	}{
		{"без резервной копии", false, model.StatusDeleted, 0},
		{"с резервной копией", true, model.StatusStored, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, employee("e1"))
			ctx := context.Background()
			rec := env.mustStore(t, upload("e1", "a", hrUser))
			if tt.backup {
				if _, err := env.store.Backup(ctx, rec.ID); err != nil {
					t.Fatal(err)
				}
			}
			env.backend.Delete(ctx, metadoc.ContainerPath("e1"))

			first, err := env.health.Repair(ctx, "e1")
			if err != nil || !first.Success {
				t.Fatalf("первый ремонт: %+v %v", first, err)
			}
			got, err := env.files.GetByID(ctx, rec.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != tt.wantStatus {
				t.Errorf("ожидался статус записи %s, получен %s", tt.wantStatus, got.Status)
			}
			if n := env.employees.get("e1").ContainerFileCount; n != tt.wantFiles {
				t.Errorf("ожидался счётчик %d, получен %d", tt.wantFiles, n)
			}

			second, err := env.health.Repair(ctx, "e1")
			if err != nil {
				t.Fatal(err)
			}
			if !second.Success || len(second.RepairsMade) != 0 || len(second.Errors) != 0 {
				t.Errorf("второй ремонт не должен находить проблем: %+v", second)
			}
			if r := mustHealth(t, env, "e1"); r.Status != model.HealthHealthy {
				t.Errorf("после ремонта: %s %+v %+v", r.Status, r.Issues, r.Warnings)
			}
		})
	}
}

func TestRepair_AbsentContainerInitialized(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	ctx := context.Background()

	res, err := env.health.Repair(ctx, "e1")
	if err != nil || !res.Success {
		t.Fatalf("Repair: %+v %v", res, err)
	}
	if r := mustHealth(t, env, "e1"); r.Status != model.HealthHealthy {
		t.Errorf("после ремонта: %s %+v", r.Status, r.Issues)
	}
}

func TestCheck_BatchIsolation(t *testing.T) {
	env := newTestEnv(t, employee("e1"), employee("e2"), employee("e3"))
	ctx := context.Background()
	env.mustStore(t, upload("e1", "a", hrUser))
	env.mustStore(t, upload("e3", "a", hrUser))
	if _, err := env.containers.Initialize(ctx, "e2", false); err != nil {
		t.Fatal(err)
	}
	env.files.failList = "e2"

	summary, err := env.health.Check(ctx, HealthCheckRequest{All: true})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if summary.Checked != 2 || summary.Healthy != 2 || summary.Failed != 1 {
		t.Errorf("ожидалось 2 проверенных и 1 сбой: %+v", summary)
	}
	if len(summary.Errors) != 1 || summary.Errors[0].EmployeeID != "e2" {
		t.Errorf("ошибка должна относиться к e2: %+v", summary.Errors)
	}
}

func TestCheck_SingleWithRepair(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	ctx := context.Background()
	env.mustStore(t, upload("e1", "a", hrUser))
	env.backend.Delete(ctx, metadoc.CategoryPath("e1", model.CategoryPhotos))

	summary, err := env.health.Check(ctx, HealthCheckRequest{EmployeeID: "e1", Repair: true})
	if err != nil {
		t.Fatal(err)
	}
	if summary.Critical != 1 || summary.Repaired != 1 || len(summary.Repairs) != 1 {
		t.Errorf("неожиданная сводка: %+v", summary)
	}
	if r := mustHealth(t, env, "e1"); r.Status != model.HealthHealthy {
		t.Errorf("после ремонта: %s", r.Status)
	}
}

func TestCheck_Validation(t *testing.T) {
	env := newTestEnv(t, employee("e1"))
	ctx := context.Background()

	if _, err := env.health.Check(ctx, HealthCheckRequest{}); !errors.Is(err, ErrValidation) {
		t.Errorf("пустой запрос: %v", err)
	}
	if _, err := env.health.Check(ctx, HealthCheckRequest{EmployeeID: "e1", All: true}); !errors.Is(err, ErrValidation) {
		t.Errorf("employee_id и all: %v", err)
	}
	if _, err := env.health.Check(ctx, HealthCheckRequest{EmployeeID: "nobody"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("неизвестный сотрудник: %v", err)
	}
}

func TestRunOnce_SkipsAbsentAndConcurrentRuns(t *testing.T) {
	env := newTestEnv(t, employee("e1"), employee("e2"), employee("e3"))
	env.mustStore(t, upload("e1", "a", hrUser))

	summary, skipped := env.health.RunOnce(context.Background())
	if skipped || summary == nil {
		t.Fatal("первый запуск не должен пропускаться")
	}
	if summary.Checked != 1 || summary.Skipped != 2 {
		t.Errorf("ожидалась проверка 1 и пропуск 2: %+v", summary)
	}

	env.health.mu.Lock()
	env.health.inProcess = true
	env.health.mu.Unlock()
	if _, skipped := env.health.RunOnce(context.Background()); !skipped {
		t.Error("параллельный запуск должен пропускаться")
	}
	if !env.health.IsInProgress() {
		t.Error("флаг выполнения должен оставаться у первого запуска")
	}
}

func TestRunOnce_IgnoresInactive(t *testing.T) {
	inactive := employee("e2")
	inactive.IsActive = false
	env := newTestEnv(t, employee("e1"), inactive)
	env.mustStore(t, upload("e1", "a", hrUser))
	env.mustStore(t, upload("e2", "a", hrUser))

	summary, _ := env.health.RunOnce(context.Background())
	for _, r := range summary.Reports {
		if r.EmployeeID == "e2" {
			t.Error("неактивные сотрудники не сканируются в фоне")
		}
	}
}
