package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/domain/rbac"
	"github.com/bigkaa/docvault/internal/repository"
	"github.com/bigkaa/docvault/internal/storage/blob"
)

// memEmployees — EmployeeRepository в памяти.
type memEmployees struct {
	mu   sync.Mutex
	emps map[string]*model.Employee
	// updates — количество вызовов UpdateContainer
	updates int
}

func newMemEmployees(emps ...*model.Employee) *memEmployees {
	m := &memEmployees{emps: make(map[string]*model.Employee)}
	for _, e := range emps {
		m.emps[e.ID] = e
	}
	return m
}

func cloneEmployee(e *model.Employee) *model.Employee {
	c := *e
	return &c
}

func (m *memEmployees) GetByID(_ context.Context, id string) (*model.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emps[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneEmployee(e), nil
}

func (m *memEmployees) match(e *model.Employee, f model.EmployeeFilters) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, e.ID) {
		return false
	}
	if f.Department != nil && (e.Department == nil || *e.Department != *f.Department) {
		return false
	}
	if f.ActiveOnly && !e.IsActive {
		return false
	}
	if f.ContainerStatus != nil && e.ContainerStatus != *f.ContainerStatus {
		return false
	}
	return true
}

func (m *memEmployees) List(_ context.Context, f model.EmployeeFilters, limit, offset int) ([]*model.Employee, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := slices.Sorted(maps.Keys(m.emps))
	var out []*model.Employee
	for _, id := range ids {
		if m.match(m.emps[id], f) {
			out = append(out, cloneEmployee(m.emps[id]))
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memEmployees) Count(ctx context.Context, f model.EmployeeFilters) (int, error) {
	all, err := m.List(ctx, f, 1<<30, 0)
	return len(all), err
}

func (m *memEmployees) UpdateContainer(_ context.Context, id string, state model.ContainerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emps[id]
	if !ok {
		return repository.ErrNotFound
	}
	e.ContainerCreatedAt = state.CreatedAt
	e.ContainerStatus = state.Status
	e.ContainerFileCount = state.FileCount
	e.ContainerLastUpdated = state.LastUpdated
	m.updates++
	return nil
}

func (m *memEmployees) get(id string) *model.Employee {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEmployee(m.emps[id])
}

// memFiles — FileRecordRepository в памяти с теми же ограничениями
// уникальности, что и схема БД.
type memFiles struct {
	mu      sync.Mutex
	records map[string]*model.FileRecord
	// failList — сотрудник, для которого ListByEmployee возвращает ошибку
	failList string
}

func newMemFiles() *memFiles {
	return &memFiles{records: make(map[string]*model.FileRecord)}
}

func cloneRecord(r *model.FileRecord) *model.FileRecord {
	c := *r
	c.Metadata = maps.Clone(r.Metadata)
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	return &c
}

func (m *memFiles) Create(_ context.Context, f *model.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.EmployeeID != f.EmployeeID || r.Category != f.Category {
			continue
		}
		if r.VersionNumber == f.VersionNumber {
			return repository.ErrConflict
		}
		if f.Status == model.StatusStored && r.Status == model.StatusStored && r.ContentHash == f.ContentHash {
			return repository.ErrConflict
		}
	}
	m.records[f.ID] = cloneRecord(f)
	return nil
}

func (m *memFiles) GetByID(_ context.Context, id string) (*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *memFiles) FindStoredByHash(_ context.Context, employeeID string, category model.Category, hash string) (*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.records {
		if r.EmployeeID == employeeID && r.Category == category && r.ContentHash == hash && r.Status == model.StatusStored {
			return cloneRecord(r), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memFiles) MaxVersion(_ context.Context, employeeID string, category model.Category) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	maxV := 0
	for _, r := range m.records {
		if r.EmployeeID == employeeID && r.Category == category && r.VersionNumber > maxV {
			maxV = r.VersionNumber
		}
	}
	return maxV, nil
}

func (m *memFiles) UpdateStatus(_ context.Context, id string, from, to model.FileStatus, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !from.CanTransitionTo(to) {
		return repository.ErrConflict
	}
	r, ok := m.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	if r.Status != from {
		return repository.ErrConflict
	}
	if to == model.StatusStored {
		for _, o := range m.records {
			if o.ID != id && o.EmployeeID == r.EmployeeID && o.Category == r.Category &&
				o.Status == model.StatusStored && o.ContentHash == r.ContentHash {
				return repository.ErrConflict
			}
		}
	}
	r.Status = to
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	maps.Copy(r.Metadata, metadata)
	return nil
}

func (m *memFiles) UpdateMetadata(_ context.Context, id string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return repository.ErrNotFound
	}
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	maps.Copy(r.Metadata, metadata)
	return nil
}

func (m *memFiles) ListByEmployee(_ context.Context, employeeID string, f repository.FileRecordFilters) ([]*model.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if employeeID == m.failList {
		return nil, fmt.Errorf("соединение с БД потеряно")
	}
	var out []*model.FileRecord
	for _, r := range m.records {
		if r.EmployeeID != employeeID {
			continue
		}
		if f.Category != nil && r.Category != *f.Category {
			continue
		}
		if f.Status != nil && r.Status != *f.Status {
			continue
		}
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].VersionNumber > out[j].VersionNumber
	})
	return out, nil
}

func (m *memFiles) count(status model.FileStatus) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.Status == status {
			n++
		}
	}
	return n
}

// fixedClock — управляемые часы.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFixedClock() *fixedClock {
	return &fixedClock{now: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)}
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEnv — собранный набор сервисов поверх fake-репозиториев и LocalBackend.
type testEnv struct {
	employees  *memEmployees
	files      *memFiles
	backend    *blob.LocalBackend
	clock      *fixedClock
	locks      *Locks
	containers *ContainerService
	store      *FileStoreService
	health     *HealthService
	bulk       *BulkService
	access     *AccessService
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFileStoreConfig() FileStoreConfig {
	return FileStoreConfig{
		MaxFileSize:       10 * 1024 * 1024,
		AllowedMIMETypes:  []string{"application/pdf", "image/jpeg", "image/png", "text/plain"},
		AllowedExtensions: []string{".pdf", ".jpg", ".jpeg", ".png", ".txt"},
	}
}

func newTestEnv(t *testing.T, emps ...*model.Employee) *testEnv {
	t.Helper()

	backend, err := blob.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("Ошибка создания LocalBackend: %v", err)
	}

	env := &testEnv{
		employees: newMemEmployees(emps...),
		files:     newMemFiles(),
		backend:   backend,
		clock:     newFixedClock(),
		locks:     NewLocks(),
	}
	logger := testLogger()

	env.containers = NewContainerService(env.employees, env.files, backend, env.locks, env.clock, logger)
	env.store = NewFileStoreService(env.employees, env.files, env.containers, backend, env.locks, env.clock,
		testFileStoreConfig(), logger)
	env.health = NewHealthService(env.employees, env.files, env.containers, backend, env.locks, env.clock,
		HealthConfig{VerifyChecksums: true, Interval: time.Hour, BatchSize: 2}, logger)
	env.bulk = NewBulkService(env.employees, env.containers, backend, env.locks, env.clock, 2, logger)
	env.access = NewAccessService(env.store, NewLRUTokenStore(100, 24*time.Hour), env.clock, AccessConfig{
		DefaultTTL:    15 * time.Minute,
		MaxTTL:        24 * time.Hour,
		PublicBaseURL: "https://docvault.example.com/",
	}, logger)
	return env
}

func employee(id string) *model.Employee {
	return &model.Employee{
		ID:              id,
		EmployeeNumber:  "N-" + id,
		FullName:        "Сотрудник " + id,
		IsActive:        true,
		ContainerStatus: model.ContainerNone,
	}
}

var (
	hrUser    = model.Requester{UserID: "hr-1", Roles: []string{rbac.RoleHR}, IP: "10.0.0.1"}
	adminUser = model.Requester{UserID: "admin-1", Roles: []string{rbac.RoleAdmin}}
	stranger  = model.Requester{UserID: "user-x", EmployeeID: "someone-else", Roles: []string{rbac.RoleEmployee}}
)

func ownerOf(employeeID string) model.Requester {
	return model.Requester{UserID: "user-" + employeeID, EmployeeID: employeeID, Roles: []string{rbac.RoleEmployee}}
}

// pdf возвращает PDF-подобное содержимое заданного размера, уникальное по tag.
func pdf(tag string, size int) []byte {
	head := []byte("%PDF-1.4\n% " + tag + "\n")
	if size < len(head) {
		size = len(head)
	}
	return append(head, bytes.Repeat([]byte("0"), size-len(head))...)
}

func upload(emp, tag string, requester model.Requester) UploadParams {
	return UploadParams{
		EmployeeID: emp,
		Category:   model.CategoryCertificates,
		Filename:   tag + ".pdf",
		MimeType:   "application/pdf",
		Content:    bytes.NewReader(pdf(tag, 256)),
		Requester:  requester,
	}
}

// mustStore загружает файл и завершает тест при ошибке.
func (env *testEnv) mustStore(t *testing.T, p UploadParams) *model.FileRecord {
	t.Helper()
	rec, err := env.store.Store(context.Background(), p)
	if err != nil {
		t.Fatalf("Store(%s): %v", p.Filename, err)
	}
	return rec
}

// treeSnapshot — список всех файлов и директорий бэкенда с содержимым.
func (env *testEnv) treeSnapshot(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	var sb strings.Builder
	var walk func(p string)
	walk = func(p string) {
		files, err := env.backend.ListFiles(ctx, p)
		if err != nil {
			return
		}
		for _, f := range files {
			rc, err := env.backend.Read(ctx, blob.Join(p, f))
			if err != nil {
				t.Fatalf("Read %s: %v", f, err)
			}
			data, _ := io.ReadAll(rc)
			rc.Close()
			fmt.Fprintf(&sb, "F %s %x\n", blob.Join(p, f), data)
		}
		dirs, _ := env.backend.ListDirectories(ctx, p)
		for _, d := range dirs {
			fmt.Fprintf(&sb, "D %s\n", blob.Join(p, d))
			walk(blob.Join(p, d))
		}
	}
	walk("")
	return sb.String()
}
