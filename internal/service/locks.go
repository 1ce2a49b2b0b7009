package service

import "sync"

// keyedLocks — реестр RW-мьютексов по строковому ключу.
// Мьютекс удаляется из реестра, когда его больше никто не держит и не ждёт.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.RWMutex
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*refLock)}
}

func (k *keyedLocks) acquire(key string) *refLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *keyedLocks) release(key string, l *refLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock захватывает ключ эксклюзивно и возвращает функцию освобождения.
func (k *keyedLocks) Lock(key string) func() {
	l := k.acquire(key)
	l.Lock()
	return func() {
		l.Unlock()
		k.release(key, l)
	}
}

// RLock захватывает ключ на чтение и возвращает функцию освобождения.
func (k *keyedLocks) RLock(key string) func() {
	l := k.acquire(key)
	l.RLock()
	return func() {
		l.RUnlock()
		k.release(key, l)
	}
}

// size — количество ключей в реестре (для тестов).
func (k *keyedLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// Locks — in-process блокировки контейнеров, общие для всех сервисов.
//
// Порядок захвата: employee → scope → init. Загрузка и удаление берут
// employee на чтение, ремонт — эксклюзивно, поэтому запись в контейнер
// не может произойти посреди удаления и пересоздания дерева.
type Locks struct {
	employees *keyedLocks
	scopes    *keyedLocks
	inits     *keyedLocks
}

// NewLocks создаёт реестр блокировок.
func NewLocks() *Locks {
	return &Locks{
		employees: newKeyedLocks(),
		scopes:    newKeyedLocks(),
		inits:     newKeyedLocks(),
	}
}

// ReadEmployee — разделяемая блокировка контейнера (загрузка, удаление).
func (l *Locks) ReadEmployee(employeeID string) func() {
	return l.employees.RLock(employeeID)
}

// WriteEmployee — эксклюзивная блокировка контейнера (ремонт, очистка).
func (l *Locks) WriteEmployee(employeeID string) func() {
	return l.employees.Lock(employeeID)
}

// Scope — мьютекс (сотрудник, категория) вокруг проверки дубликата,
// назначения версии и записи.
func (l *Locks) Scope(employeeID, category string) func() {
	return l.scopes.Lock(employeeID + "/" + category)
}

// Init — сериализует создание скелета контейнера.
func (l *Locks) Init(employeeID string) func() {
	return l.inits.Lock(employeeID)
}
