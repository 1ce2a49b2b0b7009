// access.go — выдача краткоживущих токенов доступа к файлам.
//
// Токен — 32 случайных байта в hex. Хранится только в памяти процесса
// (expirable LRU), в БД не попадает. Срок проверяется один раз при
// разрешении: уже открытый поток дочитывается после истечения.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/domain/rbac"
)

// tokenBytes — длина токена до hex-кодирования.
const tokenBytes = 32

// TokenStore — хранилище выданных токенов.
type TokenStore interface {
	// Put сохраняет токен.
	Put(t *model.AccessToken)
	// Get возвращает токен, если он известен.
	Get(token string) (*model.AccessToken, bool)
	// Revoke удаляет токен и запоминает факт отзыва.
	Revoke(token string)
	// Revoked возвращает true для отозванного токена.
	Revoked(token string) bool
}

// LRUTokenStore — TokenStore на expirable LRU.
// Записи живут не дольше максимального TTL токена; вытеснение по размеру
// делает неизвестными самые старые токены.
type LRUTokenStore struct {
	tokens  *expirable.LRU[string, *model.AccessToken]
	revoked *expirable.LRU[string, struct{}]
}

// NewLRUTokenStore создаёт хранилище на size токенов с временем жизни записи maxTTL.
func NewLRUTokenStore(size int, maxTTL time.Duration) *LRUTokenStore {
	return &LRUTokenStore{
		tokens:  expirable.NewLRU[string, *model.AccessToken](size, nil, maxTTL),
		revoked: expirable.NewLRU[string, struct{}](size, nil, maxTTL),
	}
}

func (s *LRUTokenStore) Put(t *model.AccessToken) {
	s.tokens.Add(t.Token, t)
}

func (s *LRUTokenStore) Get(token string) (*model.AccessToken, bool) {
	return s.tokens.Get(token)
}

func (s *LRUTokenStore) Revoke(token string) {
	s.tokens.Remove(token)
	s.revoked.Add(token, struct{}{})
}

func (s *LRUTokenStore) Revoked(token string) bool {
	return s.revoked.Contains(token)
}

// AccessConfig — параметры токенов доступа.
type AccessConfig struct {
	DefaultTTL time.Duration
	MaxTTL     time.Duration
	// PublicBaseURL — внешний адрес сервиса для построения ссылок
	PublicBaseURL string
}

// IssuedToken — выданный токен и ссылка для скачивания.
type IssuedToken struct {
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
	FileID    string    `json:"file_id"`
}

// AccessService — шлюз доступа к файлам по токенам.
type AccessService struct {
	files  *FileStoreService
	store  TokenStore
	clock  Clock
	cfg    AccessConfig
	logger *slog.Logger
}

// NewAccessService создаёт шлюз доступа.
func NewAccessService(files *FileStoreService, store TokenStore, clock Clock, cfg AccessConfig, logger *slog.Logger) *AccessService {
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &AccessService{
		files:  files,
		store:  store,
		clock:  clock,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "access")),
	}
}

// IssueToken выдаёт токен на скачивание файла. ttl=0 — значение по умолчанию.
// Выдать токен может только тот, кому разрешено чтение файла.
func (s *AccessService) IssueToken(ctx context.Context, fileID string, requester model.Requester, ttl time.Duration) (*IssuedToken, error) {
	issued, err := s.issue(ctx, fileID, requester, ttl)
	recordTokenOp("issue", err)
	return issued, err
}

func (s *AccessService) issue(ctx context.Context, fileID string, requester model.Requester, ttl time.Duration) (*IssuedToken, error) {
	if ttl == 0 {
		ttl = s.cfg.DefaultTTL
	}
	if ttl < 0 || ttl > s.cfg.MaxTTL {
		return nil, &ValidationError{Field: "ttl", Message: fmt.Sprintf("допустимый диапазон: (0, %s]", s.cfg.MaxTTL)}
	}

	rec, err := s.files.getStored(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !rbac.Allowed(subjectOf(requester), resourceOf(rec), rbac.ActionRetrieve) {
		s.files.logDenied(requester, rbac.ActionRetrieve, rec.ID)
		return nil, &AccessDeniedError{UserID: requester.UserID, Action: string(rbac.ActionRetrieve), FileID: rec.ID}
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("ошибка генерации токена: %w", err)
	}

	expiresAt := s.clock.Now().Add(ttl)
	s.store.Put(&model.AccessToken{
		Token:        token,
		FileRecordID: rec.ID,
		RequesterID:  requester.UserID,
		ExpiresAt:    expiresAt,
		IssuerIP:     requester.IP,
		Requester:    requester,
	})

	s.logger.Info("Токен доступа выдан",
		slog.String("file_id", rec.ID),
		slog.String("token", tokenPrefix(token)),
		slog.String("user_id", requester.UserID),
		slog.String("ip", requester.IP),
		slog.Time("expires_at", expiresAt),
	)
	return &IssuedToken{
		Token:     token,
		URL:       s.cfg.PublicBaseURL + "/api/v1/access/" + token,
		ExpiresAt: expiresAt,
		FileID:    rec.ID,
	}, nil
}

// ResolveToken проверяет токен и открывает файл от имени выпустившего.
func (s *AccessService) ResolveToken(ctx context.Context, token string) (*Download, error) {
	d, err := s.resolve(ctx, token)
	recordTokenOp("resolve", err)
	return d, err
}

func (s *AccessService) resolve(ctx context.Context, token string) (*Download, error) {
	if s.store.Revoked(token) {
		return nil, &TokenError{Reason: TokenRevoked}
	}
	tok, ok := s.store.Get(token)
	if !ok {
		return nil, &TokenError{Reason: TokenNotFound}
	}
	if tok.IsExpired(s.clock.Now()) {
		return nil, &TokenError{Reason: TokenExpired}
	}

	s.logger.Debug("Токен разрешён",
		slog.String("file_id", tok.FileRecordID),
		slog.String("token", tokenPrefix(token)),
	)
	return s.files.Retrieve(ctx, tok.FileRecordID, tok.Requester)
}

// RevokeToken отзывает токен. Разрешено выпустившему и привилегированным ролям.
func (s *AccessService) RevokeToken(_ context.Context, token string, requester model.Requester) error {
	err := s.revoke(token, requester)
	recordTokenOp("revoke", err)
	return err
}

func (s *AccessService) revoke(token string, requester model.Requester) error {
	if s.store.Revoked(token) {
		return &TokenError{Reason: TokenRevoked}
	}
	tok, ok := s.store.Get(token)
	if !ok {
		return &TokenError{Reason: TokenNotFound}
	}
	if tok.RequesterID != requester.UserID && !rbac.IsElevated(requester.Roles) {
		return &AccessDeniedError{UserID: requester.UserID, Action: "revoke_token", FileID: tok.FileRecordID}
	}

	s.store.Revoke(token)
	s.logger.Info("Токен доступа отозван",
		slog.String("file_id", tok.FileRecordID),
		slog.String("token", tokenPrefix(token)),
		slog.String("user_id", requester.UserID),
	)
	return nil
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// tokenPrefix — начало токена для логов; полный токен не логируется.
func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8] + "…"
	}
	return token
}

func recordTokenOp(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	accessTokensTotal.WithLabelValues(operation, result).Inc()
}
