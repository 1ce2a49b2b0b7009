// auth.go — JWT middleware для аутентификации DocVault.
// Проверяет подпись токена IdP через JWKS, извлекает claims и формирует
// model.Requester, который handlers явно передают в сервисный слой.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	apierrors "github.com/bigkaa/docvault/internal/api/errors"
	"github.com/bigkaa/docvault/internal/domain/model"
	"github.com/bigkaa/docvault/internal/domain/rbac"
)

// contextKey — тип для ключей контекста (избегаем коллизий).
type contextKey string

const (
	// ContextKeyRequester — контекст вызывающего пользователя.
	ContextKeyRequester contextKey = "requester"
)

// knownRoles — роли IdP, которые имеют смысл для DocVault.
var knownRoles = []string{rbac.RoleAdmin, rbac.RoleHR, rbac.RoleEmployee}

// idpClaims — raw claims из JWT IdP.
type idpClaims struct {
	jwt.RegisteredClaims
	// EmployeeID — UUID сотрудника, если пользователь сам является сотрудником
	EmployeeID string `json:"employee_id,omitempty"`
	// SessionID — идентификатор сессии
	SessionID string `json:"sid,omitempty"`
	// RealmAccess — вложенная структура для realm_access.roles
	RealmAccess *realmAccess `json:"realm_access,omitempty"`
	// Roles — плоский список ролей (для IdP без realm_access)
	Roles []string `json:"roles,omitempty"`
}

// realmAccess — вложенная структура realm_access.
type realmAccess struct {
	Roles []string `json:"roles"`
}

// JWTAuth — middleware для JWT-аутентификации через JWKS IdP.
type JWTAuth struct {
	jwks      keyfunc.Keyfunc
	logger    *slog.Logger
	issuer    string
	jwtLeeway time.Duration
}

// NewJWTAuth создаёт JWT middleware с JWKS из IdP.
// jwksURL — URL JWKS endpoint, issuer — ожидаемый issuer (пусто — не проверяется),
// jwksRefreshInterval — интервал обновления ключей, jwtLeeway — допуск часов.
func NewJWTAuth(
	jwksURL string,
	issuer string,
	jwksRefreshInterval time.Duration,
	jwtLeeway time.Duration,
	logger *slog.Logger,
) (*JWTAuth, error) {
	// NoErrorReturnFirstHTTPReq — стартуем даже если IdP ещё недоступен.
	storage, err := jwkset.NewStorageFromHTTP(jwksURL, jwkset.HTTPClientStorageOptions{
		Client:                    http.DefaultClient,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           jwksRefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("Ошибка обновления JWKS",
				slog.String("error", err.Error()),
				slog.String("url", jwksURL),
			)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("создание JWKS storage: %w", err)
	}

	k, err := keyfunc.New(keyfunc.Options{
		Storage: storage,
	})
	if err != nil {
		return nil, fmt.Errorf("создание keyfunc: %w", err)
	}

	return &JWTAuth{
		jwks:      k,
		logger:    logger.With(slog.String("component", "jwt_auth")),
		issuer:    issuer,
		jwtLeeway: jwtLeeway,
	}, nil
}

// NewJWTAuthWithKeyfunc создаёт JWT middleware с предоставленной keyfunc.
// Используется в тестах для подстановки mock JWKS.
func NewJWTAuthWithKeyfunc(kf keyfunc.Keyfunc, issuer string, logger *slog.Logger) *JWTAuth {
	return &JWTAuth{
		jwks:   kf,
		logger: logger.With(slog.String("component", "jwt_auth")),
		issuer: issuer,
	}
}

// Middleware возвращает HTTP middleware для JWT-аутентификации.
// Извлекает Bearer token, валидирует подпись (RS256), формирует
// model.Requester и помещает его в контекст.
func (j *JWTAuth) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				apierrors.Unauthorized(w, "Отсутствует заголовок Authorization")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				apierrors.Unauthorized(w, "Неверный формат Authorization: ожидается Bearer <token>")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				apierrors.Unauthorized(w, "Пустой Bearer token")
				return
			}

			rawClaims := &idpClaims{}
			parserOpts := []jwt.ParserOption{
				jwt.WithValidMethods([]string{"RS256"}),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(j.jwtLeeway),
			}
			if j.issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(j.issuer))
			}

			token, err := jwt.ParseWithClaims(tokenString, rawClaims, j.jwks.KeyfuncCtx(r.Context()), parserOpts...)
			if err != nil {
				j.logger.Debug("JWT валидация не пройдена",
					slog.String("error", err.Error()),
					slog.String("remote_addr", r.RemoteAddr),
				)
				apierrors.Unauthorized(w, "Невалидный или просроченный токен")
				return
			}
			if !token.Valid {
				apierrors.Unauthorized(w, "Невалидный токен")
				return
			}

			subject, err := rawClaims.GetSubject()
			if err != nil || subject == "" {
				apierrors.Unauthorized(w, "Отсутствует sub в токене")
				return
			}

			requester := buildRequester(rawClaims, r)
			ctx := context.WithValue(r.Context(), ContextKeyRequester, requester)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// buildRequester формирует model.Requester из claims и параметров запроса.
// Роли берутся из realm_access.roles и roles; неизвестные отбрасываются.
func buildRequester(raw *idpClaims, r *http.Request) model.Requester {
	var roles []string
	add := func(list []string) {
		for _, role := range list {
			role = strings.ToLower(role)
			if slices.Contains(knownRoles, role) && !slices.Contains(roles, role) {
				roles = append(roles, role)
			}
		}
	}
	if raw.RealmAccess != nil {
		add(raw.RealmAccess.Roles)
	}
	add(raw.Roles)

	return model.Requester{
		UserID:     raw.Subject,
		EmployeeID: raw.EmployeeID,
		Roles:      roles,
		IP:         clientIP(r),
		UserAgent:  r.UserAgent(),
		SessionID:  raw.SessionID,
	}
}

// clientIP возвращает адрес клиента без порта. За прокси адрес
// подставляет chi middleware.RealIP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RequireRole возвращает middleware, требующий одну из указанных ролей.
// Должен использоваться ПОСЛЕ JWTAuth.Middleware().
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requester, ok := RequesterFromContext(r.Context())
			if !ok {
				apierrors.Unauthorized(w, "Отсутствует контекст пользователя")
				return
			}
			for _, role := range roles {
				if rbac.HasRole(requester.Roles, role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			apierrors.Forbidden(w, fmt.Sprintf("Недостаточно прав: требуется роль %s", strings.Join(roles, " или ")))
		})
	}
}

// --- Context helpers ---

// RequesterFromContext извлекает model.Requester из контекста запроса.
func RequesterFromContext(ctx context.Context) (model.Requester, bool) {
	requester, ok := ctx.Value(ContextKeyRequester).(model.Requester)
	return requester, ok
}

// WithRequester помещает model.Requester в контекст. Используется в тестах handlers.
func WithRequester(ctx context.Context, requester model.Requester) context.Context {
	return context.WithValue(ctx, ContextKeyRequester, requester)
}
