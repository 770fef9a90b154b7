package controller

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/rryowa/sessiond/internal/models"
	"github.com/rryowa/sessiond/internal/service"
	"github.com/rryowa/sessiond/internal/util"
)

const RefreshCookieName = "refresh_token"

type Controller struct {
	zapLogger   *zap.SugaredLogger
	authService *service.AuthService
	tokenConfig *util.TokenConfig
}

func NewController(logger *zap.SugaredLogger, authService *service.AuthService, tokenConfig *util.TokenConfig) *Controller {
	return &Controller{
		zapLogger:   logger,
		authService: authService,
		tokenConfig: tokenConfig,
	}
}

// RegisterRoutes wires the public auth surface and the internal
// service-to-service group onto the /api base.
func (c *Controller) RegisterRoutes(public, internal *echo.Group) {
	public.GET("/ping", c.CheckServer)
	public.POST("/auth/register", c.Register)
	public.POST("/auth/login", c.Login)
	public.POST("/auth/refresh", c.Refresh)
	public.POST("/auth/logout", c.Logout)
	public.POST("/auth/logout-all", c.LogoutAll)

	internal.POST("/verify", c.Verify)
}

// (GET /api/ping).
func (c *Controller) CheckServer(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, "ok")
}

// (POST /api/auth/register).
func (c *Controller) Register(ctx echo.Context) error {
	var req models.RegisterRequest
	if err := ctx.Bind(&req); err != nil {
		return util.NewResponseError(http.StatusBadRequest, "invalid request body")
	}

	account, err := c.authService.Register(ctx.Request().Context(), req.Email, req.Password, req.Role)
	if err != nil {
		return err
	}

	return ctx.JSON(http.StatusCreated, models.RegisterResponse{
		AccountID: account.ID,
		Role:      account.Role,
	})
}

// (POST /api/auth/login).
func (c *Controller) Login(ctx echo.Context) error {
	var req models.LoginRequest
	if err := ctx.Bind(&req); err != nil {
		return util.NewResponseError(http.StatusBadRequest, "invalid request body")
	}

	result, err := c.authService.Login(
		ctx.Request().Context(),
		req.Email,
		req.Password,
		req.RememberMe,
		deviceMetadata(ctx),
	)
	if err != nil {
		return err
	}

	c.setRefreshCookie(ctx, result.Pair.RefreshToken, req.RememberMe)

	return ctx.JSON(http.StatusOK, models.LoginResponse{
		AccessToken:  result.Pair.AccessToken,
		RefreshToken: result.Pair.RefreshToken,
		ExpiresIn:    result.Pair.ExpiresIn,
		AccountID:    result.Account.ID,
		Role:         result.Account.Role,
	})
}

// (POST /api/auth/refresh).
// The refresh token is taken from the httpOnly cookie; non-browser
// clients may send it in the body instead.
func (c *Controller) Refresh(ctx echo.Context) error {
	presented := c.refreshTokenFromRequest(ctx)
	if presented == "" {
		return service.ErrInvalidRefreshToken
	}

	pair, err := c.authService.Refresh(ctx.Request().Context(), presented)
	if err != nil {
		if errors.Is(err, service.ErrReplayDetected) || errors.Is(err, service.ErrInvalidRefreshToken) {
			c.clearRefreshCookie(ctx)
		}
		return err
	}

	c.setRefreshCookie(ctx, pair.RefreshToken, pair.RememberMe)

	return ctx.JSON(http.StatusOK, models.TokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
	})
}

// (POST /api/auth/logout). Always succeeds.
func (c *Controller) Logout(ctx echo.Context) error {
	err := c.authService.Logout(
		ctx.Request().Context(),
		bearerToken(ctx),
		c.refreshTokenFromRequest(ctx),
	)
	if err != nil {
		return err
	}

	c.clearRefreshCookie(ctx)
	return ctx.JSON(http.StatusOK, map[string]string{"status": "logged out"})
}

// (POST /api/auth/logout-all).
func (c *Controller) LogoutAll(ctx echo.Context) error {
	if err := c.authService.LogoutAll(ctx.Request().Context(), bearerToken(ctx)); err != nil {
		return err
	}

	c.clearRefreshCookie(ctx)
	return ctx.JSON(http.StatusOK, map[string]string{"status": "logged out everywhere"})
}

// (POST /api/internal/verify). Guarded by the API key middleware.
func (c *Controller) Verify(ctx echo.Context) error {
	var req models.VerifyRequest
	if err := ctx.Bind(&req); err != nil {
		return util.NewResponseError(http.StatusBadRequest, "invalid request body")
	}
	token := req.AccessToken
	if token == "" {
		token = bearerToken(ctx)
	}

	result, err := c.authService.Verify(ctx.Request().Context(), token)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, result)
}

func (c *Controller) refreshTokenFromRequest(ctx echo.Context) string {
	if cookie, err := ctx.Cookie(RefreshCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	var req models.RefreshRequest
	if err := ctx.Bind(&req); err == nil {
		return req.RefreshToken
	}
	return ""
}

func (c *Controller) setRefreshCookie(ctx echo.Context, token string, rememberMe bool) {
	ttl := c.tokenConfig.RefreshTTL
	if rememberMe {
		ttl = c.tokenConfig.RememberMeTTL
	}
	ctx.SetCookie(&http.Cookie{
		Name:     RefreshCookieName,
		Value:    token,
		Path:     "/api/auth",
		MaxAge:   int(ttl / time.Second),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c *Controller) clearRefreshCookie(ctx echo.Context) {
	ctx.SetCookie(&http.Cookie{
		Name:     RefreshCookieName,
		Value:    "",
		Path:     "/api/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func bearerToken(ctx echo.Context) string {
	header := ctx.Request().Header.Get(echo.HeaderAuthorization)
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func deviceMetadata(ctx echo.Context) models.DeviceMetadata {
	return models.DeviceMetadata{
		UserAgent: ctx.Request().UserAgent(),
		IPAddress: ctx.RealIP(),
	}
}
