// Package httpapi exposes operational and admin endpoints over HTTP,
// alongside the binary wire protocol that carries chat traffic.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"chatcore/internal/store"
)

// adminActorHeader names the admin operator performing a mutation, for the
// audit log. There is no authenticated admin-session concept yet; a reverse
// proxy or API gateway in front of this surface is expected to set it.
const adminActorHeader = "X-Admin-Actor"

// defaultActorName is recorded when a caller omits adminActorHeader.
const defaultActorName = "admin"

// Server is the Echo application serving /health and the admin REST
// surface over the chat store.
type Server struct {
	echo  *echo.Echo
	store *store.Store
	log   *logrus.Entry
}

// New constructs an Echo app bound to st.
func New(st *store.Store, log *logrus.Entry) *Server {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, store: st, log: log.WithField("component", "httpapi")}
	s.Use(s.requestLogger())
	s.registerRoutes()
	return s
}

// Use registers e as echo middleware; exported so tests and Run can extend
// the chain without reaching into the unexported echo field.
func (s *Server) Use(mw echo.MiddlewareFunc) {
	s.echo.Use(mw)
}

func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			req := c.Request()
			s.log.WithFields(logrus.Fields{
				"method":      req.Method,
				"path":        req.URL.Path,
				"status":      c.Response().Status,
				"duration_ms": time.Since(start).Milliseconds(),
			}).Debug("http request")
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance, for tests and for mounting a
// Prometheus handler from the caller.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/stats", s.handleStats)

	s.echo.GET("/api/users", s.handleListUsers)
	s.echo.GET("/api/users/:id", s.handleGetUser)
	s.echo.POST("/api/users/:id/ban", s.handleBanUser)
	s.echo.POST("/api/users/:id/unban", s.handleUnbanUser)
	s.echo.DELETE("/api/users/:id", s.handleDeleteUser)

	s.echo.GET("/api/groups", s.handleListGroups)
	s.echo.GET("/api/groups/:id", s.handleGetGroup)
	s.echo.POST("/api/groups/:id/ban", s.handleBanGroup)
	s.echo.POST("/api/groups/:id/unban", s.handleUnbanGroup)
	s.echo.DELETE("/api/groups/:id", s.handleDeleteGroup)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.log.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

type statsResponse struct {
	Users            int64 `json:"users"`
	Groups           int64 `json:"groups"`
	Messages         int64 `json:"messages"`
	PendingOffline   int64 `json:"pending_offline"`
	Files            int64 `json:"files"`
	OldestPendingSec int64 `json:"oldest_pending_seconds"`
}

func (s *Server) handleStats(c echo.Context) error {
	st, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, statsResponse{
		Users:            st.Users,
		Groups:           st.Groups,
		Messages:         st.Messages,
		PendingOffline:   st.PendingOffline,
		Files:            st.Files,
		OldestPendingSec: int64(st.OldestPendingAge.Seconds()),
	})
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Online   bool   `json:"online"`
	Banned   bool   `json:"banned"`
}

func userToResponse(u store.User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, Online: u.IsOnline, Banned: u.IsBanned}
}

func (s *Server) handleListUsers(c echo.Context) error {
	users, err := s.store.ListUsers(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, userToResponse(u))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetUser(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	u, err := s.store.UserByID(c.Request().Context(), id)
	if err != nil {
		return userError(err)
	}
	return c.JSON(http.StatusOK, userToResponse(*u))
}

func (s *Server) handleBanUser(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := s.store.Ban(c.Request().Context(), id); err != nil {
		return userError(err)
	}
	s.audit(c, "ban_user", strconv.FormatInt(id, 10), "")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnbanUser(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := s.store.Unban(c.Request().Context(), id); err != nil {
		return userError(err)
	}
	s.audit(c, "unban_user", strconv.FormatInt(id, 10), "")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteUser(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	orphanedPaths, err := s.store.DeleteUser(c.Request().Context(), id)
	if err != nil {
		return userError(err)
	}
	s.audit(c, "delete_user", strconv.FormatInt(id, 10), fmt.Sprintf("orphaned %d file(s)", len(orphanedPaths)))
	return c.NoContent(http.StatusNoContent)
}

type groupResponse struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private_chat"`
	Banned    bool   `json:"banned"`
}

func groupToResponse(g store.ChatGroup) groupResponse {
	return groupResponse{ID: g.ID, Name: g.Name, IsPrivate: g.IsPrivateChat, Banned: g.IsBanned}
}

func (s *Server) handleListGroups(c echo.Context) error {
	groups, err := s.store.ListGroups(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupToResponse(g))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleGetGroup(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	g, err := s.store.GroupByID(c.Request().Context(), id)
	if err != nil {
		return groupError(err)
	}
	return c.JSON(http.StatusOK, groupToResponse(*g))
}

func (s *Server) handleBanGroup(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := s.store.BanGroup(c.Request().Context(), id); err != nil {
		return groupError(err)
	}
	s.audit(c, "ban_group", strconv.FormatInt(id, 10), "")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleUnbanGroup(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := s.store.UnbanGroup(c.Request().Context(), id); err != nil {
		return groupError(err)
	}
	s.audit(c, "unban_group", strconv.FormatInt(id, 10), "")
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteGroup(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if _, err := s.store.DeleteGroup(c.Request().Context(), id); err != nil {
		return groupError(err)
	}
	s.audit(c, "delete_group", strconv.FormatInt(id, 10), "")
	return c.NoContent(http.StatusNoContent)
}

// audit records an admin mutation in the audit log, best-effort: a logging
// failure must never mask the mutation's own success to the caller.
func (s *Server) audit(c echo.Context, action, target, details string) {
	actor := c.Request().Header.Get(adminActorHeader)
	if actor == "" {
		actor = defaultActorName
	}
	if err := s.store.InsertAuditLog(c.Request().Context(), 0, actor, action, target, details); err != nil {
		s.log.WithError(err).WithField("action", action).Warn("failed to write audit log entry")
	}
}

func parseID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "id must be numeric")
	}
	return id, nil
}

func userError(err error) error {
	if errors.Is(err, store.ErrUserNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "user not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func groupError(err error) error {
	if errors.Is(err, store.ErrGroupNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "group not found")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
