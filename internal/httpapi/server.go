// Package httpapi is the Echo-based HTTP surface: conversation lifecycle,
// message send/list/consume, two-phase file upload, device token
// registration, and the /ws upgrade.
package httpapi

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"vanish/server/internal/apperr"
	"vanish/server/internal/conversationsvc"
	"vanish/server/internal/core"
	"vanish/server/internal/files"
	"vanish/server/internal/messagesvc"
	"vanish/server/internal/push"
	"vanish/server/internal/ws"
)

// timeNow is the HTTP layer's liveness clock. Mutations and durability
// checks are delegated to services that carry an injected clock.Clock;
// this is used for the liveness probe and for handleUploadFile's check that
// the conversation is still live before a file is staged.
func timeNow() time.Time { return time.Now().UTC() }

func copyBody(c echo.Context, r io.Reader) (int64, error) {
	return io.Copy(c.Response().Writer, r)
}

const deviceIDHeader = "X-Device-ID"

const slowRequestThreshold = time.Second

// Server is the Echo application wiring every service behind the HTTP
// surface.
type Server struct {
	echo             *echo.Echo
	conversations    *conversationsvc.Service
	messages         *messagesvc.Service
	tokens           *push.Tokens
	files            *files.Service
	shareBaseURL     string
	defaultTTLHours  int
}

// New constructs the Echo app and registers every route. ws is optional;
// when nil the /ws upgrade endpoint is not registered. defaultTTLHours
// fills in ttlHours on conversation creation when the caller omits it;
// values <= 0 disable the fallback and leave the field mandatory.
func New(conversations *conversationsvc.Service, messages *messagesvc.Service, tokens *push.Tokens, fileSvc *files.Service, wsHandler *ws.Handler, shareBaseURL string, defaultTTLHours int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{
		echo:            e,
		conversations:   conversations,
		messages:        messages,
		tokens:          tokens,
		files:           fileSvc,
		shareBaseURL:    shareBaseURL,
		defaultTTLHours: defaultTTLHours,
	}
	s.registerRoutes()
	if wsHandler != nil {
		wsHandler.Register(e)
	}
	return s
}

// Echo exposes the underlying instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// requestLogger records wall-clock per request and warns past the 1s
// threshold.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			elapsed := time.Since(start)
			req := c.Request()
			if elapsed > slowRequestThreshold {
				slog.Warn("slow http request", "method", req.Method, "path", req.URL.Path, "status", c.Response().Status, "duration_ms", elapsed.Milliseconds())
				return nil
			}
			slog.Debug("http request", "method", req.Method, "path", req.URL.Path, "status", c.Response().Status, "duration_ms", elapsed.Milliseconds())
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	api := s.echo.Group("/api")

	api.POST("/conversations", s.handleCreateConversation)
	api.GET("/conversations/:id", s.handleGetConversation)
	api.GET("/conversations", s.handleListConversations)
	api.DELETE("/conversations/:id", s.handleDeleteConversation)
	api.POST("/conversations/:id/share", s.handleShareConversation)
	api.GET("/conversations/:id/accessible", s.handleAccessible)
	api.POST("/conversations/:id/join", s.handleJoinConversation)
	api.GET("/conversations/:id/participants", s.handleListParticipants)
	api.GET("/conversations/:id/participants/:deviceId/status", s.handleParticipantStatus)
	api.POST("/conversations/:id/leave", s.handleLeaveConversation)
	api.POST("/conversations/:id/messages", s.handleCreateMessage)
	api.POST("/conversations/:id/messages/buffered", s.handleCreateMessageBuffered)
	api.GET("/conversations/:id/messages", s.handleListMessages)
	api.GET("/conversations/:id/messages/:messageId", s.handleConsumeMessage)
	api.POST("/conversations/:id/files", s.handleUploadFile)
	api.GET("/files/:fileId", s.handleDownloadFile)
	api.POST("/devices/token", s.handleRegisterToken)
	api.POST("/devices/logout", s.handleLogout)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

func deviceID(c echo.Context) (string, error) {
	id := c.Request().Header.Get(deviceIDHeader)
	if id == "" {
		return "", apperr.Validation("%s header is required", deviceIDHeader)
	}
	return id, nil
}

func respondErr(c echo.Context, err error) error {
	status, body := errorBody(err)
	return c.JSON(status, body)
}

func (s *Server) handleCreateConversation(c echo.Context) error {
	devID, err := deviceID(c)
	if err != nil {
		return respondErr(c, err)
	}
	var req createConversationRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, apperr.Validation("malformed request body"))
	}
	if req.TTLHours <= 0 && s.defaultTTLHours > 0 {
		req.TTLHours = s.defaultTTLHours
	}

	conv, err := s.conversations.CreateConversation(c.Request().Context(), devID, req.TTLHours)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, toConversationResponse(conv))
}

func (s *Server) handleGetConversation(c echo.Context) error {
	conv, err := s.conversations.GetConversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, toConversationResponse(conv))
}

func (s *Server) handleListConversations(c echo.Context) error {
	devID, err := deviceID(c)
	if err != nil {
		return respondErr(c, err)
	}
	convs, err := s.conversations.ListUserConversations(c.Request().Context(), devID)
	if err != nil {
		return respondErr(c, err)
	}
	out := make([]conversationResponse, 0, len(convs))
	for _, conv := range convs {
		out = append(out, toConversationResponse(conv))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleDeleteConversation(c echo.Context) error {
	devID, err := deviceID(c)
	if err != nil {
		return respondErr(c, err)
	}
	if err := s.conversations.DeleteConversation(c.Request().Context(), c.Param("id"), devID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleShareConversation(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.conversations.GetConversation(c.Request().Context(), id); err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, shareResponse{ShareURL: s.shareBaseURL + "/join/" + id})
}

func (s *Server) handleAccessible(c echo.Context) error {
	conv, err := s.conversations.GetConversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) && appErr.Code == apperr.CodeNotFound {
			return c.JSON(http.StatusOK, accessibleResponse{Live: false})
		}
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, accessibleResponse{Live: conv.IsLive(timeNow())})
}

func (s *Server) handleJoinConversation(c echo.Context) error {
	devID, err := deviceID(c)
	if err != nil {
		return respondErr(c, err)
	}
	p, err := s.conversations.RegisterParticipant(c.Request().Context(), c.Param("id"), devID)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, toParticipantResponse(p))
}

func (s *Server) handleListParticipants(c echo.Context) error {
	participants, err := s.conversations.GetActiveParticipants(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	out := make([]participantResponse, 0, len(participants))
	for _, p := range participants {
		out = append(out, toParticipantResponse(p))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleParticipantStatus(c echo.Context) error {
	active, err := s.conversations.IsActiveParticipant(c.Request().Context(), c.Param("id"), c.Param("deviceId"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, participantStatusResponse{Active: active})
}

func (s *Server) handleLeaveConversation(c echo.Context) error {
	devID, err := deviceID(c)
	if err != nil {
		return respondErr(c, err)
	}
	if err := s.conversations.LeaveConversation(c.Request().Context(), c.Param("id"), devID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func toPayload(req sendMessageRequest) messagesvc.Payload {
	p := messagesvc.Payload{
		Ciphertext:  req.Ciphertext,
		Nonce:       req.Nonce,
		Tag:         req.Tag,
		MessageType: core.MessageType(req.MessageType),
		FileRef:     req.FileRef,
	}
	if req.File != nil {
		p.File = &core.FileMetadata{Name: req.File.Name, Size: req.File.Size, MimeType: req.File.MimeType}
	}
	return p
}

func (s *Server) handleCreateMessage(c echo.Context) error {
	devID, err := deviceID(c)
	if err != nil {
		return respondErr(c, err)
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, apperr.Validation("malformed request body"))
	}
	msg, err := s.messages.CreateInConversation(c.Request().Context(), c.Param("id"), devID, toPayload(req))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, toMessageResponse(msg))
}

func (s *Server) handleCreateMessageBuffered(c echo.Context) error {
	devID, err := deviceID(c)
	if err != nil {
		return respondErr(c, err)
	}
	var req sendMessageRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, apperr.Validation("malformed request body"))
	}
	serverID, queuedAt, err := s.messages.SendBuffered(c.Request().Context(), c.Param("id"), devID, toPayload(req))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusAccepted, bufferedMessageResponse{ServerID: serverID, Status: "queued", QueuedAt: queuedAt})
}

func (s *Server) handleListMessages(c echo.Context) error {
	convID := c.Param("id")
	ctx := c.Request().Context()
	since := c.QueryParam("since")
	if since == "" {
		msgs, err := s.messages.ListMessages(ctx, convID)
		if err != nil {
			return respondErr(c, err)
		}
		return c.JSON(http.StatusOK, toMessageResponses(msgs))
	}

	sinceTime, err := time.Parse(time.RFC3339, since)
	if err != nil {
		return respondErr(c, apperr.Validation("since must be an ISO-8601 timestamp: %v", err))
	}
	msgs, err := s.messages.ListMessagesSince(ctx, convID, sinceTime)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, toMessageResponses(msgs))
}

func toMessageResponses(msgs []core.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	return out
}

func (s *Server) handleConsumeMessage(c echo.Context) error {
	msg, err := s.messages.Consume(c.Request().Context(), c.Param("id"), c.Param("messageId"))
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, toMessageResponse(msg))
}

func (s *Server) handleUploadFile(c echo.Context) error {
	devID, err := deviceID(c)
	if err != nil {
		return respondErr(c, err)
	}
	if s.files == nil {
		return respondErr(c, apperr.ServiceUnavailable("file staging is not configured"))
	}
	var req uploadFileRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, apperr.Validation("malformed request body"))
	}

	conv, err := s.conversations.GetConversation(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondErr(c, err)
	}
	if !conv.IsLive(timeNow()) {
		return respondErr(c, apperr.Conflict("conversation is not live"))
	}
	active, err := s.conversations.IsActiveParticipant(c.Request().Context(), conv.ID, devID)
	if err != nil {
		return respondErr(c, err)
	}
	if !active {
		return respondErr(c, apperr.Forbidden("device is not an active participant"))
	}

	msg, err := s.files.Stage(c.Request().Context(), files.StageInput{
		ConversationID: conv.ID,
		DeviceID:       devID,
		Name:           req.Name,
		MimeType:       req.MimeType,
		ContentBase64:  req.ContentBase64,
		MessageType:    core.MessageType(req.MessageType),
		ExpiresAt:      conv.ExpiresAt,
	})
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusAccepted, toMessageResponse(msg))
}

func (s *Server) handleDownloadFile(c echo.Context) error {
	if s.files == nil {
		return respondErr(c, apperr.ServiceUnavailable("file staging is not configured"))
	}
	rc, meta, err := s.files.Download(c.Request().Context(), c.Param("fileId"))
	if err != nil {
		return respondErr(c, err)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentType, meta.MimeType)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(meta.Size, 10))
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := copyBody(c, rc)
	return copyErr
}

func (s *Server) handleRegisterToken(c echo.Context) error {
	devID, err := deviceID(c)
	if err != nil {
		return respondErr(c, err)
	}
	var req registerTokenRequest
	if err := c.Bind(&req); err != nil {
		return respondErr(c, apperr.Validation("malformed request body"))
	}
	if err := s.tokens.Register(c.Request().Context(), devID, req.OpaqueToken); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleLogout(c echo.Context) error {
	devID, err := deviceID(c)
	if err != nil {
		return respondErr(c, err)
	}
	if err := s.tokens.Logout(c.Request().Context(), devID); err != nil {
		return respondErr(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
