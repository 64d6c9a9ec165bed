package mtask

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const ctxActor = "tasks.actor"

func respond(c *gin.Context, status int, message string, data any) {
	body := gin.H{"success": true, "message": message}
	if data != nil {
		body["data"] = data
	}
	c.JSON(status, body)
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Stack().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": publicMessage(err)})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"success": false, "message": message})
}

func actorFrom(c *gin.Context) Actor {
	a, _ := c.Get(ctxActor)
	actor, _ := a.(Actor)
	return actor
}

func (s *Server) handleListTasks(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		badRequest(c, "page must be a positive integer")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit < 1 {
		badRequest(c, "limit must be a positive integer")
		return
	}

	out, err := s.tasks.ListTasksForUser(c.Request.Context(), actorFrom(c).ID, page, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "tasks retrieved", out)
}

func (s *Server) handleTaskCreate(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid input: "+err.Error())
		return
	}
	in, err := req.toInput()
	if err != nil {
		s.fail(c, err)
		return
	}

	t, err := s.tasks.CreateTask(c.Request.Context(), actorFrom(c), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondDetail(c, http.StatusCreated, "task created", t)
}

func (s *Server) handleTaskGet(c *gin.Context) {
	d, err := s.tasks.GetTaskDetail(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "task retrieved", d)
}

func (s *Server) handleTaskUpdate(c *gin.Context) {
	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid input: "+err.Error())
		return
	}
	upd, err := req.toUpdate()
	if err != nil {
		s.fail(c, err)
		return
	}

	t, err := s.tasks.UpdateTaskDetails(c.Request.Context(), actorFrom(c), c.Param("id"), upd)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondDetail(c, http.StatusOK, "task updated", t)
}

func (s *Server) handleTaskDelete(c *gin.Context) {
	if err := s.tasks.DeleteTask(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "task deleted", nil)
}

func (s *Server) handleStatusChange(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "status is required")
		return
	}

	t, err := s.tasks.ChangeStatus(c.Request.Context(), actorFrom(c), c.Param("id"), req.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondDetail(c, http.StatusOK, "status updated", t)
}

func (s *Server) handleCollaboratorAdd(c *gin.Context) {
	var req AddCollaboratorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "username is required")
		return
	}

	t, err := s.tasks.AddCollaborator(c.Request.Context(), actorFrom(c), c.Param("id"), req.Username, req.AssignedResponsibility)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondDetail(c, http.StatusOK, "collaborator added", t)
}

func (s *Server) handleCollaboratorRemove(c *gin.Context) {
	t, err := s.tasks.RemoveCollaborator(c.Request.Context(), actorFrom(c), c.Param("id"), c.Param("userId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondDetail(c, http.StatusOK, "collaborator removed", t)
}

func (s *Server) handleCommentCreate(c *gin.Context) {
	var req CommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "text is required")
		return
	}

	t, err := s.tasks.AddComment(c.Request.Context(), actorFrom(c), c.Param("id"), req.Text)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.respondDetail(c, http.StatusCreated, "comment added", t)
}

// respondDetail answers with the resolved form of t. A failed resolution
// still reports success since the mutation is already durable.
func (s *Server) respondDetail(c *gin.Context, status int, message string, t *Task) {
	d, err := s.tasks.Detail(c.Request.Context(), t)
	if err != nil {
		s.log.Warn().Err(err).Str("taskID", t.ID).Msg("resolve task users")
		respond(c, status, message, t)
		return
	}
	respond(c, status, message, d)
}

func (s *Server) handleUserSearch(c *gin.Context) {
	users, err := s.tasks.SearchUsers(c.Request.Context(), actorFrom(c), c.Query("username"))
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "users retrieved", users)
}

func (s *Server) handleProfileGet(c *gin.Context) {
	u, err := s.tasks.GetProfile(c.Request.Context(), actorFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "profile retrieved", u)
}

func (s *Server) handleProfileUpdate(c *gin.Context) {
	var req ProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid input: "+err.Error())
		return
	}

	u, err := s.tasks.UpdateProfile(c.Request.Context(), actorFrom(c), req.toUpdate())
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "profile updated successfully", u)
}

func (s *Server) handleNotificationList(c *gin.Context) {
	ns, err := s.tasks.ListNotifications(c.Request.Context(), actorFrom(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "notifications retrieved", ns)
}

func (s *Server) handleNotificationRead(c *gin.Context) {
	if err := s.tasks.MarkNotificationRead(c.Request.Context(), actorFrom(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	respond(c, http.StatusOK, "notification marked as read", nil)
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.tasks.Ping(c.Request.Context()); err != nil {
		s.log.Error().Err(err).Msg("health check: store unreachable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}
