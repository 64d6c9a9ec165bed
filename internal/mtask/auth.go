package mtask

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	auth "kyri56xcaesar/collab-tasks/internal/authmw"
)

// identify runs after token verification and resolves the caller into a
// local user record, provisioning it on first use.
func (s *Server) identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		u, err := s.tasks.EnsureUser(c.Request.Context(),
			c.GetString(auth.CtxSubject),
			c.GetString(auth.CtxUsername),
			c.GetString(auth.CtxEmail))
		if err != nil {
			s.fail(c, err)
			return
		}
		c.Set(ctxActor, Actor{ID: u.ID, Username: u.Username})
		c.Next()
	}
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int    `json:"expiresIn"`
	User         *User  `json:"user,omitempty"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid input: "+err.Error())
		return
	}
	s.log.Debug().Stringer("req", req).Msg("register")

	ctx := c.Request.Context()
	u := &User{
		Username:    req.Username,
		Email:       req.Email,
		Preferences: Preferences{EmailNotifications: true},
	}

	if s.kc != nil {
		if _, err := s.tasks.FindUserByUsername(ctx, req.Username); err == nil {
			s.fail(c, conflict("username already taken"))
			return
		} else if !errors.Is(err, ErrNotFound) {
			s.fail(c, err)
			return
		}
		id, err := s.kc.Register(ctx, req.Username, req.Email, req.Password, s.cfg.UserGroup)
		if err != nil {
			s.log.Warn().Err(err).Str("username", req.Username).Msg("keycloak registration failed")
			s.fail(c, conflict("registration rejected by identity provider"))
			return
		}
		u.ID = id
		if err := s.tasks.RegisterUser(ctx, u); err != nil {
			s.kc.Rollback(ctx, "", id)
			s.fail(c, err)
			return
		}
		token, err := s.kc.LoginUser(ctx, req.Username, req.Password)
		if err != nil {
			respond(c, http.StatusCreated, "user registered, please log in", gin.H{"user": u})
			return
		}
		respond(c, http.StatusCreated, "user registered", tokenResponse{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresIn:    token.ExpiresIn,
			User:         u,
		})
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.fail(c, err)
		return
	}
	u.PasswordHash = string(hash)
	if err := s.tasks.RegisterUser(ctx, u); err != nil {
		s.fail(c, err)
		return
	}
	s.issueToken(c, http.StatusCreated, "user registered", u)
}

func (s *Server) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "username and password are required")
		return
	}
	ctx := c.Request.Context()

	if s.kc != nil {
		token, err := s.kc.LoginUser(ctx, req.Username, req.Password)
		if err != nil {
			unauthorized(c)
			return
		}
		respond(c, http.StatusOK, "logged in", tokenResponse{
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresIn:    token.ExpiresIn,
		})
		return
	}

	u, err := s.tasks.FindUserByUsername(ctx, req.Username)
	if errors.Is(err, ErrNotFound) {
		unauthorized(c)
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	if u.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		unauthorized(c)
		return
	}
	s.issueToken(c, http.StatusOK, "logged in", u)
}

func (s *Server) issueToken(c *gin.Context, status int, message string, u *User) {
	token, exp, err := s.auth.Issue(u.ID, u.Username, u.Email)
	if err != nil {
		s.fail(c, err)
		return
	}
	respond(c, status, message, tokenResponse{
		AccessToken: token,
		ExpiresIn:   int(time.Until(exp).Seconds()),
		User:        u,
	})
}

func unauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid credentials"})
}
