package controllers

import (
	"errors"
	"net/http"

	"microlearn/middleware"
	"microlearn/models"
	"microlearn/services"
	"microlearn/utils"

	"github.com/gin-gonic/gin"
)

type AuthController struct {
	userService *services.UserService
	log         *utils.Logger
}

func NewAuthController(userService *services.UserService, log *utils.Logger) *AuthController {
	if log == nil {
		log = utils.NewNopLogger()
	}
	return &AuthController{userService: userService, log: log.With("controller", "AuthController")}
}

// Register godoc
// @Summary Register a local account
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.CreateUserRequest true "Account"
// @Success 201 {object} models.AuthResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /auth/register [post]
func (ac *AuthController) Register(c *gin.Context) {
	var req models.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Kind: "invalid_input"})
		return
	}

	resp, err := ac.userService.Register(c.Request.Context(), &req)
	if errors.Is(err, services.ErrUserExists) {
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: "User with this email already exists", Kind: "conflict"})
		return
	}
	if err != nil {
		ac.log.Error("register failed", "error", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to create user", Kind: "internal"})
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// Login godoc
// @Summary Log in and receive a JWT
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.LoginRequest true "Credentials"
// @Success 200 {object} models.AuthResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /auth/login [post]
func (ac *AuthController) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), Kind: "invalid_input"})
		return
	}

	resp, err := ac.userService.Login(c.Request.Context(), &req)
	if errors.Is(err, services.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Invalid credentials", Kind: "unauthenticated"})
		return
	}
	if err != nil {
		ac.log.Error("login failed", "error", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to log in", Kind: "internal"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Me godoc
// @Summary Current user
// @Tags auth
// @Produce json
// @Success 200 {object} models.User
// @Failure 401 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /auth/me [get]
func (ac *AuthController) Me(c *gin.Context) {
	identity, ok := middleware.Identity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "Unauthorized", Kind: "unauthenticated"})
		return
	}

	user, err := ac.userService.ResolveIdentity(c.Request.Context(), identity)
	if err != nil {
		ac.log.Error("resolve identity failed", "identity", identity, "error", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "Failed to load user", Kind: "internal"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": user})
}
