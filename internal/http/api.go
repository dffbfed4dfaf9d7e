package http

import (
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"task-manager/internal/auth"
	"task-manager/internal/domain"
	"task-manager/internal/service"
	"task-manager/internal/storage"
)

// TokenVerifier checks a bearer token and returns its claims.
type TokenVerifier interface {
	Verify(raw string) (*auth.Claims, error)
}

// Options configures a Handler. Archive may be nil.
type Options struct {
	Users      service.UserService
	Tasks      service.TaskService
	Tokens     TokenVerifier
	Archive    storage.Service
	LoginRate  rate.Limit
	LoginBurst int
	Logger     logrus.FieldLogger
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	users   service.UserService
	tasks   service.TaskService
	tokens  TokenVerifier
	archive storage.Service
	limiter *ipLimiter
	logger  logrus.FieldLogger
}

func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	h := &Handler{
		users:   opts.Users,
		tasks:   opts.Tasks,
		tokens:  opts.Tokens,
		archive: opts.Archive,
		logger:  logger.WithField("component", "http"),
	}
	if opts.LoginRate > 0 {
		h.limiter = newIPLimiter(opts.LoginRate, opts.LoginBurst)
	}
	return h
}

// route describes one endpoint. Routes with roles must also require auth.
type route struct {
	method  string
	path    string
	auth    bool
	limited bool
	roles   []domain.Role
	handler gin.HandlerFunc
}

func (h *Handler) routes() []route {
	admin := []domain.Role{domain.RoleAdmin}
	return []route{
		{method: http.MethodPost, path: "/auth/register", limited: true, handler: h.register},
		{method: http.MethodPost, path: "/auth/login", limited: true, handler: h.login},
		{method: http.MethodGet, path: "/auth/me", auth: true, handler: h.me},
		{method: http.MethodPatch, path: "/auth/users/:id", auth: true, roles: admin, handler: h.updateUser},

		{method: http.MethodPost, path: "/tasks", auth: true, handler: h.createTask},
		{method: http.MethodGet, path: "/tasks", auth: true, roles: admin, handler: h.listTasks},
		{method: http.MethodGet, path: "/tasks/user", auth: true, handler: h.listUserTasks},
		{method: http.MethodGet, path: "/tasks/search", auth: true, handler: h.searchTasks},
		{method: http.MethodGet, path: "/tasks/archive", auth: true, roles: admin, handler: h.listArchive},
		{method: http.MethodGet, path: "/tasks/:id", handler: h.getTask},
		{method: http.MethodPatch, path: "/tasks/:id", auth: true, handler: h.updateTask},
		{method: http.MethodDelete, path: "/tasks/:id", auth: true, handler: h.deleteTask},

		{method: http.MethodGet, path: "/health", handler: func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		}},
		{method: http.MethodGet, path: "/metrics", handler: gin.WrapH(promhttp.Handler())},
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) error {
	if err := registerValidation(); err != nil {
		return err
	}

	router.Use(corsMiddleware(), requestLogger(h.logger))
	return h.mount(router, h.routes())
}

// mount registers routes on router. A route with roles but no auth is rejected.
func (h *Handler) mount(router gin.IRoutes, routes []route) error {
	for _, r := range routes {
		if len(r.roles) > 0 && !r.auth {
			return fmt.Errorf("route %s %s requires roles without authentication", r.method, r.path)
		}
	}
	for _, r := range routes {
		chain := make([]gin.HandlerFunc, 0, 4)
		if r.limited && h.limiter != nil {
			chain = append(chain, h.rateLimit)
		}
		if r.auth {
			chain = append(chain, h.authenticate)
		}
		if len(r.roles) > 0 {
			chain = append(chain, h.requireRoles(r.roles))
		}
		chain = append(chain, r.handler)
		router.Handle(r.method, r.path, chain...)
	}
	return nil
}

var (
	validationOnce sync.Once
	validationErr  error
)

// registerValidation installs the password rule and json field names on gin's validator.
func registerValidation() error {
	validationOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			validationErr = fmt.Errorf("unexpected binding validator %T", binding.Validator.Engine())
			return
		}
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validationErr = service.RegisterRules(v)
	})
	return validationErr
}

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6,max=50,password,pwbytes"`
	FullName string `json:"fullName" binding:"required,min=1"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=6,max=50,password,pwbytes"`
}

type updateUserRequest struct {
	FullName *string  `json:"fullName" binding:"omitempty,min=1"`
	IsActive *bool    `json:"isActive"`
	Roles    []string `json:"roles"`
}

type createTaskRequest struct {
	Name        string     `json:"name" binding:"required,min=2"`
	Description string     `json:"description" binding:"required,min=2"`
	StartDate   *dateValue `json:"startDate"`
	DueDate     *dateValue `json:"dueDate"`
}

type updateTaskRequest struct {
	Name          *string    `json:"name" binding:"omitempty,min=2"`
	Description   *string    `json:"description" binding:"omitempty,min=2"`
	StartDate     *dateValue `json:"startDate"`
	DueDate       *dateValue `json:"dueDate"`
	CompletedDate *dateValue `json:"completedDate"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if !h.bind(c, &req) {
		return
	}

	token, err := h.users.Register(c.Request.Context(), service.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		FullName: req.FullName,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, TokenResponse{Token: token})
}

func (h *Handler) login(c *gin.Context) {
	var req loginRequest
	if !h.bind(c, &req) {
		return
	}

	token, err := h.users.Login(c.Request.Context(), service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: token})
}

func (h *Handler) me(c *gin.Context) {
	c.JSON(http.StatusOK, userToResponse(currentUser(c)))
}

func (h *Handler) updateUser(c *gin.Context) {
	id, ok := h.uuidParam(c)
	if !ok {
		return
	}
	var req updateUserRequest
	if !h.bind(c, &req) {
		return
	}

	user, err := h.users.UpdateUser(c.Request.Context(), id, service.UserPatch{
		FullName: req.FullName,
		IsActive: req.IsActive,
		Roles:    req.Roles,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, userToResponse(user))
}

func (h *Handler) createTask(c *gin.Context) {
	var req createTaskRequest
	if !h.bind(c, &req) {
		return
	}

	task, err := h.tasks.Create(c.Request.Context(), currentUser(c), service.CreateTaskInput{
		Name:        req.Name,
		Description: req.Description,
		StartDate:   req.StartDate.timePtr(),
		DueDate:     req.DueDate.timePtr(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, taskToResponse(*task))
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks, err := h.tasks.FindAll(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tasksToResponse(tasks))
}

func (h *Handler) listUserTasks(c *gin.Context) {
	tasks, err := h.tasks.ListForUser(c.Request.Context(), currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tasksToResponse(tasks))
}

func (h *Handler) searchTasks(c *gin.Context) {
	tasks, err := h.tasks.Search(c.Request.Context(), currentUser(c), c.Query("q"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tasksToResponse(tasks))
}

func (h *Handler) getTask(c *gin.Context) {
	id, ok := h.uuidParam(c)
	if !ok {
		return
	}

	task, err := h.tasks.FindOne(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

func (h *Handler) updateTask(c *gin.Context) {
	id, ok := h.uuidParam(c)
	if !ok {
		return
	}
	var req updateTaskRequest
	if !h.bind(c, &req) {
		return
	}

	task, err := h.tasks.Update(c.Request.Context(), id, service.UpdateTaskInput{
		Name:          req.Name,
		Description:   req.Description,
		StartDate:     req.StartDate.timePtr(),
		DueDate:       req.DueDate.timePtr(),
		CompletedDate: req.CompletedDate.timePtr(),
	}, currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

func (h *Handler) deleteTask(c *gin.Context) {
	id, ok := h.uuidParam(c)
	if !ok {
		return
	}

	task, err := h.tasks.Remove(c.Request.Context(), id, currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

func (h *Handler) listArchive(c *gin.Context) {
	if h.archive == nil {
		h.fail(c, storage.ErrDisabled)
		return
	}

	objects, err := h.archive.ListObjects(c.Request.Context(), c.Query("prefix"))
	if err != nil {
		h.fail(c, err)
		return
	}

	resp := make([]StorageObjectResponse, len(objects))
	for i := range objects {
		resp[i] = objectToResponse(objects[i])
	}
	c.JSON(http.StatusOK, resp)
}

// bind decodes the JSON body into req and answers 400 when it is malformed.
func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		abortWithError(c, http.StatusBadRequest, bindingMessage(err))
		return false
	}
	return true
}

func (h *Handler) uuidParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "Validation failed (uuid is expected)")
		return uuid.Nil, false
	}
	return id, true
}
