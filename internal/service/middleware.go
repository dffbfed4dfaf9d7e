package service

import (
	"context"
	"time"

	"github.com/go-kit/kit/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"task-manager/internal/auth"
	"task-manager/internal/domain"
)

type TaskMiddleware func(TaskService) TaskService

type UserMiddleware func(UserService) UserService

// TaskLoggingMiddleware logs every task operation with its outcome.
func TaskLoggingMiddleware(logger logrus.FieldLogger) TaskMiddleware {
	return func(next TaskService) TaskService {
		return taskLogging{logger, next}
	}
}

type taskLogging struct {
	logger logrus.FieldLogger
	next   TaskService
}

func (mw taskLogging) log(method string, begin time.Time, user *domain.User, err error, fields logrus.Fields) {
	entry := mw.logger.WithFields(fields).WithFields(logrus.Fields{
		"method": method,
		"took":   time.Since(begin),
	})
	if user != nil {
		entry = entry.WithField("user_id", user.ID)
	}
	if err != nil {
		entry.WithError(err).Info("task call failed")
		return
	}
	entry.Debug("task call")
}

func (mw taskLogging) Create(ctx context.Context, owner *domain.User, in CreateTaskInput) (t *domain.Task, err error) {
	defer func(begin time.Time) {
		mw.log("Create", begin, owner, err, logrus.Fields{"name": in.Name})
	}(time.Now())
	return mw.next.Create(ctx, owner, in)
}

func (mw taskLogging) FindAll(ctx context.Context) (t []domain.Task, err error) {
	defer func(begin time.Time) {
		mw.log("FindAll", begin, nil, err, logrus.Fields{"count": len(t)})
	}(time.Now())
	return mw.next.FindAll(ctx)
}

func (mw taskLogging) FindOne(ctx context.Context, id uuid.UUID) (t *domain.Task, err error) {
	defer func(begin time.Time) {
		mw.log("FindOne", begin, nil, err, logrus.Fields{"task_id": id})
	}(time.Now())
	return mw.next.FindOne(ctx, id)
}

func (mw taskLogging) ListForUser(ctx context.Context, user *domain.User) (t []domain.Task, err error) {
	defer func(begin time.Time) {
		mw.log("ListForUser", begin, user, err, logrus.Fields{"count": len(t)})
	}(time.Now())
	return mw.next.ListForUser(ctx, user)
}

func (mw taskLogging) Search(ctx context.Context, user *domain.User, query string) (t []domain.Task, err error) {
	defer func(begin time.Time) {
		mw.log("Search", begin, user, err, logrus.Fields{"query": query, "count": len(t)})
	}(time.Now())
	return mw.next.Search(ctx, user, query)
}

func (mw taskLogging) Update(ctx context.Context, id uuid.UUID, in UpdateTaskInput, user *domain.User) (t *domain.Task, err error) {
	defer func(begin time.Time) {
		mw.log("Update", begin, user, err, logrus.Fields{"task_id": id})
	}(time.Now())
	return mw.next.Update(ctx, id, in, user)
}

func (mw taskLogging) Remove(ctx context.Context, id uuid.UUID, user *domain.User) (t *domain.Task, err error) {
	defer func(begin time.Time) {
		mw.log("Remove", begin, user, err, logrus.Fields{"task_id": id})
	}(time.Now())
	return mw.next.Remove(ctx, id, user)
}

// UserLoggingMiddleware logs every user operation with its outcome. Passwords and tokens
// are never logged.
func UserLoggingMiddleware(logger logrus.FieldLogger) UserMiddleware {
	return func(next UserService) UserService {
		return userLogging{logger, next}
	}
}

type userLogging struct {
	logger logrus.FieldLogger
	next   UserService
}

func (mw userLogging) log(method string, begin time.Time, err error, fields logrus.Fields) {
	entry := mw.logger.WithFields(fields).WithFields(logrus.Fields{
		"method": method,
		"took":   time.Since(begin),
	})
	if err != nil {
		entry.WithError(err).Info("user call failed")
		return
	}
	entry.Debug("user call")
}

func (mw userLogging) Register(ctx context.Context, in RegisterInput) (token string, err error) {
	defer func(begin time.Time) {
		mw.log("Register", begin, err, logrus.Fields{"email": domain.NormalizeEmail(in.Email)})
	}(time.Now())
	return mw.next.Register(ctx, in)
}

func (mw userLogging) Login(ctx context.Context, in LoginInput) (token string, err error) {
	defer func(begin time.Time) {
		mw.log("Login", begin, err, logrus.Fields{"email": domain.NormalizeEmail(in.Email)})
	}(time.Now())
	return mw.next.Login(ctx, in)
}

func (mw userLogging) Resolve(ctx context.Context, claims *auth.Claims) (u *domain.User, err error) {
	defer func(begin time.Time) {
		fields := logrus.Fields{}
		if claims != nil {
			fields["user_id"] = claims.UserID
		}
		mw.log("Resolve", begin, err, fields)
	}(time.Now())
	return mw.next.Resolve(ctx, claims)
}

func (mw userLogging) UpdateUser(ctx context.Context, id uuid.UUID, patch UserPatch) (u *domain.User, err error) {
	defer func(begin time.Time) {
		mw.log("UpdateUser", begin, err, logrus.Fields{"user_id": id, "roles": patch.Roles})
	}(time.Now())
	return mw.next.UpdateUser(ctx, id, patch)
}

func (mw userLogging) EnsureAdmin(ctx context.Context, email, password string) (created bool, err error) {
	defer func(begin time.Time) {
		mw.log("EnsureAdmin", begin, err, logrus.Fields{"email": domain.NormalizeEmail(email), "created": created})
	}(time.Now())
	return mw.next.EnsureAdmin(ctx, email, password)
}

// TaskInstrumentingMiddleware counts task calls and records their latency.
func TaskInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram) TaskMiddleware {
	return func(next TaskService) TaskService {
		return taskInstrumenting{instruments{counter, latency}, next}
	}
}

// UserInstrumentingMiddleware counts user calls and records their latency.
func UserInstrumentingMiddleware(counter metrics.Counter, latency metrics.Histogram) UserMiddleware {
	return func(next UserService) UserService {
		return userInstrumenting{instruments{counter, latency}, next}
	}
}

type instruments struct {
	requestCount   metrics.Counter
	requestLatency metrics.Histogram
}

func (in instruments) observe(method string, begin time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	in.requestCount.With("method", method, "outcome", outcome).Add(1)
	in.requestLatency.With("method", method, "outcome", outcome).Observe(time.Since(begin).Seconds())
}

type taskInstrumenting struct {
	instruments
	next TaskService
}

func (mw taskInstrumenting) Create(ctx context.Context, owner *domain.User, in CreateTaskInput) (t *domain.Task, err error) {
	defer func(begin time.Time) { mw.observe("create_task", begin, err) }(time.Now())
	return mw.next.Create(ctx, owner, in)
}

func (mw taskInstrumenting) FindAll(ctx context.Context) (t []domain.Task, err error) {
	defer func(begin time.Time) { mw.observe("find_all_tasks", begin, err) }(time.Now())
	return mw.next.FindAll(ctx)
}

func (mw taskInstrumenting) FindOne(ctx context.Context, id uuid.UUID) (t *domain.Task, err error) {
	defer func(begin time.Time) { mw.observe("find_task", begin, err) }(time.Now())
	return mw.next.FindOne(ctx, id)
}

func (mw taskInstrumenting) ListForUser(ctx context.Context, user *domain.User) (t []domain.Task, err error) {
	defer func(begin time.Time) { mw.observe("list_user_tasks", begin, err) }(time.Now())
	return mw.next.ListForUser(ctx, user)
}

func (mw taskInstrumenting) Search(ctx context.Context, user *domain.User, query string) (t []domain.Task, err error) {
	defer func(begin time.Time) { mw.observe("search_tasks", begin, err) }(time.Now())
	return mw.next.Search(ctx, user, query)
}

func (mw taskInstrumenting) Update(ctx context.Context, id uuid.UUID, in UpdateTaskInput, user *domain.User) (t *domain.Task, err error) {
	defer func(begin time.Time) { mw.observe("update_task", begin, err) }(time.Now())
	return mw.next.Update(ctx, id, in, user)
}

func (mw taskInstrumenting) Remove(ctx context.Context, id uuid.UUID, user *domain.User) (t *domain.Task, err error) {
	defer func(begin time.Time) { mw.observe("remove_task", begin, err) }(time.Now())
	return mw.next.Remove(ctx, id, user)
}

type userInstrumenting struct {
	instruments
	next UserService
}

func (mw userInstrumenting) Register(ctx context.Context, in RegisterInput) (token string, err error) {
	defer func(begin time.Time) { mw.observe("register", begin, err) }(time.Now())
	return mw.next.Register(ctx, in)
}

func (mw userInstrumenting) Login(ctx context.Context, in LoginInput) (token string, err error) {
	defer func(begin time.Time) { mw.observe("login", begin, err) }(time.Now())
	return mw.next.Login(ctx, in)
}

func (mw userInstrumenting) Resolve(ctx context.Context, claims *auth.Claims) (u *domain.User, err error) {
	defer func(begin time.Time) { mw.observe("resolve", begin, err) }(time.Now())
	return mw.next.Resolve(ctx, claims)
}

func (mw userInstrumenting) UpdateUser(ctx context.Context, id uuid.UUID, patch UserPatch) (u *domain.User, err error) {
	defer func(begin time.Time) { mw.observe("update_user", begin, err) }(time.Now())
	return mw.next.UpdateUser(ctx, id, patch)
}

func (mw userInstrumenting) EnsureAdmin(ctx context.Context, email, password string) (created bool, err error) {
	defer func(begin time.Time) { mw.observe("ensure_admin", begin, err) }(time.Now())
	return mw.next.EnsureAdmin(ctx, email, password)
}
